package udp

import (
	"errors"
	"time"

	"github.com/linchenxuan/realtinet/network/session"
)

// ServerCfg configures a Server.
type ServerCfg struct {
	Tag            string          `mapstructure:"tag"`            // plugin instance tag
	Name           string          `mapstructure:"name"`           // prefix of connection names and loop names
	Addr           string          `mapstructure:"addr"`           // listen address, host:port
	LoopNum        int             `mapstructure:"loopNum"`        // I/O loops; 0 runs connections on the base loop
	TickIntervalMs int             `mapstructure:"tickIntervalMs"` // session tick period
	Reliable       bool            `mapstructure:"reliable"`       // run a session on every accepted connection
	AcceptRate     float64         `mapstructure:"acceptRate"`     // new peers admitted per second, 0 for no limit
	AcceptBurst    int             `mapstructure:"acceptBurst"`    // token bucket depth for AcceptRate
	MaxConns       int             `mapstructure:"maxConns"`       // 0 for no limit
	Session        *session.Config `mapstructure:"session"`        // session tuning, defaults when absent
}

// GetName returns the config key.
func (c *ServerCfg) GetName() string {
	return "udp_server"
}

// Validate fills defaults and checks ranges.
func (c *ServerCfg) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.Name == "" {
		c.Name = "udp_server"
	}
	if c.LoopNum < 0 {
		return errors.New("loopNum cannot be negative")
	}
	if c.TickIntervalMs < 0 {
		return errors.New("tickIntervalMs cannot be negative")
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return errors.New("acceptRate and acceptBurst cannot be negative")
	}
	if c.AcceptRate > 0 && c.AcceptBurst == 0 {
		c.AcceptBurst = max(1, int(c.AcceptRate))
	}
	if c.MaxConns < 0 {
		return errors.New("maxConns cannot be negative")
	}
	if c.Session == nil {
		c.Session = session.DefaultConfig()
	}
	return c.Session.Validate()
}

// TickInterval returns the configured tick period or DefaultTickInterval.
func (c *ServerCfg) TickInterval() time.Duration {
	return tickInterval(c.TickIntervalMs)
}

// ClientCfg configures a Client.
type ClientCfg struct {
	// Tag is the plugin instance tag.
	Tag string `mapstructure:"tag"`
	// Name prefixes the connection name in logs.
	Name string `mapstructure:"name"`
	// Addr is the server address, host:port.
	Addr string `mapstructure:"addr"`
	// TickIntervalMs is the session update period in milliseconds.
	TickIntervalMs int `mapstructure:"tickIntervalMs"`
	// Reliable runs the connection over a KCP session.
	Reliable bool `mapstructure:"reliable"`
	// Session tunes the KCP session. Nil uses the defaults.
	Session *session.Config `mapstructure:"session"`
}

// GetName returns the config key.
func (c *ClientCfg) GetName() string {
	return "udp_client"
}

// Validate fills defaults and checks ranges.
func (c *ClientCfg) Validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.Name == "" {
		c.Name = "udp_client"
	}
	if c.TickIntervalMs < 0 {
		return errors.New("tickIntervalMs cannot be negative")
	}
	if c.Session == nil {
		c.Session = session.DefaultConfig()
	}
	return c.Session.Validate()
}

// TickInterval returns the configured tick period or DefaultTickInterval.
func (c *ClientCfg) TickInterval() time.Duration {
	return tickInterval(c.TickIntervalMs)
}

func tickInterval(ms int) time.Duration {
	if ms <= 0 {
		return DefaultTickInterval
	}
	return time.Duration(ms) * time.Millisecond
}
