package session

import (
	"errors"
	"fmt"
	"time"
)

// DefaultConv is the conversation id both peers use when none is configured. Every
// connection has its own connected socket, so the id does not need to be unique.
const DefaultConv uint32 = 0x52544E54

// _maxDatagramSize is the largest datagram a connection reads in one go.
const _maxDatagramSize = 1500

// Config tunes a KCP session.
type Config struct {
	Conv              uint32 `mapstructure:"conv"`              // conversation id, must match on both peers
	MTU               int    `mapstructure:"mtu"`               // largest datagram the engine emits, framing byte included
	SndWnd            int    `mapstructure:"sndWnd"`            // send window in segments
	RcvWnd            int    `mapstructure:"rcvWnd"`            // receive window in segments
	NoDelay           int    `mapstructure:"noDelay"`           // 1 enables nodelay mode
	Interval          int    `mapstructure:"interval"`          // internal flush interval in ms
	Resend            int    `mapstructure:"resend"`            // fast retransmit after this many skipped acks, 0 disables
	NoCongestion      int    `mapstructure:"noCongestion"`      // 1 disables congestion control
	AckNoDelay        bool   `mapstructure:"ackNoDelay"`        // flush acks as soon as input arrives
	SendThreshold     int    `mapstructure:"sendThreshold"`     // CanSend turns false at this many unacked segments
	DeadLinkTimeoutMs int    `mapstructure:"deadLinkTimeoutMs"` // 0 disables dead link detection
	// HandshakeIntervalMs is how often an unanswered SYN is repeated.
	HandshakeIntervalMs int `mapstructure:"handshakeIntervalMs"`
}

// DefaultConfig returns the low-latency profile.
func DefaultConfig() *Config {
	return &Config{
		Conv:              DefaultConv,
		MTU:               1400,
		SndWnd:            128,
		RcvWnd:            128,
		NoDelay:           1,
		Interval:          10,
		Resend:            2,
		NoCongestion:      1,
		AckNoDelay:        true,
		SendThreshold:     256,
		DeadLinkTimeoutMs: 30000,

		HandshakeIntervalMs: 100,
	}
}

// GetName returns the config key.
func (c *Config) GetName() string {
	return "session"
}

// Validate fills zero values from DefaultConfig and checks ranges.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.Conv == 0 {
		c.Conv = def.Conv
	}
	if c.MTU == 0 {
		c.MTU = def.MTU
	}
	if c.SndWnd == 0 {
		c.SndWnd = def.SndWnd
	}
	if c.RcvWnd == 0 {
		c.RcvWnd = def.RcvWnd
	}
	if c.Interval == 0 {
		c.Interval = def.Interval
	}
	if c.SendThreshold == 0 {
		c.SendThreshold = def.SendThreshold
	}
	if c.HandshakeIntervalMs == 0 {
		c.HandshakeIntervalMs = def.HandshakeIntervalMs
	}

	if c.MTU < 64 || c.MTU > _maxDatagramSize {
		return fmt.Errorf("mtu %d out of range [64, %d]", c.MTU, _maxDatagramSize)
	}
	if c.SndWnd < 0 || c.RcvWnd < 0 {
		return errors.New("window sizes cannot be negative")
	}
	if c.Interval < 10 || c.Interval > 5000 {
		return fmt.Errorf("interval %dms out of range [10, 5000]", c.Interval)
	}
	if c.Resend < 0 {
		return errors.New("resend cannot be negative")
	}
	if c.SendThreshold < 0 {
		return errors.New("sendThreshold cannot be negative")
	}
	if c.DeadLinkTimeoutMs < 0 {
		return errors.New("deadLinkTimeoutMs cannot be negative")
	}
	if c.HandshakeIntervalMs < 0 {
		return errors.New("handshakeIntervalMs cannot be negative")
	}
	return nil
}

// DeadLinkTimeout returns the dead link timeout, zero when disabled.
func (c *Config) DeadLinkTimeout() time.Duration {
	return time.Duration(c.DeadLinkTimeoutMs) * time.Millisecond
}

// HandshakeInterval returns the SYN repeat interval.
func (c *Config) HandshakeInterval() time.Duration {
	return time.Duration(c.HandshakeIntervalMs) * time.Millisecond
}
