// Package dispatcher routes decoded protobuf messages to the handlers registered for their
// type. Messages pass a filter chain first; the built-in filters drop blocked message names
// and enforce a receive rate.
package dispatcher

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/linchenxuan/realtinet/log"
	"github.com/linchenxuan/realtinet/metrics"
	"github.com/linchenxuan/realtinet/network/transport/udp"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

var (
	// ErrNoHandler means no handler is registered for the message type.
	ErrNoHandler = errors.New("dispatcher: no handler")
	// ErrRateLimited means the receive limiter had no token for the message.
	ErrRateLimited = errors.New("dispatcher: rate limited")
)

// DispatcherDelivery carries one decoded message through the filter chain.
type DispatcherDelivery struct {
	// Conn is the connection the message arrived on.
	Conn *udp.Connection
	// Msg is the decoded message.
	Msg proto.Message
	// ReceiveTime is the poll return time of the read that carried the message.
	ReceiveTime time.Time
}

// Name returns the full protobuf name of the message.
func (dd *DispatcherDelivery) Name() protoreflect.FullName {
	return dd.Msg.ProtoReflect().Descriptor().FullName()
}

// HandlerFunc processes one message. It runs on the connection's loop and must not block.
type HandlerFunc func(dd *DispatcherDelivery) error

// MsgFilterPluginCfg lists message names that are dropped before dispatch.
type MsgFilterPluginCfg struct {
	MsgFilter []string `mapstructure:"msgFilter"`
}

// GetName returns the configuration key for the message filter settings.
func (c *MsgFilterPluginCfg) GetName() string {
	return "msg_filter"
}

// Validate always succeeds.
func (c *MsgFilterPluginCfg) Validate() error {
	return nil
}

// DispatcherConfig holds the receive limit and the message filter.
type DispatcherConfig struct {
	// RecvRateLimit is the number of messages admitted per second across all connections.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
	// TokenBurst is the token bucket capacity.
	TokenBurst int `mapstructure:"tokenBurst"`
	// MsgFilter lists message names dropped before dispatch.
	MsgFilter MsgFilterPluginCfg `mapstructure:"msgFilter"`
}

// DefaultDispatcherConfig returns the configuration used when none is given.
func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		RecvRateLimit: 10000,
		TokenBurst:    1000,
	}
}

// GetName returns the configuration key for the dispatcher settings.
func (c *DispatcherConfig) GetName() string {
	return "dispatcher"
}

// Validate checks if the dispatcher configuration parameters are within acceptable ranges.
func (c *DispatcherConfig) Validate() error {
	if c.RecvRateLimit <= 0 {
		return fmt.Errorf("RecvRateLimit must be positive")
	}
	if c.TokenBurst <= 0 {
		return fmt.Errorf("TokenBurst must be positive")
	}
	if c.RecvRateLimit > 1000000 {
		return fmt.Errorf("RecvRateLimit cannot exceed 1,000,000 messages per second")
	}
	if c.TokenBurst > c.RecvRateLimit*10 {
		return fmt.Errorf("TokenBurst cannot exceed 10 times RecvRateLimit")
	}
	return nil
}

// Dispatcher maps message names to handlers. Handlers and filters are registered during
// initialization; Reload and Dispatch are safe for concurrent use from any loop.
type Dispatcher struct {
	handlers     map[protoreflect.FullName]HandlerFunc
	recvLimiter  *DispatcherRecvLimiter
	filters      DispatcherFilterChain
	msgFilterMap map[string]struct{}

	config *DispatcherConfig
	lock   sync.RWMutex // guards msgFilterMap and config
}

// NewDispatcher creates a dispatcher. A nil cfg uses DefaultDispatcherConfig.
func NewDispatcher(cfg *DispatcherConfig) (*Dispatcher, error) {
	if cfg == nil {
		cfg = DefaultDispatcherConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dispatcher configuration: %w", err)
	}

	d := &Dispatcher{
		handlers:    make(map[protoreflect.FullName]HandlerFunc),
		recvLimiter: NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst),
		config:      cfg,
	}
	d.reloadMsgFilterCfg(&cfg.MsgFilter)

	// Filters run in the order they are added.
	d.filters = append(d.filters, d.msgFilter)
	d.filters = append(d.filters, d.recvLimiter.recvLimiterFilter)
	return d, nil
}

// Register binds h to the type of m. Only one handler per type is allowed.
func (d *Dispatcher) Register(m proto.Message, h HandlerFunc) error {
	if m == nil || h == nil {
		return errors.New("Register: message and handler are required")
	}
	name := m.ProtoReflect().Descriptor().FullName()
	if _, ok := d.handlers[name]; ok {
		return fmt.Errorf("Register: a handler for %s is already registered", name)
	}
	d.handlers[name] = h
	return nil
}

// Use appends f to the filter chain after the built-in filters.
func (d *Dispatcher) Use(f DispatcherFilter) {
	if f != nil {
		d.filters = append(d.filters, f)
	}
}

// Reload swaps the receive limit and the message filter.
func (d *Dispatcher) Reload(cfg *DispatcherConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid dispatcher configuration: %w", err)
	}
	d.lock.Lock()
	d.config = cfg
	d.reloadMsgFilterCfg(&cfg.MsgFilter)
	d.lock.Unlock()

	d.recvLimiter.Reload(cfg.RecvRateLimit, cfg.TokenBurst)
	log.Info().Int("recvRateLimit", cfg.RecvRateLimit).Int("tokenBurst", cfg.TokenBurst).
		Int("msgFilter", len(cfg.MsgFilter.MsgFilter)).Msg("dispatcher reloaded")
	return nil
}

// Config returns the configuration currently in force.
func (d *Dispatcher) Config() *DispatcherConfig {
	d.lock.RLock()
	defer d.lock.RUnlock()
	return d.config
}

// Dispatch runs dd through the filter chain and the handler for its type.
func (d *Dispatcher) Dispatch(dd *DispatcherDelivery) error {
	return d.filters.Handle(dd, d.handleMsgImpl)
}

// OnMessage adapts the dispatcher to the codec's handler signature.
func (d *Dispatcher) OnMessage(c *udp.Connection, msg proto.Message, receiveTime time.Time) {
	dd := &DispatcherDelivery{Conn: c, Msg: msg, ReceiveTime: receiveTime}
	if err := d.Dispatch(dd); err != nil {
		log.Warn().Str("conn", c.Name()).Str("msg", string(dd.Name())).Err(err).Msg("dispatch failed")
	}
}

// handleMsgImpl is the last step of the chain.
func (d *Dispatcher) handleMsgImpl(dd *DispatcherDelivery) error {
	name := dd.Name()
	h, ok := d.handlers[name]
	if !ok {
		dropped("no_handler")
		return fmt.Errorf("%w for %s", ErrNoHandler, name)
	}
	metrics.IncrCounterWithGroup(metrics.NameDispatchTotal, metrics.GroupRealtinet, 1)
	return h(dd)
}

func dropped(reason string) {
	metrics.IncrCounterWithDimGroup(metrics.NameDispatchDropTotal, metrics.GroupRealtinet, 1,
		metrics.Dimension{metrics.DimReason: reason})
}
