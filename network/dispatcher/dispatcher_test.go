package dispatcher

import (
	"errors"
	"testing"
	"time"

	"github.com/linchenxuan/realtinet/metrics"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type testReceiver struct {
	t      *testing.T
	err    error
	called int
	last   string
}

func (r *testReceiver) handle(dd *DispatcherDelivery) error {
	r.called++
	if r.err != nil {
		return r.err
	}
	msg, ok := dd.Msg.(*wrapperspb.StringValue)
	if !ok {
		r.t.Fatalf("message type mismatch: got %T", dd.Msg)
	}
	if dd.ReceiveTime.IsZero() {
		r.t.Fatalf("expected receive time")
	}
	r.last = msg.GetValue()
	return nil
}

func newTestDispatcher(t *testing.T, cfg *DispatcherConfig) (*Dispatcher, *testReceiver, *metrics.MemoryReporter) {
	t.Helper()
	d, err := NewDispatcher(cfg)
	if err != nil {
		t.Fatalf("NewDispatcher failed: %v", err)
	}
	r := &testReceiver{t: t}
	if err := d.Register(&wrapperspb.StringValue{}, r.handle); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	m := metrics.NewMemoryReporter()
	metrics.AddMetricsReporter(m)
	t.Cleanup(func() { metrics.RemoveMetricsReporter(m) })
	return d, r, m
}

func delivery(v string) *DispatcherDelivery {
	return &DispatcherDelivery{Msg: wrapperspb.String(v), ReceiveTime: time.Now()}
}

func dropCount(m *metrics.MemoryReporter, reason string) metrics.Value {
	return m.Value(metrics.GroupRealtinet, metrics.NameDispatchDropTotal, metrics.Dimension{metrics.DimReason: reason})
}

func TestDispatchRoutesByMessageName(t *testing.T) {
	d, r, m := newTestDispatcher(t, nil)

	if err := d.Dispatch(delivery("hello")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if r.called != 1 || r.last != "hello" {
		t.Fatalf("handler got called=%d last=%q", r.called, r.last)
	}
	if got := m.Value(metrics.GroupRealtinet, metrics.NameDispatchTotal, nil); got != 1 {
		t.Fatalf("dispatch_total = %v, want 1", got)
	}

	err := d.Dispatch(&DispatcherDelivery{Msg: wrapperspb.Int32(7), ReceiveTime: time.Now()})
	if !errors.Is(err, ErrNoHandler) {
		t.Fatalf("expected ErrNoHandler, got %v", err)
	}
	if got := dropCount(m, "no_handler"); got != 1 {
		t.Fatalf("no_handler drops = %v, want 1", got)
	}
}

func TestDispatchReturnsHandlerError(t *testing.T) {
	d, r, _ := newTestDispatcher(t, nil)
	r.err = errors.New("boom")

	if err := d.Dispatch(delivery("x")); !errors.Is(err, r.err) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	d, r, _ := newTestDispatcher(t, nil)

	if err := d.Register(&wrapperspb.StringValue{}, r.handle); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := d.Register(nil, r.handle); err == nil {
		t.Fatal("expected nil message to fail")
	}
	if err := d.Register(&wrapperspb.BoolValue{}, nil); err == nil {
		t.Fatal("expected nil handler to fail")
	}
}

func TestMsgFilterDropsBlockedNames(t *testing.T) {
	cfg := DefaultDispatcherConfig()
	cfg.MsgFilter.MsgFilter = []string{"google.protobuf.StringValue"}
	d, r, m := newTestDispatcher(t, cfg)

	if err := d.Dispatch(delivery("blocked")); err != nil {
		t.Fatalf("filtered message should not error, got %v", err)
	}
	if r.called != 0 {
		t.Fatalf("handler called %d times for a blocked message", r.called)
	}
	if got := dropCount(m, "filtered"); got != 1 {
		t.Fatalf("filtered drops = %v, want 1", got)
	}

	if err := d.Reload(DefaultDispatcherConfig()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if err := d.Dispatch(delivery("open")); err != nil {
		t.Fatalf("Dispatch after reload failed: %v", err)
	}
	if r.called != 1 {
		t.Fatalf("handler called %d times after reload, want 1", r.called)
	}
}

func TestRecvLimiterDropsWithoutWaiting(t *testing.T) {
	d, r, m := newTestDispatcher(t, &DispatcherConfig{RecvRateLimit: 1, TokenBurst: 1})

	if err := d.Dispatch(delivery("first")); err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	start := time.Now()
	if err := d.Dispatch(delivery("second")); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("limiter blocked the caller")
	}
	if r.called != 1 {
		t.Fatalf("handler called %d times, want 1", r.called)
	}
	if got := dropCount(m, "rate_limited"); got != 1 {
		t.Fatalf("rate_limited drops = %v, want 1", got)
	}

	if err := d.Reload(&DispatcherConfig{RecvRateLimit: 1000, TokenBurst: 100}); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if err := d.Dispatch(delivery("third")); err != nil {
		t.Fatalf("dispatch after reload failed: %v", err)
	}
	if d.Config().TokenBurst != 100 {
		t.Fatalf("config not swapped: %+v", d.Config())
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	d, _, _ := newTestDispatcher(t, nil)
	before := d.Config()

	if err := d.Reload(&DispatcherConfig{RecvRateLimit: 0, TokenBurst: 1}); err == nil {
		t.Fatal("expected invalid config to fail")
	}
	if d.Config() != before {
		t.Fatal("invalid reload replaced the config")
	}
}

func TestFilterChainOrder(t *testing.T) {
	d, r, _ := newTestDispatcher(t, nil)

	var order []string
	d.Use(func(dd *DispatcherDelivery, next DispatcherFilterHandleFunc) error {
		order = append(order, "first")
		return next(dd)
	})
	d.Use(func(dd *DispatcherDelivery, next DispatcherFilterHandleFunc) error {
		order = append(order, "second")
		if dd.Msg.(*wrapperspb.StringValue).GetValue() == "stop" {
			return nil
		}
		return next(dd)
	})

	if err := d.Dispatch(delivery("go")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := d.Dispatch(delivery("stop")); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(order) != 4 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected filter order %v", order)
	}
	if r.called != 1 {
		t.Fatalf("handler called %d times, want 1", r.called)
	}

	var empty DispatcherFilterChain
	called := false
	_ = empty.Handle(delivery("x"), func(*DispatcherDelivery) error { called = true; return nil })
	if !called {
		t.Fatal("empty chain must call the final handler")
	}
}

func TestDispatcherConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DispatcherConfig
		wantErr bool
	}{
		{"Default", *DefaultDispatcherConfig(), false},
		{"ZeroRate", DispatcherConfig{RecvRateLimit: 0, TokenBurst: 1}, true},
		{"ZeroBurst", DispatcherConfig{RecvRateLimit: 1, TokenBurst: 0}, true},
		{"RateTooHigh", DispatcherConfig{RecvRateLimit: 1000001, TokenBurst: 1}, true},
		{"BurstTooHigh", DispatcherConfig{RecvRateLimit: 1, TokenBurst: 11}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.cfg.Validate(); (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if _, err := NewDispatcher(&DispatcherConfig{}); err == nil {
		t.Fatal("NewDispatcher accepted an invalid config")
	}
}
