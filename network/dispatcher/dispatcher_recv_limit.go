package dispatcher

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// DispatcherRecvLimiter is a token bucket shared by every connection feeding the
// dispatcher. Messages without a token are dropped; loops never wait for one.
type DispatcherRecvLimiter struct {
	// swapped whole on Reload so concurrent callers see the old or the new bucket
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter creates a limiter admitting limit messages per second with the given
// burst.
func NewTokenRecvLimiter(limit int, burst int) *DispatcherRecvLimiter {
	l := &DispatcherRecvLimiter{}
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
	return l
}

// Allow reports whether a token was available and takes it.
func (l *DispatcherRecvLimiter) Allow() bool {
	return l.limiter.Load().Allow()
}

// Reload replaces the bucket. The new bucket starts full.
func (l *DispatcherRecvLimiter) Reload(limit int, burst int) {
	l.limiter.Store(rate.NewLimiter(rate.Limit(limit), burst))
}

func (l *DispatcherRecvLimiter) recvLimiterFilter(dd *DispatcherDelivery, f DispatcherFilterHandleFunc) error {
	if !l.Allow() {
		dropped("rate_limited")
		return ErrRateLimited
	}
	return f(dd)
}
