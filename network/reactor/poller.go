package reactor

import (
	"errors"
	"time"
)

// ErrUnsupportedPlatform is returned where no readiness poller exists for the OS.
var ErrUnsupportedPlatform = errors.New("reactor: unsupported platform")

// poller is the OS readiness multiplexer behind an EventLoop. Only the loop goroutine
// calls it.
type poller interface {
	// poll blocks up to timeout and appends the channels that became ready.
	poll(timeout time.Duration, active []*Channel) ([]*Channel, time.Time, error)
	updateChannel(c *Channel) error
	removeChannel(c *Channel) error
	hasChannel(c *Channel) bool
	close() error
}
