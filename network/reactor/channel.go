package reactor

import (
	"strings"
	"time"
)

// Readiness bits. The values are the epoll ones so the Linux poller passes them through.
const (
	EventIn    uint32 = 0x1
	EventPri   uint32 = 0x2
	EventOut   uint32 = 0x4
	EventErr   uint32 = 0x8
	EventHup   uint32 = 0x10
	EventRdHup uint32 = 0x2000

	noneEvent  uint32 = 0
	readEvent         = EventIn | EventPri
	writeEvent        = EventOut
)

// Channel binds one file descriptor to a loop and dispatches its readiness events to
// callbacks on the loop goroutine. A Channel does not own the descriptor; whoever
// created the descriptor closes it after Remove.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32 // interest set
	revents uint32 // last reported readiness
	added   bool   // registered with the poller

	readCallback  func(ts time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

// NewChannel creates a channel for fd. Nothing is registered until an Enable call.
func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{loop: loop, fd: fd}
}

// SetReadCallback installs the handler for readable events. ts is the poll return time.
// Callbacks are set before the channel is first enabled.
func (c *Channel) SetReadCallback(cb func(ts time.Time)) { c.readCallback = cb }

// SetWriteCallback installs the handler for writable events.
func (c *Channel) SetWriteCallback(cb func()) { c.writeCallback = cb }

// SetCloseCallback installs the handler for hang-up without pending input.
func (c *Channel) SetCloseCallback(cb func()) { c.closeCallback = cb }

// SetErrorCallback installs the handler for EPOLLERR.
func (c *Channel) SetErrorCallback(cb func()) { c.errorCallback = cb }

// Fd returns the watched descriptor.
func (c *Channel) Fd() int { return c.fd }

// Loop returns the owning loop.
func (c *Channel) Loop() *EventLoop { return c.loop }

// Events returns the interest set.
func (c *Channel) Events() uint32 { return c.events }

// IsNoneEvent reports whether the channel is interested in nothing.
func (c *Channel) IsNoneEvent() bool { return c.events == noneEvent }

// IsReading reports whether read interest is set.
func (c *Channel) IsReading() bool { return c.events&readEvent != 0 }

// IsWriting reports whether write interest is set.
func (c *Channel) IsWriting() bool { return c.events&writeEvent != 0 }

// EnableReading adds read interest and updates the poller.
func (c *Channel) EnableReading() {
	c.events |= readEvent
	c.update()
}

// DisableReading removes read interest and updates the poller.
func (c *Channel) DisableReading() {
	c.events &^= readEvent
	c.update()
}

// EnableWriting adds write interest so the write callback fires when the fd drains.
func (c *Channel) EnableWriting() {
	c.events |= writeEvent
	c.update()
}

// DisableWriting removes write interest.
func (c *Channel) DisableWriting() {
	c.events &^= writeEvent
	c.update()
}

// DisableAll clears the interest set and unregisters the descriptor from the poller.
func (c *Channel) DisableAll() {
	c.events = noneEvent
	c.update()
}

// Remove forgets the channel. DisableAll must have been called first.
func (c *Channel) Remove() {
	if !c.IsNoneEvent() {
		panic("reactor: Remove on a channel that still has interest " + c.eventsString(c.events))
	}
	c.loop.RemoveChannel(c)
}

func (c *Channel) update() {
	c.loop.UpdateChannel(c)
}

// HandleEvent dispatches the last reported readiness. Must run on the loop goroutine.
func (c *Channel) HandleEvent(ts time.Time) {
	// Interest was dropped earlier in this iteration.
	if c.events == noneEvent {
		return
	}
	rev := c.revents
	if rev&EventHup != 0 && rev&EventIn == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if rev&EventErr != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if rev&(readEvent|EventRdHup) != 0 {
		if c.readCallback != nil {
			c.readCallback(ts)
		}
	}
	if rev&EventOut != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}
}

func (c *Channel) eventsString(ev uint32) string {
	var parts []string
	for _, f := range []struct {
		bit  uint32
		name string
	}{
		{EventIn, "IN"}, {EventPri, "PRI"}, {EventOut, "OUT"},
		{EventErr, "ERR"}, {EventHup, "HUP"}, {EventRdHup, "RDHUP"},
	} {
		if ev&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}
