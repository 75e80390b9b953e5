// Package reactor implements a single-threaded readiness loop in the one-loop-per-thread
// style: every EventLoop runs on one goroutine locked to its OS thread, owns the
// channels registered with it, and runs timers and queued tasks between polls.
// Work from other goroutines reaches a loop through RunInLoop/QueueInLoop.
package reactor

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linchenxuan/realtinet/log"
)

// _maxPollTimeout bounds one poll when no timer is due sooner.
const _maxPollTimeout = 10 * time.Second

// EventLoop is a reactor. Create it on any goroutine, then call Loop on the goroutine
// that should own it.
type EventLoop struct {
	name     string
	poller   poller
	wakeupFd int
	wakeupCh *Channel
	timers   *timerQueue
	timerSeq atomic.Uint64

	tid     atomic.Int64 // OS thread id while looping, 0 otherwise
	looping atomic.Bool
	quit    atomic.Bool
	done    chan struct{}

	mu             sync.Mutex
	pending        []func()
	callingPending atomic.Bool

	active    []*Channel
	iteration atomic.Uint64
}

// NewEventLoop creates a loop. It fails with ErrUnsupportedPlatform outside Linux.
func NewEventLoop(name string) (*EventLoop, error) {
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	wfd, err := newWakeupFd()
	if err != nil {
		_ = p.close()
		return nil, err
	}

	l := &EventLoop{
		name:     name,
		poller:   p,
		wakeupFd: wfd,
		timers:   newTimerQueue(),
		done:     make(chan struct{}),
	}
	l.wakeupCh = NewChannel(l, wfd)
	l.wakeupCh.SetReadCallback(l.handleWakeup)
	// Registered directly: the loop goroutine does not exist yet.
	l.wakeupCh.events = readEvent
	if err := p.updateChannel(l.wakeupCh); err != nil {
		_ = closeFd(wfd)
		_ = p.close()
		return nil, err
	}
	return l, nil
}

// Name returns the loop name used in logs.
func (l *EventLoop) Name() string { return l.name }

// Iteration returns how many poll rounds the loop has completed.
func (l *EventLoop) Iteration() uint64 { return l.iteration.Load() }

// Done is closed when Loop returns.
func (l *EventLoop) Done() <-chan struct{} { return l.done }

// Loop runs the reactor until Quit. The calling goroutine becomes the loop goroutine
// and stays locked to its OS thread.
func (l *EventLoop) Loop() error {
	if !l.looping.CompareAndSwap(false, true) {
		panic(fmt.Sprintf("reactor: loop %s is already running", l.name))
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	l.tid.Store(int64(gettid()))
	log.Info().Str("loop", l.name).Int64("tid", l.tid.Load()).Msg("event loop started")

	var loopErr error
	for !l.quit.Load() {
		timeout := l.timers.nextTimeout(time.Now(), _maxPollTimeout)
		active, ts, err := l.poller.poll(timeout, l.active[:0])
		if err != nil {
			log.Error().Str("loop", l.name).Err(err).Msg("event loop poll failed")
			loopErr = err
			break
		}
		l.active = active
		l.iteration.Add(1)

		for _, ch := range l.active {
			ch.HandleEvent(ts)
		}
		clear(l.active)
		l.timers.expire(time.Now())
		l.doPendingFunctors()
	}
	// Tasks queued while quitting still run once.
	l.doPendingFunctors()

	l.tid.Store(0)
	l.looping.Store(false)
	log.Info().Str("loop", l.name).Msg("event loop stopped")
	return loopErr
}

// Quit asks the loop to return after the current iteration. Safe from any goroutine.
func (l *EventLoop) Quit() {
	l.quit.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// Close releases the poller and the wakeup descriptor. Call it after Loop returned.
func (l *EventLoop) Close() error {
	if l.looping.Load() {
		return fmt.Errorf("reactor: close of running loop %s", l.name)
	}
	if err := closeFd(l.wakeupFd); err != nil {
		return err
	}
	return l.poller.close()
}

// IsInLoopThread reports whether the caller is the loop goroutine.
func (l *EventLoop) IsInLoopThread() bool {
	return l.tid.Load() == int64(gettid())
}

// AssertInLoopThread panics when called off the loop goroutine.
func (l *EventLoop) AssertInLoopThread() {
	if !l.IsInLoopThread() {
		panic(fmt.Sprintf("reactor: loop %s owned by tid %d used from tid %d", l.name, l.tid.Load(), gettid()))
	}
}

// RunInLoop runs fn now when called on the loop goroutine, otherwise queues it.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopThread() {
		fn()
		return
	}
	l.QueueInLoop(fn)
}

// QueueInLoop appends fn to the task queue. Tasks run in FIFO order after the current
// round of event handling.
func (l *EventLoop) QueueInLoop(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	// A task queued by a task would otherwise wait for the next readiness event.
	if !l.IsInLoopThread() || l.callingPending.Load() {
		l.wakeup()
	}
}

// QueueSize returns the number of queued tasks.
func (l *EventLoop) QueueSize() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// RunAt schedules cb at when. Safe from any goroutine.
func (l *EventLoop) RunAt(when time.Time, cb func(now time.Time)) TimerID {
	return l.addTimer(when, 0, cb)
}

// RunAfter schedules cb after delay. Safe from any goroutine.
func (l *EventLoop) RunAfter(delay time.Duration, cb func(now time.Time)) TimerID {
	return l.addTimer(time.Now().Add(delay), 0, cb)
}

// RunEvery schedules cb every interval, first after one interval. Safe from any goroutine.
func (l *EventLoop) RunEvery(interval time.Duration, cb func(now time.Time)) TimerID {
	if interval <= 0 {
		panic("reactor: RunEvery interval must be positive")
	}
	return l.addTimer(time.Now().Add(interval), interval, cb)
}

// Cancel stops a timer. Canceling a fired or unknown timer is a no-op. Safe from any
// goroutine.
func (l *EventLoop) Cancel(id TimerID) {
	l.RunInLoop(func() { l.timers.cancel(id) })
}

func (l *EventLoop) addTimer(when time.Time, interval time.Duration, cb func(now time.Time)) TimerID {
	t := &timer{
		id:       TimerID(l.timerSeq.Add(1)),
		when:     when,
		interval: interval,
		cb:       cb,
		index:    -1,
	}
	l.RunInLoop(func() { l.timers.add(t) })
	return t.id
}

// UpdateChannel applies a channel's interest set to the poller.
func (l *EventLoop) UpdateChannel(c *Channel) {
	l.AssertInLoopThread()
	if err := l.poller.updateChannel(c); err != nil {
		log.Error().Str("loop", l.name).Int("fd", c.fd).Err(err).Msg("update channel")
	}
}

// RemoveChannel forgets a channel.
func (l *EventLoop) RemoveChannel(c *Channel) {
	l.AssertInLoopThread()
	if err := l.poller.removeChannel(c); err != nil {
		log.Error().Str("loop", l.name).Int("fd", c.fd).Err(err).Msg("remove channel")
	}
}

// HasChannel reports whether c is registered with this loop.
func (l *EventLoop) HasChannel(c *Channel) bool {
	l.AssertInLoopThread()
	return l.poller.hasChannel(c)
}

func (l *EventLoop) wakeup() {
	if err := writeWakeup(l.wakeupFd); err != nil {
		log.Error().Str("loop", l.name).Err(err).Msg("wakeup write")
	}
}

func (l *EventLoop) handleWakeup(time.Time) {
	if err := readWakeup(l.wakeupFd); err != nil {
		log.Error().Str("loop", l.name).Err(err).Msg("wakeup read")
	}
}

func (l *EventLoop) doPendingFunctors() {
	l.mu.Lock()
	functors := l.pending
	l.pending = nil
	l.mu.Unlock()

	l.callingPending.Store(true)
	for _, fn := range functors {
		fn()
	}
	l.callingPending.Store(false)
}
