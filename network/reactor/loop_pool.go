package reactor

import (
	"fmt"
	"sync"

	"github.com/linchenxuan/realtinet/log"
)

// LoopPool runs a fixed set of I/O loops next to a base loop and hands them out
// round-robin. With zero loops everything runs on the base loop.
type LoopPool struct {
	base    *EventLoop
	name    string
	num     int
	loops   []*EventLoop
	next    int
	started bool
}

// NewLoopPool creates a pool of num loops. Nothing runs until Start.
func NewLoopPool(base *EventLoop, name string, num int) *LoopPool {
	return &LoopPool{base: base, name: name, num: max(num, 0)}
}

// Start creates the loops, runs each on its own goroutine and returns once all of
// them are polling.
func (p *LoopPool) Start() error {
	if p.started {
		return fmt.Errorf("reactor: loop pool %s already started", p.name)
	}

	var wg sync.WaitGroup
	for i := 0; i < p.num; i++ {
		loop, err := NewEventLoop(fmt.Sprintf("%s-%d", p.name, i))
		if err != nil {
			p.Stop()
			return err
		}
		p.loops = append(p.loops, loop)

		go func() {
			if err := loop.Loop(); err != nil {
				log.Error().Str("loop", loop.Name()).Err(err).Msg("io loop exited")
			}
		}()
		wg.Add(1)
		loop.QueueInLoop(wg.Done)
	}
	wg.Wait()
	p.started = true
	return nil
}

// NextLoop returns the loop for the next connection. Call it on the base loop.
func (p *LoopPool) NextLoop() *EventLoop {
	p.base.AssertInLoopThread()
	if len(p.loops) == 0 {
		return p.base
	}
	loop := p.loops[p.next]
	p.next = (p.next + 1) % len(p.loops)
	return loop
}

// Loops returns the I/O loops, or just the base loop when the pool is empty.
func (p *LoopPool) Loops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.base}
	}
	return append([]*EventLoop(nil), p.loops...)
}

// Stop quits every I/O loop, waits for it to return and releases it.
func (p *LoopPool) Stop() {
	for _, loop := range p.loops {
		loop.Quit()
	}
	for _, loop := range p.loops {
		<-loop.Done()
		if err := loop.Close(); err != nil {
			log.Error().Str("loop", loop.Name()).Err(err).Msg("close io loop")
		}
	}
	p.loops = nil
	p.started = false
}
