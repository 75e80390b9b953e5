package reactor

import (
	"container/heap"
	"time"
)

// TimerID identifies a timer for Cancel. Zero is never issued.
type TimerID uint64

type timer struct {
	id       TimerID
	when     time.Time
	interval time.Duration // zero for one-shot timers
	cb       func(now time.Time)
	canceled bool
	index    int // heap position, -1 when not queued
}

type timerHeap []*timer

// Len, Less, Swap, Push and Pop implement heap.Interface, ordered by expiration then
// sequence.
func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// timerQueue is only touched on the loop goroutine.
type timerQueue struct {
	heap timerHeap
	byID map[TimerID]*timer
}

func newTimerQueue() *timerQueue {
	return &timerQueue{byID: make(map[TimerID]*timer)}
}

func (q *timerQueue) add(t *timer) {
	q.byID[t.id] = t
	heap.Push(&q.heap, t)
}

func (q *timerQueue) cancel(id TimerID) {
	t, ok := q.byID[id]
	if !ok {
		return
	}
	delete(q.byID, id)
	t.canceled = true
	if t.index >= 0 {
		heap.Remove(&q.heap, t.index)
	}
}

func (q *timerQueue) len() int { return len(q.byID) }

// nextTimeout is how long the poller may block before the earliest timer is due.
func (q *timerQueue) nextTimeout(now time.Time, limit time.Duration) time.Duration {
	if len(q.heap) == 0 {
		return limit
	}
	d := q.heap[0].when.Sub(now)
	if d <= 0 {
		return 0
	}
	return min(d, limit)
}

// expire runs every timer due at now. Repeating timers are re-armed after their
// callback unless the callback canceled them.
func (q *timerQueue) expire(now time.Time) {
	var due []*timer
	for len(q.heap) > 0 && !q.heap[0].when.After(now) {
		due = append(due, heap.Pop(&q.heap).(*timer))
	}
	for _, t := range due {
		if t.canceled {
			continue
		}
		t.cb(now)
		if t.canceled {
			continue
		}
		if t.interval <= 0 {
			delete(q.byID, t.id)
			continue
		}
		t.when = t.when.Add(t.interval)
		if !t.when.After(now) {
			t.when = now.Add(t.interval)
		}
		heap.Push(&q.heap, t)
	}
}
