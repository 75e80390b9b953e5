package reactor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimerQueue(t *testing.T) {
	base := time.Unix(1000, 0)

	t.Run("OrderAndRepeat", func(t *testing.T) {
		q := newTimerQueue()
		var fired []TimerID
		mk := func(id TimerID, after, every time.Duration) *timer {
			tm := &timer{id: id, when: base.Add(after), interval: every, index: -1}
			tm.cb = func(time.Time) { fired = append(fired, tm.id) }
			return tm
		}
		q.add(mk(1, 30*time.Millisecond, 0))
		q.add(mk(2, 10*time.Millisecond, 0))
		q.add(mk(3, 10*time.Millisecond, 15*time.Millisecond))

		assert.Equal(t, 10*time.Millisecond, q.nextTimeout(base, time.Second))
		q.expire(base.Add(10 * time.Millisecond))
		assert.Equal(t, []TimerID{2, 3}, fired)
		assert.Equal(t, 2, q.len())

		q.expire(base.Add(30 * time.Millisecond))
		assert.Equal(t, []TimerID{2, 3, 3, 1}, fired)
		assert.Equal(t, 1, q.len())
	})

	t.Run("Cancel", func(t *testing.T) {
		q := newTimerQueue()
		var fired bool
		q.add(&timer{id: 7, when: base, cb: func(time.Time) { fired = true }, index: -1})
		q.cancel(7)
		q.cancel(7)
		q.cancel(99)
		q.expire(base.Add(time.Second))
		assert.False(t, fired)
		assert.Zero(t, q.len())
	})

	t.Run("TimeoutBounds", func(t *testing.T) {
		q := newTimerQueue()
		assert.Equal(t, time.Second, q.nextTimeout(base, time.Second))
		q.add(&timer{id: 1, when: base.Add(-time.Millisecond), cb: func(time.Time) {}, index: -1})
		assert.Zero(t, q.nextTimeout(base, time.Second))
		q.cancel(1)
		q.add(&timer{id: 2, when: base.Add(time.Hour), cb: func(time.Time) {}, index: -1})
		assert.Equal(t, time.Second, q.nextTimeout(base, time.Second))
	})
}
