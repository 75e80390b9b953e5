// Package pool wraps sync.Pool with a typed API and allocation metrics.
package pool

import (
	"bytes"
	"sync"

	"github.com/linchenxuan/realtinet/metrics"
)

// Pool hands out values of one type and counts every allocation it has to make.
type Pool[T any] struct {
	name string
	p    sync.Pool
}

// New creates a pool; name is reported as the poolname dimension.
func New[T any](name string, newFunc func() T) *Pool[T] {
	p := &Pool[T]{name: name}
	p.p.New = func() any {
		metrics.IncrCounterWithDimGroup(metrics.NamePoolCreateTotal, metrics.GroupRealtinet, 1, metrics.Dimension{
			metrics.DimPoolName: name,
		})
		return newFunc()
	}
	return p
}

// Name returns the pool name.
func (p *Pool[T]) Name() string { return p.name }

// Get returns a pooled value or a fresh one.
func (p *Pool[T]) Get() T {
	return p.p.Get().(T)
}

// Put returns x to the pool.
func (p *Pool[T]) Put(x T) {
	p.p.Put(x)
}

// BufferPool recycles bytes.Buffers. Buffers that grew past maxCap are dropped on Put
// so one large payload does not pin memory.
type BufferPool struct {
	pool   *Pool[*bytes.Buffer]
	maxCap int
}

// NewBufferPool creates a BufferPool whose fresh buffers start with initCap bytes.
func NewBufferPool(name string, initCap, maxCap int) *BufferPool {
	return &BufferPool{
		pool: New(name, func() *bytes.Buffer {
			return bytes.NewBuffer(make([]byte, 0, initCap))
		}),
		maxCap: maxCap,
	}
}

// Get returns an empty buffer.
func (b *BufferPool) Get() *bytes.Buffer {
	return b.pool.Get()
}

// Copy returns a pooled buffer holding a copy of p.
func (b *BufferPool) Copy(p []byte) *bytes.Buffer {
	buf := b.pool.Get()
	buf.Write(p)
	return buf
}

// Put resets buf and returns it to the pool.
func (b *BufferPool) Put(buf *bytes.Buffer) {
	if buf == nil || (b.maxCap > 0 && buf.Cap() > b.maxCap) {
		return
	}
	buf.Reset()
	b.pool.Put(buf)
}
