// Package pool provides typed object pooling for the relay's hot paths:
// datagram receive buffers and stream copy buffers.
package pool

import "sync"

// Pool is a generic wrapper around sync.Pool.
type Pool[T any] struct {
	internal sync.Pool
}

// New creates a new Pool with the given constructor.
func New[T any](newFn func() T) *Pool[T] {
	return &Pool[T]{
		internal: sync.Pool{
			New: func() any {
				return newFn()
			},
		},
	}
}

// Get retrieves an item from the pool.
func (p *Pool[T]) Get() T {
	return p.internal.Get().(T)
}

// Put returns an item to the pool.
func (p *Pool[T]) Put(item T) {
	p.internal.Put(item)
}

// Buffers pools fixed-size byte slices behind pointers so the slice header
// itself does not escape on every Get/Put cycle.
type Buffers struct {
	p *Pool[*[]byte]
}

// NewBuffers creates a pool of size-byte buffers.
func NewBuffers(size int) *Buffers {
	return &Buffers{
		p: New(func() *[]byte {
			buf := make([]byte, size)
			return &buf
		}),
	}
}

// Get returns a pooled buffer at its full capacity.
func (b *Buffers) Get() *[]byte {
	return b.p.Get()
}

// Put returns a buffer to the pool. The caller must not retain the slice.
func (b *Buffers) Put(buf *[]byte) {
	b.p.Put(buf)
}
