package sync

import (
	"github.com/pkg/sftpclient/internal/pragma"
)

// SlicePool is a free list of byte slices (or any other slice type),
// used to recycle packet buffers between the send path, the receive loop, and their consumers.
//
// Slices are held indefinitely, and handed back out in FIFO order.
// Unlike [sync.Pool], nothing is ever collected while it sits in the pool,
// which makes it suitable for short-lived slices of a roughly constant length.
//
// A SlicePool is safe for use by multiple goroutines simultaneously.
type SlicePool[S []T, T any] struct {
	noCopy pragma.DoNotCopy

	metrics

	ch     chan S
	length int
}

// NewSlicePool returns a [SlicePool] holding at most depth slices,
// that refuses any slice with a capacity greater than cullLength.
//
// It panics if depth is negative, or if cullLength is not positive.
func NewSlicePool[S []T, T any](depth, cullLength int) *SlicePool[S, T] {
	if cullLength <= 0 {
		panic("sftp: slice pool: cull length must be greater than zero")
	}

	return &SlicePool[S, T]{
		ch:     make(chan S, depth),
		length: cullLength,
	}
}

// Get takes a slice from the pool, extended to its full capacity.
// It returns a nil slice when the pool is empty, leaving the caller to allocate exactly what it needs.
//
// A nil SlicePool is always empty.
func (p *SlicePool[S, T]) Get() S {
	if p == nil {
		return nil
	}

	select {
	case b := <-p.ch:
		p.hit()
		return b[:cap(b)]

	default:
		p.miss()
		return nil
	}
}

// Put offers the slice back to the pool.
// It is dropped if the pool is full, or its capacity exceeds the cull length,
// so an occasional oversized packet does not pin its memory forever.
//
// A nil SlicePool drops every slice.
func (p *SlicePool[S, T]) Put(b S) {
	if p == nil || cap(b) == 0 || cap(b) > p.length {
		return
	}

	select {
	case p.ch <- b:
	default:
	}
}

// Pool is a free list of pointers to values of a single type.
// Values are zeroed as they are returned to the pool.
//
// A Pool is safe for use by multiple goroutines simultaneously.
type Pool[T any] struct {
	noCopy pragma.DoNotCopy

	metrics

	ch chan *T
}

// NewPool returns a [Pool] holding at most depth values.
//
// It panics if depth is negative.
func NewPool[T any](depth int) *Pool[T] {
	return &Pool[T]{
		ch: make(chan *T, depth),
	}
}

// Get takes a value from the pool, or allocates a new one if the pool is empty.
//
// A nil Pool always allocates.
func (p *Pool[T]) Get() *T {
	if p == nil {
		return new(T)
	}

	select {
	case v := <-p.ch:
		p.hit()
		return v

	default:
		p.miss()
		return new(T)
	}
}

// Put zeroes the value, and offers it back to the pool.
//
// A nil Pool drops every value.
func (p *Pool[T]) Put(v *T) {
	if p == nil || v == nil {
		return
	}

	var z T
	*v = z

	select {
	case p.ch <- v:
	default:
	}
}
