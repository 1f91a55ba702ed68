package sync

import (
	"context"
	"errors"
	"sync"
)

// ErrWorkPoolClosed is returned by GetContext once the WorkPool has been closed.
var ErrWorkPoolClosed = errors.New("sftp: work pool closed")

// WorkPool hands out single-use result channels, each with a buffer of one,
// and bounds how many of them may be outstanding at once.
//
// The correlator takes one channel per request in flight,
// so the depth of the pool is the maximum number of concurrent requests.
// Close refuses further requests, and waits for every outstanding channel to come back.
type WorkPool[T any] struct {
	wg sync.WaitGroup

	mu     sync.Mutex
	closed chan struct{}

	ch chan chan T
}

// NewWorkPool returns a [WorkPool] prefilled with depth channels.
//
// It panics if depth is negative.
func NewWorkPool[T any](depth int) *WorkPool[T] {
	p := &WorkPool[T]{
		closed: make(chan struct{}),
		ch:     make(chan chan T, depth),
	}

	for len(p.ch) < cap(p.ch) {
		p.ch <- make(chan T, 1)
	}

	return p
}

// Close refuses all further Get calls, then waits for every outstanding channel to be returned.
// Calling Close more than once is a no-op.
//
// It is an error to close a nil WorkPool.
func (p *WorkPool[T]) Close() error {
	if p == nil {
		return errors.New("cannot close nil work pool")
	}

	p.mu.Lock()
	select {
	case <-p.closed:
		p.mu.Unlock()
		return nil
	default:
	}
	close(p.closed)
	p.mu.Unlock()

	p.wg.Wait()

	return nil
}

// Get takes a channel from the pool, blocking until one is available.
// It returns a nil channel and false once the pool has been closed.
//
// A nil WorkPool always returns a new channel and true.
func (p *WorkPool[T]) Get() (chan T, bool) {
	ch, err := p.GetContext(context.Background())
	return ch, err == nil
}

// GetContext is like Get, but gives up when ctx is done.
func (p *WorkPool[T]) GetContext(ctx context.Context) (chan T, error) {
	if p == nil {
		return make(chan T, 1), nil
	}

	select {
	case <-p.closed:
		return nil, ErrWorkPoolClosed
	default:
	}

	select {
	case v := <-p.ch:
		p.mu.Lock()
		defer p.mu.Unlock()

		select {
		case <-p.closed:
			// Close may already be waiting, so this channel must never be counted.
			p.ch <- v
			return nil, ErrWorkPoolClosed
		default:
		}

		p.wg.Add(1)
		return v, nil

	case <-p.closed:
		return nil, ErrWorkPoolClosed

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put returns a channel taken from Get.
//
// Put panics if more channels are returned than the pool can hold.
//
// A nil WorkPool drops every channel.
func (p *WorkPool[T]) Put(v chan T) {
	if p == nil {
		return
	}

	select {
	case p.ch <- v:
		p.wg.Done()
	default:
		panic("sftp: work pool overfill")
	}
}

// Outstanding returns the number of channels currently taken from the pool.
func (p *WorkPool[T]) Outstanding() int {
	if p == nil {
		return 0
	}

	return cap(p.ch) - len(p.ch)
}
