package sftp

import (
	"context"

	"github.com/pkg/sftpclient/internal/sync"
)

// Future is the pending result of an asynchronous operation.
//
// A Future is resolved exactly once, either by the operation completing,
// or by its context being done, whichever happens first.
type Future[T any] struct {
	once sync.Once
	done chan struct{}

	val T
	err error
}

// goFuture runs fn on its own goroutine, and returns a Future for its result.
// If ctx is done before fn returns, the Future resolves with the context error,
// and the later result of fn is discarded.
func goFuture[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) *Future[T] {
	f := &Future[T]{
		done: make(chan struct{}),
	}

	if err := ctx.Err(); err != nil {
		var zero T
		f.resolve(zero, err)
		return f
	}

	stop := context.AfterFunc(ctx, func() {
		var zero T
		f.resolve(zero, contextError(ctx))
	})

	go func() {
		defer stop()

		f.resolve(fn(ctx))
	}()

	return f
}

func (f *Future[T]) resolve(val T, err error) {
	f.once.Do(func() {
		f.val, f.err = val, err
		close(f.done)
	})
}

// Done returns a channel that is closed once the Future has resolved.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result blocks until the Future resolves, and then returns its value and error.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.val, f.err
}

// Err blocks until the Future resolves, and then returns its error.
func (f *Future[T]) Err() error {
	<-f.done
	return f.err
}

// Then calls fn with the result of the Future on a new goroutine, once the Future has resolved.
func (f *Future[T]) Then(fn func(T, error)) {
	go func() {
		fn(f.Result())
	}()
}

// contextError maps a missed deadline to ErrTimeout.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if err == context.DeadlineExceeded {
		return ErrTimeout
	}

	return err
}
