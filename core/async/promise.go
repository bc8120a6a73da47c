// Package async provides the continuation primitive used to chain dependent
// external calls. A Promise settles exactly once; continuations registered
// with Then run after their parent settles and receive its value. Chains are
// detached from the issuing context's cancellation: once a step has been
// issued it runs to completion, and Await only bounds how long a caller waits.
package async

import (
	"context"
	"errors"
	"sync"
)

// ErrAlreadySettled is returned by Settle when the promise already holds a result.
var ErrAlreadySettled = errors.New("async: promise already settled")

// Promise holds the eventual result of a step.
type Promise[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns an unsettled promise. Callers settle it with Settle.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Resolve returns a promise already settled with value.
func Resolve[T any](value T) *Promise[T] {
	p := New[T]()
	_ = p.Settle(value, nil)
	return p
}

// Reject returns a promise already settled with err.
func Reject[T any](err error) *Promise[T] {
	p := New[T]()
	var zero T
	_ = p.Settle(zero, err)
	return p
}

// Go runs fn on its own goroutine and returns a promise for its result.
func Go[T any](ctx context.Context, fn func(context.Context) (T, error)) *Promise[T] {
	p := New[T]()
	ctx = detach(ctx)
	go func() {
		value, err := fn(ctx)
		_ = p.Settle(value, err)
	}()
	return p
}

// Settle stores the result. Only the first call has an effect.
func (p *Promise[T]) Settle(value T, err error) error {
	settled := false
	p.once.Do(func() {
		p.value = value
		p.err = err
		settled = true
		close(p.done)
	})
	if !settled {
		return ErrAlreadySettled
	}
	return nil
}

// Done is closed once the promise settles.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Settled reports whether the result is available without waiting.
func (p *Promise[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Result returns the settled value. It must only be called after Done is closed.
func (p *Promise[T]) Result() (T, error) {
	<-p.done
	return p.value, p.err
}

// Await blocks until the promise settles or ctx is done. Returning early does
// not stop the chain.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then registers fn to run with the value of p once it settles successfully.
// A failed parent short-circuits: fn is skipped and the error propagates.
// When p is already settled fn runs synchronously on the caller's goroutine,
// so an all-cached chain completes within the issuing call.
func Then[T, U any](ctx context.Context, p *Promise[T], fn func(context.Context, T) (U, error)) *Promise[U] {
	return Finally(ctx, p, func(ctx context.Context, value T, err error) (U, error) {
		if err != nil {
			var zero U
			return zero, err
		}
		return fn(ctx, value)
	})
}

// Finally registers fn to run with the outcome of p regardless of success.
// It is the building block for compensation steps.
func Finally[T, U any](ctx context.Context, p *Promise[T], fn func(context.Context, T, error) (U, error)) *Promise[U] {
	ctx = detach(ctx)
	if p.Settled() {
		value, err := p.Result()
		out, outErr := fn(ctx, value, err)
		if outErr != nil {
			return Reject[U](outErr)
		}
		return Resolve(out)
	}
	next := New[U]()
	go func() {
		value, err := p.Result()
		out, outErr := fn(ctx, value, err)
		_ = next.Settle(out, outErr)
	}()
	return next
}

// Join waits for both promises and combines their values. The first error
// observed wins.
func Join[A, B any](ctx context.Context, a *Promise[A], b *Promise[B]) *Promise[Pair[A, B]] {
	return Then(ctx, a, func(ctx context.Context, left A) (Pair[A, B], error) {
		right, err := b.Result()
		if err != nil {
			return Pair[A, B]{}, err
		}
		return Pair[A, B]{First: left, Second: right}, nil
	})
}

// Pair carries two values produced by joined steps.
type Pair[A, B any] struct {
	First  A
	Second B
}

func detach(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return context.WithoutCancel(ctx)
}
