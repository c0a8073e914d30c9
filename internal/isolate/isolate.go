// Package isolate runs plugin code under a deadline and converts panics
// into errors, so one misbehaving plugin cannot take down a cycle.
package isolate

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

var (
	// ErrPanic wraps a recovered panic.
	ErrPanic = errors.New("plugin panicked")

	// ErrTimeout is returned when the call outlived its deadline.
	ErrTimeout = errors.New("plugin timed out")
)

type outcome[T any] struct {
	val T
	err error
}

// Call runs fn with a context bounded by timeout. A zero timeout means no
// deadline beyond ctx. If the parent ctx ends first its error is returned
// unchanged; if only the timeout fires the error wraps ErrTimeout.
//
// fn keeps running in its goroutine after a timeout; Go offers no way to
// stop it, so plugins must honor ctx.
func Call[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- outcome[T]{val: zero, err: fmt.Errorf("%w: %v\n%s", ErrPanic, r, debug.Stack())}
			}
		}()
		v, err := fn(callCtx)
		done <- outcome[T]{val: v, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return o.val, fmt.Errorf("%w after %s: %w", ErrTimeout, timeout, o.err)
		}
		return o.val, o.err
	case <-callCtx.Done():
		var zero T
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}
