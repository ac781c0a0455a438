package retry

import (
	"context"
	"fmt"
	"time"
)

// TimeoutError reports a deadline that elapsed during a labelled operation.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("operation %q timed out after %s", e.Operation, e.Timeout)
}

// WithTimeout runs fn under a deadline. If the deadline elapses first, the
// returned error is a *TimeoutError carrying the operation label; fn's
// context is cancelled so it can abandon its work. An already-cancelled ctx
// fails immediately without invoking fn.
func WithTimeout[T any](ctx context.Context, timeout time.Duration, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn(tctx)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		return out.v, out.err
	case <-tctx.Done():
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Operation: operation, Timeout: timeout}
	}
}

// Delay sleeps for d unless ctx is cancelled first.
func Delay(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Deadline returns a channel that delivers a *TimeoutError after d. Useful
// as a standalone rejecting timer in select loops.
func Deadline(d time.Duration, label string) <-chan error {
	ch := make(chan error, 1)
	time.AfterFunc(d, func() {
		ch <- &TimeoutError{Operation: label, Timeout: d}
	})
	return ch
}
