// Package retry implements bounded retries with exponential backoff, jitter,
// error classification, and deadline budgets for every chain and MPC call.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Options controls a WithRetry run. Zero values fall back to defaults.
type Options struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	JitterFactor      float64
	// MaxTime bounds the whole run including sleeps. Zero means no budget.
	MaxTime time.Duration
	// IsRetryable classifies errors; nil uses the package default.
	IsRetryable func(error) bool
	// OnRetry is invoked before each sleep with the error that triggered it,
	// the 1-based attempt number, and the chosen delay.
	OnRetry func(err error, attempt int, delay time.Duration)
}

// DefaultOptions matches the settlement path's tuning.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		JitterFactor:      0.2,
	}
}

// Result reports the outcome of a WithRetry run.
type Result[T any] struct {
	Success   bool
	Value     T
	Err       error
	Attempts  int
	TotalTime time.Duration
}

func (o *Options) fill() {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = d.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = d.BackoffMultiplier
	}
	if o.JitterFactor < 0 {
		o.JitterFactor = 0
	}
	if o.IsRetryable == nil {
		o.IsRetryable = IsRetryable
	}
}

// newBackOff builds the delay schedule: min(initial*mult^k, max) scaled by a
// jitter draw from [1-jitter, 1+jitter].
func newBackOff(o Options) *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     o.InitialDelay,
		RandomizationFactor: o.JitterFactor,
		Multiplier:          o.BackoffMultiplier,
		MaxInterval:         o.MaxDelay,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
		Stop:                backoff.Stop,
	}
	b.Reset()
	return b
}

// WithRetry invokes fn until it succeeds, a fatal error is classified, the
// attempt budget runs out, or the time budget elapses. The last error is
// carried in the result; fn is never invoked after the budget is spent.
func WithRetry[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) Result[T] {
	opts.fill()
	start := time.Now()
	var deadline time.Time
	if opts.MaxTime > 0 {
		deadline = start.Add(opts.MaxTime)
	}

	bo := newBackOff(opts)
	var res Result[T]

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		res.Attempts = attempt
		v, err := fn(ctx)
		if err == nil {
			res.Success = true
			res.Value = v
			res.Err = nil
			res.TotalTime = time.Since(start)
			return res
		}
		res.Err = err

		if attempt == opts.MaxAttempts || !opts.IsRetryable(err) {
			break
		}
		if ctx.Err() != nil {
			break
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			break
		}
		if !deadline.IsZero() && time.Now().Add(delay).After(deadline) {
			// The budget would elapse mid-sleep; return the last error
			// without another attempt.
			break
		}
		if opts.OnRetry != nil {
			opts.OnRetry(err, attempt, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			res.TotalTime = time.Since(start)
			return res
		case <-timer.C:
		}
	}

	res.TotalTime = time.Since(start)
	return res
}
