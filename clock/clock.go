// Package clock provides the single monotonic time source for the crank.
// Components take a Clock so tests can drive time deterministically.
package clock

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used by every crank component.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// Sleep blocks for d or until ctx is cancelled, returning ctx.Err()
	// in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
	NewTicker(d time.Duration) Ticker
}

// Ticker mirrors time.Ticker behind an interface.
type Ticker interface {
	C() <-chan time.Time
	Stop()
	Reset(d time.Duration)
}

// System returns the wall-clock backed Clock.
func System() Clock { return systemClock{} }

type systemClock struct{}

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time   { return s.t.C }
func (s *systemTicker) Stop()                 { s.t.Stop() }
func (s *systemTicker) Reset(d time.Duration) { s.t.Reset(d) }

// Manual is a test clock advanced by hand.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual returns a Manual clock starting at start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Since(t time.Time) time.Duration {
	return m.Now().Sub(t)
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// Sleep on a Manual clock advances time immediately; tests that need
// real blocking should drive goroutines through channels instead.
func (m *Manual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.Advance(d)
	return nil
}

func (m *Manual) NewTicker(d time.Duration) Ticker {
	return &manualTicker{ch: make(chan time.Time, 1)}
}

type manualTicker struct{ ch chan time.Time }

func (t *manualTicker) C() <-chan time.Time   { return t.ch }
func (t *manualTicker) Stop()                 {}
func (t *manualTicker) Reset(d time.Duration) {}

// Tick pushes one tick into a manual ticker. Only valid on tickers created
// by a Manual clock.
func Tick(t Ticker, at time.Time) {
	if mt, ok := t.(*manualTicker); ok {
		select {
		case mt.ch <- at:
		default:
		}
	}
}
