package crank

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/store"
	"github.com/Jerome2332/confidex-sub008/types"
)

// State is the crank service lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused"
	StateError    State = "error"
)

// Background task cadences.
const (
	staleLockSweepInterval = time.Minute
	maintenanceInterval    = 24 * time.Hour
)

// ServiceConfig carries the orchestrator parameters.
type ServiceConfig struct {
	Enabled              bool
	PollingInterval      time.Duration
	MaxConcurrentMatches int
	ErrorThreshold       int
	PauseDuration        time.Duration
	ShutdownTimeout      time.Duration
}

// DefaultServiceConfig returns production defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		PollingInterval:      5 * time.Second,
		MaxConcurrentMatches: 5,
		ErrorThreshold:       10,
		PauseDuration:        time.Minute,
		ShutdownTimeout:      30 * time.Second,
	}
}

// Service is the poll-loop orchestrator: it snapshots open orders, selects
// match candidates, and fans them out to the settlement executor, guarded by
// a circuit breaker and the distributed order-matching lock.
type Service struct {
	cfg       ServiceConfig
	orders    *OrderSource
	selector  *Selector
	locks     *LockManager
	executor  *Executor
	lockSvc   *store.LockService
	pending   *store.PendingOps
	sweeper   *store.Maintenance
	collector *metrics.Collector
	logger    log.Logger
	clk       clock.Clock

	mu                sync.Mutex
	state             State
	consecutiveErrors int
	breakerUntil      time.Time
	lastError         string
	cancel            context.CancelFunc
	wg                sync.WaitGroup
}

// NewService wires the orchestrator.
func NewService(cfg ServiceConfig, orders *OrderSource, selector *Selector, locks *LockManager, executor *Executor, lockSvc *store.LockService, pending *store.PendingOps, sweeper *store.Maintenance, collector *metrics.Collector, logger log.Logger, clk clock.Clock) *Service {
	def := DefaultServiceConfig()
	if cfg.PollingInterval <= 0 {
		cfg.PollingInterval = def.PollingInterval
	}
	if cfg.MaxConcurrentMatches <= 0 {
		cfg.MaxConcurrentMatches = def.MaxConcurrentMatches
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.PauseDuration <= 0 {
		cfg.PauseDuration = def.PauseDuration
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	s := &Service{
		cfg:       cfg,
		orders:    orders,
		selector:  selector,
		locks:     locks,
		executor:  executor,
		lockSvc:   lockSvc,
		pending:   pending,
		sweeper:   sweeper,
		collector: collector,
		logger:    logger.With("module", "crank"),
		clk:       clk,
	}
	s.setState(StateStopped)
	return s
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is the admin-facing snapshot.
type Status struct {
	State             State                    `json:"state"`
	ConsecutiveErrors int                      `json:"consecutiveErrors"`
	CircuitBreaker    bool                     `json:"circuitBreakerActive"`
	PendingMatches    int                      `json:"pendingMatches"`
	LastError         string                   `json:"lastError,omitempty"`
	Metrics           metrics.MatchingSnapshot `json:"metrics"`
}

// Status reports the service for the admin surface.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:             s.state,
		ConsecutiveErrors: s.consecutiveErrors,
		CircuitBreaker:    s.clk.Now().Before(s.breakerUntil),
		PendingMatches:    s.locks.GetPendingMatchCount(),
		LastError:         s.lastError,
		Metrics:           s.collector.Snapshot(),
	}
}

func (s *Service) setState(st State) {
	s.state = st
	s.collector.SetServiceState(string(st))
}

// Start brings the service from stopped to running: serialize startups via
// the crank-startup lock, take the order-matching lock, run one immediate
// poll, then schedule the loop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped && s.state != StateError {
		st := s.state
		s.mu.Unlock()
		return errors.Wrapf(types.ErrInvalidConfig, "cannot start from state %q", st)
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return errors.Wrap(types.ErrInvalidConfig, "crank is disabled, set CRANK_ENABLED=true")
	}
	s.setState(StateStarting)
	s.mu.Unlock()

	startupOpts := store.DefaultAcquireOptions()
	startupOpts.Retry = true
	err := s.lockSvc.WithLock(ctx, store.LockCrankStartup, startupOpts, func(ctx context.Context) error {
		matchOpts := store.DefaultAcquireOptions()
		matchOpts.TTL = 2 * s.cfg.PollingInterval
		if matchOpts.TTL < time.Minute {
			matchOpts.TTL = time.Minute
		}
		_, err := s.lockSvc.Acquire(ctx, store.LockOrderMatching, matchOpts)
		return err
	})
	if err != nil {
		s.mu.Lock()
		s.setState(StateError)
		s.lastError = err.Error()
		s.mu.Unlock()
		s.collector.LockAcquireFailed.WithLabelValues(store.LockOrderMatching).Inc()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.setState(StateRunning)
	s.mu.Unlock()

	s.wg.Add(2)
	go s.pollLoop(runCtx)
	go s.backgroundLoop(runCtx)

	s.logger.Info("crank started",
		"polling_interval", s.cfg.PollingInterval,
		"max_concurrent_matches", s.cfg.MaxConcurrentMatches)
	return nil
}

// Stop drains in-flight work, releases pair and distributed locks, and
// enters stopped. No new work is enqueued after this returns.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.cancel = nil
	s.setState(StateStopped)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timeout elapsed with tasks still in flight")
	case <-ctx.Done():
	}

	s.locks.ReleaseAll()
	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer releaseCancel()
	if err := s.lockSvc.ReleaseAll(releaseCtx); err != nil {
		s.logger.Error("failed to release distributed locks", "error", err)
	}
	s.logger.Info("crank stopped")
	return nil
}

// Pause suspends the poll loop, keeping locks and in-flight work.
func (s *Service) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return errors.Wrapf(types.ErrInvalidConfig, "cannot pause from state %q", s.state)
	}
	s.setState(StatePaused)
	s.logger.Info("crank paused")
	return nil
}

// Resume clears the circuit breaker and re-enters running.
func (s *Service) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return errors.Wrapf(types.ErrInvalidConfig, "cannot resume from state %q", s.state)
	}
	s.consecutiveErrors = 0
	s.breakerUntil = time.Time{}
	s.collector.ConsecutiveErrors.Set(0)
	s.collector.CircuitBreaker.Set(0)
	s.setState(StateRunning)
	s.logger.Info("crank resumed")
	return nil
}

// SkipPendingMpc is the escape hatch for stuck flows: every in-progress
// pending operation is failed, its locks released. No on-chain rollback.
func (s *Service) SkipPendingMpc(ctx context.Context) (int64, error) {
	n, err := s.pending.FailAllInProgress(ctx, "skipped by operator")
	if err != nil {
		return 0, err
	}
	s.locks.ReleaseAll()
	s.logger.Warn("skipped pending MPC operations", "count", n)
	return n, nil
}

// pollLoop drives the tick cadence. One poll runs immediately on start.
func (s *Service) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	s.pollOnce(ctx)
	ticker := s.clk.NewTicker(s.cfg.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.pollOnce(ctx)
		}
	}
}

// pollOnce runs a single tick of the matching pipeline.
func (s *Service) pollOnce(ctx context.Context) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	if s.clk.Now().Before(s.breakerUntil) {
		s.mu.Unlock()
		return
	}
	if !s.breakerUntil.IsZero() {
		// Pause elapsed: clear the breaker and the counter together.
		s.breakerUntil = time.Time{}
		s.consecutiveErrors = 0
		s.collector.CircuitBreaker.Set(0)
		s.collector.ConsecutiveErrors.Set(0)
		s.logger.Info("circuit breaker cleared")
	}
	s.mu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		s.collector.RecordPoll(timer.ElapsedMs())
		s.collector.PendingMatches.Set(float64(s.locks.GetPendingMatchCount()))
	}()

	orders, err := s.orders.FetchOpenOrders(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.recordPollError(err)
		return
	}

	buys, sells := SplitSides(orders)
	s.collector.SetOpenOrders(buys, sells)
	if buys == 0 || sells == 0 {
		s.resetErrors()
		return
	}

	candidates := s.selector.Select(orders, s.locks.GetLockedOrders())
	if len(candidates) == 0 {
		s.resetErrors()
		return
	}

	var wg sync.WaitGroup
	results := make(chan MatchResult, len(candidates))
	for _, cand := range candidates {
		wg.Add(1)
		go func(cand *types.MatchCandidate) {
			defer wg.Done()
			results <- s.executor.ExecuteMatch(ctx, cand)
		}(cand)
	}
	wg.Wait()
	close(results)

	for res := range results {
		switch {
		case res.Skipped:
		case res.Err != nil:
			s.recordPollError(res.Err)
		default:
			s.resetErrors()
		}
	}
}

func (s *Service) resetErrors() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors = 0
	s.collector.ConsecutiveErrors.Set(0)
}

// recordPollError feeds the circuit breaker: at errorThreshold consecutive
// failures the poll loop short-circuits for pauseDuration.
func (s *Service) recordPollError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveErrors++
	s.lastError = err.Error()
	s.collector.ConsecutiveErrors.Set(float64(s.consecutiveErrors))
	s.logger.Error("poll error", "consecutive", s.consecutiveErrors, "error", err)

	if s.consecutiveErrors >= s.cfg.ErrorThreshold && s.breakerUntil.IsZero() {
		s.breakerUntil = s.clk.Now().Add(s.cfg.PauseDuration)
		s.collector.CircuitBreaker.Set(1)
		s.logger.Warn("circuit breaker tripped",
			"threshold", s.cfg.ErrorThreshold, "pause", s.cfg.PauseDuration)
	}
}

// backgroundLoop runs the stale-lock releaser every minute and the retention
// sweep daily.
func (s *Service) backgroundLoop(ctx context.Context) {
	defer s.wg.Done()

	sweepTicker := s.clk.NewTicker(staleLockSweepInterval)
	defer sweepTicker.Stop()
	maintTicker := s.clk.NewTicker(maintenanceInterval)
	defer maintTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C():
			n, err := s.pending.ReleaseStaleLocks(ctx, 0)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("stale lock sweep failed", "error", err)
				}
				continue
			}
			if n > 0 {
				s.collector.StaleLocksReleased.Add(float64(n))
				s.logger.Info("released stale pending-op locks", "count", n)
			}
			if counts, err := s.pending.GetCountByStatus(ctx); err == nil {
				for status, count := range counts {
					s.collector.PendingOpsByStatus.WithLabelValues(status).Set(float64(count))
				}
			}
		case <-maintTicker.C():
			if err := s.sweeper.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("maintenance sweep failed", "error", err)
			}
		}
	}
}
