package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/Jerome2332/confidex-sub008/retry"
	"github.com/Jerome2332/confidex-sub008/types"
)

// Well-known distributed lock names. Each serializes one workload across
// crank instances.
const (
	LockOrderMatching = "crank:order-matching"
	LockMpcCallbacks  = "crank:mpc-callbacks"
	LockSettlement    = "crank:settlement"
	LockCrankStartup  = "crank:crank-startup"
	LockDbMaintenance = "crank:db-maintenance"
)

// AcquireOptions tunes one acquire call.
type AcquireOptions struct {
	TTL        time.Duration
	Retry      bool
	MaxRetries int
	RetryDelay time.Duration
	Metadata   string
}

// DefaultAcquireOptions is the tuning used by the crank's workloads.
func DefaultAcquireOptions() AcquireOptions {
	return AcquireOptions{
		TTL:        60 * time.Second,
		MaxRetries: 5,
		RetryDelay: 500 * time.Millisecond,
	}
}

// HeldLock is the in-process view of one acquired distributed lock.
type HeldLock struct {
	Name       string
	TTL        time.Duration
	AcquiredAt time.Time

	valid atomic.Bool
}

// IsValid reports whether the heartbeat is still successfully extending the
// lock. A false value means ownership was lost and the workload must stop.
func (h *HeldLock) IsValid() bool { return h.valid.Load() }

// LockService provides durable named mutexes over the distributed_locks table.
// A lock write succeeds only when the existing row is expired or already owned
// by the caller; a background heartbeat extends every held lock.
type LockService struct {
	s       *Store
	logger  log.Logger
	ownerID string

	heartbeatInterval time.Duration

	mu       sync.Mutex
	held     map[string]*HeldLock
	shutdown bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLockService builds a lock service with a fresh process owner identity.
func NewLockService(s *Store, logger log.Logger, heartbeatInterval time.Duration) *LockService {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	return &LockService{
		s:                 s,
		logger:            logger.With("module", "distlock"),
		ownerID:           uuid.NewString(),
		heartbeatInterval: heartbeatInterval,
		held:              make(map[string]*HeldLock),
	}
}

// OwnerID returns this process's lock owner identity.
func (l *LockService) OwnerID() string { return l.ownerID }

// Start launches the heartbeat goroutine.
func (l *LockService) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)
	go l.heartbeatLoop(ctx)
}

// TryAcquire makes a single attempt at the named lock.
func (l *LockService) TryAcquire(ctx context.Context, name string, opts AcquireOptions) (*HeldLock, error) {
	l.mu.Lock()
	if l.shutdown {
		l.mu.Unlock()
		return nil, types.ErrShutdown
	}
	l.mu.Unlock()

	if opts.TTL <= 0 {
		opts.TTL = DefaultAcquireOptions().TTL
	}
	now := l.s.now()
	expires := now.Add(opts.TTL)

	// The write succeeds only against an expired row or our own. On conflict
	// we read the row back: success iff the owner is us.
	_, err := l.s.db.ExecContext(ctx, `
INSERT INTO distributed_locks(lock_name, owner_id, acquired_at, expires_at, metadata)
VALUES(?, ?, ?, ?, ?)
ON CONFLICT(lock_name) DO UPDATE SET
  owner_id = excluded.owner_id,
  acquired_at = excluded.acquired_at,
  expires_at = excluded.expires_at,
  metadata = excluded.metadata
WHERE distributed_locks.expires_at < ? OR distributed_locks.owner_id = excluded.owner_id`,
		name, l.ownerID, now.Unix(), expires.Unix(), nullIfEmpty(opts.Metadata), now.Unix())
	if err != nil {
		return nil, err
	}

	var owner string
	if err := l.s.db.QueryRowContext(ctx,
		`SELECT owner_id FROM distributed_locks WHERE lock_name = ?`, name).Scan(&owner); err != nil {
		return nil, err
	}
	if owner != l.ownerID {
		return nil, errors.Wrapf(types.ErrLockHeld, "lock %s owned by %s", name, owner)
	}

	held := &HeldLock{Name: name, TTL: opts.TTL, AcquiredAt: now}
	held.valid.Store(true)
	l.mu.Lock()
	l.held[name] = held
	l.mu.Unlock()
	return held, nil
}

// Acquire attempts the lock, retrying with a small backoff when opts.Retry is
// set and the lock is contended.
func (l *LockService) Acquire(ctx context.Context, name string, opts AcquireOptions) (*HeldLock, error) {
	held, err := l.TryAcquire(ctx, name, opts)
	if err == nil || !opts.Retry {
		return held, err
	}

	maxAttempts := opts.MaxRetries
	if maxAttempts <= 0 {
		maxAttempts = DefaultAcquireOptions().MaxRetries
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = DefaultAcquireOptions().RetryDelay
	}

	res := retry.WithRetry(ctx, retry.Options{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay * 8,
		JitterFactor: 0.2,
		IsRetryable: func(err error) bool {
			return errors.IsOf(err, types.ErrLockHeld)
		},
	}, func(ctx context.Context) (*HeldLock, error) {
		return l.TryAcquire(ctx, name, opts)
	})
	if !res.Success {
		return nil, res.Err
	}
	return res.Value, nil
}

// WithLock runs fn while holding the named lock, releasing it on every
// control-flow exit.
func (l *LockService) WithLock(ctx context.Context, name string, opts AcquireOptions, fn func(ctx context.Context) error) error {
	held, err := l.Acquire(ctx, name, opts)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := l.Release(context.WithoutCancel(ctx), held.Name); relErr != nil {
			l.logger.Error("failed to release lock", "lock", name, "err", relErr)
		}
	}()
	return fn(ctx)
}

// Release drops the named lock if this process owns it. A release with the
// wrong owner never deletes the row.
func (l *LockService) Release(ctx context.Context, name string) error {
	_, err := l.s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE lock_name = ? AND owner_id = ?`, name, l.ownerID)
	l.mu.Lock()
	delete(l.held, name)
	l.mu.Unlock()
	return err
}

// HoldsLock reports whether this process holds the named lock.
func (l *LockService) HoldsLock(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.held[name]
	return ok && h.IsValid()
}

// IsLocked reports whether any live owner holds the named lock.
func (l *LockService) IsLocked(ctx context.Context, name string) (bool, error) {
	var n int
	err := l.s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM distributed_locks WHERE lock_name = ? AND expires_at >= ?`,
		name, l.s.now().Unix()).Scan(&n)
	return n > 0, err
}

// ListHeldLocks returns the names of locks this process believes it holds.
func (l *LockService) ListHeldLocks() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.held))
	for name := range l.held {
		out = append(out, name)
	}
	return out
}

// ReleaseAll drops every lock owned by this process.
func (l *LockService) ReleaseAll(ctx context.Context) error {
	_, err := l.s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE owner_id = ?`, l.ownerID)
	l.mu.Lock()
	l.held = make(map[string]*HeldLock)
	l.mu.Unlock()
	return err
}

// Shutdown stops the heartbeat, releases every held lock, and rejects further
// acquisitions.
func (l *LockService) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	l.shutdown = true
	l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	return l.ReleaseAll(ctx)
}

func (l *LockService) heartbeatLoop(ctx context.Context) {
	defer l.wg.Done()
	ticker := l.s.clk.NewTicker(l.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			l.extendHeld(ctx)
		}
	}
}

// extendHeld pushes expires_at forward for every held lock. A lock that fails
// to extend was lost to another owner and is surfaced through IsValid.
func (l *LockService) extendHeld(ctx context.Context) {
	l.mu.Lock()
	held := make([]*HeldLock, 0, len(l.held))
	for _, h := range l.held {
		held = append(held, h)
	}
	l.mu.Unlock()

	for _, h := range held {
		expires := l.s.now().Add(h.TTL).Unix()
		res, err := l.s.db.ExecContext(ctx,
			`UPDATE distributed_locks SET expires_at = ? WHERE lock_name = ? AND owner_id = ?`,
			expires, h.Name, l.ownerID)
		if err != nil {
			l.logger.Error("lock heartbeat failed", "lock", h.Name, "err", err)
			continue
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			h.valid.Store(false)
			l.logger.Warn("lost distributed lock", "lock", h.Name)
			l.mu.Lock()
			delete(l.held, h.Name)
			l.mu.Unlock()
		}
	}
}
