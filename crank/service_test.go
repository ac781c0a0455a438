package crank

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"

	"github.com/Jerome2332/confidex-sub008/chain"
	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/store"
	"github.com/Jerome2332/confidex-sub008/types"
)

type fakeReader struct {
	mu       sync.Mutex
	err      error
	accounts []chain.KeyedAccount
	calls    int
}

func (f *fakeReader) GetProgramAccounts(ctx context.Context, program types.Pubkey, filters []chain.AccountFilter) ([]chain.KeyedAccount, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, 0, f.err
	}
	return f.accounts, 500, nil
}

func (f *fakeReader) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func keyedOrder(s orderSpec) chain.KeyedAccount {
	o := makeOrder(s)
	return chain.KeyedAccount{
		Pubkey:  o.Pda,
		Account: chain.AccountInfo{Data: types.EncodeOrderAccount(o)},
	}
}

type serviceEnv struct {
	service   *Service
	reader    *fakeReader
	engine    *fakeEngine
	submitter *fakeSubmitter
	pending   *store.PendingOps
	lockSvc   *store.LockService
	locks     *LockManager
	clk       *clock.Manual
}

func newServiceEnv(t *testing.T, cfg ServiceConfig) *serviceEnv {
	t.Helper()
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	st, err := store.Open(context.Background(), ":memory:", log.NewNopLogger(), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	wallet, err := chain.NewWallet()
	require.NoError(t, err)

	reader := &fakeReader{}
	engine := newFakeEngine(true)
	submitter := &fakeSubmitter{}
	locks := NewLockManager(0, clk)
	pending := store.NewPendingOps(st)
	txRecords := store.NewTxRecords(st)
	lockSvc := store.NewLockService(st, log.NewNopLogger(), 0)
	sweeper := store.NewMaintenance(st, pending, txRecords, store.NewMpcProcessed(st), lockSvc)

	exec := NewExecutor(ExecutorConfig{
		OrderbookProgramID: pk(200),
		UseRealMpc:         true,
		MaxRetries:         2,
	}, locks, engine, submitter, staticBlockhashes{}, wallet,
		pending, txRecords, metrics.GetCollector(), log.NewNopLogger(), clock.System())

	cfg.Enabled = true
	source := NewOrderSource(pk(200), reader, nil, log.NewNopLogger())
	svc := NewService(cfg, source, NewSelector(cfg.MaxConcurrentMatches), locks, exec,
		lockSvc, pending, sweeper, metrics.GetCollector(), log.NewNopLogger(), clk)

	return &serviceEnv{
		service:   svc,
		reader:    reader,
		engine:    engine,
		submitter: submitter,
		pending:   pending,
		lockSvc:   lockSvc,
		locks:     locks,
		clk:       clk,
	}
}

func TestServiceStartStop(t *testing.T) {
	env := newServiceEnv(t, ServiceConfig{ShutdownTimeout: time.Second})
	ctx := context.Background()

	require.NoError(t, env.service.Start(ctx))
	require.Equal(t, StateRunning, env.service.State())
	require.True(t, env.lockSvc.HoldsLock(store.LockOrderMatching))

	// Starting twice is rejected.
	require.Error(t, env.service.Start(ctx))

	require.NoError(t, env.service.Stop(ctx))
	require.Equal(t, StateStopped, env.service.State())
	require.Empty(t, env.lockSvc.ListHeldLocks())

	// Stop is idempotent.
	require.NoError(t, env.service.Stop(ctx))
}

func TestServiceDisabledRefusesStart(t *testing.T) {
	env := newServiceEnv(t, ServiceConfig{})
	env.service.cfg.Enabled = false
	require.ErrorIs(t, env.service.Start(context.Background()), types.ErrInvalidConfig)
}

func TestServicePauseResume(t *testing.T) {
	env := newServiceEnv(t, ServiceConfig{ShutdownTimeout: time.Second})
	ctx := context.Background()
	require.NoError(t, env.service.Start(ctx))
	t.Cleanup(func() { _ = env.service.Stop(ctx) })

	// Let the immediate startup poll finish before pausing.
	require.Eventually(t, func() bool { return env.reader.callCount() >= 1 }, time.Second, 5*time.Millisecond)

	require.Error(t, env.service.Resume())
	require.NoError(t, env.service.Pause())
	require.Equal(t, StatePaused, env.service.State())

	// Paused ticks do no work.
	before := env.reader.callCount()
	env.service.pollOnce(ctx)
	require.Equal(t, before, env.reader.callCount())

	require.Error(t, env.service.Pause())
	require.NoError(t, env.service.Resume())
	require.Equal(t, StateRunning, env.service.State())
}

func TestServicePollMatchesOrders(t *testing.T) {
	env := newServiceEnv(t, ServiceConfig{MaxConcurrentMatches: 5})
	env.reader.accounts = []chain.KeyedAccount{
		keyedOrder(orderSpec{pda: 1, maker: 10, pair: 99, side: types.SideBuy, hour: 1, id: 1}),
		keyedOrder(orderSpec{pda: 2, maker: 11, pair: 99, side: types.SideSell, hour: 1, id: 2}),
	}
	env.service.setState(StateRunning)
	before := env.service.Status().Metrics

	env.service.pollOnce(context.Background())

	require.Equal(t, 1, env.submitter.sent)
	status := env.service.Status()
	require.Equal(t, 0, status.ConsecutiveErrors)
	require.Equal(t, 0, env.locks.GetPendingMatchCount())

	// The status snapshot carries the matching counters.
	require.Equal(t, before.Polls+1, status.Metrics.Polls)
	require.Equal(t, before.MatchSuccesses+1, status.Metrics.MatchSuccesses)
}

func TestServiceZeroOrdersResetsErrors(t *testing.T) {
	env := newServiceEnv(t, ServiceConfig{ErrorThreshold: 5})
	env.service.setState(StateRunning)
	ctx := context.Background()

	env.reader.err = errors.New("503 service unavailable")
	env.service.pollOnce(ctx)
	require.Equal(t, 1, env.service.Status().ConsecutiveErrors)

	env.reader.err = nil
	env.service.pollOnce(ctx)
	require.Equal(t, 0, env.service.Status().ConsecutiveErrors)
}

func TestServiceCircuitBreaker(t *testing.T) {
	env := newServiceEnv(t, ServiceConfig{
		ErrorThreshold: 3,
		PauseDuration:  time.Minute,
	})
	env.service.setState(StateRunning)
	env.reader.err = errors.New("connection refused")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		env.service.pollOnce(ctx)
	}
	st := env.service.Status()
	require.Equal(t, 3, st.ConsecutiveErrors)
	require.True(t, st.CircuitBreaker)

	// No poll work while the breaker is active.
	calls := env.reader.callCount()
	env.clk.Advance(30 * time.Second)
	env.service.pollOnce(ctx)
	require.Equal(t, calls, env.reader.callCount())

	// Exactly pauseDuration after tripping, the breaker and the counter
	// clear together and polling resumes.
	env.clk.Advance(31 * time.Second)
	env.service.pollOnce(ctx)
	require.Equal(t, calls+1, env.reader.callCount())
	require.Equal(t, 1, env.service.Status().ConsecutiveErrors)
}

func TestServiceResumeClearsBreaker(t *testing.T) {
	env := newServiceEnv(t, ServiceConfig{ErrorThreshold: 1, PauseDuration: time.Hour})
	env.service.setState(StateRunning)
	ctx := context.Background()

	env.reader.err = errors.New("connection refused")
	env.service.pollOnce(ctx)
	require.True(t, env.service.Status().CircuitBreaker)

	require.NoError(t, env.service.Pause())
	require.NoError(t, env.service.Resume())
	require.False(t, env.service.Status().CircuitBreaker)
	require.Equal(t, 0, env.service.Status().ConsecutiveErrors)
}

func TestServiceSkipPendingMpc(t *testing.T) {
	env := newServiceEnv(t, ServiceConfig{})
	ctx := context.Background()

	op, err := env.pending.Create(ctx, store.OpTypeMatch, "match:a:b", nil, 3)
	require.NoError(t, err)
	require.NoError(t, env.pending.MarkInProgress(ctx, op.ID, "worker-1"))
	require.True(t, env.locks.AcquireLocks(pk(1), pk(2), "req"))

	n, err := env.service.SkipPendingMpc(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
	require.Equal(t, 0, env.locks.GetPendingMatchCount())

	counts, err := env.pending.GetCountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[store.OpStatusFailed])
}
