package chain

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"

	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/types"
)

type fakeFetcher struct {
	mu      sync.Mutex
	clk     clock.Clock
	calls   atomic.Int64
	fail    bool
	height  uint64
	counter int
	block   func() // invoked inside GetLatestBlockhash, for concurrency tests
}

func (f *fakeFetcher) GetLatestBlockhash(ctx context.Context, commitment string) (*types.CachedBlockhash, error) {
	f.calls.Add(1)
	if f.block != nil {
		f.block()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("503 service unavailable")
	}
	f.counter++
	return &types.CachedBlockhash{
		Hash:                 "4uQeVj5tqViQh7yWWGStvkEG1Zmhx6uasJtWCJziofM",
		LastValidBlockHeight: 1000 + uint64(f.counter),
		FetchedAt:            f.clk.Now(),
		Slot:                 uint64(f.counter),
	}, nil
}

func (f *fakeFetcher) GetBlockHeight(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.height, nil
}

func newTestBlockhashCache(clk clock.Clock) (*BlockhashCache, *fakeFetcher) {
	f := &fakeFetcher{clk: clk}
	cfg := DefaultBlockhashConfig()
	return NewBlockhashCache(cfg, f, log.NewNopLogger(), clk), f
}

func TestBlockhashCacheReturnsCachedEntry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cache, fetcher := newTestBlockhashCache(clk)

	first, err := cache.GetBlockhash(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, int64(1), fetcher.calls.Load())

	second, err := cache.GetBlockhash(context.Background(), false)
	require.NoError(t, err)
	require.Same(t, first, second)
	require.Equal(t, int64(1), fetcher.calls.Load())
}

func TestBlockhashCacheForceRefresh(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cache, fetcher := newTestBlockhashCache(clk)

	_, err := cache.GetBlockhash(context.Background(), false)
	require.NoError(t, err)
	_, err = cache.GetBlockhash(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, int64(2), fetcher.calls.Load())
}

func TestBlockhashCachePrunesExpired(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cache, fetcher := newTestBlockhashCache(clk)

	_, err := cache.GetBlockhash(context.Background(), false)
	require.NoError(t, err)

	// Entry ages past MaxAge; a fresh one must be fetched, never the stale one.
	clk.Advance(2 * time.Minute)
	entry, err := cache.GetBlockhash(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, clk.Now(), entry.FetchedAt)
	require.Equal(t, int64(2), fetcher.calls.Load())
}

func TestBlockhashCacheFailureFallsBackToCached(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cache, fetcher := newTestBlockhashCache(clk)

	first, err := cache.GetBlockhash(context.Background(), false)
	require.NoError(t, err)

	fetcher.mu.Lock()
	fetcher.fail = true
	fetcher.mu.Unlock()

	// Refresh fails but a non-expired entry exists: return it.
	got, err := cache.GetBlockhash(context.Background(), true)
	require.NoError(t, err)
	require.Same(t, first, got)

	// With the cache expired too, the error propagates.
	clk.Advance(2 * time.Minute)
	_, err = cache.GetBlockhash(context.Background(), false)
	require.ErrorIs(t, err, types.ErrNoBlockhash)
}

func TestEnsureFreshBlockhashRefreshesOldEntry(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cfg := DefaultBlockhashConfig()
	cfg.MaxAge = 10 * time.Minute
	fetcher := &fakeFetcher{clk: clk}
	cache := NewBlockhashCache(cfg, fetcher, log.NewNopLogger(), clk)

	_, err := cache.EnsureFreshBlockhash(context.Background(), 150)
	require.NoError(t, err)

	// 150 slots at 400ms = 60s. Just under stays cached.
	clk.Advance(59 * time.Second)
	_, err = cache.EnsureFreshBlockhash(context.Background(), 150)
	require.NoError(t, err)
	require.Equal(t, int64(1), fetcher.calls.Load())

	clk.Advance(2 * time.Second)
	_, err = cache.EnsureFreshBlockhash(context.Background(), 150)
	require.NoError(t, err)
	require.Equal(t, int64(2), fetcher.calls.Load())
}

func TestEstimateRemainingValidity(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cache, fetcher := newTestBlockhashCache(clk)

	fetcher.mu.Lock()
	fetcher.height = 990
	fetcher.mu.Unlock()

	remaining, valid, err := cache.EstimateRemainingValidity(context.Background(), 1050)
	require.NoError(t, err)
	require.Equal(t, uint64(60), remaining)
	require.True(t, valid)

	remaining, valid, err = cache.EstimateRemainingValidity(context.Background(), 995)
	require.NoError(t, err)
	require.Equal(t, uint64(5), remaining)
	require.False(t, valid)

	_, valid, err = cache.EstimateRemainingValidity(context.Background(), 980)
	require.NoError(t, err)
	require.False(t, valid)
}

func TestBlockhashRefreshSingleFlight(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	release := make(chan struct{})
	entered := make(chan struct{}, 8)
	fetcher := &fakeFetcher{clk: clk, block: func() {
		entered <- struct{}{}
		<-release
	}}
	cache := NewBlockhashCache(DefaultBlockhashConfig(), fetcher, log.NewNopLogger(), clk)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.GetBlockhash(context.Background(), true)
		}()
	}

	<-entered // first caller is in flight
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	// Late joiners reuse the in-flight result instead of fetching again.
	require.Less(t, fetcher.calls.Load(), int64(4))
}

func TestBlockhashCacheStats(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	cache, _ := newTestBlockhashCache(clk)

	_, err := cache.GetBlockhash(context.Background(), false)
	require.NoError(t, err)

	st := cache.GetStats()
	require.Equal(t, 1, st.Entries)
	require.Equal(t, uint64(1), st.Refreshes)
	require.Equal(t, uint64(0), st.RefreshErrors)
}
