package chain

import (
	"context"
	"sync"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/types"
)

const (
	// Estimated slot duration used when judging remaining blockhash validity.
	slotDuration = 400 * time.Millisecond
	// A blockhash is "likely valid" while more than this many slots remain.
	minSlotsRemaining = 10
)

// BlockhashConfig tunes the prefetch cache.
type BlockhashConfig struct {
	RefreshInterval time.Duration // background refresh cadence
	MaxAge          time.Duration // entries older than this are pruned
	PrefetchCount   int           // ring capacity, freshest at head
	FetchTimeout    time.Duration // per-fetch RPC budget
}

// DefaultBlockhashConfig matches the production tuning.
func DefaultBlockhashConfig() BlockhashConfig {
	return BlockhashConfig{
		RefreshInterval: 30 * time.Second,
		MaxAge:          60 * time.Second,
		PrefetchCount:   2,
		FetchTimeout:    5 * time.Second,
	}
}

// BlockhashFetcher is the RPC dependency of the cache.
type BlockhashFetcher interface {
	GetLatestBlockhash(ctx context.Context, commitment string) (*types.CachedBlockhash, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
}

// BlockhashStats is a snapshot of cache health.
type BlockhashStats struct {
	Entries       int
	Refreshes     uint64
	RefreshErrors uint64
	LastRefresh   time.Time
}

// BlockhashCache keeps the N freshest recent blockhashes so the settlement
// path never blocks on a fetch.
type BlockhashCache struct {
	cfg     BlockhashConfig
	fetcher BlockhashFetcher
	logger  log.Logger
	clk     clock.Clock

	mu      sync.Mutex
	entries []*types.CachedBlockhash // head = freshest
	stats   BlockhashStats

	// Single-flight refresh: the second caller waits for the in-flight result.
	refreshing   bool
	refreshDone  chan struct{}
	refreshValue *types.CachedBlockhash
	refreshErr   error

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBlockhashCache builds a cache; Start launches the background refresher.
func NewBlockhashCache(cfg BlockhashConfig, fetcher BlockhashFetcher, logger log.Logger, clk clock.Clock) *BlockhashCache {
	if cfg.PrefetchCount <= 0 {
		cfg.PrefetchCount = 2
	}
	return &BlockhashCache{
		cfg:     cfg,
		fetcher: fetcher,
		logger:  logger.With("module", "blockhash"),
		clk:     clk,
	}
}

// Start launches the background refresher.
func (b *BlockhashCache) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.refreshLoop(ctx)
}

// Stop halts the refresher and waits for it to exit.
func (b *BlockhashCache) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

func (b *BlockhashCache) refreshLoop(ctx context.Context) {
	defer b.wg.Done()
	ticker := b.clk.NewTicker(b.cfg.RefreshInterval)
	defer ticker.Stop()

	// Warm the cache immediately so the first tick has a blockhash ready.
	if _, err := b.refresh(ctx); err != nil {
		b.logger.Warn("initial blockhash fetch failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := b.refresh(ctx); err != nil {
				b.logger.Warn("blockhash refresh failed", "err", err)
			}
		}
	}
}

// GetBlockhash returns the freshest non-expired entry, refreshing first when
// forceRefresh is set or the cache is empty. A refresh failure falls back to
// any non-expired entry; with none left the RPC error propagates.
func (b *BlockhashCache) GetBlockhash(ctx context.Context, forceRefresh bool) (*types.CachedBlockhash, error) {
	b.mu.Lock()
	b.pruneLocked()
	if !forceRefresh && len(b.entries) > 0 {
		entry := b.entries[0]
		b.mu.Unlock()
		metrics.GetCollector().BlockhashAge.Set(b.clk.Now().Sub(entry.FetchedAt).Seconds())
		return entry, nil
	}
	b.mu.Unlock()

	entry, err := b.refresh(ctx)
	if err != nil {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.pruneLocked()
		if len(b.entries) > 0 {
			return b.entries[0], nil
		}
		return nil, err
	}
	return entry, nil
}

// GetBlockhashWithMaxAge returns the freshest entry no older than maxAge,
// refreshing when nothing qualifies.
func (b *BlockhashCache) GetBlockhashWithMaxAge(ctx context.Context, maxAge time.Duration) (*types.CachedBlockhash, error) {
	b.mu.Lock()
	b.pruneLocked()
	if len(b.entries) > 0 && b.clk.Since(b.entries[0].FetchedAt) <= maxAge {
		entry := b.entries[0]
		b.mu.Unlock()
		return entry, nil
	}
	b.mu.Unlock()
	return b.refresh(ctx)
}

// EnsureFreshBlockhash returns a blockhash with at least maxSlotAge slots of
// estimated validity left, refreshing when the cached head is too old.
func (b *BlockhashCache) EnsureFreshBlockhash(ctx context.Context, maxSlotAge uint64) (*types.CachedBlockhash, error) {
	if maxSlotAge == 0 {
		maxSlotAge = 150
	}
	b.mu.Lock()
	b.pruneLocked()
	if len(b.entries) > 0 {
		entry := b.entries[0]
		age := b.clk.Since(entry.FetchedAt)
		if uint64(age/slotDuration) < maxSlotAge {
			b.mu.Unlock()
			return entry, nil
		}
	}
	b.mu.Unlock()
	return b.refresh(ctx)
}

// EstimateRemainingValidity reports the estimated slots left before the given
// lastValidBlockHeight passes and whether the hash is likely still valid.
func (b *BlockhashCache) EstimateRemainingValidity(ctx context.Context, lastValidBlockHeight uint64) (uint64, bool, error) {
	height, err := b.fetcher.GetBlockHeight(ctx)
	if err != nil {
		return 0, false, err
	}
	if height >= lastValidBlockHeight {
		return 0, false, nil
	}
	remaining := lastValidBlockHeight - height
	return remaining, remaining > minSlotsRemaining, nil
}

// GetStats snapshots the cache counters.
func (b *BlockhashCache) GetStats() BlockhashStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.Entries = len(b.entries)
	return st
}

// refresh fetches a new blockhash, deduplicating concurrent callers onto one
// in-flight RPC.
func (b *BlockhashCache) refresh(ctx context.Context) (*types.CachedBlockhash, error) {
	b.mu.Lock()
	if b.refreshing {
		done := b.refreshDone
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		b.mu.Lock()
		v, err := b.refreshValue, b.refreshErr
		b.mu.Unlock()
		return v, err
	}
	b.refreshing = true
	b.refreshDone = make(chan struct{})
	b.mu.Unlock()

	fctx, cancel := context.WithTimeout(ctx, b.cfg.FetchTimeout)
	entry, err := b.fetcher.GetLatestBlockhash(fctx, "")
	cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshing = false
	b.refreshValue, b.refreshErr = entry, err
	close(b.refreshDone)

	if err != nil {
		b.stats.RefreshErrors++
		return nil, errors.Wrap(types.ErrNoBlockhash, err.Error())
	}
	b.stats.Refreshes++
	b.stats.LastRefresh = b.clk.Now()
	b.entries = append([]*types.CachedBlockhash{entry}, b.entries...)
	if len(b.entries) > b.cfg.PrefetchCount {
		b.entries = b.entries[:b.cfg.PrefetchCount]
	}
	b.pruneLocked()
	return entry, nil
}

func (b *BlockhashCache) pruneLocked() {
	keep := b.entries[:0]
	for _, e := range b.entries {
		if b.clk.Since(e.FetchedAt) <= b.cfg.MaxAge {
			keep = append(keep, e)
		}
	}
	b.entries = keep
}
