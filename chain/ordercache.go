package chain

import (
	"sync"
	"time"

	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/types"
)

// InvalidationKind says why a cached order was dropped.
type InvalidationKind string

const (
	InvalidateUpdate InvalidationKind = "update"
	InvalidateDelete InvalidationKind = "delete"
)

// OrderUpdate is delivered to OnUpdate subscribers after every cache write.
type OrderUpdate struct {
	Pda   types.Pubkey
	Order *types.Order
	Kind  InvalidationKind
	Slot  uint64
}

type cachedOrder struct {
	order    *types.Order
	slot     uint64
	cachedAt time.Time
}

// OrderCacheStats snapshots cache health for the status surface.
type OrderCacheStats struct {
	Entries           int
	Hits              uint64
	Misses            uint64
	StaleRejects      uint64
	Evictions         uint64
	ReconnectAttempts int
	SubscriberActive  bool
}

// OrderCache maps order PDAs to decoded encrypted orders with slot-monotone
// writes. A strictly older slot never overwrites a newer one, so replayed or
// out-of-order subscription events cannot roll the view backwards.
type OrderCache struct {
	maxTTL time.Duration
	clk    clock.Clock

	mu      sync.RWMutex
	entries map[types.Pubkey]*cachedOrder
	stats   OrderCacheStats

	cbMu      sync.RWMutex
	callbacks []func(OrderUpdate)

	// Set by the subscriber so stats reflect push-mode health.
	subActive  func() bool
	reconnects func() int
}

// NewOrderCache builds a cache with the given entry TTL (default 60 s).
func NewOrderCache(maxTTL time.Duration, clk clock.Clock) *OrderCache {
	if maxTTL <= 0 {
		maxTTL = 60 * time.Second
	}
	return &OrderCache{
		maxTTL:  maxTTL,
		clk:     clk,
		entries: make(map[types.Pubkey]*cachedOrder),
	}
}

// Get returns the cached order for pda, evicting it first when expired.
func (c *OrderCache) Get(pda types.Pubkey) (*types.Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[pda]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.clk.Since(e.cachedAt) > c.maxTTL {
		delete(c.entries, pda)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return e.order, true
}

// Set caches order at slot. Writes with a slot strictly lower than the cached
// one are rejected.
func (c *OrderCache) Set(pda types.Pubkey, order *types.Order, slot uint64) bool {
	c.mu.Lock()
	if e, ok := c.entries[pda]; ok && slot < e.slot {
		c.stats.StaleRejects++
		c.mu.Unlock()
		return false
	}
	c.entries[pda] = &cachedOrder{order: order, slot: slot, cachedAt: c.clk.Now()}
	c.mu.Unlock()

	c.notify(OrderUpdate{Pda: pda, Order: order, Kind: InvalidateUpdate, Slot: slot})
	return true
}

// Invalidate drops pda from the cache and notifies subscribers.
func (c *OrderCache) Invalidate(pda types.Pubkey, kind InvalidationKind) {
	c.mu.Lock()
	_, ok := c.entries[pda]
	delete(c.entries, pda)
	c.mu.Unlock()
	if ok {
		c.notify(OrderUpdate{Pda: pda, Kind: kind})
	}
}

// InvalidateAll clears the cache.
func (c *OrderCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[types.Pubkey]*cachedOrder)
	c.mu.Unlock()
}

// Snapshot returns all non-expired cached orders.
func (c *OrderCache) Snapshot() []*types.Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*types.Order, 0, len(c.entries))
	for pda, e := range c.entries {
		if c.clk.Since(e.cachedAt) > c.maxTTL {
			delete(c.entries, pda)
			c.stats.Evictions++
			continue
		}
		out = append(out, e.order)
	}
	return out
}

// Len returns the number of cached entries, expired included.
func (c *OrderCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// OnUpdate registers a callback invoked after every write or invalidation.
func (c *OrderCache) OnUpdate(cb func(OrderUpdate)) {
	c.cbMu.Lock()
	c.callbacks = append(c.callbacks, cb)
	c.cbMu.Unlock()
}

func (c *OrderCache) notify(u OrderUpdate) {
	c.cbMu.RLock()
	cbs := c.callbacks
	c.cbMu.RUnlock()
	for _, cb := range cbs {
		cb(u)
	}
}

// GetStats snapshots cache counters plus subscriber health.
func (c *OrderCache) GetStats() OrderCacheStats {
	c.mu.RLock()
	st := c.stats
	st.Entries = len(c.entries)
	c.mu.RUnlock()
	if c.subActive != nil {
		st.SubscriberActive = c.subActive()
	}
	if c.reconnects != nil {
		st.ReconnectAttempts = c.reconnects()
	}
	return st
}

// IsActive reports whether push-based invalidation is currently live.
func (c *OrderCache) IsActive() bool {
	if c.subActive == nil {
		return false
	}
	return c.subActive()
}

func (c *OrderCache) bindSubscriber(active func() bool, reconnects func() int) {
	c.subActive = active
	c.reconnects = reconnects
}
