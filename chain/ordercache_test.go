package chain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/types"
)

func pda(b byte) types.Pubkey {
	var pk types.Pubkey
	pk[0] = b
	return pk
}

func orderAt(p types.Pubkey, slot uint64) *types.Order {
	return &types.Order{Pda: p, Status: types.OrderStatusActive, Slot: slot}
}

func TestOrderCacheSlotMonotone(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewOrderCache(time.Minute, clk)
	k := pda(1)

	require.True(t, c.Set(k, orderAt(k, 100), 100))
	require.True(t, c.Set(k, orderAt(k, 100), 100)) // equal slot is allowed
	require.True(t, c.Set(k, orderAt(k, 150), 150))

	// A strictly older slot never overwrites a newer one.
	require.False(t, c.Set(k, orderAt(k, 120), 120))

	got, ok := c.Get(k)
	require.True(t, ok)
	require.Equal(t, uint64(150), got.Slot)
	require.Equal(t, uint64(1), c.GetStats().StaleRejects)
}

func TestOrderCacheTTLEviction(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewOrderCache(time.Minute, clk)
	k := pda(2)

	c.Set(k, orderAt(k, 1), 1)
	clk.Advance(61 * time.Second)

	_, ok := c.Get(k)
	require.False(t, ok)
	require.Equal(t, uint64(1), c.GetStats().Evictions)

	// After eviction, an older slot may be written again.
	require.True(t, c.Set(k, orderAt(k, 1), 1))
}

func TestOrderCacheDefaultTTL(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewOrderCache(0, clk)
	k := pda(7)

	c.Set(k, orderAt(k, 1), 1)
	clk.Advance(59 * time.Second)
	_, ok := c.Get(k)
	require.True(t, ok)

	clk.Advance(2 * time.Second)
	_, ok = c.Get(k)
	require.False(t, ok)
}

func TestOrderCacheInvalidate(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewOrderCache(time.Minute, clk)
	k := pda(3)

	var updates []OrderUpdate
	c.OnUpdate(func(u OrderUpdate) { updates = append(updates, u) })

	c.Set(k, orderAt(k, 5), 5)
	c.Invalidate(k, InvalidateDelete)

	_, ok := c.Get(k)
	require.False(t, ok)
	require.Len(t, updates, 2)
	require.Equal(t, InvalidateUpdate, updates[0].Kind)
	require.Equal(t, InvalidateDelete, updates[1].Kind)

	// Invalidating a missing key does not notify again.
	c.Invalidate(k, InvalidateDelete)
	require.Len(t, updates, 2)
}

func TestOrderCacheSnapshotSkipsExpired(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewOrderCache(time.Minute, clk)

	c.Set(pda(1), orderAt(pda(1), 1), 1)
	clk.Advance(40 * time.Second)
	c.Set(pda(2), orderAt(pda(2), 2), 2)
	clk.Advance(30 * time.Second)

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, pda(2), snap[0].Pda)
}

func TestOrderCacheInvalidateAll(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	c := NewOrderCache(time.Minute, clk)
	c.Set(pda(1), orderAt(pda(1), 1), 1)
	c.Set(pda(2), orderAt(pda(2), 2), 2)
	c.InvalidateAll()
	require.Zero(t, c.Len())
}
