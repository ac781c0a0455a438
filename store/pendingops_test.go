package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/types"
)

func TestPendingOpsCreateRejectsDuplicateKey(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	_, err := ops.Create(ctx, OpTypeMatch, "match:a:b", nil, 3)
	require.NoError(t, err)

	_, err = ops.Create(ctx, OpTypeMatch, "match:a:b", nil, 3)
	require.ErrorIs(t, err, types.ErrPendingOpExists)

	exists, err := ops.Exists(ctx, "match:a:b")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestPendingOpsCompletedKeyMayBeReused(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	op, err := ops.Create(ctx, OpTypeMatch, "match:a:b", nil, 3)
	require.NoError(t, err)
	require.NoError(t, ops.MarkCompleted(ctx, op.ID))

	// Terminal rows do not block a new operation on the same key.
	_, err = ops.Create(ctx, OpTypeMatch, "match:a:b", nil, 3)
	require.NoError(t, err)
}

func TestPendingOpsGetOpenByKey(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	_, err := ops.GetOpenByKey(ctx, "match:a:b")
	require.ErrorIs(t, err, types.ErrOrderNotFound)

	op, err := ops.Create(ctx, OpTypeMatch, "match:a:b", []byte(`{"x":1}`), 3)
	require.NoError(t, err)

	got, err := ops.GetOpenByKey(ctx, "match:a:b")
	require.NoError(t, err)
	require.Equal(t, op.ID, got.ID)
	require.Equal(t, OpStatusPending, got.Status)

	// Terminal rows are not open.
	require.NoError(t, ops.MarkCompleted(ctx, op.ID))
	_, err = ops.GetOpenByKey(ctx, "match:a:b")
	require.ErrorIs(t, err, types.ErrOrderNotFound)
}

func TestPendingOpsReadyPredicate(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	first, err := ops.Create(ctx, OpTypeMatch, "k1", nil, 3)
	require.NoError(t, err)
	clk.Advance(time.Second)
	second, err := ops.Create(ctx, OpTypeSettlement, "k2", nil, 3)
	require.NoError(t, err)

	ready, err := ops.FindReadyToProcess(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, ready, 2)
	// Oldest first.
	require.Equal(t, first.ID, ready[0].ID)
	require.Equal(t, second.ID, ready[1].ID)

	// Filter by type.
	ready, err = ops.FindReadyToProcess(ctx, OpTypeSettlement, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, second.ID, ready[0].ID)
}

func TestPendingOpsLockedRowsAreNotReadyUntilStale(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	op, err := ops.Create(ctx, OpTypeMatch, "k1", nil, 3)
	require.NoError(t, err)
	require.NoError(t, ops.MarkInProgress(ctx, op.ID, "worker-a"))

	ready, err := ops.FindReadyToProcess(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, ready)

	// Another worker cannot claim a live lock.
	err = ops.MarkInProgress(ctx, op.ID, "worker-b")
	require.ErrorIs(t, err, types.ErrLockHeld)

	// Past the staleness window the row is stealable.
	clk.Advance(6 * time.Minute)
	ready, err = ops.FindReadyToProcess(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.NoError(t, ops.MarkInProgress(ctx, op.ID, "worker-b"))
}

func TestPendingOpsMarkFailedRetriesThenTerminal(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	op, err := ops.Create(ctx, OpTypeMatch, "k1", nil, 2)
	require.NoError(t, err)

	require.NoError(t, ops.MarkFailed(ctx, op.ID, "boom 1"))
	got, err := ops.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, OpStatusPending, got.Status)
	require.Equal(t, 1, got.RetryCount)
	require.Equal(t, "boom 1", got.LastError)

	require.NoError(t, ops.MarkFailed(ctx, op.ID, "boom 2"))
	got, err = ops.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, OpStatusFailed, got.Status)

	ready, err := ops.FindReadyToProcess(ctx, "", 10)
	require.NoError(t, err)
	require.Empty(t, ready)
}

func TestPendingOpsReleaseStaleLocks(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	op, err := ops.Create(ctx, OpTypeMatch, "k1", nil, 3)
	require.NoError(t, err)
	require.NoError(t, ops.MarkInProgress(ctx, op.ID, "worker-a"))

	n, err := ops.ReleaseStaleLocks(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(6 * time.Minute)
	n, err = ops.ReleaseStaleLocks(ctx, 5*time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := ops.Get(ctx, op.ID)
	require.NoError(t, err)
	require.Equal(t, OpStatusPending, got.Status)
	require.Empty(t, got.LockedBy)
}

func TestPendingOpsFailAllInProgress(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	a, err := ops.Create(ctx, OpTypeMatch, "k1", nil, 3)
	require.NoError(t, err)
	_, err = ops.Create(ctx, OpTypeMatch, "k2", nil, 3)
	require.NoError(t, err)
	require.NoError(t, ops.MarkInProgress(ctx, a.ID, "worker-a"))

	n, err := ops.FailAllInProgress(ctx, "skipped by operator")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := ops.Get(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, OpStatusFailed, got.Status)
	require.Equal(t, "skipped by operator", got.LastError)
}

func TestPendingOpsRetentionSweep(t *testing.T) {
	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	s := openTestStoreAt(t, clk)
	ops := NewPendingOps(s)
	ctx := context.Background()

	op, err := ops.Create(ctx, OpTypeMatch, "k1", nil, 3)
	require.NoError(t, err)
	require.NoError(t, ops.MarkCompleted(ctx, op.ID))

	n, err := ops.DeleteCompleted(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	clk.Advance(8 * 24 * time.Hour)
	n, err = ops.DeleteCompleted(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	counts, err := ops.GetCountByStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, counts)
}
