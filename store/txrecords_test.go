package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTxRecordsRecordAndConfirm(t *testing.T) {
	s := openTestStore(t)
	repo := NewTxRecords(s)
	ctx := context.Background()

	rec := &TransactionRecord{
		TxSignature:  "sig-1",
		Type:         "compare_prices",
		BuyOrderPda:  "buy-pda",
		SellOrderPda: "sell-pda",
		MpcRequestID: "req-1",
	}
	require.NoError(t, repo.Record(ctx, rec))

	// Replayed inserts do not clobber the row.
	require.NoError(t, repo.Record(ctx, rec))

	got, err := repo.Get(ctx, "sig-1")
	require.NoError(t, err)
	require.Equal(t, TxStatusPending, got.Status)
	require.Equal(t, "req-1", got.MpcRequestID)

	require.NoError(t, repo.SetStatus(ctx, "sig-1", TxStatusConfirmed, 4242))
	got, err = repo.Get(ctx, "sig-1")
	require.NoError(t, err)
	require.Equal(t, TxStatusConfirmed, got.Status)
	require.Equal(t, uint64(4242), got.Slot)

	counts, err := repo.CountByStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts[TxStatusConfirmed])
}

func TestTxRecordsGetMissing(t *testing.T) {
	s := openTestStore(t)
	repo := NewTxRecords(s)
	got, err := repo.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, got)
}
