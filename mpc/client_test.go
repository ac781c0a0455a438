package mpc

import (
	"context"
	"sync"
	"testing"
	"time"

	"cosmossdk.io/log"
	"github.com/stretchr/testify/require"

	"github.com/Jerome2332/confidex-sub008/chain"
	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/store"
	"github.com/Jerome2332/confidex-sub008/types"
)

type fakeRPC struct {
	mu          sync.Mutex
	clusterData []byte
	sent        [][]byte
}

func (f *fakeRPC) GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*chain.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clusterData == nil {
		return nil, nil
	}
	return &chain.AccountInfo{Data: f.clusterData}, nil
}

func (f *fakeRPC) SendTransaction(ctx context.Context, signed []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, signed)
	return "fake-signature", nil
}

type fakeBlockhashes struct{}

func (fakeBlockhashes) EnsureFreshBlockhash(ctx context.Context, maxSlotAge uint64) (*types.CachedBlockhash, error) {
	return &types.CachedBlockhash{
		Hash:                 "4uQeVj5tqViQh7yWWGStvkEG1Zmhx6uasJtWCJziofM",
		LastValidBlockHeight: 1000,
	}, nil
}

type memProcessed struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *memProcessed) TryClaim(ctx context.Context, req *store.MpcProcessedRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if m.seen[req.RequestKey] {
		return false, nil
	}
	m.seen[req.RequestKey] = true
	return true, nil
}

func newTestClient(t *testing.T, rpc *fakeRPC, cfg Config) *Client {
	t.Helper()
	wallet, err := chain.NewWallet()
	require.NoError(t, err)
	return NewClient(cfg, rpc, fakeBlockhashes{}, wallet,
		&memProcessed{}, log.NewNopLogger(), clock.System())
}

func clusterStateBytes(keygenDone bool) []byte {
	data := make([]byte, 200)
	if keygenDone {
		for i := mxeKeyOffset; i < mxeKeyEnd; i++ {
			data[i] = byte(i)
		}
	}
	return data
}

func TestClientAvailability(t *testing.T) {
	rpc := &fakeRPC{clusterData: clusterStateBytes(true)}
	c := newTestClient(t, rpc, Config{})
	require.True(t, c.IsAvailable(context.Background()))

	key, err := c.GetMxePublicKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, byte(mxeKeyOffset), key[0])
}

func TestClientUnavailableBeforeKeygen(t *testing.T) {
	rpc := &fakeRPC{clusterData: clusterStateBytes(false)}
	c := newTestClient(t, rpc, Config{})
	require.False(t, c.IsAvailable(context.Background()))

	_, err := c.GetMxePublicKey(context.Background())
	require.ErrorIs(t, err, types.ErrMpcUnavailable)
}

func TestClientUnavailableWhenAccountMissing(t *testing.T) {
	c := newTestClient(t, &fakeRPC{}, Config{})
	require.False(t, c.IsAvailable(context.Background()))
}

func TestExecuteComparePricesSubmits(t *testing.T) {
	rpc := &fakeRPC{clusterData: clusterStateBytes(true)}
	c := newTestClient(t, rpc, Config{})

	sig, offset, err := c.ExecuteComparePrices(context.Background(),
		filled32(0x11), filled32(0x22), filled32(0x33), NonceFromUint64(1))
	require.NoError(t, err)
	require.Equal(t, "fake-signature", sig)
	require.NotZero(t, offset)
	require.Len(t, rpc.sent, 1)

	// Distinct computations get distinct offsets.
	_, offset2, err := c.ExecuteComparePrices(context.Background(),
		filled32(0x11), filled32(0x22), filled32(0x33), NonceFromUint64(2))
	require.NoError(t, err)
	require.NotEqual(t, offset, offset2)
}

func TestAwaitFinalizationReceivesCallback(t *testing.T) {
	c := newTestClient(t, &fakeRPC{}, Config{})

	result := &types.PriceCompareResult{
		ComputationOffset: 42,
		PricesMatch:       true,
		RequestID:         filled32(0x55),
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		c.HandleLogs(chain.LogsNotification{
			Signature: "cb-sig",
			Logs:      []string{encodePriceCompare(result)},
			Slot:      900,
		})
	}()

	ev, err := c.AwaitFinalization(context.Background(), 42)
	require.NoError(t, err)
	require.NotNil(t, ev.Compare)
	require.True(t, ev.Compare.PricesMatch)
	require.Equal(t, "cb-sig", ev.TxSignature)
	require.Equal(t, uint64(900), ev.Slot)
}

func TestAwaitFinalizationTimesOut(t *testing.T) {
	c := newTestClient(t, &fakeRPC{}, Config{Timeout: 30 * time.Millisecond})

	_, err := c.AwaitFinalization(context.Background(), 7)
	require.ErrorIs(t, err, types.ErrMpcTimeout)
}

func TestAwaitFinalizationHonorsCancellation(t *testing.T) {
	c := newTestClient(t, &fakeRPC{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.AwaitFinalization(ctx, 7)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDuplicateCallbackProcessedOnce(t *testing.T) {
	c := newTestClient(t, &fakeRPC{}, Config{})

	var mu sync.Mutex
	var delivered int
	c.OnEvent(func(*Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})

	result := &types.PriceCompareResult{ComputationOffset: 9, RequestID: filled32(0x66)}
	notif := chain.LogsNotification{Signature: "dup-sig", Logs: []string{encodePriceCompare(result)}}
	c.HandleLogs(notif)
	c.HandleLogs(notif)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, delivered)
}

func TestFailedTransactionLogsIgnored(t *testing.T) {
	c := newTestClient(t, &fakeRPC{}, Config{})
	var delivered int
	c.OnEvent(func(*Event) { delivered++ })

	result := &types.PriceCompareResult{ComputationOffset: 9}
	c.HandleLogs(chain.LogsNotification{
		Failed: true,
		Logs:   []string{encodePriceCompare(result)},
	})
	require.Zero(t, delivered)
}

func TestDeriveAccountsIsDeterministic(t *testing.T) {
	program := types.Pubkey(filled32(0x77))
	a := DeriveAccounts(program, 456)
	b := DeriveAccounts(program, 456)
	require.Equal(t, a, b)

	other := DeriveAccounts(program, 789)
	require.NotEqual(t, a.ClusterState, other.ClusterState)
	require.NotEqual(t, a.Mempool, other.Mempool)
	require.Equal(t, a.CompDefCmp, other.CompDefCmp)
}
