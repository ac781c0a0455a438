package mpc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/Jerome2332/confidex-sub008/chain"
	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/retry"
	"github.com/Jerome2332/confidex-sub008/store"
	"github.com/Jerome2332/confidex-sub008/types"
)

// Config carries the MPC client parameters.
type Config struct {
	ProgramID     types.Pubkey
	ClusterOffset uint64 // single configured cluster, no runtime fallback

	// Timeout bounds one compute finalization wait; CallbackTimeout bounds
	// processing of a single received callback; SubmitTimeout bounds one
	// transaction submit.
	Timeout         time.Duration
	CallbackTimeout time.Duration
	SubmitTimeout   time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ClusterOffset:   456,
		Timeout:         120 * time.Second,
		CallbackTimeout: 30 * time.Second,
		SubmitTimeout:   60 * time.Second,
	}
}

// ChainRPC is the slice of the RPC client the MPC client needs.
type ChainRPC interface {
	GetAccountInfo(ctx context.Context, pubkey types.Pubkey) (*chain.AccountInfo, error)
	SendTransaction(ctx context.Context, signed []byte) (string, error)
}

// Blockhashes supplies fresh blockhashes for computation transactions.
type Blockhashes interface {
	EnsureFreshBlockhash(ctx context.Context, maxSlotAge uint64) (*types.CachedBlockhash, error)
}

// ProcessedRequests enforces at-most-once processing per (requestId, event).
type ProcessedRequests interface {
	TryClaim(ctx context.Context, req *store.MpcProcessedRequest) (bool, error)
}

// Client submits confidential computations and correlates their asynchronous
// callback events by computation offset.
type Client struct {
	cfg        Config
	rpc        ChainRPC
	blockhash  Blockhashes
	wallet     *chain.Wallet
	processed  ProcessedRequests
	logger     log.Logger
	clk        clock.Clock
	accounts   AccountSet
	nextOffset atomic.Uint64

	mu      sync.Mutex
	waiters map[uint64]chan *Event
	onEvent []func(*Event)
}

// NewClient wires a client. The wallet signs every computation transaction.
func NewClient(cfg Config, rpc ChainRPC, blockhash Blockhashes, wallet *chain.Wallet, processed ProcessedRequests, logger log.Logger, clk clock.Clock) *Client {
	def := DefaultConfig()
	if cfg.ClusterOffset == 0 {
		cfg.ClusterOffset = def.ClusterOffset
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = def.CallbackTimeout
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	c := &Client{
		cfg:       cfg,
		rpc:       rpc,
		blockhash: blockhash,
		wallet:    wallet,
		processed: processed,
		logger:    logger.With("module", "mpc"),
		clk:       clk,
		accounts:  DeriveAccounts(cfg.ProgramID, cfg.ClusterOffset),
		waiters:   make(map[uint64]chan *Event),
	}
	c.nextOffset.Store(uint64(clk.Now().UnixNano()))
	return c
}

// Accounts returns the derived account set for the configured cluster.
func (c *Client) Accounts() AccountSet { return c.accounts }

// IsAvailable reports whether the cluster has completed keygen and can accept
// computations.
func (c *Client) IsAvailable(ctx context.Context) bool {
	_, err := c.GetMxePublicKey(ctx)
	return err == nil
}

// GetMxePublicKey reads the MXE x25519 public key from the cluster-state
// account. ErrMpcUnavailable when the account is missing or keygen is not
// done.
func (c *Client) GetMxePublicKey(ctx context.Context) ([32]byte, error) {
	var key [32]byte
	info, err := retry.WithTimeout(ctx, 5*time.Second, "mpc cluster-state read",
		func(ctx context.Context) (*chain.AccountInfo, error) {
			return c.rpc.GetAccountInfo(ctx, c.accounts.ClusterState)
		})
	if err != nil {
		return key, errors.Wrap(types.ErrMpcUnavailable, err.Error())
	}
	if info == nil {
		return key, errors.Wrap(types.ErrMpcUnavailable, "cluster-state account not found")
	}
	key, ok := mxeKeyFromClusterState(info.Data)
	if !ok {
		return key, errors.Wrap(types.ErrMpcUnavailable, "cluster keygen not complete")
	}
	return key, nil
}

// ExecuteComparePrices submits a compare_prices computation and returns the
// transaction signature with the allocated computation offset.
func (c *Client) ExecuteComparePrices(ctx context.Context, buyCipher, sellCipher, ephemeral [32]byte, nonce [16]byte) (string, uint64, error) {
	offset := c.allocOffset()
	data := BuildComparePrices(offset, buyCipher, sellCipher, ephemeral, nonce)
	sig, err := c.submit(ctx, data, c.accounts.CompDefCmp)
	if err != nil {
		return "", 0, err
	}
	c.logger.Info("submitted compare_prices computation",
		"offset", offset, "signature", sig)
	return sig, offset, nil
}

// ExecuteCalculateFill submits a calculate_fill computation for a pair whose
// prices already matched.
func (c *Client) ExecuteCalculateFill(ctx context.Context, buyAmount, sellAmount, buyPrice, sellPrice, buyFilled, sellFilled, ephemeral [32]byte, nonce [16]byte) (string, uint64, error) {
	offset := c.allocOffset()
	data := BuildCalculateFill(offset, buyAmount, sellAmount, buyPrice, sellPrice, buyFilled, sellFilled, ephemeral, nonce)
	sig, err := c.submit(ctx, data, c.accounts.CompDefFill)
	if err != nil {
		return "", 0, err
	}
	c.logger.Info("submitted calculate_fill computation",
		"offset", offset, "signature", sig)
	return sig, offset, nil
}

func (c *Client) allocOffset() uint64 {
	return c.nextOffset.Add(1)
}

func (c *Client) submit(ctx context.Context, data []byte, compDef types.Pubkey) (string, error) {
	bh, err := c.blockhash.EnsureFreshBlockhash(ctx, 0)
	if err != nil {
		return "", err
	}
	payer := c.wallet.Pubkey()
	ix := chain.Instruction{
		ProgramID: c.cfg.ProgramID,
		Accounts: []chain.AccountMeta{
			{Pubkey: payer, IsSigner: true, IsWritable: true},
			{Pubkey: c.accounts.ClusterState, IsWritable: true},
			{Pubkey: c.accounts.Mempool, IsWritable: true},
			{Pubkey: c.accounts.ExecutingPool, IsWritable: true},
			{Pubkey: c.accounts.Computation, IsWritable: true},
			{Pubkey: compDef},
		},
		Data: data,
	}
	signed, err := chain.NewTxBuilder(payer, bh.Hash).Add(ix).Build(c.wallet)
	if err != nil {
		return "", err
	}
	return retry.WithTimeout(ctx, c.cfg.SubmitTimeout, "mpc computation submit",
		func(ctx context.Context) (string, error) {
			return c.rpc.SendTransaction(ctx, signed)
		})
}

// AwaitFinalization blocks until the computation at offset emits its callback
// event, the configured timeout elapses (ErrMpcTimeout), or ctx is cancelled.
func (c *Client) AwaitFinalization(ctx context.Context, offset uint64) (*Event, error) {
	ch := c.registerWaiter(offset)
	defer c.dropWaiter(offset)

	ev, err := retry.WithTimeout(ctx, c.cfg.Timeout, "mpc finalization",
		func(ctx context.Context) (*Event, error) {
			select {
			case ev := <-ch:
				return ev, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	if err != nil {
		if ctx.Err() == nil {
			// Deadline elapsed with the caller still alive: dead-letter path.
			return nil, errors.Wrapf(types.ErrMpcTimeout,
				"computation %d not finalized within %s", offset, c.cfg.Timeout)
		}
		return nil, err
	}
	return ev, nil
}

func (c *Client) registerWaiter(offset uint64) chan *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.waiters[offset]
	if !ok {
		ch = make(chan *Event, 1)
		c.waiters[offset] = ch
	}
	return ch
}

func (c *Client) dropWaiter(offset uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.waiters, offset)
}

// OnEvent registers a callback invoked for every newly claimed event, after
// any waiter has been released. Register before binding the log stream.
func (c *Client) OnEvent(fn func(*Event)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEvent = append(c.onEvent, fn)
}

// HandleLogs decodes MPC events out of one transaction's log lines and
// dispatches each at most once. Logs of failed transactions are ignored.
func (c *Client) HandleLogs(notif chain.LogsNotification) {
	if notif.Failed {
		return
	}
	for _, ev := range ParseLogs(notif.Logs) {
		ev.TxSignature = notif.Signature
		ev.Slot = notif.Slot
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev *Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CallbackTimeout)
	defer cancel()

	won, err := c.processed.TryClaim(ctx, &store.MpcProcessedRequest{
		RequestKey:      store.RequestKey(ev.RequestID(), ev.Name()),
		RequestType:     store.MpcRequestEvent,
		Status:          store.MpcStatusProcessed,
		ComputationType: ev.Name(),
		TxSignature:     ev.TxSignature,
	})
	if err != nil {
		c.logger.Error("mpc callback claim failed",
			"offset", ev.ComputationOffset(), "error", err)
		return
	}
	if !won {
		metrics.GetCollector().MPCCallbackDupes.Inc()
		c.logger.Debug("mpc callback already processed",
			"offset", ev.ComputationOffset(), "event", ev.Name())
		return
	}

	c.mu.Lock()
	ch := c.waiters[ev.ComputationOffset()]
	callbacks := append([]func(*Event){}, c.onEvent...)
	c.mu.Unlock()

	if ch != nil {
		select {
		case ch <- ev:
		default:
		}
	} else {
		c.logger.Warn("mpc callback with no waiter",
			"offset", ev.ComputationOffset(), "event", ev.Name())
	}
	for _, fn := range callbacks {
		fn(ev)
	}
}

// BindSubscriber routes the program's log notifications into the client.
// Call before the subscriber starts.
func (c *Client) BindSubscriber(sub *chain.Subscriber) {
	sub.OnLogs(c.cfg.ProgramID, c.HandleLogs)
}
