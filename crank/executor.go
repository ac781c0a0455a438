package crank

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"time"

	"cosmossdk.io/errors"
	"cosmossdk.io/log"
	"github.com/google/uuid"

	"github.com/Jerome2332/confidex-sub008/chain"
	"github.com/Jerome2332/confidex-sub008/clock"
	"github.com/Jerome2332/confidex-sub008/metrics"
	"github.com/Jerome2332/confidex-sub008/mpc"
	"github.com/Jerome2332/confidex-sub008/retry"
	"github.com/Jerome2332/confidex-sub008/store"
	"github.com/Jerome2332/confidex-sub008/types"
)

// MpcEngine is the slice of the MPC client the executor drives.
type MpcEngine interface {
	IsAvailable(ctx context.Context) bool
	GetMxePublicKey(ctx context.Context) ([32]byte, error)
	ExecuteComparePrices(ctx context.Context, buyCipher, sellCipher, ephemeral [32]byte, nonce [16]byte) (string, uint64, error)
	ExecuteCalculateFill(ctx context.Context, buyAmount, sellAmount, buyPrice, sellPrice, buyFilled, sellFilled, ephemeral [32]byte, nonce [16]byte) (string, uint64, error)
	AwaitFinalization(ctx context.Context, offset uint64) (*mpc.Event, error)
}

// TxSubmitter is the slice of the RPC client used for settlement.
type TxSubmitter interface {
	SendTransaction(ctx context.Context, signed []byte) (string, error)
	ConfirmTransaction(ctx context.Context, sig string, lastValidBlockHeight uint64) error
}

// Blockhashes supplies fresh blockhashes for settlement transactions.
type Blockhashes interface {
	EnsureFreshBlockhash(ctx context.Context, maxSlotAge uint64) (*types.CachedBlockhash, error)
}

// ExecutorConfig carries the executor parameters.
type ExecutorConfig struct {
	OrderbookProgramID types.Pubkey
	UseRealMpc         bool
	MaxRetries         int
	SubmitTimeout      time.Duration
}

// MatchResult reports one match attempt. Skipped means the candidate could
// not be attempted (locks busy, duplicate in flight) and is not an error.
type MatchResult struct {
	Success   bool
	Skipped   bool
	Signature string
	Err       error
}

// Executor drives one candidate through compare-prices, fill calculation and
// on-chain settlement. In-process pair locks are never held across an MPC
// wait; the durable pending operation carries the state instead.
type Executor struct {
	cfg       ExecutorConfig
	locks     *LockManager
	engine    MpcEngine
	submitter TxSubmitter
	blockhash Blockhashes
	wallet    *chain.Wallet
	pending   *store.PendingOps
	txRecords *store.TxRecords
	workerID  string
	collector *metrics.Collector
	logger    log.Logger
	clk       clock.Clock
}

// NewExecutor wires an executor.
func NewExecutor(cfg ExecutorConfig, locks *LockManager, engine MpcEngine, submitter TxSubmitter, blockhash Blockhashes, wallet *chain.Wallet, pending *store.PendingOps, txRecords *store.TxRecords, collector *metrics.Collector, logger log.Logger, clk clock.Clock) *Executor {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 60 * time.Second
	}
	return &Executor{
		cfg:       cfg,
		locks:     locks,
		engine:    engine,
		submitter: submitter,
		blockhash: blockhash,
		wallet:    wallet,
		pending:   pending,
		txRecords: txRecords,
		workerID:  uuid.NewString(),
		collector: collector,
		logger:    logger.With("module", "executor"),
		clk:       clk,
	}
}

// matchPayload is the durable state carried across the MPC wait.
type matchPayload struct {
	BuyPda    string `json:"buyPda"`
	SellPda   string `json:"sellPda"`
	PairPda   string `json:"pairPda"`
	RequestID string `json:"requestId"`
}

// ExecuteMatch runs the full settlement pipeline for one candidate.
func (e *Executor) ExecuteMatch(ctx context.Context, cand *types.MatchCandidate) MatchResult {
	timer := metrics.NewTimer()
	e.collector.RecordMatchAttempt()

	buyPda, sellPda := cand.BuyOrder.Pda, cand.SellOrder.Pda
	requestID := uuid.NewString()
	logger := e.logger.With("buy", buyPda.String(), "sell", sellPda.String(), "request_id", requestID)

	if !e.locks.AcquireLocks(buyPda, sellPda, requestID) {
		return MatchResult{Skipped: true}
	}

	op, err := e.claimOp(ctx, cand, requestID)
	if err != nil {
		e.locks.ReleaseLocks(buyPda, sellPda)
		if errors.IsOf(err, types.ErrPendingOpExists, types.ErrLockHeld) {
			return MatchResult{Skipped: true}
		}
		return e.failed(cand, op, "pending-op claim", err)
	}

	if !e.cfg.UseRealMpc {
		// Dev mode: synthesize a successful match without touching the MPC.
		logger.Warn("synthesizing match result, real MPC disabled")
		e.completeOp(ctx, op)
		e.locks.ReleaseLocks(buyPda, sellPda)
		e.collector.RecordMatchSuccess(timer.ElapsedMs())
		return MatchResult{Success: true, Signature: "synthetic-" + requestID}
	}

	ephemeral, nonce, err := freshKeyMaterial()
	if err != nil {
		e.locks.ReleaseLocks(buyPda, sellPda)
		return e.failed(cand, op, "key material", err)
	}

	compareSig, offset, err := e.engine.ExecuteComparePrices(ctx,
		mpc.Limb(cand.BuyOrder.EncryptedPrice), mpc.Limb(cand.SellOrder.EncryptedPrice),
		ephemeral, nonce)
	if err != nil {
		e.locks.ReleaseLocks(buyPda, sellPda)
		return e.dispose(ctx, cand, op, "compare submit", err)
	}
	e.recordTx(ctx, compareSig, "compare_prices", cand, requestID)
	e.collector.RecordTx("compare_prices", "submitted")

	// The finalization wait can take up to two minutes; drop the pair locks
	// so unrelated candidates on these books are not starved.
	e.locks.ReleaseLocks(buyPda, sellPda)

	mpcTimer := metrics.NewTimer()
	ev, err := e.engine.AwaitFinalization(ctx, offset)
	if err != nil {
		if errors.IsOf(err, types.ErrMpcTimeout) {
			e.collector.MPCTimeoutsTotal.Inc()
		}
		return e.dispose(ctx, cand, op, "compare finalization", err)
	}
	e.collector.RecordMPC(mpc.InstructionComparePrices, mpcTimer.ElapsedMs())

	if ev.Compare == nil {
		return e.failed(cand, op, "compare finalization",
			errors.Wrap(types.ErrInvalidAccountData, "unexpected event type for compare computation"))
	}
	if !ev.Compare.PricesMatch {
		// Authoritative no-match. Not a crank error.
		logger.Info("prices did not match", "offset", offset)
		e.collector.PriceMismatchTotal.Inc()
		e.collector.RecordMatchFailure("price_mismatch")
		e.completeOp(ctx, op)
		return MatchResult{Success: false}
	}

	// Prices matched: reacquire the pair to submit the fill computation.
	if !e.locks.AcquireLocks(buyPda, sellPda, requestID) {
		return e.dispose(ctx, cand, op, "lock reacquire",
			errors.Wrap(types.ErrLockHeld, "pair relocked during MPC wait"))
	}

	fillSig, fillOffset, err := e.engine.ExecuteCalculateFill(ctx,
		mpc.Limb(cand.BuyOrder.EncryptedAmount), mpc.Limb(cand.SellOrder.EncryptedAmount),
		mpc.Limb(cand.BuyOrder.EncryptedPrice), mpc.Limb(cand.SellOrder.EncryptedPrice),
		mpc.Limb(cand.BuyOrder.EncryptedFilled), mpc.Limb(cand.SellOrder.EncryptedFilled),
		ephemeral, nonce)
	if err != nil {
		e.locks.ReleaseLocks(buyPda, sellPda)
		return e.dispose(ctx, cand, op, "fill submit", err)
	}
	e.recordTx(ctx, fillSig, "calculate_fill", cand, requestID)
	e.collector.RecordTx("calculate_fill", "submitted")

	// Same rule as the compare wait: never hold the pair across a
	// finalization wait. The pending op carries the state.
	e.locks.ReleaseLocks(buyPda, sellPda)

	mpcTimer = metrics.NewTimer()
	fillEv, err := e.engine.AwaitFinalization(ctx, fillOffset)
	if err != nil {
		if errors.IsOf(err, types.ErrMpcTimeout) {
			e.collector.MPCTimeoutsTotal.Inc()
		}
		return e.dispose(ctx, cand, op, "fill finalization", err)
	}
	e.collector.RecordMPC(mpc.InstructionCalculateFill, mpcTimer.ElapsedMs())

	if fillEv.Fill == nil {
		return e.failed(cand, op, "fill finalization",
			errors.Wrap(types.ErrInvalidAccountData, "unexpected event type for fill computation"))
	}

	// Final reacquire for the settlement submit.
	if !e.locks.AcquireLocks(buyPda, sellPda, requestID) {
		return e.dispose(ctx, cand, op, "settlement lock",
			errors.Wrap(types.ErrLockHeld, "pair relocked during fill wait"))
	}
	defer e.locks.ReleaseLocks(buyPda, sellPda)

	settleSig, err := e.submitSettlement(ctx, cand, fillEv.Fill, requestID)
	if err != nil {
		return e.dispose(ctx, cand, op, "settlement", err)
	}

	e.completeOp(ctx, op)
	e.collector.RecordMatchSuccess(timer.ElapsedMs())
	logger.Info("match settled", "signature", settleSig)
	return MatchResult{Success: true, Signature: settleSig}
}

// claimOp creates (or resumes) the durable pending operation for a candidate
// and marks it in progress under this worker. A key already holding an open
// row means a previous attempt left retryable state behind; that row is
// resumed rather than abandoned, stealing its lock only past the stale window.
func (e *Executor) claimOp(ctx context.Context, cand *types.MatchCandidate, requestID string) (*store.PendingOperation, error) {
	payload, err := json.Marshal(matchPayload{
		BuyPda:    cand.BuyOrder.Pda.String(),
		SellPda:   cand.SellOrder.Pda.String(),
		PairPda:   cand.PairPda.String(),
		RequestID: requestID,
	})
	if err != nil {
		return nil, err
	}
	op, err := e.pending.Create(ctx, store.OpTypeMatch, cand.Key(), payload, e.cfg.MaxRetries)
	if errors.IsOf(err, types.ErrPendingOpExists) {
		op, err = e.pending.GetOpenByKey(ctx, cand.Key())
		if err != nil {
			// The row went terminal or completed between the insert and the
			// lookup; treat it as in flight and let the next tick retry.
			return nil, errors.Wrapf(types.ErrPendingOpExists, "key %s", cand.Key())
		}
		if op.RetryCount >= op.MaxRetries {
			return nil, errors.Wrapf(types.ErrPendingOpExists, "key %s exhausted retries", cand.Key())
		}
	} else if err != nil {
		return nil, err
	}
	if err := e.pending.MarkInProgress(ctx, op.ID, e.workerID); err != nil {
		return nil, err
	}
	return op, nil
}

func (e *Executor) completeOp(ctx context.Context, op *store.PendingOperation) {
	if err := e.pending.MarkCompleted(ctx, op.ID); err != nil {
		e.logger.Error("failed to complete pending op", "op_id", op.ID, "error", err)
	}
}

// dispose routes an error to the right pending-op state: fatal errors fail
// the op permanently, everything else leaves it for the next tick. Unknown
// errors become terminal once the row exhausts maxRetries.
func (e *Executor) dispose(ctx context.Context, cand *types.MatchCandidate, op *store.PendingOperation, stage string, err error) MatchResult {
	if retry.IsFatal(err) {
		return e.failed(cand, op, stage, err)
	}
	if markErr := e.pending.MarkFailed(ctx, op.ID, err.Error()); markErr != nil {
		e.logger.Error("failed to mark pending op", "op_id", op.ID, "error", markErr)
	}
	e.collector.RecordMatchFailure("transient")
	e.logger.Warn("match attempt will retry", "stage", stage, "key", cand.Key(), "error", err)
	return MatchResult{Success: false, Err: err}
}

// failed marks the operation terminally failed.
func (e *Executor) failed(cand *types.MatchCandidate, op *store.PendingOperation, stage string, err error) MatchResult {
	ctx := context.Background()
	if op != nil {
		if markErr := e.pending.FailTerminally(ctx, op.ID, err.Error()); markErr != nil {
			e.logger.Error("failed to fail pending op", "op_id", op.ID, "error", markErr)
		}
	}
	e.collector.RecordMatchFailure("fatal")
	e.logger.Error("match attempt failed", "stage", stage, "key", cand.Key(), "error", err)
	return MatchResult{Success: false, Err: err}
}

func (e *Executor) recordTx(ctx context.Context, sig, txType string, cand *types.MatchCandidate, requestID string) {
	err := e.txRecords.Record(ctx, &store.TransactionRecord{
		TxSignature:  sig,
		Type:         txType,
		BuyOrderPda:  cand.BuyOrder.Pda.String(),
		SellOrderPda: cand.SellOrder.Pda.String(),
		MpcRequestID: requestID,
	})
	if err != nil {
		e.logger.Error("failed to record transaction", "signature", sig, "error", err)
	}
}

// submitSettlement builds and lands the match_orders instruction carrying the
// fresh fill ciphertext, confirming within the blockhash validity budget.
func (e *Executor) submitSettlement(ctx context.Context, cand *types.MatchCandidate, fill *types.FillCalculationResult, requestID string) (string, error) {
	bh, err := e.blockhash.EnsureFreshBlockhash(ctx, 0)
	if err != nil {
		return "", err
	}

	payer := e.wallet.Pubkey()
	ix := chain.Instruction{
		ProgramID: e.cfg.OrderbookProgramID,
		Accounts: []chain.AccountMeta{
			{Pubkey: payer, IsSigner: true, IsWritable: true},
			{Pubkey: cand.BuyOrder.Pda, IsWritable: true},
			{Pubkey: cand.SellOrder.Pda, IsWritable: true},
			{Pubkey: cand.PairPda, IsWritable: true},
		},
		Data: buildMatchOrdersData(fill),
	}
	signed, err := chain.NewTxBuilder(payer, bh.Hash).Add(ix).Build(e.wallet)
	if err != nil {
		return "", err
	}

	result := retry.WithRetry(ctx, retry.Options{
		MaxAttempts: e.cfg.MaxRetries,
		MaxTime:     e.cfg.SubmitTimeout,
		OnRetry: func(err error, attempt int, delay time.Duration) {
			e.logger.Warn("settlement submit retrying",
				"attempt", attempt, "delay", delay, "error", err)
		},
	}, func(ctx context.Context) (string, error) {
		return e.submitter.SendTransaction(ctx, signed)
	})
	if !result.Success {
		return "", result.Err
	}
	sig := result.Value
	e.recordTx(ctx, sig, "match_orders", cand, requestID)
	e.collector.RecordTx("match_orders", "submitted")

	if err := e.submitter.ConfirmTransaction(ctx, sig, bh.LastValidBlockHeight); err != nil {
		if setErr := e.txRecords.SetStatus(ctx, sig, store.TxStatusExpired, 0); setErr != nil {
			e.logger.Error("failed to mark transaction expired", "signature", sig, "error", setErr)
		}
		e.collector.RecordTx("match_orders", "expired")
		return "", err
	}
	if err := e.txRecords.SetStatus(ctx, sig, store.TxStatusConfirmed, 0); err != nil {
		e.logger.Error("failed to mark transaction confirmed", "signature", sig, "error", err)
	}
	e.collector.RecordTx("match_orders", "confirmed")
	return sig, nil
}

// buildMatchOrdersData serializes the settlement instruction: discriminator +
// encryptedFillAmount(64) + buyFullyFilled(1) + sellFullyFilled(1).
func buildMatchOrdersData(fill *types.FillCalculationResult) []byte {
	disc := mpc.Discriminator("match_orders")
	data := make([]byte, 0, 8+64+2)
	data = append(data, disc[:]...)
	data = append(data, fill.EncryptedFillAmount[:]...)
	data = append(data, boolByte(fill.BuyFullyFilled), boolByte(fill.SellFullyFilled))
	return data
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// freshKeyMaterial draws a per-request ephemeral x25519 public key and
// 128-bit nonce.
func freshKeyMaterial() (ephemeral [32]byte, nonce [16]byte, err error) {
	if _, err = rand.Read(ephemeral[:]); err != nil {
		return
	}
	_, err = rand.Read(nonce[:])
	return
}
