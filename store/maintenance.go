package store

import (
	"context"
	"time"
)

// Retention windows for the daily maintenance sweep.
const (
	completedRetention    = 7 * 24 * time.Hour
	failedRetention       = 30 * 24 * time.Hour
	txRecordRetention     = 30 * 24 * time.Hour
	mpcProcessedRetention = 30 * 24 * time.Hour
)

// Maintenance runs the periodic database housekeeping: retention pruning and
// expired distributed-lock cleanup. It is guarded by the db-maintenance
// distributed lock so only one crank instance sweeps.
type Maintenance struct {
	s     *Store
	ops   *PendingOps
	txs   *TxRecords
	mpc   *MpcProcessed
	locks *LockService
}

// NewMaintenance wires the sweep over the repositories.
func NewMaintenance(s *Store, ops *PendingOps, txs *TxRecords, mpc *MpcProcessed, locks *LockService) *Maintenance {
	return &Maintenance{s: s, ops: ops, txs: txs, mpc: mpc, locks: locks}
}

// Run performs one sweep under the db-maintenance lock. Losing the lock to
// another instance is not an error.
func (m *Maintenance) Run(ctx context.Context) error {
	return m.locks.WithLock(ctx, LockDbMaintenance, AcquireOptions{TTL: 5 * time.Minute}, func(ctx context.Context) error {
		return m.sweep(ctx)
	})
}

func (m *Maintenance) sweep(ctx context.Context) error {
	completed, err := m.ops.DeleteCompleted(ctx, completedRetention)
	if err != nil {
		return err
	}
	failed, err := m.ops.DeleteFailed(ctx, failedRetention)
	if err != nil {
		return err
	}
	txs, err := m.txs.DeleteOlderThan(ctx, txRecordRetention)
	if err != nil {
		return err
	}
	callbacks, err := m.mpc.DeleteOlderThan(ctx, mpcProcessedRetention)
	if err != nil {
		return err
	}

	// Expired lock rows from dead instances.
	res, err := m.s.db.ExecContext(ctx,
		`DELETE FROM distributed_locks WHERE expires_at < ?`, m.s.now().Unix())
	if err != nil {
		return err
	}
	expired, _ := res.RowsAffected()

	m.s.logger.Info("maintenance sweep complete",
		"completed_ops", completed, "failed_ops", failed,
		"tx_records", txs, "mpc_callbacks", callbacks, "expired_locks", expired)
	return nil
}
