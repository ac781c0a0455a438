package store

import (
	"context"
	"database/sql"
	"time"
)

// Transaction record statuses.
const (
	TxStatusPending   = "pending"
	TxStatusConfirmed = "confirmed"
	TxStatusFailed    = "failed"
	TxStatusExpired   = "expired"
)

// TransactionRecord is the durable trace of one submitted settlement-path
// transaction. Written before submit, updated on confirmation.
type TransactionRecord struct {
	TxSignature  string
	Type         string
	Status       string
	BuyOrderPda  string
	SellOrderPda string
	MpcRequestID string
	Slot         uint64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TxRecords is the repository over the settlement_requests table.
type TxRecords struct {
	s *Store
}

// NewTxRecords binds the repository to a store.
func NewTxRecords(s *Store) *TxRecords {
	return &TxRecords{s: s}
}

// Record writes the pending row for a just-submitted transaction. Re-recording
// the same signature is a no-op so callback replays stay idempotent.
func (r *TxRecords) Record(ctx context.Context, rec *TransactionRecord) error {
	now := r.s.now().Unix()
	_, err := r.s.db.ExecContext(ctx, `
INSERT INTO settlement_requests(tx_signature, type, status, buy_order_pda, sell_order_pda, mpc_request_id, slot, created_at, updated_at)
VALUES(?, ?, 'pending', ?, ?, ?, ?, ?, ?)
ON CONFLICT(tx_signature) DO NOTHING`,
		rec.TxSignature, rec.Type, rec.BuyOrderPda, rec.SellOrderPda,
		nullIfEmpty(rec.MpcRequestID), rec.Slot, now, now)
	return err
}

// SetStatus moves the record to status, optionally stamping the landing slot.
func (r *TxRecords) SetStatus(ctx context.Context, sig, status string, slot uint64) error {
	now := r.s.now().Unix()
	if slot > 0 {
		_, err := r.s.db.ExecContext(ctx,
			`UPDATE settlement_requests SET status = ?, slot = ?, updated_at = ? WHERE tx_signature = ?`,
			status, slot, now, sig)
		return err
	}
	_, err := r.s.db.ExecContext(ctx,
		`UPDATE settlement_requests SET status = ?, updated_at = ? WHERE tx_signature = ?`,
		status, now, sig)
	return err
}

// Get fetches a record by signature; nil when absent.
func (r *TxRecords) Get(ctx context.Context, sig string) (*TransactionRecord, error) {
	row := r.s.db.QueryRowContext(ctx, `
SELECT tx_signature, type, status, buy_order_pda, sell_order_pda,
       COALESCE(mpc_request_id, ''), COALESCE(slot, 0), created_at, updated_at
FROM settlement_requests WHERE tx_signature = ?`, sig)

	var rec TransactionRecord
	var createdAt, updatedAt int64
	err := row.Scan(&rec.TxSignature, &rec.Type, &rec.Status, &rec.BuyOrderPda,
		&rec.SellOrderPda, &rec.MpcRequestID, &rec.Slot, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// CountByStatus returns record counts keyed by status.
func (r *TxRecords) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM settlement_requests GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}

// DeleteOlderThan prunes terminal records past the retention window.
func (r *TxRecords) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.s.now().Add(-retention).Unix()
	res, err := r.s.db.ExecContext(ctx, `
DELETE FROM settlement_requests
WHERE status IN ('confirmed', 'failed', 'expired') AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
