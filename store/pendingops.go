package store

import (
	"context"
	"database/sql"
	"time"

	"cosmossdk.io/errors"
	"github.com/google/uuid"

	"github.com/Jerome2332/confidex-sub008/types"
)

// Pending operation types.
const (
	OpTypeMatch       = "match"
	OpTypeSettlement  = "settlement"
	OpTypeMpcCallback = "mpc_callback"
)

// Pending operation statuses.
const (
	OpStatusPending    = "pending"
	OpStatusInProgress = "in_progress"
	OpStatusCompleted  = "completed"
	OpStatusFailed     = "failed"
)

// Row locks left untouched this long may be stolen by another process.
const staleLockTimeout = 5 * time.Minute

// PendingOperation is one durable unit of in-flight work. The per-match
// lifecycle is persisted here so a crash re-enters at the right state.
type PendingOperation struct {
	ID         string
	Type       string
	Key        string
	Status     string
	Payload    []byte
	RetryCount int
	MaxRetries int
	LastError  string
	LockedBy   string
	LockedAt   time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PendingOps is the repository over the pending_operations table.
type PendingOps struct {
	s *Store
}

// NewPendingOps binds the repository to a store.
func NewPendingOps(s *Store) *PendingOps {
	return &PendingOps{s: s}
}

// Create inserts a new pending operation. A non-terminal row with the same
// key already present yields ErrPendingOpExists.
func (r *PendingOps) Create(ctx context.Context, opType, key string, payload []byte, maxRetries int) (*PendingOperation, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	now := r.s.now()
	op := &PendingOperation{
		ID:         uuid.NewString(),
		Type:       opType,
		Key:        key,
		Status:     OpStatusPending,
		Payload:    payload,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	_, err := r.s.db.ExecContext(ctx, `
INSERT INTO pending_operations(id, type, key, status, payload, retry_count, max_retries, created_at, updated_at)
VALUES(?, ?, ?, 'pending', ?, 0, ?, ?, ?)`,
		op.ID, opType, key, payload, maxRetries, now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, errors.Wrapf(types.ErrPendingOpExists, "key %s", key)
		}
		return nil, err
	}
	return op, nil
}

// Exists reports whether a non-terminal operation with key is present.
func (r *PendingOps) Exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM pending_operations
WHERE key = ? AND status IN ('pending', 'in_progress')`, key).Scan(&n)
	return n > 0, err
}

// GetOpenByKey returns the non-terminal operation holding key, or
// ErrOrderNotFound when no open row exists. The open-key unique index
// guarantees at most one.
func (r *PendingOps) GetOpenByKey(ctx context.Context, key string) (*PendingOperation, error) {
	row := r.s.db.QueryRowContext(ctx, `
SELECT id, type, key, status, payload, retry_count, max_retries,
       COALESCE(last_error, ''), COALESCE(locked_by, ''), COALESCE(locked_at, 0),
       created_at, updated_at
FROM pending_operations
WHERE key = ? AND status IN ('pending', 'in_progress')`, key)
	op, err := scanOp(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(types.ErrOrderNotFound, "open operation for key %s", key)
	}
	return op, err
}

// FindReadyToProcess returns operations eligible for work: non-terminal,
// under their retry budget, and either unlocked or stale-locked, oldest first.
// An empty opType matches every type.
func (r *PendingOps) FindReadyToProcess(ctx context.Context, opType string, limit int) ([]*PendingOperation, error) {
	if limit <= 0 {
		limit = 50
	}
	staleBefore := r.s.now().Add(-staleLockTimeout).Unix()
	q := `
SELECT id, type, key, status, payload, retry_count, max_retries,
       COALESCE(last_error, ''), COALESCE(locked_by, ''), COALESCE(locked_at, 0),
       created_at, updated_at
FROM pending_operations
WHERE status IN ('pending', 'in_progress')
  AND retry_count < max_retries
  AND (locked_by IS NULL OR locked_at < ?)`
	args := []any{staleBefore}
	if opType != "" {
		q += ` AND type = ?`
		args = append(args, opType)
	}
	q += ` ORDER BY created_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := r.s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingOperation
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, rows.Err()
}

// MarkInProgress claims the row for lockedBy. The claim succeeds only when the
// row is unlocked, already ours, or stale-locked; losing the race returns
// ErrLockHeld.
func (r *PendingOps) MarkInProgress(ctx context.Context, id, lockedBy string) error {
	now := r.s.now()
	staleBefore := now.Add(-staleLockTimeout).Unix()
	res, err := r.s.db.ExecContext(ctx, `
UPDATE pending_operations
SET status = 'in_progress', locked_by = ?, locked_at = ?, updated_at = ?
WHERE id = ?
  AND status IN ('pending', 'in_progress')
  AND (locked_by IS NULL OR locked_by = ? OR locked_at < ?)`,
		lockedBy, now.Unix(), now.Unix(), id, lockedBy, staleBefore)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(types.ErrLockHeld, "operation %s", id)
	}
	return nil
}

// MarkCompleted finishes the operation successfully and releases its lock.
func (r *PendingOps) MarkCompleted(ctx context.Context, id string) error {
	now := r.s.now().Unix()
	_, err := r.s.db.ExecContext(ctx, `
UPDATE pending_operations
SET status = 'completed', locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ?`, now, id)
	return err
}

// MarkFailed records errMsg. The row stays retryable until retry_count
// reaches max_retries, at which point it goes terminal failed.
func (r *PendingOps) MarkFailed(ctx context.Context, id, errMsg string) error {
	now := r.s.now().Unix()
	_, err := r.s.db.ExecContext(ctx, `
UPDATE pending_operations
SET retry_count = retry_count + 1,
    last_error = ?,
    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
    locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ?`, errMsg, now, id)
	return err
}

// FailTerminally marks the row failed regardless of remaining retries.
// Fatal on-chain errors and skip-pending-mpc use this.
func (r *PendingOps) FailTerminally(ctx context.Context, id, errMsg string) error {
	now := r.s.now().Unix()
	_, err := r.s.db.ExecContext(ctx, `
UPDATE pending_operations
SET status = 'failed', last_error = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ?`, errMsg, now, id)
	return err
}

// ResetForRetry puts the row back to pending with its lock cleared.
func (r *PendingOps) ResetForRetry(ctx context.Context, id string) error {
	now := r.s.now().Unix()
	_, err := r.s.db.ExecContext(ctx, `
UPDATE pending_operations
SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE id = ? AND status IN ('pending', 'in_progress')`, now, id)
	return err
}

// FailAllInProgress terminally fails every in_progress row, returning how many
// were hit. This is the skip-pending-mpc escape hatch.
func (r *PendingOps) FailAllInProgress(ctx context.Context, reason string) (int64, error) {
	now := r.s.now().Unix()
	res, err := r.s.db.ExecContext(ctx, `
UPDATE pending_operations
SET status = 'failed', last_error = ?, locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE status = 'in_progress'`, reason, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ReleaseStaleLocks clears locks older than timeout, leaving the rows pending.
func (r *PendingOps) ReleaseStaleLocks(ctx context.Context, timeout time.Duration) (int64, error) {
	if timeout <= 0 {
		timeout = staleLockTimeout
	}
	cutoff := r.s.now().Add(-timeout).Unix()
	res, err := r.s.db.ExecContext(ctx, `
UPDATE pending_operations
SET status = 'pending', locked_by = NULL, locked_at = NULL, updated_at = ?
WHERE status = 'in_progress' AND locked_at IS NOT NULL AND locked_at < ?`,
		r.s.now().Unix(), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteCompleted prunes completed rows older than the retention window.
func (r *PendingOps) DeleteCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	cutoff := r.s.now().Add(-retention).Unix()
	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE status = 'completed' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteFailed prunes failed rows older than the retention window.
func (r *PendingOps) DeleteFailed(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}
	cutoff := r.s.now().Add(-retention).Unix()
	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE status = 'failed' AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetCountByStatus returns row counts keyed by status.
func (r *PendingOps) GetCountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.s.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM pending_operations GROUP BY status`)
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

// Get fetches one operation by id.
func (r *PendingOps) Get(ctx context.Context, id string) (*PendingOperation, error) {
	row := r.s.db.QueryRowContext(ctx, `
SELECT id, type, key, status, payload, retry_count, max_retries,
       COALESCE(last_error, ''), COALESCE(locked_by, ''), COALESCE(locked_at, 0),
       created_at, updated_at
FROM pending_operations WHERE id = ?`, id)
	op, err := scanOp(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(types.ErrOrderNotFound, "pending operation %s", id)
	}
	return op, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOp(row rowScanner) (*PendingOperation, error) {
	var op PendingOperation
	var lockedAt, createdAt, updatedAt int64
	err := row.Scan(&op.ID, &op.Type, &op.Key, &op.Status, &op.Payload,
		&op.RetryCount, &op.MaxRetries, &op.LastError, &op.LockedBy, &lockedAt,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if lockedAt > 0 {
		op.LockedAt = time.Unix(lockedAt, 0).UTC()
	}
	op.CreatedAt = time.Unix(createdAt, 0).UTC()
	op.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &op, nil
}
