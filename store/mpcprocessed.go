package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// MPC processed-request kinds and statuses.
const (
	MpcRequestComputation = "computation"
	MpcRequestEvent       = "event"

	MpcStatusProcessed = "processed"
	MpcStatusFailed    = "failed"
)

// MpcProcessedRequest records one handled MPC callback so replays across
// restarts and processes produce no additional side-effects.
type MpcProcessedRequest struct {
	RequestKey      string
	RequestType     string
	Status          string
	ComputationType string
	TxSignature     string
	ErrorMessage    string
	CreatedAt       time.Time
}

// MpcProcessed is the repository over the mpc_processed_requests table.
type MpcProcessed struct {
	s *Store
}

// NewMpcProcessed binds the repository to a store.
func NewMpcProcessed(s *Store) *MpcProcessed {
	return &MpcProcessed{s: s}
}

// RequestKey builds the dedup key for one (requestId, eventName) pair.
func RequestKey(requestID, eventName string) string {
	return fmt.Sprintf("%s:%s", requestID, eventName)
}

// TryClaim records the request as processed and reports whether this caller
// won the claim. A false return means the callback was already handled and
// must not be processed again.
func (r *MpcProcessed) TryClaim(ctx context.Context, req *MpcProcessedRequest) (bool, error) {
	res, err := r.s.db.ExecContext(ctx, `
INSERT INTO mpc_processed_requests(request_key, request_type, status, computation_type, tx_signature, error_message, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(request_key) DO NOTHING`,
		req.RequestKey, req.RequestType, req.Status,
		nullIfEmpty(req.ComputationType), nullIfEmpty(req.TxSignature),
		nullIfEmpty(req.ErrorMessage), r.s.now().Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsProcessed reports whether requestKey was already handled.
func (r *MpcProcessed) IsProcessed(ctx context.Context, requestKey string) (bool, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM mpc_processed_requests WHERE request_key = ?`, requestKey).Scan(&n)
	return n > 0, err
}

// Get fetches a processed-request record; nil when absent.
func (r *MpcProcessed) Get(ctx context.Context, requestKey string) (*MpcProcessedRequest, error) {
	row := r.s.db.QueryRowContext(ctx, `
SELECT request_key, request_type, status, COALESCE(computation_type, ''),
       COALESCE(tx_signature, ''), COALESCE(error_message, ''), created_at
FROM mpc_processed_requests WHERE request_key = ?`, requestKey)

	var req MpcProcessedRequest
	var createdAt int64
	err := row.Scan(&req.RequestKey, &req.RequestType, &req.Status,
		&req.ComputationType, &req.TxSignature, &req.ErrorMessage, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	req.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &req, nil
}

// DeleteOlderThan prunes records past the retention window.
func (r *MpcProcessed) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := r.s.now().Add(-retention).Unix()
	res, err := r.s.db.ExecContext(ctx,
		`DELETE FROM mpc_processed_requests WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
