package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one ordered schema step. Up must be idempotent; Down is
// optional and reverses the step completely.
type Migration struct {
	Version     int
	Description string
	Up          string
	Down        string
}

// migrations is the ordered schema history. Append only; never edit an
// applied step.
var migrations = []Migration{
	{
		Version:     1,
		Description: "pending operations queue",
		Up: `
CREATE TABLE IF NOT EXISTS pending_operations (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL CHECK (type IN ('match', 'settlement', 'mpc_callback')),
  key TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending'
    CHECK (status IN ('pending', 'in_progress', 'completed', 'failed')),
  payload BLOB,
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  last_error TEXT,
  locked_by TEXT,
  locked_at INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_ops_open_key
  ON pending_operations(key) WHERE status IN ('pending', 'in_progress');
CREATE INDEX IF NOT EXISTS idx_pending_ops_ready
  ON pending_operations(status, created_at);
`,
		Down: `
DROP INDEX IF EXISTS idx_pending_ops_ready;
DROP INDEX IF EXISTS idx_pending_ops_open_key;
DROP TABLE IF EXISTS pending_operations;
`,
	},
	{
		Version:     2,
		Description: "settlement request records",
		Up: `
CREATE TABLE IF NOT EXISTS settlement_requests (
  tx_signature TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending'
    CHECK (status IN ('pending', 'confirmed', 'failed', 'expired')),
  buy_order_pda TEXT NOT NULL,
  sell_order_pda TEXT NOT NULL,
  mpc_request_id TEXT,
  slot INTEGER,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_settlement_requests_status
  ON settlement_requests(status);
CREATE INDEX IF NOT EXISTS idx_settlement_requests_orders
  ON settlement_requests(buy_order_pda, sell_order_pda);
`,
		Down: `
DROP INDEX IF EXISTS idx_settlement_requests_orders;
DROP INDEX IF EXISTS idx_settlement_requests_status;
DROP TABLE IF EXISTS settlement_requests;
`,
	},
	{
		Version:     3,
		Description: "mpc processed requests for idempotent callbacks",
		Up: `
CREATE TABLE IF NOT EXISTS mpc_processed_requests (
  request_key TEXT PRIMARY KEY,
  request_type TEXT NOT NULL CHECK (request_type IN ('computation', 'event')),
  status TEXT NOT NULL CHECK (status IN ('processed', 'failed')),
  computation_type TEXT,
  tx_signature TEXT,
  error_message TEXT,
  created_at INTEGER NOT NULL
);
`,
		Down: `
DROP TABLE IF EXISTS mpc_processed_requests;
`,
	},
	{
		Version:     4,
		Description: "distributed locks",
		Up: `
CREATE TABLE IF NOT EXISTS distributed_locks (
  lock_name TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  acquired_at INTEGER NOT NULL,
  expires_at INTEGER NOT NULL,
  metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_distributed_locks_owner
  ON distributed_locks(owner_id);
`,
		Down: `
DROP INDEX IF EXISTS idx_distributed_locks_owner;
DROP TABLE IF EXISTS distributed_locks;
`,
	},
}

// Migrate applies every pending migration in order. Each step runs in its own
// transaction together with its __migrations bookkeeping row; the first
// failure stops the sequence.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS __migrations (
  version INTEGER PRIMARY KEY,
  description TEXT NOT NULL,
  applied_at INTEGER NOT NULL
);`); err != nil {
		return err
	}

	applied, err := s.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}
	appliedSet := make(map[int]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}

	for _, m := range migrations {
		if appliedSet[m.Version] {
			continue
		}
		if err := s.applyStep(ctx, m); err != nil {
			return fmt.Errorf("migration %03d (%s): %w", m.Version, m.Description, err)
		}
		s.logger.Info("applied migration", "version", m.Version, "description", m.Description)
	}
	return nil
}

func (s *Store) applyStep(ctx context.Context, m Migration) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO __migrations(version, description, applied_at) VALUES(?, ?, ?)`,
			m.Version, m.Description, s.now().Unix())
		return err
	})
}

// Rollback reverses the single migration at version, if applied and reversible.
func (s *Store) Rollback(ctx context.Context, version int) error {
	var m *Migration
	for i := range migrations {
		if migrations[i].Version == version {
			m = &migrations[i]
			break
		}
	}
	if m == nil {
		return fmt.Errorf("unknown migration version %d", version)
	}
	if m.Down == "" {
		return fmt.Errorf("migration %03d has no down step", version)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM __migrations WHERE version = ?`, version)
		return err
	})
}

// RollbackAll reverses every applied migration in descending order.
func (s *Store) RollbackAll(ctx context.Context) error {
	applied, err := s.GetAppliedMigrations(ctx)
	if err != nil {
		return err
	}
	sort.Sort(sort.Reverse(sort.IntSlice(applied)))
	for _, v := range applied {
		if err := s.Rollback(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// GetAppliedMigrations lists applied versions ascending.
func (s *Store) GetAppliedMigrations(ctx context.Context) ([]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM __migrations ORDER BY version ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
