// Package store is the crank's durable substrate: an embedded SQLite database
// with ordered schema migrations, the pending-operation queue, transaction and
// MPC-callback records, and the distributed lock table.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"cosmossdk.io/log"
	_ "modernc.org/sqlite"

	"github.com/Jerome2332/confidex-sub008/clock"
)

// Store wraps the database handle shared by every repository. Each repository
// is the sole writer of its tables; read concurrency is unrestricted.
type Store struct {
	db     *sql.DB
	logger log.Logger
	clk    clock.Clock
}

// Open opens (or creates) the database at path and applies all pending
// migrations. Use ":memory:" for tests. A migration failure closes the handle
// and aborts startup.
func Open(ctx context.Context, path string, logger log.Logger, clk clock.Clock) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc sqlite serializes writes per connection; a single connection
	// avoids SQLITE_BUSY under concurrent repository writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger.With("module", "store"), clk: clk}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for repositories and tests.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) now() time.Time {
	return s.clk.Now().UTC()
}

// isUniqueViolation matches the sqlite unique-constraint failure the driver
// reports as a plain string.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
