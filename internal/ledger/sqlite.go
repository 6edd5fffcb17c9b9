// Package ledger persists operations: a SQLite store that is the source of
// truth and an optional Redis mirror behind a circuit breaker.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"candlebot/internal/model"
)

// SQLiteStore persists operations to SQLite. Implements model.OperationStore.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS operations (
	id                    TEXT PRIMARY KEY,
	instance_id           TEXT NOT NULL,
	symbol                TEXT NOT NULL,
	entry_price_requested REAL NOT NULL,
	entry_price           REAL NOT NULL,
	entry_time            INTEGER NOT NULL,
	entry_reason          TEXT,
	exit_price_requested  REAL NOT NULL DEFAULT 0,
	exit_price            REAL NOT NULL DEFAULT 0,
	exit_time             INTEGER NOT NULL DEFAULT 0,
	exit_reason           TEXT,
	updated_at            DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_operations_instance ON operations(instance_id, entry_time);
`

// NewSQLiteStore opens (or creates) the operations database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal=WAL&_sync=NORMAL")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger schema: %w", err)
	}

	log.Printf("[ledger] opened operation ledger at %s", dbPath)
	return &SQLiteStore{db: db}, nil
}

// Save inserts or replaces the operation keyed by its ID.
func (s *SQLiteStore) Save(ctx context.Context, op *model.Operation) error {
	if op == nil || op.ID == "" {
		return errors.New("ledger: operation without id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO operations (id, instance_id, symbol,
			entry_price_requested, entry_price, entry_time, entry_reason,
			exit_price_requested, exit_price, exit_time, exit_reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		op.ID, op.InstanceID, op.Symbol,
		op.EntryPriceRequested, op.EntryPrice, toMillis(op.EntryTime), op.EntryReason,
		op.ExitPriceRequested, op.ExitPrice, toMillis(op.ExitTime), op.ExitReason,
	)
	if err != nil {
		return fmt.Errorf("ledger save %s: %w", op.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, instance_id, symbol,
	entry_price_requested, entry_price, entry_time, entry_reason,
	exit_price_requested, exit_price, exit_time, exit_reason
	FROM operations`

// FindOpen returns the most recent open operation, or nil, nil.
func (s *SQLiteStore) FindOpen(ctx context.Context, instanceID string) (*model.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		selectColumns+` WHERE instance_id = ? AND exit_price = 0
		 ORDER BY entry_time DESC LIMIT 1`, instanceID)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger find open: %w", err)
	}
	return op, nil
}

// ListClosed returns closed operations oldest first.
func (s *SQLiteStore) ListClosed(ctx context.Context, instanceID string) ([]model.Operation, error) {
	return s.list(ctx, selectColumns+` WHERE instance_id = ? AND exit_price != 0
		 ORDER BY exit_time ASC`, instanceID)
}

// Recent returns the last limit operations of any instance, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, limit int) ([]model.Operation, error) {
	return s.list(ctx, selectColumns+` ORDER BY entry_time DESC LIMIT ?`, limit)
}

func (s *SQLiteStore) list(ctx context.Context, query string, args ...any) ([]model.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger query: %w", err)
	}
	defer rows.Close()

	var ops []model.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			log.Printf("[ledger] skipping unreadable row: %v", err)
			continue
		}
		ops = append(ops, *op)
	}
	return ops, rows.Err()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(r scanner) (*model.Operation, error) {
	var (
		op                  model.Operation
		entryMs, exitMs     int64
		entryReason, exitRs sql.NullString
	)
	err := r.Scan(&op.ID, &op.InstanceID, &op.Symbol,
		&op.EntryPriceRequested, &op.EntryPrice, &entryMs, &entryReason,
		&op.ExitPriceRequested, &op.ExitPrice, &exitMs, &exitRs)
	if err != nil {
		return nil, err
	}
	op.EntryTime = fromMillis(entryMs)
	op.ExitTime = fromMillis(exitMs)
	op.EntryReason = entryReason.String
	op.ExitReason = exitRs.String
	return &op, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
