// Package candlearchive keeps closed candles in SQLite so that a session
// can be replayed later by the backtester.
package candlearchive

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"candlebot/internal/model"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// Archive is a single-goroutine SQLite writer with transaction batching.
type Archive struct {
	db *sql.DB

	batchSize  int
	flushDelay time.Duration

	// OnCommit is called after every successful batch commit.
	OnCommit func(n int, took time.Duration)
	// OnError is called when a batch fails to commit. The batch is dropped.
	OnError func(err error)
}

// DB returns the underlying sql.DB for health checks.
func (a *Archive) DB() *sql.DB { return a.db }

// New opens (or creates) the archive database at path.
func New(path string) (*Archive, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS candles (
			symbol      TEXT    NOT NULL,
			timeframe   TEXT    NOT NULL,
			start_ms    INTEGER NOT NULL,
			end_ms      INTEGER NOT NULL,
			open        REAL    NOT NULL,
			high        REAL    NOT NULL,
			low         REAL    NOT NULL,
			close       REAL    NOT NULL,
			volume      REAL,
			trade_count INTEGER,
			PRIMARY KEY (symbol, timeframe, start_ms)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("archive schema: %w", err)
	}

	log.Printf("[archive] opened candle archive at %s", path)
	return &Archive{db: db, batchSize: defaultBatchSize, flushDelay: defaultFlushDelay}, nil
}

// Run reads closed candles from ch and writes them in batched transactions.
// A batch is flushed every batchSize candles or every flushDelay, whichever
// comes first. Blocks until ctx is cancelled or ch is closed.
func (a *Archive) Run(ctx context.Context, ch <-chan model.Candle) {
	batch := make([]model.Candle, 0, a.batchSize)
	timer := time.NewTimer(a.flushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := a.Write(batch); err != nil {
			log.Printf("[archive] batch insert error: %v", err)
			if a.OnError != nil {
				a.OnError(err)
			}
		} else if a.OnCommit != nil {
			a.OnCommit(len(batch), time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case c, ok := <-ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, c)
			if len(batch) >= a.batchSize {
				flush()
				timer.Reset(a.flushDelay)
			}
		case <-timer.C:
			flush()
			timer.Reset(a.flushDelay)
		}
	}
}

// Write inserts candles in a single transaction. Rows are keyed by
// (symbol, timeframe, start), so rewriting a bucket replaces it.
func (a *Archive) Write(candles []model.Candle) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, timeframe, start_ms, end_ms, open, high, low, close, volume, trade_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, c := range candles {
		k := c.Key()
		if _, err := stmt.Exec(k.Symbol, k.Timeframe, c.PeriodStart, c.PeriodEnd,
			c.Open, c.High, c.Low, c.Close, c.Volume, c.TradeCount); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// Read returns the archived candles of a series starting at or after fromMs,
// oldest first. All returned candles are marked closed.
func (a *Archive) Read(ctx context.Context, key model.SeriesKey, fromMs int64) ([]model.Candle, error) {
	rows, err := a.db.QueryContext(ctx, `
		SELECT start_ms, end_ms, open, high, low, close, volume, trade_count
		FROM candles
		WHERE symbol = ? AND timeframe = ? AND start_ms >= ?
		ORDER BY start_ms ASC
	`, key.Symbol, key.Timeframe, fromMs)
	if err != nil {
		return nil, fmt.Errorf("archive query %s: %w", key, err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c := model.Candle{Symbol: key.Symbol, Timeframe: key.Timeframe, Closed: true}
		var vol sql.NullFloat64
		var trades sql.NullInt64
		if err := rows.Scan(&c.PeriodStart, &c.PeriodEnd, &c.Open, &c.High, &c.Low, &c.Close, &vol, &trades); err != nil {
			return nil, fmt.Errorf("archive scan %s: %w", key, err)
		}
		c.Volume = vol.Float64
		c.TradeCount = trades.Int64
		out = append(out, c)
	}
	return out, rows.Err()
}

// LastStart returns the newest archived bucket start for a series, or 0
// when the series has no rows.
func (a *Archive) LastStart(ctx context.Context, key model.SeriesKey) (int64, error) {
	var ts sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		`SELECT MAX(start_ms) FROM candles WHERE symbol = ? AND timeframe = ?`,
		key.Symbol, key.Timeframe,
	).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// Ping reports whether the database is reachable.
func (a *Archive) Ping(ctx context.Context) error {
	return a.db.PingContext(ctx)
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
