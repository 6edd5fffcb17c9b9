package model

import "context"

// ── Port Interfaces ──
// These decouple the pipeline from concrete storage implementations
// (in-memory store, SQLite, Redis).

// CandleSink accepts candle upserts for a series. Implemented by the candle
// store and by the resampler that fronts it.
type CandleSink interface {
	Upsert(key SeriesKey, c Candle) error
}

// OperationStore persists operations for a trading instance.
type OperationStore interface {
	// Save inserts or replaces the operation row keyed by op.ID.
	Save(ctx context.Context, op *Operation) error

	// FindOpen returns the most recent open operation for the instance,
	// or nil, nil when there is none.
	FindOpen(ctx context.Context, instanceID string) (*Operation, error)

	// ListClosed returns closed operations for the instance, oldest first.
	ListClosed(ctx context.Context, instanceID string) ([]Operation, error)
}
