// Package storage provides the candle record store backed by Postgres.
package storage

import (
	"context"
	"errors"
	"time"

	"safetradelab/collector/internal/models"
)

// Storage errors. Callers classify failures with errors.Is and decide their
// own retry policy; the store never swallows a persistence error.
var (
	// ErrConnection marks connectivity failures (pool exhaustion, network,
	// server shutdown).
	ErrConnection = errors.New("storage: connection failure")

	// ErrConstraint marks integrity violations other than the candle key
	// conflict, which the upsert resolves internally.
	ErrConstraint = errors.New("storage: constraint violation")
)

// Store is the persistence interface for candle records.
// Implementations must be safe for concurrent use: the backfill and the live
// stream paths write the same keyspace at the same time, and the composite
// unique constraint behind Upsert is the only mechanism preventing duplicate
// rows.
type Store interface {
	// Upsert atomically inserts the candle or, when a row with the same
	// (timestamp_local, symbol, timeframe) key exists, overwrites its non-key
	// fields. It reports whether a new row was created, distinguishing "new"
	// from "corrected" for reporting. A key conflict is never surfaced as an
	// error.
	Upsert(ctx context.Context, c *models.Candle) (inserted bool, err error)

	// LatestBoundary returns the maximum stored timestamp_local for the
	// symbol and timeframe. ok is false when no rows exist.
	LatestBoundary(ctx context.Context, symbol, timeframe string) (ts time.Time, ok bool, err error)

	// FirstBoundary returns the minimum stored timestamp_local for the
	// symbol and timeframe. ok is false when no rows exist.
	FirstBoundary(ctx context.Context, symbol, timeframe string) (ts time.Time, ok bool, err error)

	// Count returns the number of stored candles for one symbol.
	Count(ctx context.Context, symbol string) (int64, error)

	// CountAll returns the total number of stored candles.
	CountAll(ctx context.Context) (int64, error)

	// Symbols returns the distinct symbols present in the table.
	Symbols(ctx context.Context) ([]string, error)

	// Recent returns up to limit candles for the symbol, newest first.
	Recent(ctx context.Context, symbol string, limit int) ([]models.Candle, error)

	// DeleteBySymbol removes every candle for one symbol and returns the
	// number of deleted rows. Administrative path only.
	DeleteBySymbol(ctx context.Context, symbol string) (int64, error)

	// DeleteAll removes every candle and returns the number of deleted rows.
	// Administrative path only.
	DeleteAll(ctx context.Context) (int64, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close releases the connection pool.
	Close() error
}
