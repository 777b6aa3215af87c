// Package store defines the watermark store used by the ingestion pipeline
// and its SQLite, PostgreSQL, Parquet and Redis implementations.
package store

import (
	"context"
	"time"

	"coinsync/internal/domain"
)

// Store hands out per-worker sessions. Each concurrent unit of work acquires
// its own Session so no two workers interleave writes on one connection.
type Store interface {
	// Acquire returns a dedicated session. Callers must Close it.
	Acquire(ctx context.Context) (Session, error)

	// Close releases every resource held by the store.
	Close() error
}

// Session is a scoped handle on the watermark store.
type Session interface {
	// LastDate returns the watermark for symbol: the maximum stored candle
	// date. ok is false when the symbol has no candles.
	LastDate(ctx context.Context, symbol string) (date time.Time, ok bool, err error)

	// UpsertCandles replaces candles by (symbol, date) in one transaction.
	UpsertCandles(ctx context.Context, candles []domain.Candle) error

	// UpsertStats replaces the 24h snapshot for stats.Symbol.
	UpsertStats(ctx context.Context, stats domain.DailyStats) error

	// UpsertAssets replaces assets by id in one transaction.
	UpsertAssets(ctx context.Context, assets []domain.Asset) error

	// Close returns the session's connection. Safe to call more than once.
	Close() error
}

// HistoryReader is the read side consumed by analysis and presentation code.
type HistoryReader interface {
	// ListAssets returns every stored asset ordered by market-cap rank.
	ListAssets(ctx context.Context) ([]domain.Asset, error)

	// ListSymbols returns every symbol that has at least one candle.
	ListSymbols(ctx context.Context) ([]string, error)

	// ReadCandles returns candles for symbol within [start, end], oldest first.
	ReadCandles(ctx context.Context, symbol string, start, end time.Time) ([]domain.Candle, error)

	// CountCandles returns how many candles are stored for symbol.
	CountCandles(ctx context.Context, symbol string) (int, error)

	// GetStats returns the latest 24h snapshot. Returns ErrNotFound if absent.
	GetStats(ctx context.Context, symbol string) (*domain.DailyStats, error)
}

// Backend is a store that also serves the read side.
type Backend interface {
	Store
	HistoryReader
}

// StatsSink receives every 24h snapshot after it has been persisted.
type StatsSink interface {
	MirrorStats(ctx context.Context, stats domain.DailyStats) error
}
