// Package store defines the candle store boundary: the core depends only
// on this interface, never on a specific embedded-database driver.
package store

import (
	"context"

	"github.com/yitech/marketfeed/internal/candle"
	"github.com/yitech/marketfeed/internal/market"
)

// CandleStore persists and range-queries one-minute candles. Primary key
// is (symbol, minute); writes are idempotent; range reads preserve
// ascending order.
type CandleStore interface {
	UpsertCandle(ctx context.Context, symbol market.Symbol, minute candle.Minute, c candle.Candle) error
	BulkUpsert(ctx context.Context, symbol market.Symbol, entries []candle.Entry) error
	GetRecent(ctx context.Context, symbol market.Symbol, limit int) ([]candle.Entry, error)
	GetRange(ctx context.Context, symbol market.Symbol, from, to candle.Minute) ([]candle.Entry, error)

	Stats(ctx context.Context) (Stats, error)
	Count(ctx context.Context, symbol market.Symbol) (int64, error)
	// Export writes symbol's full candle history to dir as a columnar
	// file for long-term/cold storage and returns the file it wrote.
	// Operational, like Stats/Count/Cleanup — never on the hot path.
	Export(ctx context.Context, symbol market.Symbol, dir string) (string, error)
	Cleanup(ctx context.Context, daysToKeep int, from candle.Minute) (int64, error)
	Close() error
}

// TradeRecorder is an optional capability: stores implementing it also
// receive a best-effort audit copy of raw trades. Not on any hot path.
type TradeRecorder interface {
	RecordTrade(ctx context.Context, symbol market.Symbol, price, size float64, ts candle.Minute, conditions []string) error
}

// Stats is an operational snapshot of the store, not used on the hot path.
type Stats struct {
	Symbols     int64
	TotalRows   int64
	OldestMinute candle.Minute
	NewestMinute candle.Minute
}
