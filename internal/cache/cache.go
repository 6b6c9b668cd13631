// Package cache provides the two cache tiers for candle series: an
// in-process memory tier with TTL expiry and a durable tier interface with
// Postgres and ClickHouse implementations in subpackages.
package cache

import (
	"context"
	"errors"

	"chartfeed/internal/market"
)

// Cache errors.
var (
	// ErrNotFound is returned when no entry exists for the requested key.
	ErrNotFound = errors.New("cache: not found")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("cache: invalid input")
)

// Entry is one cached candle range. Entries are created on fetch,
// invalidated by TTL or explicit clear, never mutated.
type Entry struct {
	Symbol    string
	Interval  market.Interval
	Start     int64 // zero for the live working buffer
	End       int64
	Candles   market.Series
	FetchedAt int64 // unix ms
}

// Durable is the optional second cache tier. Writes are full-replace per
// (symbol, resolution) and must be atomic: a reader never observes a
// half-written series.
type Durable interface {
	// ReplaceSeries atomically replaces the stored series for a key.
	ReplaceSeries(ctx context.Context, symbol string, interval market.Interval, candles market.Series) error

	// LoadSeries retrieves the stored series for a key, ordered by
	// OpenTime ASC. Returns ErrNotFound when nothing is stored.
	LoadSeries(ctx context.Context, symbol string, interval market.Interval) (market.Series, error)

	// DeleteSeries removes the stored series for a key, if any.
	DeleteSeries(ctx context.Context, symbol string, interval market.Interval) error
}
