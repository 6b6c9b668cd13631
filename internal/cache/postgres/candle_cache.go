package postgres

import (
	"context"
	"fmt"

	"chartfeed/internal/cache"
	"chartfeed/internal/market"
)

// CandleCache implements cache.Durable using PostgreSQL. Replacement is a
// delete-then-bulk-insert inside one transaction, so a concurrent reader
// sees either the old series or the new one, never a mix.
type CandleCache struct {
	pool *Pool
}

// NewCandleCache creates a CandleCache.
func NewCandleCache(pool *Pool) *CandleCache {
	return &CandleCache{pool: pool}
}

// Compile-time interface check.
var _ cache.Durable = (*CandleCache)(nil)

// ReplaceSeries atomically replaces the stored series for a key.
func (c *CandleCache) ReplaceSeries(ctx context.Context, symbol string, interval market.Interval, candles market.Series) error {
	if symbol == "" || !interval.Valid() {
		return cache.ErrInvalidInput
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM candle_cache WHERE symbol = $1 AND interval = $2`,
		symbol, string(interval),
	); err != nil {
		return fmt.Errorf("clear series: %w", err)
	}

	query := `
		INSERT INTO candle_cache (
			symbol, interval, open_time, open, high, low, close, volume, closed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	for _, cd := range candles {
		if _, err := tx.Exec(ctx, query,
			symbol, string(interval), cd.OpenTime,
			cd.Open, cd.High, cd.Low, cd.Close, cd.Volume, cd.Closed,
		); err != nil {
			return fmt.Errorf("insert candle: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// LoadSeries retrieves the stored series for a key, ordered by open_time.
func (c *CandleCache) LoadSeries(ctx context.Context, symbol string, interval market.Interval) (market.Series, error) {
	query := `
		SELECT open_time, open, high, low, close, volume, closed
		FROM candle_cache
		WHERE symbol = $1 AND interval = $2
		ORDER BY open_time ASC
	`

	rows, err := c.pool.Query(ctx, query, symbol, string(interval))
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var series market.Series
	for rows.Next() {
		var cd market.Candle
		if err := rows.Scan(
			&cd.OpenTime, &cd.Open, &cd.High, &cd.Low, &cd.Close, &cd.Volume, &cd.Closed,
		); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		series = append(series, cd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candle rows: %w", err)
	}

	if len(series) == 0 {
		return nil, cache.ErrNotFound
	}
	return series, nil
}

// DeleteSeries removes the stored series for a key.
func (c *CandleCache) DeleteSeries(ctx context.Context, symbol string, interval market.Interval) error {
	if _, err := c.pool.Exec(ctx,
		`DELETE FROM candle_cache WHERE symbol = $1 AND interval = $2`,
		symbol, string(interval),
	); err != nil {
		return fmt.Errorf("delete series: %w", err)
	}
	return nil
}
