package clickhouse

import (
	"context"
	"fmt"
	"time"

	"chartfeed/internal/cache"
	"chartfeed/internal/market"
)

// CandleCache implements cache.Durable on a ReplacingMergeTree table.
// A replace is one batch insert with a fresh version; the engine collapses
// superseded rows and reads go through FINAL, so a reader never mixes two
// generations of the same key. Rows beyond the new series' keys are removed
// with a lightweight delete before the insert.
type CandleCache struct {
	conn *Conn
}

// NewCandleCache creates a CandleCache.
func NewCandleCache(conn *Conn) *CandleCache {
	return &CandleCache{conn: conn}
}

// Compile-time interface check.
var _ cache.Durable = (*CandleCache)(nil)

// ReplaceSeries replaces the stored series for a key.
func (c *CandleCache) ReplaceSeries(ctx context.Context, symbol string, interval market.Interval, candles market.Series) error {
	if symbol == "" || !interval.Valid() {
		return cache.ErrInvalidInput
	}

	if err := c.conn.Exec(ctx,
		`DELETE FROM candle_cache WHERE symbol = ? AND interval = ?`,
		symbol, string(interval),
	); err != nil {
		return fmt.Errorf("clear series: %w", err)
	}

	if len(candles) == 0 {
		return nil
	}

	batch, err := c.conn.PrepareBatch(ctx, `
		INSERT INTO candle_cache (
			symbol, interval, open_time, open, high, low, close, volume, closed, version
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	version := uint64(time.Now().UnixNano())
	for _, cd := range candles {
		closed := uint8(0)
		if cd.Closed {
			closed = 1
		}
		if err := batch.Append(
			symbol, string(interval), cd.OpenTime,
			cd.Open, cd.High, cd.Low, cd.Close, cd.Volume, closed, version,
		); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// LoadSeries retrieves the stored series for a key, ordered by open_time.
func (c *CandleCache) LoadSeries(ctx context.Context, symbol string, interval market.Interval) (market.Series, error) {
	query := `
		SELECT open_time, open, high, low, close, volume, closed
		FROM candle_cache FINAL
		WHERE symbol = ? AND interval = ?
		ORDER BY open_time ASC
	`

	rows, err := c.conn.Query(ctx, query, symbol, string(interval))
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	var series market.Series
	for rows.Next() {
		var cd market.Candle
		var closed uint8
		if err := rows.Scan(
			&cd.OpenTime, &cd.Open, &cd.High, &cd.Low, &cd.Close, &cd.Volume, &closed,
		); err != nil {
			return nil, fmt.Errorf("scan candle row: %w", err)
		}
		cd.Closed = closed != 0
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
	if err := c.conn.Exec(ctx,
		`DELETE FROM candle_cache WHERE symbol = ? AND interval = ?`,
		symbol, string(interval),
	); err != nil {
		return fmt.Errorf("delete series: %w", err)
	}
	return nil
}
