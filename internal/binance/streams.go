// Package binance adapts the upstream venue: stream naming, websocket
// payload decoding and the REST klines endpoint.
package binance

import (
	"fmt"
	"strings"

	"chartfeed/internal/market"
)

// KlineStream returns the subscription name for candle updates,
// e.g. "btcusdt@kline_1m".
func KlineStream(symbol string, interval market.Interval) string {
	return fmt.Sprintf("%s@kline_%s", strings.ToLower(symbol), interval)
}

// TradeStream returns the subscription name for raw trades.
func TradeStream(symbol string) string {
	return strings.ToLower(symbol) + "@trade"
}

// DepthStream returns the subscription name for a partial order book,
// e.g. "btcusdt@depth20@100ms".
func DepthStream(symbol string, levels, updateMs int) string {
	return fmt.Sprintf("%s@depth%d@%dms", strings.ToLower(symbol), levels, updateMs)
}

// TickerStream returns the subscription name for the rolling 24h ticker.
func TickerStream(symbol string) string {
	return strings.ToLower(symbol) + "@ticker"
}

// StreamURL joins a websocket base endpoint with a stream name.
func StreamURL(base, stream string) string {
	return strings.TrimRight(base, "/") + "/" + stream
}
