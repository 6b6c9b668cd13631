// Package market holds the candle domain model shared by the stream,
// history and timeframe layers.
package market

// Candle is one OHLCV bar. OpenTime (unix ms, period start) is the unique
// key within a series. A candle stays mutable only while it represents the
// currently forming period; once a later OpenTime is observed for the same
// resolution it is treated as immutable.
type Candle struct {
	OpenTime int64
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64

	// Closed mirrors the venue's closed-bar flag: false for the in-progress
	// bar, true once the period is finalized.
	Closed bool
}

// TimeRange is a half-open [Start, End) span in unix ms.
type TimeRange struct {
	Start int64
	End   int64
}
