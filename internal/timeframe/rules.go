package timeframe

import "chartfeed/internal/market"

// Rule derives one coarser resolution from a finer one. Factor source
// candles tile exactly one target period.
type Rule struct {
	Source market.Interval
	Target market.Interval
	Factor int
}

// rules is the static derivation table. Emitted targets cascade: a 5m
// aggregate built from 1m bars feeds the 5m->15m rule, and so on up the
// ladder.
var rules = []Rule{
	{market.Interval1m, market.Interval3m, 3},
	{market.Interval1m, market.Interval5m, 5},
	{market.Interval5m, market.Interval15m, 3},
	{market.Interval15m, market.Interval30m, 2},
	{market.Interval30m, market.Interval1h, 2},
	{market.Interval1h, market.Interval2h, 2},
	{market.Interval2h, market.Interval4h, 2},
	{market.Interval2h, market.Interval6h, 3},
	{market.Interval6h, market.Interval12h, 2},
	{market.Interval12h, market.Interval1d, 2},
	{market.Interval1d, market.Interval3d, 3},
	{market.Interval1d, market.Interval1w, 7},
	{market.Interval1d, market.Interval1M, 30},
}

// RulesFrom returns the rules whose source is the given resolution.
func RulesFrom(source market.Interval) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Source == source {
			out = append(out, r)
		}
	}
	return out
}

// Aggregate folds source candles into one target candle: open of the
// first, close of the last, max high, min low, summed volume. The input
// must be non-empty and sorted by OpenTime.
func Aggregate(targetStart int64, src market.Series) market.Candle {
	agg := market.Candle{
		OpenTime: targetStart,
		Open:     src[0].Open,
		High:     src[0].High,
		Low:      src[0].Low,
		Close:    src[len(src)-1].Close,
		Closed:   true,
	}
	for _, c := range src {
		if c.High > agg.High {
			agg.High = c.High
		}
		if c.Low < agg.Low {
			agg.Low = c.Low
		}
		agg.Volume += c.Volume
	}
	return agg
}
