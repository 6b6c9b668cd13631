package market

import "sort"

// Series is an ascending, deduplicated-by-OpenTime sequence of candles for
// one (instrument, resolution) pair. The zero value is usable.
type Series []Candle

// Len returns the number of candles.
func (s Series) Len() int { return len(s) }

// First returns the oldest candle. ok is false on an empty series.
func (s Series) First() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[0], true
}

// Last returns the newest candle. ok is false on an empty series.
func (s Series) Last() (Candle, bool) {
	if len(s) == 0 {
		return Candle{}, false
	}
	return s[len(s)-1], true
}

// Clone returns a copy that shares no backing storage with s.
func (s Series) Clone() Series {
	if s == nil {
		return nil
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}

// Upsert inserts c keeping OpenTime order. A candle with an existing
// OpenTime overwrites the matching entry instead of appending.
func (s Series) Upsert(c Candle) Series {
	n := len(s)
	// Common case: the live bar lands at or after the tail.
	if n == 0 || c.OpenTime > s[n-1].OpenTime {
		return append(s, c)
	}
	idx := sort.Search(n, func(i int) bool { return s[i].OpenTime >= c.OpenTime })
	if idx < n && s[idx].OpenTime == c.OpenTime {
		s[idx] = c
		return s
	}
	s = append(s, Candle{})
	copy(s[idx+1:], s[idx:])
	s[idx] = c
	return s
}

// Merge combines a and b into a new sorted series. On duplicate OpenTime
// the candle from b wins.
func Merge(a, b Series) Series {
	if len(a) == 0 {
		return b.Clone()
	}
	if len(b) == 0 {
		return a.Clone()
	}
	byTime := make(map[int64]Candle, len(a)+len(b))
	for _, c := range a {
		byTime[c.OpenTime] = c
	}
	for _, c := range b {
		byTime[c.OpenTime] = c
	}
	out := make(Series, 0, len(byTime))
	for _, c := range byTime {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}

// TrimFront drops oldest entries until len(s) <= max. max <= 0 disables
// trimming.
func (s Series) TrimFront(max int) Series {
	if max <= 0 || len(s) <= max {
		return s
	}
	keep := s[len(s)-max:]
	out := make(Series, max)
	copy(out, keep)
	return out
}

// Gaps returns the missing spans of s at the given period length: for every
// adjacent pair whose delta exceeds one period, the half-open range of
// absent period starts. A series with fewer than two candles has no
// definable gaps.
func (s Series) Gaps(periodMs int64) []TimeRange {
	if len(s) < 2 || periodMs <= 0 {
		return nil
	}
	var gaps []TimeRange
	for i := 1; i < len(s); i++ {
		delta := s[i].OpenTime - s[i-1].OpenTime
		if delta > periodMs {
			gaps = append(gaps, TimeRange{
				Start: s[i-1].OpenTime + periodMs,
				End:   s[i].OpenTime,
			})
		}
	}
	return gaps
}
