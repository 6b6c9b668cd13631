package market

import "fmt"

// Interval is a candle resolution identifier in the venue's notation
// ("1m", "1h", ...). The set is fixed; anything else is rejected.
type Interval string

// Supported resolutions.
const (
	Interval1m  Interval = "1m"
	Interval3m  Interval = "3m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval2h  Interval = "2h"
	Interval4h  Interval = "4h"
	Interval6h  Interval = "6h"
	Interval12h Interval = "12h"
	Interval1d  Interval = "1d"
	Interval3d  Interval = "3d"
	Interval1w  Interval = "1w"
	Interval1M  Interval = "1M"
)

const (
	minuteMs = int64(60_000)
	hourMs   = 60 * minuteMs
	dayMs    = 24 * hourMs
)

// intervalDurations maps every supported resolution to a fixed period length.
// 1M is approximated as 30 days; calendar-aware months are not supported.
var intervalDurations = map[Interval]int64{
	Interval1m:  minuteMs,
	Interval3m:  3 * minuteMs,
	Interval5m:  5 * minuteMs,
	Interval15m: 15 * minuteMs,
	Interval30m: 30 * minuteMs,
	Interval1h:  hourMs,
	Interval2h:  2 * hourMs,
	Interval4h:  4 * hourMs,
	Interval6h:  6 * hourMs,
	Interval12h: 12 * hourMs,
	Interval1d:  dayMs,
	Interval3d:  3 * dayMs,
	Interval1w:  7 * dayMs,
	Interval1M:  30 * dayMs,
}

// Intervals returns all supported resolutions ordered by duration.
func Intervals() []Interval {
	return []Interval{
		Interval1m, Interval3m, Interval5m, Interval15m, Interval30m,
		Interval1h, Interval2h, Interval4h, Interval6h, Interval12h,
		Interval1d, Interval3d, Interval1w, Interval1M,
	}
}

// Valid reports whether i is one of the supported resolutions.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// DurationMs returns the period length of i in milliseconds.
// Panics on an unknown interval; call Valid first on external input.
func (i Interval) DurationMs() int64 {
	d, ok := intervalDurations[i]
	if !ok {
		panic(fmt.Sprintf("market: unknown interval %q", i))
	}
	return d
}

// BucketStart returns the aligned period start containing ts (unix ms).
func (i Interval) BucketStart(ts int64) int64 {
	d := i.DurationMs()
	return ts - ts%d
}

// ParseInterval validates s and returns it as an Interval.
func ParseInterval(s string) (Interval, error) {
	i := Interval(s)
	if !i.Valid() {
		return "", fmt.Errorf("market: unknown interval %q", s)
	}
	return i, nil
}
