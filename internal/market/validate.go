package market

import "fmt"

// Violation describes one malformed candle found during validation.
// Violations are collected and returned, never raised; the caller decides
// whether to discard or keep the offending data.
type Violation struct {
	Index    int
	OpenTime int64
	Reason   string
}

func (v Violation) String() string {
	return fmt.Sprintf("candle[%d] openTime=%d: %s", v.Index, v.OpenTime, v.Reason)
}

// Validate checks a series for strictly increasing OpenTime, OHLC range
// consistency and non-negative volume. It returns every violation found.
func Validate(s Series) []Violation {
	var out []Violation
	add := func(i int, reason string) {
		out = append(out, Violation{Index: i, OpenTime: s[i].OpenTime, Reason: reason})
	}

	for i, c := range s {
		if i > 0 && c.OpenTime <= s[i-1].OpenTime {
			add(i, fmt.Sprintf("openTime not strictly increasing (prev %d)", s[i-1].OpenTime))
		}
		if c.High < c.Low {
			add(i, fmt.Sprintf("high %v below low %v", c.High, c.Low))
		}
		if c.Open < c.Low || c.Open > c.High {
			add(i, fmt.Sprintf("open %v outside [%v, %v]", c.Open, c.Low, c.High))
		}
		if c.Close < c.Low || c.Close > c.High {
			add(i, fmt.Sprintf("close %v outside [%v, %v]", c.Close, c.Low, c.High))
		}
		if c.Volume < 0 {
			add(i, fmt.Sprintf("negative volume %v", c.Volume))
		}
	}
	return out
}
