package market

import (
	"strings"
	"testing"
)

func TestValidate_CleanSeries(t *testing.T) {
	s := Series{
		{OpenTime: 0, Open: 10, High: 12, Low: 9, Close: 11, Volume: 5},
		{OpenTime: 60_000, Open: 11, High: 11, Low: 10, Close: 10, Volume: 0},
	}
	if v := Validate(s); len(v) != 0 {
		t.Errorf("clean series should have no violations, got %v", v)
	}
}

func TestValidate_CollectsAllViolations(t *testing.T) {
	s := Series{
		{OpenTime: 100, Open: 10, High: 8, Low: 9, Close: 10, Volume: 1},  // high < low
		{OpenTime: 100, Open: 10, High: 12, Low: 9, Close: 11, Volume: 1}, // not increasing
		{OpenTime: 200, Open: 20, High: 12, Low: 9, Close: 11, Volume: 1}, // open above high
		{OpenTime: 300, Open: 10, High: 12, Low: 9, Close: 5, Volume: 1},  // close below low
		{OpenTime: 400, Open: 10, High: 12, Low: 9, Close: 11, Volume: -2},
	}

	violations := Validate(s)
	if len(violations) < 5 {
		t.Fatalf("expected at least 5 violations, got %d: %v", len(violations), violations)
	}

	reasons := make([]string, len(violations))
	for i, v := range violations {
		reasons[i] = v.Reason
	}
	joined := strings.Join(reasons, "; ")
	for _, want := range []string{"not strictly increasing", "below low", "outside", "negative volume"} {
		if !strings.Contains(joined, want) {
			t.Errorf("missing violation %q in %q", want, joined)
		}
	}
}
