package market

import "testing"

func TestParseInterval(t *testing.T) {
	iv, err := ParseInterval("5m")
	if err != nil {
		t.Fatalf("ParseInterval(5m): %v", err)
	}
	if iv != Interval5m {
		t.Errorf("got %q, want %q", iv, Interval5m)
	}

	if _, err := ParseInterval("7m"); err == nil {
		t.Error("unknown interval should be rejected")
	}
	if _, err := ParseInterval(""); err == nil {
		t.Error("empty interval should be rejected")
	}
}

func TestInterval_DurationMs(t *testing.T) {
	cases := map[Interval]int64{
		Interval1m:  60_000,
		Interval1h:  3_600_000,
		Interval1d:  86_400_000,
		Interval1w:  7 * 86_400_000,
		Interval1M:  30 * 86_400_000,
		Interval15m: 15 * 60_000,
	}
	for iv, want := range cases {
		if got := iv.DurationMs(); got != want {
			t.Errorf("%s.DurationMs() = %d, want %d", iv, got, want)
		}
	}
}

func TestInterval_BucketStart(t *testing.T) {
	// 1m buckets
	if got := Interval1m.BucketStart(119_999); got != 60_000 {
		t.Errorf("BucketStart(119999) = %d, want 60000", got)
	}
	if got := Interval1m.BucketStart(120_000); got != 120_000 {
		t.Errorf("aligned timestamp should map to itself, got %d", got)
	}

	// 1h bucket
	if got := Interval1h.BucketStart(3_700_000); got != 3_600_000 {
		t.Errorf("BucketStart(3700000) = %d, want 3600000", got)
	}
}

func TestIntervals_AllValid(t *testing.T) {
	for _, iv := range Intervals() {
		if !iv.Valid() {
			t.Errorf("listed interval %q not valid", iv)
		}
	}
	if len(Intervals()) != 14 {
		t.Errorf("expected 14 supported resolutions, got %d", len(Intervals()))
	}
}
