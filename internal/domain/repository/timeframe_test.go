package repository

import (
	"testing"
	"time"
)

func TestNormalizeTimeframe(t *testing.T) {
	cases := map[string]Timeframe{
		"":    TF1m,
		"1s":  TF1s,
		"1m":  TF1m,
		"5m":  TF5m,
		"2h":  TF1m,
		"abc": TF1m,
	}
	for in, want := range cases {
		if got := NormalizeTimeframe(in); got != want {
			t.Errorf("NormalizeTimeframe(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestDurationMS(t *testing.T) {
	if TF1s.DurationMS() != 1000 {
		t.Errorf("1s duration = %d", TF1s.DurationMS())
	}
	if TF1m.DurationMS() != 60_000 {
		t.Errorf("1m duration = %d", TF1m.DurationMS())
	}
	if TF5m.DurationMS() != 300_000 {
		t.Errorf("5m duration = %d", TF5m.DurationMS())
	}
}

func TestTimeframeForDuration(t *testing.T) {
	if got := TimeframeForDuration(time.Second); got != TF1s {
		t.Errorf("got %v", got)
	}
	if got := TimeframeForDuration(5 * time.Minute); got != TF5m {
		t.Errorf("got %v", got)
	}
	if got := TimeframeForDuration(time.Minute); got != TF1m {
		t.Errorf("got %v", got)
	}
}

func TestWindowStartMS(t *testing.T) {
	cases := []struct {
		event, dur, want int64
	}{
		{60_000, 60_000, 60_000},   // exact boundary belongs to the new window
		{60_001, 60_000, 60_000},
		{119_999, 60_000, 60_000},
		{120_000, 60_000, 120_000},
		{1_500, 1_000, 1_000},
		{999, 1_000, 0},
	}
	for _, c := range cases {
		if got := WindowStartMS(c.event, c.dur); got != c.want {
			t.Errorf("WindowStartMS(%d, %d) = %d, want %d", c.event, c.dur, got, c.want)
		}
	}
}
