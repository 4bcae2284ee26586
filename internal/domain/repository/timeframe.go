package repository

import "time"

// Timeframe represents candle resolution buckets.
type Timeframe string

const (
	TF1s Timeframe = "1s"
	TF1m Timeframe = "1m"
	TF5m Timeframe = "5m"
)

// IsValidTimeframe returns true if tf is a supported timeframe.
func IsValidTimeframe(tf Timeframe) bool {
	switch tf {
	case TF1s, TF1m, TF5m:
		return true
	default:
		return false
	}
}

// DefaultTimeframe returns the default timeframe.
func DefaultTimeframe() Timeframe { return TF1m }

// NormalizeTimeframe converts raw string to a valid timeframe (or default).
func NormalizeTimeframe(s string) Timeframe {
	if s == "" {
		return DefaultTimeframe()
	}
	tf := Timeframe(s)
	if IsValidTimeframe(tf) {
		return tf
	}
	return DefaultTimeframe()
}

// DurationMS returns the window duration for tf in milliseconds.
func (tf Timeframe) DurationMS() int64 {
	switch tf {
	case TF1s:
		return 1000
	case TF5m:
		return 5 * 60 * 1000
	default:
		return 60 * 1000
	}
}

// TimeframeForDuration maps a window duration back to a timeframe label.
func TimeframeForDuration(d time.Duration) Timeframe {
	switch d {
	case time.Second:
		return TF1s
	case 5 * time.Minute:
		return TF5m
	default:
		return TF1m
	}
}

// WindowStartMS buckets an event time into its tumbling window:
// floor(event/duration)*duration. Event times are positive by the trade
// validation contract.
func WindowStartMS(eventTimeMS, windowDurationMS int64) int64 {
	return (eventTimeMS / windowDurationMS) * windowDurationMS
}
