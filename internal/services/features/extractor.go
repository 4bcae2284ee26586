package features

import (
	"math"

	"CandleMill/internal/domain/models"
)

// Compute derives the technical-indicator feature map for the newest candle
// in the series. candles must be ascending by window start and include the
// target candle as its last element. Indicators that need more history than
// is available are omitted from the map rather than zero-filled, so the
// prediction loop's missing-feature check stays meaningful.
func Compute(candles []models.CandleRecord) map[string]float64 {
	if len(candles) == 0 {
		return nil
	}
	last := candles[len(candles)-1]
	out := map[string]float64{
		"open":   last.Open,
		"high":   last.High,
		"low":    last.Low,
		"close":  last.Close,
		"volume": last.Volume,
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	if v, ok := SMA(closes, 7); ok {
		out["sma_7"] = v
	}
	if v, ok := SMA(closes, 14); ok {
		out["sma_14"] = v
	}
	if v, ok := EMA(closes, 7); ok {
		out["ema_7"] = v
	}
	if v, ok := EMA(closes, 14); ok {
		out["ema_14"] = v
	}
	if v, ok := RSI(closes, 14); ok {
		out["rsi_14"] = v
	}
	out["obv"] = OBV(candles)

	rets := ComputeLogReturns(closes)
	if len(rets) > 0 {
		out["log_return"] = rets[len(rets)-1]
	}
	if sigma := RealizedVolatility(rets, minInt(30, len(rets))); sigma > 0 {
		out["volatility_30"] = sigma
	}
	return out
}

// SMA returns the simple moving average of the last n values.
func SMA(xs []float64, n int) (float64, bool) {
	if n <= 0 || len(xs) < n {
		return 0, false
	}
	sum := 0.0
	for _, v := range xs[len(xs)-n:] {
		sum += v
	}
	return sum / float64(n), true
}

// EMA returns the exponential moving average with period n, seeded from the
// SMA of the first n values.
func EMA(xs []float64, n int) (float64, bool) {
	if n <= 0 || len(xs) < n {
		return 0, false
	}
	seed, _ := SMA(xs[:n], n)
	k := 2.0 / float64(n+1)
	ema := seed
	for _, v := range xs[n:] {
		ema = v*k + ema*(1-k)
	}
	return ema, true
}

// RSI returns the Wilder relative strength index over period n.
func RSI(xs []float64, n int) (float64, bool) {
	if n <= 0 || len(xs) < n+1 {
		return 0, false
	}
	var gain, loss float64
	for i := len(xs) - n; i < len(xs); i++ {
		d := xs[i] - xs[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	if loss == 0 {
		return 100, true
	}
	rs := gain / loss
	return 100 - 100/(1+rs), true
}

// OBV accumulates on-balance volume over the series.
func OBV(candles []models.CandleRecord) float64 {
	obv := 0.0
	for i := 1; i < len(candles); i++ {
		switch {
		case candles[i].Close > candles[i-1].Close:
			obv += candles[i].Volume
		case candles[i].Close < candles[i-1].Close:
			obv -= candles[i].Volume
		}
	}
	return obv
}

// ComputeLogReturns computes log returns r_t = ln(C_t / C_{t-1}).
// It returns a slice of length len(closes)-1, or nil if insufficient data.
func ComputeLogReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		cur := closes[i]
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// RealizedVolatility computes the per-bar standard deviation of the last
// window log returns. Returns 0 when the window is too short.
func RealizedVolatility(logReturns []float64, window int) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	sum := 0.0
	sum2 := 0.0
	for i := len(logReturns) - window; i < len(logReturns); i++ {
		r := logReturns[i]
		sum += r
		sum2 += r * r
	}
	n := float64(window)
	mean := sum / n
	variance := (sum2 - n*mean*mean) / (n - 1)
	if variance < 0 {
		variance = 0
	}
	return math.Sqrt(variance)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
