package features

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleMill/internal/domain/models"
)

func series(closes ...float64) []models.CandleRecord {
	out := make([]models.CandleRecord, len(closes))
	for i, c := range closes {
		out[i] = models.CandleRecord{
			Pair:             "BTC/USD",
			Open:             c,
			High:             c + 1,
			Low:              c - 1,
			Close:            c,
			Volume:           10,
			WindowStartMS:    int64(i) * 60_000,
			WindowEndMS:      int64(i+1) * 60_000,
			WindowDurationMS: 60_000,
		}
	}
	return out
}

func TestComputePassesThroughLastCandle(t *testing.T) {
	f := Compute(series(100, 101, 102))
	require.NotNil(t, f)
	assert.Equal(t, 102.0, f["open"])
	assert.Equal(t, 103.0, f["high"])
	assert.Equal(t, 101.0, f["low"])
	assert.Equal(t, 102.0, f["close"])
	assert.Equal(t, 10.0, f["volume"])
}

func TestComputeOmitsIndicatorsWithoutHistory(t *testing.T) {
	f := Compute(series(100, 101, 102))
	_, ok := f["sma_7"]
	assert.False(t, ok, "sma_7 needs 7 candles")
	_, ok = f["rsi_14"]
	assert.False(t, ok, "rsi_14 needs 15 candles")
	_, ok = f["ema_14"]
	assert.False(t, ok)
}

func TestComputeEmptySeries(t *testing.T) {
	assert.Nil(t, Compute(nil))
}

func TestSMA(t *testing.T) {
	v, ok := SMA([]float64{1, 2, 3, 4, 5, 6, 7}, 7)
	require.True(t, ok)
	assert.Equal(t, 4.0, v)

	// only the trailing window counts
	v, ok = SMA([]float64{100, 2, 2, 2}, 3)
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	_, ok = SMA([]float64{1, 2}, 3)
	assert.False(t, ok)
}

func TestEMAConvergesTowardRecentValues(t *testing.T) {
	xs := []float64{10, 10, 10, 10, 10, 10, 10, 20, 20, 20, 20, 20}
	ema, ok := EMA(xs, 7)
	require.True(t, ok)
	sma, _ := SMA(xs, 7)
	assert.Greater(t, ema, 10.0)
	assert.Less(t, ema, 20.0)
	assert.InDelta(t, sma, ema, 5.0)
}

func TestRSIExtremes(t *testing.T) {
	up := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	v, ok := RSI(up, 14)
	require.True(t, ok)
	assert.Equal(t, 100.0, v, "pure gains pin RSI at 100")

	down := []float64{15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	v, ok = RSI(down, 14)
	require.True(t, ok)
	assert.Equal(t, 0.0, v, "pure losses pin RSI at 0")
}

func TestOBVDirection(t *testing.T) {
	up := OBV(series(100, 101, 102))
	assert.Equal(t, 20.0, up)

	down := OBV(series(102, 101, 100))
	assert.Equal(t, -20.0, down)

	flat := OBV(series(100, 100, 100))
	assert.Zero(t, flat)
}

func TestComputeLogReturns(t *testing.T) {
	rets := ComputeLogReturns([]float64{100, 110, 99})
	require.Len(t, rets, 2)
	assert.InDelta(t, math.Log(1.1), rets[0], 1e-12)
	assert.InDelta(t, math.Log(99.0/110.0), rets[1], 1e-12)

	assert.Nil(t, ComputeLogReturns([]float64{100}))
}

func TestRealizedVolatility(t *testing.T) {
	flat := make([]float64, 40)
	assert.Zero(t, RealizedVolatility(flat, 30))

	noisy := make([]float64, 40)
	for i := range noisy {
		if i%2 == 0 {
			noisy[i] = 0.01
		} else {
			noisy[i] = -0.01
		}
	}
	assert.Greater(t, RealizedVolatility(noisy, 30), 0.0)

	assert.Zero(t, RealizedVolatility([]float64{0.01}, 30))
}
