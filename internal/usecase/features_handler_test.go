package usecase

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleMill/internal/domain/models"
)

type captureFeatureWriter struct {
	mu   sync.Mutex
	rows []models.FeatureRow
}

func (w *captureFeatureWriter) WriteFeatures(ctx context.Context, row models.FeatureRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, row)
	return nil
}

func (w *captureFeatureWriter) all() []models.FeatureRow {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.FeatureRow, len(w.rows))
	copy(out, w.rows)
	return out
}

func candleMsg(t *testing.T, startMS int64, close float64) []byte {
	t.Helper()
	b, err := json.Marshal(models.CandleRecord{
		Pair:             "BTC/USD",
		Open:             close,
		High:             close,
		Low:              close,
		Close:            close,
		Volume:           1,
		WindowStartMS:    startMS,
		WindowEndMS:      startMS + 60_000,
		WindowDurationMS: 60_000,
	})
	require.NoError(t, err)
	return b
}

func TestFeaturesHandlerWritesRowPerCandle(t *testing.T) {
	w := &captureFeatureWriter{}
	h := NewCandleFeaturesHandler("candles", w, newStubMetrics(), 70)

	require.NoError(t, h.Handle(context.Background(), candleMsg(t, 60_000, 100)))
	require.NoError(t, h.Handle(context.Background(), candleMsg(t, 120_000, 110)))

	rows := w.all()
	require.Len(t, rows, 2)
	assert.Equal(t, "BTC/USD", rows[0].Symbol)
	assert.Equal(t, int64(60_000), rows[0].WindowStartMS)
	assert.Equal(t, 100.0, rows[0].Features["close"])
	assert.Equal(t, 110.0, rows[1].Features["close"])
	// second row sees the first candle as history
	assert.Contains(t, rows[1].Features, "log_return")
}

func TestFeaturesHandlerUpsertsSameWindow(t *testing.T) {
	w := &captureFeatureWriter{}
	h := NewCandleFeaturesHandler("candles", w, newStubMetrics(), 70)

	// intermediate snapshots of the same window replace, not append
	require.NoError(t, h.Handle(context.Background(), candleMsg(t, 60_000, 100)))
	require.NoError(t, h.Handle(context.Background(), candleMsg(t, 60_000, 105)))
	require.NoError(t, h.Handle(context.Background(), candleMsg(t, 120_000, 110)))

	rows := w.all()
	require.Len(t, rows, 3)
	last := rows[2]
	// OBV over [105, 110]: one up-move worth the candle's volume
	assert.Equal(t, 1.0, last.Features["obv"])
}

func TestFeaturesHandlerLateCandleSeesNoFuture(t *testing.T) {
	w := &captureFeatureWriter{}
	h := NewCandleFeaturesHandler("candles", w, newStubMetrics(), 70)

	require.NoError(t, h.Handle(context.Background(), candleMsg(t, 60_000, 100)))
	require.NoError(t, h.Handle(context.Background(), candleMsg(t, 180_000, 120)))
	// late upsert for the middle window
	require.NoError(t, h.Handle(context.Background(), candleMsg(t, 120_000, 110)))

	rows := w.all()
	require.Len(t, rows, 3)
	late := rows[2]
	assert.Equal(t, int64(120_000), late.WindowStartMS)
	// its features derive from [100, 110]; the 180_000 candle is its future
	assert.InDelta(t, 0.0953, late.Features["log_return"], 1e-3)
}

func TestFeaturesHandlerBoundsState(t *testing.T) {
	w := &captureFeatureWriter{}
	h := NewCandleFeaturesHandler("candles", w, newStubMetrics(), 5)

	for i := int64(1); i <= 20; i++ {
		require.NoError(t, h.Handle(context.Background(), candleMsg(t, i*60_000, 100+float64(i))))
	}
	rows := w.all()
	require.Len(t, rows, 20)
	// with only 5 candles in state, sma_7 never becomes available
	assert.NotContains(t, rows[19].Features, "sma_7")
	assert.Contains(t, rows[19].Features, "close")
}

func TestFeaturesHandlerRejectsBadPayloads(t *testing.T) {
	w := &captureFeatureWriter{}
	m := newStubMetrics()
	h := NewCandleFeaturesHandler("candles", w, m, 70)

	assert.Error(t, h.Handle(context.Background(), []byte("not json")))
	assert.Equal(t, 1, m.errorCount("features_unmarshal"))

	// structurally valid but meaningless records are dropped, not retried
	assert.NoError(t, h.Handle(context.Background(), []byte(`{"pair":"","window_duration_ms":0}`)))
	assert.Equal(t, 1, m.errorCount("features_bad_record"))
	assert.Empty(t, w.all())
}
