package usecase

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleMill/internal/domain/models"
)

// fakeFeatureTable replays one scripted result set per call and records the
// afterMS cursor it was queried with.
type fakeFeatureTable struct {
	mu      sync.Mutex
	results [][]models.FeatureRow
	afters  []int64
	err     error
}

func (f *fakeFeatureTable) Rows(ctx context.Context, symbol string, windowDurationMS, afterMS int64) ([]models.FeatureRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.afters = append(f.afters, afterMS)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) == 0 {
		return nil, nil
	}
	rows := f.results[0]
	f.results = f.results[1:]
	return rows, nil
}

// fakePredSink records writes; failFirst makes the first n writes fail.
type fakePredSink struct {
	mu        sync.Mutex
	records   []models.PredictionRecord
	failFirst int
	writes    int
}

func (s *fakePredSink) Write(ctx context.Context, rec models.PredictionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writes <= s.failFirst {
		return errors.New("sink down")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *fakePredSink) all() []models.PredictionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PredictionRecord, len(s.records))
	copy(out, s.records)
	return out
}

// fakeModel predicts close+1 per row, or fails.
type fakeModel struct {
	features []string
	err      error
	bad      bool // return a NaN
}

func (m *fakeModel) Name() string               { return "btcusd_60_30" }
func (m *fakeModel) Version() string            { return "v1" }
func (m *fakeModel) RequiredFeatures() []string { return m.features }

func (m *fakeModel) Predict(rows [][]float64) ([]float64, error) {
	if m.err != nil {
		return nil, m.err
	}
	out := make([]float64, len(rows))
	for i, r := range rows {
		if m.bad {
			out[i] = math.NaN()
			continue
		}
		out[i] = r[0] + 1
	}
	return out, nil
}

func featureRow(startMS int64, close float64) models.FeatureRow {
	return models.FeatureRow{
		Symbol:           "BTC/USD",
		WindowStartMS:    startMS,
		WindowDurationMS: 60_000,
		Features:         map[string]float64{"close": close, "sma_7": close},
	}
}

func newTestPredictor(t *testing.T, cfg PredictorConfig, table *fakeFeatureTable, sink *fakePredSink, mdl *fakeModel, m *stubMetrics, nowMS int64) *Predictor {
	t.Helper()
	if cfg.Symbol == "" {
		cfg.Symbol = "BTC/USD"
	}
	if cfg.WindowDuration == 0 {
		cfg.WindowDuration = time.Minute
	}
	if cfg.PredictionHorizon == 0 {
		cfg.PredictionHorizon = 30 * time.Second
	}
	p, err := NewPredictor(cfg, table, sink, mdl, m, testLogger(t))
	require.NoError(t, err)
	p.now = func() int64 { return nowMS }
	return p
}

func TestPredictorProducesPredictions(t *testing.T) {
	nowMS := int64(1_000_000_000)
	start := nowMS - 60_000 // one window old, fresh

	table := &fakeFeatureTable{results: [][]models.FeatureRow{{featureRow(start, 500)}}}
	sink := &fakePredSink{}
	m := newStubMetrics()
	p := newTestPredictor(t, PredictorConfig{}, table, sink, &fakeModel{features: []string{"close", "sma_7"}}, m, nowMS)

	require.NoError(t, p.PollOnce(context.Background()))

	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, "BTC/USD", recs[0].Symbol)
	assert.Equal(t, 501.0, recs[0].PredictedPrice)
	assert.Equal(t, start+60_000+30_000, recs[0].PredictedTSMS)
	assert.Equal(t, nowMS, recs[0].ProducedAtMS)
	assert.Equal(t, "btcusd_60_30", recs[0].ModelName)
	assert.Equal(t, "v1", recs[0].ModelVersion)
}

func TestPredictorWatermarkAdvancesAndNeverRegresses(t *testing.T) {
	nowMS := int64(1_000_000_000)
	s1 := nowMS - 60_000
	s2 := nowMS - 30_000

	table := &fakeFeatureTable{results: [][]models.FeatureRow{
		{featureRow(s1, 500), featureRow(s2, 510)},
		{featureRow(s1, 500)}, // stale re-delivery below the watermark
	}}
	sink := &fakePredSink{}
	m := newStubMetrics()
	p := newTestPredictor(t, PredictorConfig{}, table, sink, &fakeModel{features: []string{"close"}}, m, nowMS)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, s2, p.Watermark())

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Equal(t, s2, p.Watermark(), "watermark must not regress")

	// second query used the advanced watermark as its cursor
	require.Len(t, table.afters, 2)
	assert.Equal(t, s2, table.afters[1])
}

func TestPredictorWatermarkHoldsOnQueryError(t *testing.T) {
	table := &fakeFeatureTable{err: errors.New("clickhouse down")}
	sink := &fakePredSink{}
	m := newStubMetrics()
	p := newTestPredictor(t, PredictorConfig{}, table, sink, &fakeModel{features: []string{"close"}}, m, 1_000_000_000)

	before := p.Watermark()
	require.Error(t, p.PollOnce(context.Background()))
	assert.Equal(t, before, p.Watermark())
	assert.Empty(t, sink.all())
}

func TestPredictorSkipsStaleRows(t *testing.T) {
	nowMS := int64(1_000_000_000)
	stale := nowMS - 120_001   // just past two windows
	boundary := nowMS - 120_000 // exactly two windows: still actionable
	fresh := nowMS - 60_000

	table := &fakeFeatureTable{results: [][]models.FeatureRow{
		{featureRow(stale, 400), featureRow(boundary, 450), featureRow(fresh, 500)},
	}}
	sink := &fakePredSink{}
	m := newStubMetrics()
	p := newTestPredictor(t, PredictorConfig{}, table, sink, &fakeModel{features: []string{"close"}}, m, nowMS)

	require.NoError(t, p.PollOnce(context.Background()))

	recs := sink.all()
	require.Len(t, recs, 2)
	assert.Equal(t, 451.0, recs[0].PredictedPrice)
	assert.Equal(t, 501.0, recs[1].PredictedPrice)
	assert.Equal(t, 1, m.eventCount("stale_skipped"))

	// stale rows still advance the watermark
	assert.Equal(t, fresh, p.Watermark())
}

func TestPredictorRejectsRowsWithMissingFeatures(t *testing.T) {
	nowMS := int64(1_000_000_000)
	s1 := nowMS - 60_000
	s2 := nowMS - 30_000

	incomplete := featureRow(s1, 500)
	delete(incomplete.Features, "sma_7")

	table := &fakeFeatureTable{results: [][]models.FeatureRow{
		{incomplete, featureRow(s2, 510)},
	}}
	sink := &fakePredSink{}
	m := newStubMetrics()
	p := newTestPredictor(t, PredictorConfig{}, table, sink, &fakeModel{features: []string{"close", "sma_7"}}, m, nowMS)

	require.NoError(t, p.PollOnce(context.Background()))

	recs := sink.all()
	require.Len(t, recs, 1, "only the complete row predicts")
	assert.Equal(t, 511.0, recs[0].PredictedPrice)
	assert.Equal(t, 1, m.errorCount("feature_missing"))
}

func TestPredictorModelFailureSkipsBatch(t *testing.T) {
	nowMS := int64(1_000_000_000)
	table := &fakeFeatureTable{results: [][]models.FeatureRow{{featureRow(nowMS-60_000, 500)}}}
	sink := &fakePredSink{}
	m := newStubMetrics()
	mdl := &fakeModel{features: []string{"close"}, err: errors.New("bad weights")}
	p := newTestPredictor(t, PredictorConfig{}, table, sink, mdl, m, nowMS)

	require.NoError(t, p.PollOnce(context.Background()), "model failure is retryable, not fatal")
	assert.Empty(t, sink.all())
	assert.Equal(t, 1, m.errorCount("model_predict"))
	assert.Equal(t, nowMS-60_000, p.Watermark(), "watermark advanced before the model ran")
}

func TestPredictorRejectsNonFinitePredictions(t *testing.T) {
	nowMS := int64(1_000_000_000)
	table := &fakeFeatureTable{results: [][]models.FeatureRow{{featureRow(nowMS-60_000, 500)}}}
	sink := &fakePredSink{}
	m := newStubMetrics()
	p := newTestPredictor(t, PredictorConfig{}, table, sink, &fakeModel{features: []string{"close"}, bad: true}, m, nowMS)

	require.NoError(t, p.PollOnce(context.Background()))
	assert.Empty(t, sink.all())
	assert.Equal(t, 1, m.errorCount("model_predict"))
}

func TestPredictorRetriesFailedWrites(t *testing.T) {
	nowMS := int64(1_000_000_000)
	table := &fakeFeatureTable{results: [][]models.FeatureRow{{featureRow(nowMS-60_000, 500)}}}
	sink := &fakePredSink{failFirst: 2}
	m := newStubMetrics()
	p := newTestPredictor(t, PredictorConfig{
		WriteRetries: 3,
		WriteBackoff: time.Millisecond,
	}, table, sink, &fakeModel{features: []string{"close"}}, m, nowMS)

	require.NoError(t, p.PollOnce(context.Background()))
	require.Len(t, sink.all(), 1, "third attempt lands")
	assert.Zero(t, m.errorCount("prediction_write"))
}

func TestPredictorGivesUpAfterRetryBudget(t *testing.T) {
	nowMS := int64(1_000_000_000)
	table := &fakeFeatureTable{results: [][]models.FeatureRow{{featureRow(nowMS-60_000, 500)}}}
	sink := &fakePredSink{failFirst: 100}
	m := newStubMetrics()
	p := newTestPredictor(t, PredictorConfig{
		WriteRetries: 2,
		WriteBackoff: time.Millisecond,
	}, table, sink, &fakeModel{features: []string{"close"}}, m, nowMS)

	require.NoError(t, p.PollOnce(context.Background()), "exhausted writes do not fail the cycle")
	assert.Empty(t, sink.all())
	assert.Equal(t, 1, m.errorCount("prediction_write"))
	assert.Equal(t, nowMS-60_000, p.Watermark(), "row is not re-derived next cycle")
}

func TestPredictorLookbackSeedsWatermark(t *testing.T) {
	table := &fakeFeatureTable{}
	sink := &fakePredSink{}
	m := newStubMetrics()
	p, err := NewPredictor(PredictorConfig{
		Symbol:            "BTC/USD",
		WindowDuration:    time.Minute,
		PredictionHorizon: 30 * time.Second,
		Lookback:          5 * time.Minute,
	}, table, sink, &fakeModel{features: []string{"close"}}, m, testLogger(t))
	require.NoError(t, err)

	wm := p.Watermark()
	assert.InDelta(t, time.Now().UnixMilli()-300_000, wm, 5_000)
}
