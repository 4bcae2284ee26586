package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleMill/internal/domain/models"
	applogger "CandleMill/pkg/logger"
)

func testLogger(t *testing.T) *applogger.Logger {
	t.Helper()
	l, err := applogger.New(&applogger.Config{Level: "error", Format: "console", Output: "stderr"})
	require.NoError(t, err)
	return l
}

// stubMetrics counts recorded errors and events by kind.
type stubMetrics struct {
	mu     sync.Mutex
	errors map[string]int
	events map[string]int
}

func newStubMetrics() *stubMetrics {
	return &stubMetrics{errors: make(map[string]int), events: make(map[string]int)}
}

func (m *stubMetrics) RecordMessageSent(backend, symbol string) {}
func (m *stubMetrics) RecordError(kind string) {
	m.mu.Lock()
	m.errors[kind]++
	m.mu.Unlock()
}
func (m *stubMetrics) RecordEvent(kind, symbol string) {
	m.mu.Lock()
	m.events[kind]++
	m.mu.Unlock()
}
func (m *stubMetrics) RecordLastPrice(symbol string, price float64)      {}
func (m *stubMetrics) RecordLatency(op string, seconds float64)          {}
func (m *stubMetrics) RecordWatermark(symbol string, windowStartMS int64) {}

func (m *stubMetrics) errorCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errors[kind]
}

func (m *stubMetrics) eventCount(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[kind]
}

// captureSink records every written candle; failUntil forces the first writes
// to fail.
type captureSink struct {
	mu        sync.Mutex
	records   []models.CandleRecord
	failUntil int
	writes    int
}

func (s *captureSink) Write(ctx context.Context, rec models.CandleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.writes <= s.failUntil {
		return errors.New("sink unavailable")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) all() []models.CandleRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CandleRecord, len(s.records))
	copy(out, s.records)
	return out
}

// scriptedSource replays fixed batches, then blocks until ctx cancellation.
type scriptedSource struct {
	batches [][]*models.Trade
	idx     int
}

func (s *scriptedSource) Open(ctx context.Context) error { return nil }
func (s *scriptedSource) Close() error                   { return nil }

func (s *scriptedSource) NextBatch(ctx context.Context, timeout time.Duration) ([]*models.Trade, error) {
	if s.idx < len(s.batches) {
		b := s.batches[s.idx]
		s.idx++
		return b, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(timeout):
		return nil, nil
	}
}

func newTestAggregator(t *testing.T, cfg AggregatorConfig, source *scriptedSource, sink *captureSink, m *stubMetrics) *Aggregator {
	t.Helper()
	if source == nil {
		source = &scriptedSource{}
	}
	agg, err := NewAggregator(cfg, source, sink, m, testLogger(t))
	require.NoError(t, err)
	return agg
}

func TestNewAggregatorRejectsBadWindow(t *testing.T) {
	_, err := NewAggregator(AggregatorConfig{WindowDuration: 0}, &scriptedSource{}, &captureSink{}, newStubMetrics(), testLogger(t))
	require.Error(t, err)
}

func TestAggregatorIntermediateEmitsEveryTrade(t *testing.T) {
	sink := &captureSink{}
	m := newStubMetrics()
	agg := newTestAggregator(t, AggregatorConfig{
		WindowDuration:   time.Minute,
		EmitIntermediate: true,
	}, nil, sink, m)

	ctx := context.Background()
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 100, 1, 60_100)))
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 110, 2, 60_200)))

	recs := sink.all()
	require.Len(t, recs, 2)
	assert.Equal(t, 100.0, recs[0].Close)
	assert.Equal(t, 110.0, recs[1].Close)
	assert.Equal(t, recs[0].WindowStartMS, recs[1].WindowStartMS, "both snapshots upsert the same window key")
	assert.Equal(t, 3.0, recs[1].Volume)
	assert.Equal(t, int64(60_000), recs[1].WindowDurationMS)
}

func TestAggregatorClosedOnlyEmitsOnWindowClose(t *testing.T) {
	sink := &captureSink{}
	m := newStubMetrics()
	agg := newTestAggregator(t, AggregatorConfig{
		WindowDuration:   time.Minute,
		EmitIntermediate: false,
	}, nil, sink, m)

	ctx := context.Background()
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 100, 1, 60_100)))
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 120, 1, 60_500)))
	assert.Empty(t, sink.all(), "nothing emits while the window is open")

	// first trade of the strictly newer window closes the old one
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 118, 1, 120_100)))

	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(60_000), recs[0].WindowStartMS)
	assert.Equal(t, 100.0, recs[0].Open)
	assert.Equal(t, 120.0, recs[0].High)
	assert.Equal(t, 120.0, recs[0].Close)
}

func TestAggregatorLateTradeReEmitsClosedWindow(t *testing.T) {
	sink := &captureSink{}
	m := newStubMetrics()
	agg := newTestAggregator(t, AggregatorConfig{
		WindowDuration:   time.Minute,
		EmitIntermediate: false,
	}, nil, sink, m)

	ctx := context.Background()
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 100, 1, 60_100)))
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 101, 1, 120_100)))
	require.Len(t, sink.all(), 1)

	// late trade into the retained closed window re-emits the corrected candle
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 130, 1, 60_700)))

	recs := sink.all()
	require.Len(t, recs, 2)
	assert.Equal(t, recs[0].WindowStartMS, recs[1].WindowStartMS)
	assert.Equal(t, 130.0, recs[1].High)
	assert.Equal(t, 1, m.eventCount("late_applied"))
}

func TestAggregatorDropsTradeBeyondRetention(t *testing.T) {
	sink := &captureSink{}
	m := newStubMetrics()
	agg := newTestAggregator(t, AggregatorConfig{
		WindowDuration:   time.Minute,
		EmitIntermediate: true,
		RetentionWindows: 2,
	}, nil, sink, m)

	ctx := context.Background()
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 100, 1, 60_100)))
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 101, 1, 600_100)))
	emitted := len(sink.all())

	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 99, 1, 60_200)))

	assert.Equal(t, emitted, len(sink.all()), "dropped trade must not emit")
	assert.Equal(t, 1, m.eventCount("late_dropped"))
}

func TestAggregatorRejectsMalformedTrades(t *testing.T) {
	sink := &captureSink{}
	m := newStubMetrics()
	agg := newTestAggregator(t, AggregatorConfig{
		WindowDuration:   time.Minute,
		EmitIntermediate: true,
	}, nil, sink, m)

	ctx := context.Background()
	require.NoError(t, agg.OnTrade(ctx, trade("", 100, 1, 60_100)))
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", -5, 1, 60_100)))
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 100, 0, 60_100)))
	require.NoError(t, agg.OnTrade(ctx, trade("BTC/USD", 100, 1, 0)))

	assert.Empty(t, sink.all())
	assert.Equal(t, 4, m.errorCount("trade_malformed"))
	assert.Zero(t, agg.Store().Len())
}

func TestAggregatorSurfacesEmitFailure(t *testing.T) {
	sink := &captureSink{failUntil: 100}
	m := newStubMetrics()
	agg := newTestAggregator(t, AggregatorConfig{
		WindowDuration:   time.Minute,
		EmitIntermediate: true,
	}, nil, sink, m)

	err := agg.OnTrade(context.Background(), trade("BTC/USD", 100, 1, 60_100))
	require.Error(t, err)
	assert.Equal(t, 1, m.errorCount("candle_emit"))

	// window state survived the failed emit
	assert.Equal(t, 1, agg.Store().Len())
}

func TestAggregatorRunConsumesSourceBatches(t *testing.T) {
	source := &scriptedSource{batches: [][]*models.Trade{
		{trade("BTC/USD", 100, 1, 60_100), trade("BTC/USD", 105, 1, 60_200)},
		{trade("BTC/USD", 103, 1, 120_100)},
	}}
	sink := &captureSink{}
	m := newStubMetrics()
	agg := newTestAggregator(t, AggregatorConfig{
		WindowDuration:   time.Minute,
		EmitIntermediate: false,
		SourceTimeout:    10 * time.Millisecond,
	}, source, sink, m)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := agg.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, int64(60_000), recs[0].WindowStartMS)
	assert.Equal(t, 2.0, recs[0].Volume)
}

func TestAggregatorIdleFlushEmitsQuietWindow(t *testing.T) {
	nowMS := time.Now().UnixMilli()
	start := (nowMS / 60_000) * 60_000

	source := &scriptedSource{batches: [][]*models.Trade{
		{trade("BTC/USD", 100, 1, start - 120_000)},
	}}
	sink := &captureSink{}
	m := newStubMetrics()
	agg := newTestAggregator(t, AggregatorConfig{
		WindowDuration:   time.Minute,
		EmitIntermediate: false,
		SourceTimeout:    10 * time.Millisecond,
		IdleFlush:        20 * time.Millisecond,
	}, source, sink, m)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = agg.Run(ctx)

	recs := sink.all()
	require.Len(t, recs, 1, "idle window past its end must flush without a successor trade")
	assert.Equal(t, 100.0, recs[0].Close)
	assert.GreaterOrEqual(t, m.eventCount("idle_flushed"), 1)
}
