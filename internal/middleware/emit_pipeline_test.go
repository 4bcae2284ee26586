package middleware

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleMill/internal/domain/models"
)

type flakySink struct {
	mu       sync.Mutex
	failures int
	records  []models.CandleRecord
}

func (s *flakySink) Write(ctx context.Context, rec models.CandleRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("downstream unavailable")
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *flakySink) Close() error { return nil }

func (s *flakySink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

type nopMetrics struct{}

func (nopMetrics) RecordMessageSent(string, string)  {}
func (nopMetrics) RecordError(string)                {}
func (nopMetrics) RecordEvent(string, string)        {}
func (nopMetrics) RecordLastPrice(string, float64)   {}
func (nopMetrics) RecordLatency(string, float64)     {}
func (nopMetrics) RecordWatermark(string, int64)     {}

func rec(startMS int64) models.CandleRecord {
	return models.CandleRecord{Pair: "BTC/USD", WindowStartMS: startMS, WindowDurationMS: 60_000, Close: 100}
}

func TestEmitPipelinePassesThrough(t *testing.T) {
	sink := &flakySink{}
	p := NewEmitPipeline(sink, nopMetrics{})

	require.NoError(t, p.Write(context.Background(), rec(60_000)))
	assert.Equal(t, 1, sink.count())
}

func TestEmitPipelineRetriesTransientFailure(t *testing.T) {
	sink := &flakySink{failures: 2}
	p := NewEmitPipeline(sink, nopMetrics{}, WithRetry(3, time.Millisecond, 5*time.Millisecond))

	require.NoError(t, p.Write(context.Background(), rec(60_000)))
	assert.Equal(t, 1, sink.count())
}

func TestEmitPipelineParksOnExhaustionAndFlushes(t *testing.T) {
	sink := &flakySink{failures: 10}
	p := NewEmitPipeline(sink, nopMetrics{}, WithRetry(2, time.Millisecond, 2*time.Millisecond))

	err := p.Write(context.Background(), rec(60_000))
	require.Error(t, err, "exhausted retries surface to the caller")
	assert.Zero(t, sink.count())

	// background flusher drains the parked record once the sink recovers
	sink.mu.Lock()
	sink.failures = 0
	sink.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
}
