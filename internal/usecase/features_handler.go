package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	"CandleMill/internal/services/features"
	pkgkafka "CandleMill/pkg/kafka"
)

// CandleFeaturesHandler consumes candle records from the candles topic,
// keeps a bounded window of recent candles per (symbol, duration), computes
// technical-indicator features, and writes one feature row per candle. It is
// the enrichment stage between the aggregator's output and the prediction
// loop's input.
type CandleFeaturesHandler struct {
	topic      string
	writer     domrepo.FeatureWriter
	metrics    domrepo.Metrics
	maxInState int

	mu    sync.Mutex
	state map[string][]models.CandleRecord // key symbol|duration, ascending
}

func NewCandleFeaturesHandler(topic string, writer domrepo.FeatureWriter, metrics domrepo.Metrics, maxInState int) *CandleFeaturesHandler {
	if maxInState <= 0 {
		maxInState = 70
	}
	return &CandleFeaturesHandler{
		topic:      topic,
		writer:     writer,
		metrics:    metrics,
		maxInState: maxInState,
		state:      make(map[string][]models.CandleRecord),
	}
}

func (h *CandleFeaturesHandler) Topic() string { return h.topic }

func (h *CandleFeaturesHandler) Handle(ctx context.Context, b []byte) error {
	var rec models.CandleRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		h.metrics.RecordError("features_unmarshal")
		return err
	}
	if rec.Pair == "" || rec.WindowDurationMS <= 0 {
		h.metrics.RecordError("features_bad_record")
		return nil // not retryable, drop
	}

	series := h.upsert(rec)

	start := time.Now()
	row := models.FeatureRow{
		Symbol:           rec.Pair,
		WindowStartMS:    rec.WindowStartMS,
		WindowDurationMS: rec.WindowDurationMS,
		Features:         features.Compute(series),
	}
	if err := h.writer.WriteFeatures(ctx, row); err != nil {
		h.metrics.RecordError("features_write")
		return fmt.Errorf("write features: %w", err)
	}
	h.metrics.RecordMessageSent("features", rec.Pair)
	h.metrics.RecordLatency("features_write", time.Since(start).Seconds())
	return nil
}

// upsert folds the record into the per-key series, replacing any candle for
// the same window (intermediate snapshots and late upserts both arrive as
// duplicates by key), and returns the series up to and including rec's
// window so late records do not see candles from their future.
func (h *CandleFeaturesHandler) upsert(rec models.CandleRecord) []models.CandleRecord {
	key := fmt.Sprintf("%s|%d", rec.Pair, rec.WindowDurationMS)

	h.mu.Lock()
	defer h.mu.Unlock()

	series := h.state[key]
	idx := sort.Search(len(series), func(i int) bool {
		return series[i].WindowStartMS >= rec.WindowStartMS
	})
	switch {
	case idx < len(series) && series[idx].WindowStartMS == rec.WindowStartMS:
		series[idx] = rec
	default:
		series = append(series, models.CandleRecord{})
		copy(series[idx+1:], series[idx:])
		series[idx] = rec
	}
	if len(series) > h.maxInState {
		series = series[len(series)-h.maxInState:]
	}
	h.state[key] = series

	idx = sort.Search(len(series), func(i int) bool {
		return series[i].WindowStartMS >= rec.WindowStartMS
	})
	if idx == len(series) || series[idx].WindowStartMS != rec.WindowStartMS {
		// trimmed straight out; features come from the record alone
		return []models.CandleRecord{rec}
	}
	return append([]models.CandleRecord(nil), series[:idx+1]...)
}

var _ pkgkafka.MessageHandler = (*CandleFeaturesHandler)(nil)
