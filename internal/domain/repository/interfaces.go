package repository

import (
	"context"
	"time"

	"CandleMill/internal/domain/models"
)

// TradeSource delivers batches of trades. NextBatch blocks for at most
// timeout and returns an empty batch on expiry (not an error). Per-symbol
// order within and across batches follows source time order.
type TradeSource interface {
	Open(ctx context.Context) error
	NextBatch(ctx context.Context, timeout time.Duration) ([]*models.Trade, error)
	Close() error
}

// CandleSink accepts emitted candle records. Writes are upserts keyed by
// (pair, window_start_ms, window_duration_ms); last write wins.
type CandleSink interface {
	Write(ctx context.Context, rec models.CandleRecord) error
	Close() error
}

// FeatureTable is the read side of the enriched feature store. Rows returns
// all rows for the symbol and window duration with WindowStartMS strictly
// greater than afterMS, ordered ascending by WindowStartMS.
type FeatureTable interface {
	Rows(ctx context.Context, symbol string, windowDurationMS, afterMS int64) ([]models.FeatureRow, error)
}

// FeatureWriter is the write side, fed by the enrichment stage.
type FeatureWriter interface {
	WriteFeatures(ctx context.Context, row models.FeatureRow) error
}

// PredictionSink stores model outputs, upsert-tolerant on
// (symbol, predicted_ts_ms, model_name).
type PredictionSink interface {
	Write(ctx context.Context, rec models.PredictionRecord) error
}

// CandleStore provides read access to persisted candles for the API layer.
type CandleStore interface {
	GetCandles(ctx context.Context, symbol string, from, to time.Time, tf Timeframe) ([]models.CandleRecord, error)
	GetLatestNCandles(ctx context.Context, symbol string, n int, tf Timeframe) ([]models.CandleRecord, error)
}

// PredictionStore provides read access to stored predictions for the API layer.
type PredictionStore interface {
	GetLatestNPredictions(ctx context.Context, symbol string, n int) ([]models.PredictionRecord, error)
}

// Model is a frozen, already-trained price model.
type Model interface {
	Name() string
	Version() string
	RequiredFeatures() []string
	// Predict returns one price per input row, same order. Rows carry the
	// features in RequiredFeatures order.
	Predict(rows [][]float64) ([]float64, error)
}

// Metrics abstracts operational counters so engines stay transport-free.
type Metrics interface {
	RecordMessageSent(backend, symbol string)
	RecordError(kind string)
	RecordEvent(kind, symbol string)
	RecordLastPrice(symbol string, price float64)
	RecordLatency(op string, seconds float64)
	RecordWatermark(symbol string, windowStartMS int64)
}
