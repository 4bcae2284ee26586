package usecase

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	applogger "CandleMill/pkg/logger"
)

// PredictorConfig holds the tunables of one polling inference loop.
type PredictorConfig struct {
	Symbol            string
	WindowDuration    time.Duration
	PredictionHorizon time.Duration
	PollInterval      time.Duration
	// Lookback seeds the watermark at start; zero re-scans the whole table.
	Lookback time.Duration
	// WriteRetries bounds per-row sink write attempts.
	WriteRetries int
	// WriteBackoff is the initial retry delay; it doubles per attempt.
	WriteBackoff time.Duration
}

// Predictor polls the feature table for rows past its watermark, runs the
// frozen model over the fresh ones, and writes predictions. It shares no
// state with the aggregator; the feature table is the only boundary.
type Predictor struct {
	cfg     PredictorConfig
	table   domrepo.FeatureTable
	sink    domrepo.PredictionSink
	model   domrepo.Model
	metrics domrepo.Metrics
	logger  *applogger.Logger

	watermark int64
	now       func() int64 // unix ms, injectable for tests
}

func NewPredictor(
	cfg PredictorConfig,
	table domrepo.FeatureTable,
	sink domrepo.PredictionSink,
	model domrepo.Model,
	metrics domrepo.Metrics,
	logger *applogger.Logger,
) (*Predictor, error) {
	if cfg.Symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	if cfg.WindowDuration <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %v", cfg.WindowDuration)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = 3
	}
	if cfg.WriteBackoff <= 0 {
		cfg.WriteBackoff = 100 * time.Millisecond
	}
	p := &Predictor{
		cfg:     cfg,
		table:   table,
		sink:    sink,
		model:   model,
		metrics: metrics,
		logger:  logger,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
	if cfg.Lookback > 0 {
		p.watermark = p.now() - cfg.Lookback.Milliseconds()
	}
	return p, nil
}

// Watermark returns the newest window start already scanned. It never
// decreases.
func (p *Predictor) Watermark() int64 { return p.watermark }

// Run polls until ctx is cancelled. Poll failures are retryable and only
// skip the cycle; the next tick proceeds normally.
func (p *Predictor) Run(ctx context.Context) error {
	p.logger.Info("predictor started",
		applogger.String("symbol", p.cfg.Symbol),
		applogger.String("model", p.model.Name()),
		applogger.String("version", p.model.Version()),
	)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.PollOnce(ctx); err != nil {
				p.metrics.RecordError("poll_cycle")
				p.logger.Error("poll cycle failed", applogger.Error(err))
			}
		}
	}
}

// PollOnce runs a single query-filter-predict-write cycle.
func (p *Predictor) PollOnce(ctx context.Context) error {
	durMS := p.cfg.WindowDuration.Milliseconds()

	start := time.Now()
	rows, err := p.table.Rows(ctx, p.cfg.Symbol, durMS, p.watermark)
	if err != nil {
		return fmt.Errorf("feature query: %w", err)
	}
	p.metrics.RecordLatency("feature_query", time.Since(start).Seconds())
	if len(rows) == 0 {
		return nil
	}

	// The watermark advances on a successful read, before any write: rows
	// are "already attempted" from here on, and the upsert-keyed sink makes
	// a re-derived duplicate harmless.
	for _, r := range rows {
		if r.WindowStartMS > p.watermark {
			p.watermark = r.WindowStartMS
		}
	}
	p.metrics.RecordWatermark(p.cfg.Symbol, p.watermark)

	nowMS := p.now()
	names := p.model.RequiredFeatures()

	fresh := make([]models.FeatureRow, 0, len(rows))
	matrix := make([][]float64, 0, len(rows))
	for _, r := range rows {
		// Rows older than two windows are no longer actionable. The
		// boundary itself is kept: age <= 2*duration predicts.
		if nowMS-r.WindowStartMS > 2*durMS {
			p.metrics.RecordEvent("stale_skipped", p.cfg.Symbol)
			continue
		}
		vals, missing := r.Select(names)
		if missing != nil {
			p.metrics.RecordError("feature_missing")
			p.logger.Warn("feature row rejected",
				applogger.String("symbol", r.Symbol),
				applogger.Int64("window_start_ms", r.WindowStartMS),
				applogger.String("missing", strings.Join(missing, ",")),
			)
			continue
		}
		fresh = append(fresh, r)
		matrix = append(matrix, vals)
	}
	if len(fresh) == 0 {
		return nil
	}

	preds, err := p.model.Predict(matrix)
	if err != nil {
		// Model failure isolates to this batch; polling continues.
		p.metrics.RecordError("model_predict")
		p.logger.Error("model predict failed", applogger.Error(err))
		return nil
	}
	if len(preds) != len(fresh) {
		p.metrics.RecordError("model_predict")
		p.logger.Error("model output length mismatch",
			applogger.Int("want", len(fresh)),
			applogger.Int("got", len(preds)),
		)
		return nil
	}
	for _, v := range preds {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			p.metrics.RecordError("model_predict")
			p.logger.Error("model returned non-finite prediction")
			return nil
		}
	}

	horizonMS := p.cfg.PredictionHorizon.Milliseconds()
	for i, r := range fresh {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		rec := models.PredictionRecord{
			Symbol:         r.Symbol,
			PredictedPrice: preds[i],
			PredictedTSMS:  r.WindowStartMS + durMS + horizonMS,
			ProducedAtMS:   p.now(),
			ModelName:      p.model.Name(),
			ModelVersion:   p.model.Version(),
		}
		if err := p.writeWithRetry(ctx, rec); err != nil {
			p.metrics.RecordError("prediction_write")
			p.logger.Error("prediction write failed",
				applogger.String("symbol", rec.Symbol),
				applogger.Int64("predicted_ts_ms", rec.PredictedTSMS),
				applogger.Error(err),
			)
			continue
		}
		p.metrics.RecordMessageSent("predictions", rec.Symbol)
	}
	return nil
}

func (p *Predictor) writeWithRetry(ctx context.Context, rec models.PredictionRecord) error {
	backoff := p.cfg.WriteBackoff
	var err error
	for attempt := 1; attempt <= p.cfg.WriteRetries; attempt++ {
		if err = p.sink.Write(ctx, rec); err == nil {
			return nil
		}
		if attempt == p.cfg.WriteRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}
