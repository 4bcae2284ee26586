package usecase

import (
	"context"
	"fmt"
	"time"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	applogger "CandleMill/pkg/logger"
)

// AggregatorConfig holds the tunables of one aggregation instance.
type AggregatorConfig struct {
	WindowDuration   time.Duration
	EmitIntermediate bool
	// RetentionWindows is how many strictly-newer windows a symbol may
	// accumulate before older state is retired.
	RetentionWindows int
	// SourceTimeout bounds each NextBatch receive; expiry yields an empty
	// batch, not an error.
	SourceTimeout time.Duration
	// IdleFlush force-closes windows this much past their end when no
	// successor trade arrives. Zero disables the timer.
	IdleFlush time.Duration
}

// Aggregator bridges a trade source to the window store and decides what and
// when to emit. One Run loop owns the source; per-symbol mutation is
// serialized inside the store.
type Aggregator struct {
	cfg     AggregatorConfig
	source  domrepo.TradeSource
	store   *WindowStore
	sink    domrepo.CandleSink
	metrics domrepo.Metrics
	logger  *applogger.Logger
}

func NewAggregator(
	cfg AggregatorConfig,
	source domrepo.TradeSource,
	sink domrepo.CandleSink,
	metrics domrepo.Metrics,
	logger *applogger.Logger,
) (*Aggregator, error) {
	if cfg.WindowDuration <= 0 {
		return nil, fmt.Errorf("window duration must be positive, got %v", cfg.WindowDuration)
	}
	if cfg.SourceTimeout <= 0 {
		cfg.SourceTimeout = time.Second
	}
	if cfg.RetentionWindows <= 0 {
		cfg.RetentionWindows = 10
	}
	return &Aggregator{
		cfg:     cfg,
		source:  source,
		store:   NewWindowStore(cfg.WindowDuration.Milliseconds(), cfg.RetentionWindows),
		sink:    sink,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Store exposes the window store for eviction management and tests.
func (a *Aggregator) Store() *WindowStore { return a.store }

// Run consumes the source until ctx is cancelled. Source receive timeouts are
// not errors; a permanently closed source is fatal and propagates.
func (a *Aggregator) Run(ctx context.Context) error {
	if err := a.source.Open(ctx); err != nil {
		return fmt.Errorf("open trade source: %w", err)
	}
	defer func() { _ = a.source.Close() }()

	var lastFlush time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := a.source.NextBatch(ctx, a.cfg.SourceTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.metrics.RecordError("source_read")
			return fmt.Errorf("trade source: %w", err)
		}
		for _, t := range batch {
			if err := a.OnTrade(ctx, t); err != nil {
				a.logger.Error("candle emit failed",
					applogger.String("symbol", t.Symbol),
					applogger.Error(err),
				)
			}
		}

		if a.cfg.IdleFlush > 0 && time.Since(lastFlush) >= a.cfg.IdleFlush {
			a.flushIdle(ctx)
			lastFlush = time.Now()
		}
	}
}

// OnTrade applies one trade and emits per the configured policy. The returned
// error reports an emission that exhausted its retries; window state is
// already updated and remains consistent.
func (a *Aggregator) OnTrade(ctx context.Context, t *models.Trade) error {
	if err := t.Validate(); err != nil {
		a.metrics.RecordError("trade_malformed")
		a.logger.Warn("malformed trade rejected", applogger.Error(err))
		return nil
	}

	start := time.Now()
	res := a.store.Apply(t)
	a.metrics.RecordLastPrice(t.Symbol, t.Price)

	if res.Dropped {
		a.metrics.RecordEvent("late_dropped", t.Symbol)
		return nil
	}
	if res.Late {
		a.metrics.RecordEvent("late_applied", t.Symbol)
	}

	var emitErr error

	// Windows closed by this trade opening a strictly newer one.
	if !a.cfg.EmitIntermediate {
		for i := range res.Closed {
			if err := a.emit(ctx, &res.Closed[i]); err != nil {
				emitErr = err
			}
		}
	}

	switch {
	case a.cfg.EmitIntermediate:
		// Snapshot after every applied trade; records for one window
		// logically overwrite each other by key.
		if err := a.emit(ctx, &res.Snapshot); err != nil {
			emitErr = err
		}
	case res.Late:
		// Closed-window upsert: re-emit so consumers converge on the
		// corrected candle.
		if err := a.emit(ctx, &res.Snapshot); err != nil {
			emitErr = err
		}
	}

	a.metrics.RecordLatency("aggregate_trade", time.Since(start).Seconds())
	return emitErr
}

// flushIdle closes windows whose end passed more than IdleFlush ago and, for
// the close-only policy, emits them. Without this a symbol that stops trading
// would never emit its final window.
func (a *Aggregator) flushIdle(ctx context.Context) {
	cutoff := time.Now().Add(-a.cfg.IdleFlush).UnixMilli()
	closed := a.store.FlushIdle(cutoff)
	if len(closed) == 0 {
		return
	}
	a.metrics.RecordEvent("idle_flushed", "")
	if a.cfg.EmitIntermediate {
		// Intermediate emits already published the latest state.
		return
	}
	for i := range closed {
		if err := a.emit(ctx, &closed[i]); err != nil {
			a.logger.Error("idle flush emit failed",
				applogger.String("symbol", closed[i].Symbol),
				applogger.Error(err),
			)
		}
	}
}

func (a *Aggregator) emit(ctx context.Context, c *models.Candle) error {
	rec := c.Record(a.cfg.WindowDuration.Milliseconds())
	if err := a.sink.Write(ctx, rec); err != nil {
		a.metrics.RecordError("candle_emit")
		return fmt.Errorf("emit candle %s@%d: %w", rec.Pair, rec.WindowStartMS, err)
	}
	a.metrics.RecordMessageSent("candles", rec.Pair)
	return nil
}
