package server

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	mid "CandleMill/internal/middleware"
	"CandleMill/internal/usecase"
	pkgch "CandleMill/pkg/clickhouse"
	"CandleMill/pkg/config"
	xhttp "CandleMill/pkg/http"
	pkgkafka "CandleMill/pkg/kafka"
	applogger "CandleMill/pkg/logger"
	pkgqueue "CandleMill/pkg/queue"
)

// App encapsulates the entire application lifecycle.
type App struct {
	cfg        *config.Config
	logger     *applogger.Logger
	aggregator *usecase.Aggregator
	pipeline   *mid.EmitPipeline
	chClient   *pkgch.Client

	consumer *pkgkafka.Consumer
	fh       pkgkafka.MessageHandler

	predictor *usecase.Predictor
	queue     *pkgqueue.RedisQueue

	httpServer  *xhttp.Server
	httpHandler xhttp.Handler
}

// New creates a new App instance with the always-on dependencies.
func New(
	cfg *config.Config,
	logger *applogger.Logger,
	aggregator *usecase.Aggregator,
	pipeline *mid.EmitPipeline,
	chClient *pkgch.Client,
) *App {
	return &App{
		cfg:        cfg,
		logger:     logger,
		aggregator: aggregator,
		pipeline:   pipeline,
		chClient:   chClient,
	}
}

// SetEnrichment attaches the candle consumer and its handler. Both may be nil.
func (a *App) SetEnrichment(consumer *pkgkafka.Consumer, fh pkgkafka.MessageHandler) {
	a.consumer = consumer
	a.fh = fh
}

// SetPredictor attaches the polling inference loop. May be nil.
func (a *App) SetPredictor(p *usecase.Predictor) { a.predictor = p }

// SetQueue attaches the Redis retry queue. May be nil.
func (a *App) SetQueue(q *pkgqueue.RedisQueue) { a.queue = q }

// SetHTTPHandler allows DI to inject an HTTP handler.
func (a *App) SetHTTPHandler(h xhttp.Handler) { a.httpHandler = h }

// Run starts the application and blocks until interrupted or the trade source
// fails permanently.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := a.logger

	a.httpServer = xhttp.NewServer(a.httpHandler,
		xhttp.WithPort(a.cfg.Server.Port),
		xhttp.WithTimeouts(a.cfg.Server.ReadTimeout, a.cfg.Server.WriteTimeout, a.cfg.Server.ShutdownTimeout),
		xhttp.WithRequestMetrics(l, time.Second),
	)

	// Emit pipeline runs its background flusher first so the aggregator can
	// park records from the start.
	a.pipeline.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := a.aggregator.Run(ctx); err != nil && ctx.Err() == nil {
			l.Error("aggregator stopped", applogger.Error(err))
			select {
			case errCh <- err:
			default:
			}
		}
	}()
	l.Info("aggregator started",
		applogger.String("source", a.cfg.Source.Type),
		applogger.Duration("window", a.cfg.Aggregator.WindowDuration),
		applogger.Bool("emit_intermediate", a.cfg.Aggregator.EmitIntermediate),
	)

	if a.consumer != nil && a.fh != nil {
		a.consumer.RegisterHandler(a.fh)
		go func() {
			if err := a.consumer.Start(); err != nil {
				l.Error("kafka consumer error", applogger.Error(err))
			}
		}()
		l.Info("enrichment consumer started", applogger.String("topic", a.fh.Topic()))
	}

	if a.queue != nil {
		if err := a.queue.Start(); err != nil {
			l.Error("retry queue start error", applogger.Error(err))
		} else {
			a.queue.StartRetryProcessor()
			l.Info("retry queue started")
		}
	}

	if a.predictor != nil {
		go func() {
			if err := a.predictor.Run(ctx); err != nil && ctx.Err() == nil {
				l.Error("predictor stopped", applogger.Error(err))
			}
		}()
	}

	if err := a.httpServer.Start(); err != nil {
		l.Error("http server start error", applogger.Error(err))
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	var runErr error
	select {
	case <-sigCh:
		l.Info("shutdown signal received")
	case runErr = <-errCh:
	}

	cancel()
	if err := a.shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// shutdown gracefully stops all services.
func (a *App) shutdown(ctx context.Context) error {
	l := a.logger
	l.Info("shutting down...")

	// Stop producing before draining: the pipeline flushes parked records.
	a.pipeline.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := a.httpServer.Stop(shutdownCtx); err != nil {
		l.Error("http shutdown error", applogger.Error(err))
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(shutdownCtx); err != nil {
			l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	if a.queue != nil {
		if err := a.queue.Stop(shutdownCtx); err != nil {
			l.Warn("retry queue stop error", applogger.Error(err))
		}
	}

	if err := a.pipeline.Close(); err != nil {
		l.Warn("emit pipeline close error", applogger.Error(err))
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			l.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	l.Info("shutdown complete")
	return nil
}
