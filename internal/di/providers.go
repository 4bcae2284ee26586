package di

import (
	"context"
	"fmt"
	"time"

	"CandleMill/internal/domain/repository"
	"CandleMill/internal/handler/api"
	mid "CandleMill/internal/middleware"
	internalrepo "CandleMill/internal/repository"
	"CandleMill/internal/service/kraken"
	"CandleMill/internal/services/model"
	"CandleMill/internal/usecase"
	pkgcache "CandleMill/pkg/cache"
	pkgch "CandleMill/pkg/clickhouse"
	"CandleMill/pkg/config"
	xhttp "CandleMill/pkg/http"
	pkgkafka "CandleMill/pkg/kafka"
	applogger "CandleMill/pkg/logger"
	"CandleMill/pkg/metrics"
	pkgqueue "CandleMill/pkg/queue"
	"CandleMill/pkg/server"

	"github.com/redis/go-redis/v9"
)

// ProvideLogger creates the application logger.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	level := "info"
	format := "json"
	if cfg.Environment == "development" {
		level = "debug"
		format = "console"
	}
	l, err := applogger.New(&applogger.Config{Level: level, Format: format, Output: "stdout"})
	if err != nil {
		return nil, err
	}
	// Collapse repeated errors (bad trades, failing writes) into periodic
	// summaries so a hot loop cannot flood the log.
	l.AddCollector(&applogger.CollectionConfig{
		TimeInterval:   30 * time.Second,
		CountThreshold: 200,
		Emit: func(entries []applogger.AggregatedLogEntry) {
			for _, e := range entries {
				l.Warn("error repeated",
					applogger.String("message", e.Message),
					applogger.String("caller", e.Caller),
					applogger.Int("count", e.Count),
					applogger.String("first_seen", e.FirstSeen.Format(time.RFC3339)),
					applogger.String("last_seen", e.LastSeen.Format(time.RFC3339)),
				)
			}
		},
	})
	return l, nil
}

// ProvideClickHouseClient creates a ClickHouse client and prepares the schema.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, error) {
	// The main DSN names the target database, so it has to exist before the
	// pool can ping. Bootstrap through "default" to create it.
	boot, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase("default"),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse bootstrap: %w", err)
	}
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = boot.InitSchema(bootCtx, []string{"CREATE DATABASE IF NOT EXISTS " + cfg.ClickHouse.Database})
	bootCancel()
	_ = boot.Close()
	if err != nil {
		return nil, fmt.Errorf("clickhouse create database: %w", err)
	}

	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s
            (symbol String, window_start_ms Int64, window_end_ms Int64, window_duration_ms Int64,
             open Float64, high Float64, low Float64, close Float64, volume Float64,
             inserted_at DateTime)
            ENGINE = ReplacingMergeTree(inserted_at)
            ORDER BY (symbol, window_duration_ms, window_start_ms)`, cfg.CandlesTableFQN()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s
            (symbol String, window_start_ms Int64, window_duration_ms Int64,
             features String, inserted_at DateTime)
            ENGINE = ReplacingMergeTree(inserted_at)
            ORDER BY (symbol, window_duration_ms, window_start_ms)`, cfg.FeaturesTableFQN()),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s
            (symbol String, predicted_price Float64, predicted_ts_ms Int64, produced_at_ms Int64,
             model_name String, model_version String, inserted_at DateTime)
            ENGINE = ReplacingMergeTree(inserted_at)
            ORDER BY (symbol, model_name, predicted_ts_ms)`, cfg.PredictionsTableFQN()),
	}); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}

	return client, nil
}

// ProvideKafkaProducer creates a Kafka producer.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, error) {
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	return producer, nil
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics() repository.Metrics {
	return metrics.New()
}

// ProvideTradeSource selects the trade source by configuration.
func ProvideTradeSource(cfg *config.Config, m repository.Metrics, l *applogger.Logger) repository.TradeSource {
	if cfg.Source.Type == "kafka" {
		return internalrepo.NewKafkaTradeSource(
			cfg.Kafka.Brokers,
			cfg.Kafka.TradesTopic,
			cfg.Kafka.Consumer.GroupID,
			m,
			l,
		)
	}
	return kraken.New(
		cfg.Kraken.WebSocketURL,
		cfg.Kraken.Symbols,
		cfg.Kraken.ReconnectDelay,
		cfg.Kraken.PingInterval,
		m,
		l,
	)
}

// ProvideCandleStore creates the ClickHouse candle store (read and write side).
func ProvideCandleStore(chClient *pkgch.Client, cfg *config.Config) *internalrepo.ClickHouseCandleStore {
	return internalrepo.NewClickHouseCandleStore(chClient.DB(), cfg.CandlesTableFQN())
}

// ProvideCandleSink fans emitted candles out to Kafka and ClickHouse behind a
// retrying pipeline.
func ProvideCandleSink(
	producer *pkgkafka.Producer,
	store *internalrepo.ClickHouseCandleStore,
	m repository.Metrics,
	cfg *config.Config,
) *mid.EmitPipeline {
	fanout := internalrepo.NewFanoutCandleSink(
		internalrepo.NewKafkaCandleSink(producer, cfg.Kafka.CandlesTopic),
		store,
	)
	return mid.NewEmitPipeline(fanout, m)
}

// ProvideAggregator creates the windowed aggregation engine.
func ProvideAggregator(
	cfg *config.Config,
	source repository.TradeSource,
	pipeline *mid.EmitPipeline,
	m repository.Metrics,
	l *applogger.Logger,
) (*usecase.Aggregator, error) {
	return usecase.NewAggregator(usecase.AggregatorConfig{
		WindowDuration:   cfg.Aggregator.WindowDuration,
		EmitIntermediate: cfg.Aggregator.EmitIntermediate,
		RetentionWindows: cfg.Aggregator.RetentionWindows,
		SourceTimeout:    cfg.Aggregator.SourceTimeout,
		IdleFlush:        cfg.Aggregator.IdleFlush,
	}, source, pipeline, m, l)
}

// ProvideFeatureTable creates the ClickHouse feature table adapter.
func ProvideFeatureTable(chClient *pkgch.Client, cfg *config.Config, l *applogger.Logger) *internalrepo.CHFeatureTable {
	t := internalrepo.NewCHFeatureTable(chClient, cfg.FeaturesTableFQN())
	t.SetLogger(l)
	return t
}

// ProvideKafkaConsumer creates the candle consumer for the enrichment stage.
// Returns nil when enrichment is disabled.
func ProvideKafkaConsumer(cfg *config.Config) (*pkgkafka.Consumer, error) {
	if !cfg.Enrichment.Enabled {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideFeaturesHandler registers the handler for the candles topic.
func ProvideFeaturesHandler(table *internalrepo.CHFeatureTable, m repository.Metrics, cfg *config.Config) *usecase.CandleFeaturesHandler {
	return usecase.NewCandleFeaturesHandler(cfg.Kafka.CandlesTopic, table, m, cfg.Enrichment.MaxInState)
}

// ProvideRedisCache creates the layered cache when Redis is enabled, memory
// cache otherwise.
func ProvideRedisCache(cfg *config.Config) (pkgcache.Service, error) {
	if !cfg.Redis.Enabled {
		return pkgcache.NewMemoryCache(), nil
	}
	host, port := splitHostPort(cfg.Redis.Addr)
	rc, err := pkgcache.NewRedisCache(
		pkgcache.WithRedisHost(host),
		pkgcache.WithRedisPort(port),
		pkgcache.WithRedisPassword(cfg.Redis.Password),
		pkgcache.WithRedisDB(cfg.Redis.DB),
	)
	if err != nil {
		return nil, fmt.Errorf("redis cache: %w", err)
	}
	return pkgcache.NewLayeredCache(rc), nil
}

// ProvidePredictionQueue creates the Redis-backed retry queue for prediction
// writes. Returns nil when Redis is disabled; writes then fail fast to the
// predictor's own retry loop.
func ProvidePredictionQueue(cfg *config.Config, l *applogger.Logger, store *pkgch.Client) (*pkgqueue.RedisQueue, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	sink := internalrepo.NewCHPredictionStore(store, cfg.PredictionsTableFQN())
	q := pkgqueue.NewRedisConsumer(l,
		&pkgqueue.QueueConfig{Workers: 2, QueueSize: 1000, RetryLimit: 5, RetryDelay: 2 * time.Second},
		client,
		[]pkgqueue.Job{internalrepo.NewPredictionWriteJob(sink)},
	)
	return q, nil
}

// ProvidePredictionStore creates the ClickHouse prediction store.
func ProvidePredictionStore(chClient *pkgch.Client, cfg *config.Config) *internalrepo.CHPredictionStore {
	return internalrepo.NewCHPredictionStore(chClient, cfg.PredictionsTableFQN())
}

// ProvidePredictor builds the polling inference loop. Returns nil when the
// predictor is disabled.
func ProvidePredictor(
	cfg *config.Config,
	table *internalrepo.CHFeatureTable,
	store *internalrepo.CHPredictionStore,
	q *pkgqueue.RedisQueue,
	m repository.Metrics,
	l *applogger.Logger,
) (*usecase.Predictor, error) {
	if !cfg.Predictor.Enabled {
		return nil, nil
	}

	var opts []model.RegistryOption
	if cfg.Model.URL != "" {
		opts = append(opts, model.WithURL(cfg.Model.URL, cfg.Model.Timeout))
	}
	if cfg.Model.Dir != "" {
		opts = append(opts, model.WithDir(cfg.Model.Dir))
	}
	registry := model.NewRegistry(opts...)

	name := cfg.Model.Name
	if name == "" {
		name = model.NameFor(
			cfg.Predictor.Symbol,
			int64(cfg.Aggregator.WindowDuration.Seconds()),
			int64(cfg.Predictor.PredictionHorizon.Seconds()),
		)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	mdl, err := registry.Load(ctx, name, cfg.Model.Version)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", name, err)
	}

	var sink repository.PredictionSink = store
	if q != nil {
		sink = internalrepo.NewQueuedPredictionSink(store, q)
	}

	return usecase.NewPredictor(usecase.PredictorConfig{
		Symbol:            cfg.Predictor.Symbol,
		WindowDuration:    cfg.Aggregator.WindowDuration,
		PredictionHorizon: cfg.Predictor.PredictionHorizon,
		PollInterval:      cfg.Predictor.PollInterval,
		Lookback:          cfg.Predictor.Lookback,
		WriteRetries:      cfg.Predictor.WriteRetries,
		WriteBackoff:      cfg.Predictor.WriteBackoff,
	}, table, sink, mdl, m, l)
}

// ProvideHTTPHandler builds the read API handler.
func ProvideHTTPHandler(
	cfg *config.Config,
	store *internalrepo.ClickHouseCandleStore,
	predStore *internalrepo.CHPredictionStore,
	c pkgcache.Service,
	l *applogger.Logger,
) xhttp.Handler {
	candles := usecase.NewCandlesUseCase(store)
	candles.SetCache(c, cfg.Redis.CacheTTL)
	candles.SetLogger(l)
	predictions := usecase.NewPredictionsUseCase(predStore)
	predictions.SetCache(c, cfg.Redis.CacheTTL)
	predictions.SetLogger(l)
	return api.NewCandlesEchoHandler(l, candles, predictions)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	aggregator *usecase.Aggregator,
	pipeline *mid.EmitPipeline,
	consumer *pkgkafka.Consumer,
	fh *usecase.CandleFeaturesHandler,
	predictor *usecase.Predictor,
	q *pkgqueue.RedisQueue,
	chClient *pkgch.Client,
	httpHandler xhttp.Handler,
) *server.App {
	if consumer != nil {
		consumer.WithConsumerHook(pkgkafka.NewLagHook(cfg.Aggregator.WindowDuration))
	}
	app := server.New(cfg, l, aggregator, pipeline, chClient)
	app.SetEnrichment(consumer, fh)
	app.SetPredictor(predictor)
	app.SetQueue(q)
	app.SetHTTPHandler(httpHandler)
	return app
}

func splitHostPort(addr string) (string, int) {
	host := "localhost"
	port := 6379
	if addr == "" {
		return host, port
	}
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			host = addr[:i]
			p := 0
			for _, ch := range addr[i+1:] {
				if ch < '0' || ch > '9' {
					return host, port
				}
				p = p*10 + int(ch-'0')
			}
			if p > 0 {
				port = p
			}
			return host, port
		}
	}
	return addr, port
}
