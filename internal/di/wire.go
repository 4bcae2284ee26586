//go:build wireinject
// +build wireinject

package di

import (
	"CandleMill/pkg/config"
	"CandleMill/pkg/server"

	"github.com/google/wire"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire generates the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		ProvideLogger,
		ProvideMetrics,

		// Infrastructure clients
		ProvideClickHouseClient,
		ProvideKafkaProducer,
		ProvideKafkaConsumer,
		ProvideRedisCache,
		ProvidePredictionQueue,

		// Repositories
		ProvideTradeSource,
		ProvideCandleStore,
		ProvideCandleSink,
		ProvideFeatureTable,
		ProvidePredictionStore,

		// Use cases
		ProvideAggregator,
		ProvideFeaturesHandler,
		ProvidePredictor,

		// HTTP
		ProvideHTTPHandler,

		// Application server
		ProvideApp,
	)
	return &server.App{}, nil
}
