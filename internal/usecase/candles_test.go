package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	"CandleMill/pkg/cache"
)

type fakeCandleStore struct {
	candles []models.CandleRecord
	calls   int
}

func (s *fakeCandleStore) GetCandles(ctx context.Context, symbol string, from, to time.Time, tf domrepo.Timeframe) ([]models.CandleRecord, error) {
	s.calls++
	return s.candles, nil
}

func (s *fakeCandleStore) GetLatestNCandles(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.CandleRecord, error) {
	s.calls++
	if n > len(s.candles) {
		n = len(s.candles)
	}
	return s.candles[len(s.candles)-n:], nil
}

func TestGetCandlesValidation(t *testing.T) {
	uc := NewCandlesUseCase(&fakeCandleStore{})

	_, err := uc.GetCandles(context.Background(), GetCandlesParams{})
	assert.Error(t, err, "symbol required")

	_, err = uc.GetCandles(context.Background(), GetCandlesParams{
		Symbol: "BTC/USD",
		From:   time.Unix(200, 0),
		To:     time.Unix(100, 0),
	})
	assert.Error(t, err, "from after to")
}

func TestGetCandlesClampsLimit(t *testing.T) {
	store := &fakeCandleStore{candles: []models.CandleRecord{
		{Pair: "BTC/USD", WindowStartMS: 60_000},
		{Pair: "BTC/USD", WindowStartMS: 120_000},
		{Pair: "BTC/USD", WindowStartMS: 180_000},
	}}
	uc := NewCandlesUseCase(store)

	res, err := uc.GetCandles(context.Background(), GetCandlesParams{
		Symbol:    "BTC/USD",
		From:      time.Unix(0, 0),
		To:        time.Unix(1_000, 0),
		Timeframe: domrepo.TF1m,
		Limit:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.Len(t, res.Candles, 2)
}

func TestGetLatestCandlesUsesCache(t *testing.T) {
	store := &fakeCandleStore{candles: []models.CandleRecord{
		{Pair: "BTC/USD", WindowStartMS: 60_000, Close: 100},
	}}
	uc := NewCandlesUseCase(store)
	uc.SetCache(cache.NewMemoryCache(), time.Minute)

	res1, err := uc.GetLatestCandles(context.Background(), "BTC/USD", 10, domrepo.TF1m)
	require.NoError(t, err)
	require.Equal(t, 1, res1.Count)

	res2, err := uc.GetLatestCandles(context.Background(), "BTC/USD", 10, domrepo.TF1m)
	require.NoError(t, err)
	assert.Equal(t, res1.Count, res2.Count)
	assert.Equal(t, 1, store.calls, "second call is served from cache")
}

type fakePredictionStore struct {
	preds []models.PredictionRecord
}

func (s *fakePredictionStore) GetLatestNPredictions(ctx context.Context, symbol string, n int) ([]models.PredictionRecord, error) {
	if n > len(s.preds) {
		n = len(s.preds)
	}
	return s.preds[:n], nil
}

func TestGetLatestPredictions(t *testing.T) {
	store := &fakePredictionStore{preds: []models.PredictionRecord{
		{Symbol: "BTC/USD", PredictedPrice: 101, PredictedTSMS: 120_000},
		{Symbol: "BTC/USD", PredictedPrice: 100, PredictedTSMS: 60_000},
	}}
	uc := NewPredictionsUseCase(store)

	_, err := uc.GetLatestPredictions(context.Background(), "", 10)
	assert.Error(t, err)

	res, err := uc.GetLatestPredictions(context.Background(), "BTC/USD", 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)
	assert.Equal(t, 101.0, res.Predictions[0].PredictedPrice)
}
