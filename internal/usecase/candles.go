package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	"CandleMill/pkg/cache"
	applogger "CandleMill/pkg/logger"
)

// CandlesUseCase provides business logic for retrieving candles.
type CandlesUseCase struct {
	store    domrepo.CandleStore
	cache    cache.Service
	cacheTTL time.Duration
	l        *applogger.Logger
}

func NewCandlesUseCase(store domrepo.CandleStore) *CandlesUseCase {
	return &CandlesUseCase{store: store, cacheTTL: 5 * time.Second}
}

// SetCache enables response caching with the given TTL.
func (uc *CandlesUseCase) SetCache(c cache.Service, ttl time.Duration) {
	uc.cache = c
	if ttl > 0 {
		uc.cacheTTL = ttl
	}
}

func (uc *CandlesUseCase) SetLogger(l *applogger.Logger) { uc.l = l }

type GetCandlesParams struct {
	Symbol    string
	From      time.Time
	To        time.Time
	Timeframe domrepo.Timeframe
	Limit     int
}

type GetCandlesResult struct {
	Symbol    string                `json:"symbol"`
	Timeframe string                `json:"timeframe"`
	From      time.Time             `json:"from"`
	To        time.Time             `json:"to"`
	Count     int                   `json:"count"`
	Candles   []models.CandleRecord `json:"candles"`
}

func (uc *CandlesUseCase) GetCandles(ctx context.Context, p GetCandlesParams) (*GetCandlesResult, error) {
	if p.Symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	if p.From.After(p.To) {
		return nil, fmt.Errorf("from must be <= to")
	}
	if p.Limit <= 0 {
		p.Limit = 10000
	}
	if p.Limit > 50000 {
		p.Limit = 50000
	}

	candles, err := uc.store.GetCandles(ctx, p.Symbol, p.From, p.To, p.Timeframe)
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	if len(candles) > p.Limit {
		candles = candles[:p.Limit]
	}

	return &GetCandlesResult{
		Symbol:    p.Symbol,
		Timeframe: string(p.Timeframe),
		From:      p.From,
		To:        p.To,
		Count:     len(candles),
		Candles:   candles,
	}, nil
}

type GetLatestCandlesResult struct {
	Symbol    string                `json:"symbol"`
	Timeframe string                `json:"timeframe"`
	Count     int                   `json:"count"`
	Candles   []models.CandleRecord `json:"candles"`
}

// GetLatestCandles returns the most recent n candles, ascending. Results are
// cached briefly because the latest window keeps changing anyway.
func (uc *CandlesUseCase) GetLatestCandles(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) (*GetLatestCandlesResult, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	if n <= 0 {
		n = 1000
	}
	if n > 50000 {
		n = 50000
	}

	key := cache.GenerateKeyWithParams("candles:latest", symbol, string(tf), n)
	if uc.cache != nil {
		var cached string
		if err := uc.cache.Get(ctx, key, &cached); err == nil {
			var res GetLatestCandlesResult
			if json.Unmarshal([]byte(cached), &res) == nil {
				return &res, nil
			}
		} else if err != cache.ErrCacheMiss && uc.l != nil {
			uc.l.Warn("candles cache_get_error", applogger.Error(err))
		}
	}

	candles, err := uc.store.GetLatestNCandles(ctx, symbol, n, tf)
	if err != nil {
		return nil, fmt.Errorf("get latest candles: %w", err)
	}

	res := &GetLatestCandlesResult{
		Symbol:    symbol,
		Timeframe: string(tf),
		Count:     len(candles),
		Candles:   candles,
	}
	if uc.cache != nil {
		if b, merr := json.Marshal(res); merr == nil {
			if err := uc.cache.Set(ctx, key, string(b), uc.cacheTTL); err != nil && uc.l != nil {
				uc.l.Warn("candles cache_set_error", applogger.Error(err))
			}
		}
	}
	return res, nil
}

// PredictionsUseCase provides read access to stored model predictions.
type PredictionsUseCase struct {
	store    domrepo.PredictionStore
	cache    cache.Service
	cacheTTL time.Duration
	l        *applogger.Logger
}

func NewPredictionsUseCase(store domrepo.PredictionStore) *PredictionsUseCase {
	return &PredictionsUseCase{store: store, cacheTTL: 5 * time.Second}
}

func (uc *PredictionsUseCase) SetCache(c cache.Service, ttl time.Duration) {
	uc.cache = c
	if ttl > 0 {
		uc.cacheTTL = ttl
	}
}

func (uc *PredictionsUseCase) SetLogger(l *applogger.Logger) { uc.l = l }

type GetPredictionsResult struct {
	Symbol      string                    `json:"symbol"`
	Count       int                       `json:"count"`
	Predictions []models.PredictionRecord `json:"predictions"`
}

func (uc *PredictionsUseCase) GetLatestPredictions(ctx context.Context, symbol string, n int) (*GetPredictionsResult, error) {
	if symbol == "" {
		return nil, fmt.Errorf("symbol required")
	}
	if n <= 0 {
		n = 100
	}
	if n > 10000 {
		n = 10000
	}

	key := cache.GenerateKeyWithParams("predictions:latest", symbol, n)
	if uc.cache != nil {
		var cached string
		if err := uc.cache.Get(ctx, key, &cached); err == nil {
			var res GetPredictionsResult
			if json.Unmarshal([]byte(cached), &res) == nil {
				return &res, nil
			}
		} else if err != cache.ErrCacheMiss && uc.l != nil {
			uc.l.Warn("predictions cache_get_error", applogger.Error(err))
		}
	}

	preds, err := uc.store.GetLatestNPredictions(ctx, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("get predictions: %w", err)
	}

	res := &GetPredictionsResult{Symbol: symbol, Count: len(preds), Predictions: preds}
	if uc.cache != nil {
		if b, merr := json.Marshal(res); merr == nil {
			if err := uc.cache.Set(ctx, key, string(b), uc.cacheTTL); err != nil && uc.l != nil {
				uc.l.Warn("predictions cache_set_error", applogger.Error(err))
			}
		}
	}
	return res, nil
}
