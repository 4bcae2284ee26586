package models

import "math"

// Trade is a single executed trade as delivered by a trade source.
// Sources guarantee per-symbol non-decreasing EventTimeMS; ties and
// near-duplicates are possible and must be tolerated downstream.
type Trade struct {
	Symbol      string  `json:"symbol"`
	Price       float64 `json:"price"`
	Quantity    float64 `json:"quantity"`
	EventTimeMS int64   `json:"event_time_ms"`
}

// Validate rejects trades that must never reach a candle.
func (t *Trade) Validate() error {
	if t == nil {
		return ErrNilTrade
	}
	if t.Symbol == "" {
		return ErrEmptySymbol
	}
	if t.EventTimeMS <= 0 {
		return ErrBadEventTime
	}
	if !isFinite(t.Price) || t.Price <= 0 {
		return ErrBadPrice
	}
	if !isFinite(t.Quantity) || t.Quantity <= 0 {
		return ErrBadQuantity
	}
	return nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Candle is the mutable OHLCV aggregate for one (symbol, window) key.
// Open is fixed at creation; High/Low/Close/Volume move with every applied
// trade. Volume is monotonically non-decreasing.
type Candle struct {
	Symbol        string
	WindowStartMS int64
	WindowEndMS   int64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        float64
	Trades        int64
}

// NewCandle seeds a candle from the first trade of its window.
func NewCandle(t *Trade, windowStartMS, windowEndMS int64) *Candle {
	return &Candle{
		Symbol:        t.Symbol,
		WindowStartMS: windowStartMS,
		WindowEndMS:   windowEndMS,
		Open:          t.Price,
		High:          t.Price,
		Low:           t.Price,
		Close:         t.Price,
		Volume:        t.Quantity,
		Trades:        1,
	}
}

// Apply folds one more trade into the candle. O(1), open immutable.
func (c *Candle) Apply(t *Trade) {
	if t.Price > c.High {
		c.High = t.Price
	}
	if t.Price < c.Low {
		c.Low = t.Price
	}
	c.Close = t.Price
	c.Volume += t.Quantity
	c.Trades++
}

// Record snapshots the candle into an immutable emitted record.
func (c *Candle) Record(windowDurationMS int64) CandleRecord {
	return CandleRecord{
		Pair:             c.Symbol,
		Open:             c.Open,
		High:             c.High,
		Low:              c.Low,
		Close:            c.Close,
		Volume:           c.Volume,
		WindowStartMS:    c.WindowStartMS,
		WindowEndMS:      c.WindowEndMS,
		WindowDurationMS: windowDurationMS,
	}
}

// CandleRecord is the emitted, wire-level candle. Consumers treat records as
// upserts keyed by (pair, window_start_ms, window_duration_ms); re-emitting
// the same window replaces the prior record.
type CandleRecord struct {
	Pair             string  `json:"pair"`
	Open             float64 `json:"open"`
	High             float64 `json:"high"`
	Low              float64 `json:"low"`
	Close            float64 `json:"close"`
	Volume           float64 `json:"volume"`
	WindowStartMS    int64   `json:"window_start_ms"`
	WindowEndMS      int64   `json:"window_end_ms"`
	WindowDurationMS int64   `json:"window_duration_ms"`
}

// FeatureRow is one enriched row of the feature table. Features are opaque to
// the prediction loop beyond name lookup.
type FeatureRow struct {
	Symbol           string
	WindowStartMS    int64
	WindowDurationMS int64
	Features         map[string]float64
}

// Select projects the named features in order. The second return lists the
// names missing from the row; a non-empty list rejects the row.
func (r *FeatureRow) Select(names []string) ([]float64, []string) {
	out := make([]float64, 0, len(names))
	var missing []string
	for _, n := range names {
		v, ok := r.Features[n]
		if !ok {
			missing = append(missing, n)
			continue
		}
		out = append(out, v)
	}
	if missing != nil {
		return nil, missing
	}
	return out, nil
}

// PredictionRecord is one model output row written to the prediction sink.
// Sinks upsert on (symbol, predicted_ts_ms, model_name), so duplicate writes
// for the same key are harmless.
type PredictionRecord struct {
	Symbol         string  `json:"symbol"`
	PredictedPrice float64 `json:"predicted_price"`
	PredictedTSMS  int64   `json:"predicted_ts_ms"`
	ProducedAtMS   int64   `json:"produced_at_ms"`
	ModelName      string  `json:"model_name"`
	ModelVersion   string  `json:"model_version"`
}
