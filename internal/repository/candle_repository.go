package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	pkgkafka "CandleMill/pkg/kafka"
)

// ClickHouseCandleStore persists emitted candles. The table is a
// ReplacingMergeTree ordered by (symbol, window_start_ms,
// window_duration_ms), so re-emitting a window is an upsert: the last
// inserted version wins at merge time and FINAL reads collapse duplicates.
type ClickHouseCandleStore struct {
	db    *sql.DB
	table string
}

func NewClickHouseCandleStore(db *sql.DB, table string) *ClickHouseCandleStore {
	return &ClickHouseCandleStore{db: db, table: table}
}

func (s *ClickHouseCandleStore) Write(ctx context.Context, rec models.CandleRecord) error {
	q := fmt.Sprintf(`INSERT INTO %s
        (symbol, window_start_ms, window_end_ms, window_duration_ms, open, high, low, close, volume, inserted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)
	_, err := s.db.ExecContext(ctx, q,
		rec.Pair,
		rec.WindowStartMS,
		rec.WindowEndMS,
		rec.WindowDurationMS,
		rec.Open,
		rec.High,
		rec.Low,
		rec.Close,
		rec.Volume,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("insert candle: %w", err)
	}
	return nil
}

func (s *ClickHouseCandleStore) GetCandles(ctx context.Context, symbol string, from, to time.Time, tf domrepo.Timeframe) ([]models.CandleRecord, error) {
	q := fmt.Sprintf(`SELECT symbol, window_start_ms, window_end_ms, window_duration_ms, open, high, low, close, volume
        FROM %s FINAL
        WHERE symbol = ? AND window_duration_ms = ? AND window_start_ms >= ? AND window_start_ms <= ?
        ORDER BY window_start_ms ASC`, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, tf.DurationMS(), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("get candles: %w", err)
	}
	defer rows.Close()
	return scanCandles(rows)
}

func (s *ClickHouseCandleStore) GetLatestNCandles(ctx context.Context, symbol string, n int, tf domrepo.Timeframe) ([]models.CandleRecord, error) {
	q := fmt.Sprintf(`SELECT symbol, window_start_ms, window_end_ms, window_duration_ms, open, high, low, close, volume
        FROM %s FINAL
        WHERE symbol = ? AND window_duration_ms = ?
        ORDER BY window_start_ms DESC
        LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, tf.DurationMS(), n)
	if err != nil {
		return nil, fmt.Errorf("latest candles: %w", err)
	}
	defer rows.Close()

	out, err := scanCandles(rows)
	if err != nil {
		return nil, err
	}
	// query returns newest first; callers expect ascending
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *ClickHouseCandleStore) Close() error {
	return nil // pool managed by pkg/clickhouse
}

func scanCandles(rows *sql.Rows) ([]models.CandleRecord, error) {
	out := make([]models.CandleRecord, 0, 256)
	for rows.Next() {
		var c models.CandleRecord
		if err := rows.Scan(&c.Pair, &c.WindowStartMS, &c.WindowEndMS, &c.WindowDurationMS,
			&c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("scan candle: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

var (
	_ domrepo.CandleSink  = (*ClickHouseCandleStore)(nil)
	_ domrepo.CandleStore = (*ClickHouseCandleStore)(nil)
)

// KafkaCandleSink publishes candle records to the candles topic, keyed by
// (pair, window_start_ms, window_duration_ms) so every snapshot of one
// window lands on the same partition in order.
type KafkaCandleSink struct {
	producer *pkgkafka.Producer
	topic    string
}

func NewKafkaCandleSink(producer *pkgkafka.Producer, topic string) *KafkaCandleSink {
	return &KafkaCandleSink{producer: producer, topic: topic}
}

func (s *KafkaCandleSink) Write(ctx context.Context, rec models.CandleRecord) error {
	key := fmt.Sprintf("%s|%d|%d", rec.Pair, rec.WindowStartMS, rec.WindowDurationMS)
	return s.producer.Publish(ctx, s.topic, []byte(key), rec)
}

func (s *KafkaCandleSink) Close() error {
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

var _ domrepo.CandleSink = (*KafkaCandleSink)(nil)

// FanoutCandleSink writes each record to every configured sink. The first
// error surfaces after all sinks were attempted.
type FanoutCandleSink struct {
	sinks []domrepo.CandleSink
}

func NewFanoutCandleSink(sinks ...domrepo.CandleSink) *FanoutCandleSink {
	return &FanoutCandleSink{sinks: sinks}
}

func (s *FanoutCandleSink) Write(ctx context.Context, rec models.CandleRecord) error {
	var first error
	for _, sink := range s.sinks {
		if err := sink.Write(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (s *FanoutCandleSink) Close() error {
	var first error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var _ domrepo.CandleSink = (*FanoutCandleSink)(nil)
