package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	pkgch "CandleMill/pkg/clickhouse"
	"CandleMill/pkg/queue"
)

// CHPredictionStore writes predictions into a ReplacingMergeTree ordered by
// (symbol, predicted_ts_ms, model_name): duplicate writes for one key are
// collapsed at merge time, which is what makes retried writes harmless.
type CHPredictionStore struct {
	db    *sql.DB
	table string
}

func NewCHPredictionStore(ch *pkgch.Client, table string) *CHPredictionStore {
	return &CHPredictionStore{db: ch.DB(), table: table}
}

func (s *CHPredictionStore) Write(ctx context.Context, rec models.PredictionRecord) error {
	q := fmt.Sprintf(`INSERT INTO %s
        (symbol, predicted_price, predicted_ts_ms, produced_at_ms, model_name, model_version)
        VALUES (?, ?, ?, ?, ?, ?)`, s.table)
	if _, err := s.db.ExecContext(ctx, q,
		rec.Symbol, rec.PredictedPrice, rec.PredictedTSMS, rec.ProducedAtMS, rec.ModelName, rec.ModelVersion,
	); err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

func (s *CHPredictionStore) GetLatestNPredictions(ctx context.Context, symbol string, n int) ([]models.PredictionRecord, error) {
	q := fmt.Sprintf(`SELECT symbol, predicted_price, predicted_ts_ms, produced_at_ms, model_name, model_version
        FROM %s FINAL
        WHERE symbol = ?
        ORDER BY predicted_ts_ms DESC
        LIMIT ?`, s.table)
	rows, err := s.db.QueryContext(ctx, q, symbol, n)
	if err != nil {
		return nil, fmt.Errorf("latest predictions: %w", err)
	}
	defer rows.Close()

	out := make([]models.PredictionRecord, 0, n)
	for rows.Next() {
		var r models.PredictionRecord
		if err := rows.Scan(&r.Symbol, &r.PredictedPrice, &r.PredictedTSMS, &r.ProducedAtMS, &r.ModelName, &r.ModelVersion); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var (
	_ domrepo.PredictionSink  = (*CHPredictionStore)(nil)
	_ domrepo.PredictionStore = (*CHPredictionStore)(nil)
)

// QueuedPredictionSink decorates a prediction sink with a Redis-backed retry
// queue. When the inline write fails the record is enqueued instead of lost;
// the queue worker replays it with its own retry budget and dead-letter key.
// Duplicate deliveries are absorbed by the sink's upsert key.
type QueuedPredictionSink struct {
	inner domrepo.PredictionSink
	q     queue.QueueService
}

// PredictionWriteMsgType is the queue message type for deferred writes.
const PredictionWriteMsgType = "prediction.write"

func NewQueuedPredictionSink(inner domrepo.PredictionSink, q queue.QueueService) *QueuedPredictionSink {
	return &QueuedPredictionSink{inner: inner, q: q}
}

func (s *QueuedPredictionSink) Write(ctx context.Context, rec models.PredictionRecord) error {
	err := s.inner.Write(ctx, rec)
	if err == nil {
		return nil
	}
	if qerr := s.q.PublishMessage(ctx, PredictionWriteMsgType, rec); qerr != nil {
		return fmt.Errorf("write failed (%v) and enqueue failed: %w", err, qerr)
	}
	return nil
}

var _ domrepo.PredictionSink = (*QueuedPredictionSink)(nil)

// PredictionWriteJob replays deferred prediction writes from the queue.
type PredictionWriteJob struct {
	sink    domrepo.PredictionSink
	timeout time.Duration
}

func NewPredictionWriteJob(sink domrepo.PredictionSink) *PredictionWriteJob {
	return &PredictionWriteJob{sink: sink, timeout: 10 * time.Second}
}

func (j *PredictionWriteJob) Name() string { return "prediction_write" }
func (j *PredictionWriteJob) Type() string { return PredictionWriteMsgType }

func (j *PredictionWriteJob) Handle(ctx context.Context, payload interface{}) error {
	rec, err := queue.ParsePayload[models.PredictionRecord](payload)
	if err != nil {
		return fmt.Errorf("parse prediction payload: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	return j.sink.Write(ctx, *rec)
}

var _ queue.Job = (*PredictionWriteJob)(nil)
