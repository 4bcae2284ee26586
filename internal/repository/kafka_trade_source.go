package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	applogger "CandleMill/pkg/logger"
)

// KafkaTradeSource reads trades from the trades topic. Per-symbol order is
// inherited from the topic's key partitioning: producers key by symbol, so
// one symbol never spans partitions.
type KafkaTradeSource struct {
	brokers  []string
	topic    string
	groupID  string
	maxBatch int
	reader   *kafka.Reader
	metrics  domrepo.Metrics
	logger   *applogger.Logger
}

type TradeSourceOption func(*KafkaTradeSource)

// WithMaxBatch caps how many trades one NextBatch call may return.
func WithMaxBatch(n int) TradeSourceOption {
	return func(s *KafkaTradeSource) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

func NewKafkaTradeSource(brokers []string, topic, groupID string, metrics domrepo.Metrics, logger *applogger.Logger, opts ...TradeSourceOption) *KafkaTradeSource {
	s := &KafkaTradeSource{
		brokers:  brokers,
		topic:    topic,
		groupID:  groupID,
		maxBatch: 500,
		metrics:  metrics,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *KafkaTradeSource) Open(ctx context.Context) error {
	if len(s.brokers) == 0 {
		return fmt.Errorf("brokers are required")
	}
	s.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:  s.brokers,
		Topic:    s.topic,
		GroupID:  s.groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	s.logger.Info("trade source opened",
		applogger.String("topic", s.topic),
		applogger.String("group", s.groupID),
	)
	return nil
}

// NextBatch drains up to maxBatch trades, blocking at most timeout for the
// first message. Timeout yields an empty batch and a nil error. Malformed
// payloads are counted and skipped here at the boundary.
func (s *KafkaTradeSource) NextBatch(ctx context.Context, timeout time.Duration) ([]*models.Trade, error) {
	if s.reader == nil {
		return nil, fmt.Errorf("trade source not opened")
	}
	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := make([]*models.Trade, 0, 64)
	for len(out) < s.maxBatch {
		msg, err := s.reader.ReadMessage(deadline)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("kafka read: %w", err)
		}
		var t models.Trade
		if err := json.Unmarshal(msg.Value, &t); err != nil {
			s.metrics.RecordError("trade_decode")
			s.logger.Warn("undecodable trade message",
				applogger.String("topic", s.topic),
				applogger.Error(err),
			)
			continue
		}
		out = append(out, &t)
	}
	return out, nil
}

func (s *KafkaTradeSource) Close() error {
	if s.reader != nil {
		return s.reader.Close()
	}
	return nil
}

var _ domrepo.TradeSource = (*KafkaTradeSource)(nil)
