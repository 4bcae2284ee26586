package kafka

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
)

// ConsumerHook defines lifecycle hooks around message handling.
// Hooks can mutate context, message, and payload.
// Returning a non-nil error from BeforeHandle will skip handler execution
// and trigger error processing (OnError, DLQ, and offset commit).
type ConsumerHook interface {
	BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error)
	AfterHandle(ctx context.Context, topic string, km kafka.Message, data []byte, err error)
	OnError(ctx context.Context, topic string, km kafka.Message, data []byte, err error)
}

// NoopHook is a default hook that does nothing and is fully panic-safe.
type NoopHook struct{}

func (NoopHook) BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
	return ctx, km, data, nil
}

func (NoopHook) AfterHandle(ctx context.Context, topic string, km kafka.Message, data []byte, err error) {}

func (NoopHook) OnError(ctx context.Context, topic string, km kafka.Message, data []byte, err error) {}

var (
	lagHookOnce sync.Once
	consumeLag  *prometheus.HistogramVec
)

// LagHook observes how far behind the consumer runs: the delta between the
// broker timestamp on each message and the moment handling starts. For candle
// records this is the staleness the enrichment stage adds before features are
// written, so it is worth watching separately from handling time.
type LagHook struct {
	slowThreshold time.Duration
}

// NewLagHook creates a lag-observing hook. Messages older than slowThreshold
// at handling start are logged; zero disables the log and keeps the metric.
func NewLagHook(slowThreshold time.Duration) *LagHook {
	lagHookOnce.Do(func() {
		consumeLag = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlemill_kafka_consume_lag_seconds",
				Help:    "Broker timestamp to handling start, per topic",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"topic"},
		)
	})
	return &LagHook{slowThreshold: slowThreshold}
}

func (h *LagHook) BeforeHandle(ctx context.Context, topic string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
	if !km.Time.IsZero() {
		lag := time.Since(km.Time)
		consumeLag.WithLabelValues(topic).Observe(lag.Seconds())
		if h.slowThreshold > 0 && lag > h.slowThreshold {
			log.Printf("[WARN] kafka: message on %s is %s behind (partition=%d offset=%d)",
				topic, lag.Truncate(time.Millisecond), km.Partition, km.Offset)
		}
	}
	return ctx, km, data, nil
}

func (h *LagHook) AfterHandle(ctx context.Context, topic string, km kafka.Message, data []byte, err error) {}

func (h *LagHook) OnError(ctx context.Context, topic string, km kafka.Message, data []byte, err error) {}

var (
	_ ConsumerHook = NoopHook{}
	_ ConsumerHook = (*LagHook)(nil)
)
