package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
)

// EmitPipeline sits between the aggregator and the candle sink. A failed
// write is retried in place with bounded exponential backoff; if the sink
// stays down the record is parked in a bounded buffer that a background
// flusher drains once the sink recovers. Records are upserts by window key,
// so a flush that lands after a newer snapshot is harmless.
type EmitPipeline struct {
	sink    domrepo.CandleSink
	metrics domrepo.Metrics

	retryMax   int
	backoffMin time.Duration
	backoffMax time.Duration

	bufCh   chan models.CandleRecord
	stopCh  chan struct{}
	started bool
	mu      sync.Mutex
}

type PipelineOption func(*EmitPipeline)

// WithRetry sets the in-place retry budget and backoff range per write.
func WithRetry(max int, min, maxBackoff time.Duration) PipelineOption {
	return func(p *EmitPipeline) {
		if max > 0 {
			p.retryMax = max
		}
		if min > 0 {
			p.backoffMin = min
		}
		if maxBackoff > 0 {
			p.backoffMax = maxBackoff
		}
	}
}

// WithBufferSize sets the park buffer capacity for sink outages.
func WithBufferSize(n int) PipelineOption {
	return func(p *EmitPipeline) {
		if n > 0 {
			p.bufCh = make(chan models.CandleRecord, n)
		}
	}
}

// NewEmitPipeline wraps sink with retry and outage buffering.
func NewEmitPipeline(sink domrepo.CandleSink, metrics domrepo.Metrics, opts ...PipelineOption) *EmitPipeline {
	p := &EmitPipeline{
		sink:       sink,
		metrics:    metrics,
		retryMax:   3,
		backoffMin: 50 * time.Millisecond,
		backoffMax: 2 * time.Second,
		bufCh:      make(chan models.CandleRecord, 1000),
		stopCh:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches background flushing of parked records.
func (p *EmitPipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		backoff := p.backoffMin
		for {
			select {
			case <-p.stopCh:
				return
			case rec := <-p.bufCh:
				if err := p.sink.Write(ctx, rec); err != nil {
					if backoff < p.backoffMax {
						backoff *= 2
					}
					p.metrics.RecordError("pipeline_flush")
					time.Sleep(backoff)
					// requeue if space; drop otherwise
					select {
					case p.bufCh <- rec:
					default:
						p.metrics.RecordError("pipeline_buffer_drop")
					}
				} else {
					backoff = p.backoffMin
				}
			}
		}
	}()
}

// Stop halts the background flusher.
func (p *EmitPipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()
	close(p.stopCh)
}

// Write attempts the downstream write with bounded backoff. On exhaustion
// the record is parked for the flusher and the error surfaces to the caller;
// nothing is silently dropped while buffer space remains.
func (p *EmitPipeline) Write(ctx context.Context, rec models.CandleRecord) error {
	start := time.Now()
	backoff := p.backoffMin
	var err error
	for attempt := 1; attempt <= p.retryMax; attempt++ {
		if err = p.sink.Write(ctx, rec); err == nil {
			p.metrics.RecordLatency("pipeline_write", time.Since(start).Seconds())
			return nil
		}
		if attempt == p.retryMax {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff < p.backoffMax {
			backoff *= 2
		}
	}

	p.metrics.RecordError("pipeline_write")
	select {
	case p.bufCh <- rec:
		p.metrics.RecordLatency("pipeline_buffer_depth", float64(len(p.bufCh)))
	default:
		p.metrics.RecordError("pipeline_buffer_full")
	}
	return fmt.Errorf("pipeline downstream: %w", err)
}

// Close stops the flusher and closes the wrapped sink.
func (p *EmitPipeline) Close() error {
	p.Stop()
	return p.sink.Close()
}

var _ domrepo.CandleSink = (*EmitPipeline)(nil)
