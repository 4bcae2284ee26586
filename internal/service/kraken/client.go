package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
	applogger "CandleMill/pkg/logger"
)

// Client implements a TradeSource backed by the Kraken WebSocket v2 trade
// channel. A read goroutine parses frames into a buffered channel that
// NextBatch drains, so the source contract stays pull-based with a bounded
// receive timeout.
type Client struct {
	url            string
	symbols        []string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	metrics        domrepo.Metrics
	logger         *applogger.Logger

	conn    *websocket.Conn
	trades  chan *models.Trade
	cancel  context.CancelFunc
	mu      sync.Mutex
	started bool
}

// New creates a Kraken trade source for the given pairs (e.g. "BTC/USD").
func New(url string, symbols []string, reconnectDelay, pingInterval time.Duration, metrics domrepo.Metrics, logger *applogger.Logger) *Client {
	if url == "" {
		url = "wss://ws.kraken.com/v2"
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	return &Client{
		url:            url,
		symbols:        symbols,
		reconnectDelay: reconnectDelay,
		pingInterval:   pingInterval,
		metrics:        metrics,
		logger:         logger,
		trades:         make(chan *models.Trade, 4096),
	}
}

type subscribeMsg struct {
	Method string          `json:"method"`
	Params subscribeParams `json:"params"`
}

type subscribeParams struct {
	Channel  string   `json:"channel"`
	Symbol   []string `json:"symbol"`
	Snapshot bool     `json:"snapshot"`
}

type tradeFrame struct {
	Channel string       `json:"channel"`
	Type    string       `json:"type"`
	Data    []krakenTrade `json:"data"`
}

type krakenTrade struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Timestamp string  `json:"timestamp"`
}

// Open connects, subscribes, and starts the background read loop. The loop
// reconnects with a fixed delay on read errors until ctx is cancelled.
func (c *Client) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.started = true
	go c.readLoop(loopCtx)
	go c.pingLoop(loopCtx)
	return nil
}

func (c *Client) connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("kraken connect: %w", err)
	}
	sub := subscribeMsg{
		Method: "subscribe",
		Params: subscribeParams{Channel: "trade", Symbol: c.symbols, Snapshot: false},
	}
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return fmt.Errorf("kraken subscribe: %w", err)
	}
	c.conn = conn
	c.logger.Info("kraken connected", applogger.Strings("symbols", c.symbols))
	return nil
}

// NextBatch returns buffered trades, waiting up to timeout for the first
// one. A timeout is not an error: it yields an empty batch.
func (c *Client) NextBatch(ctx context.Context, timeout time.Duration) ([]*models.Trade, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var out []*models.Trade
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case t := <-c.trades:
		out = append(out, t)
	}
	// drain whatever else is already buffered without blocking
	for {
		select {
		case t := <-c.trades:
			out = append(out, t)
		default:
			return out, nil
		}
	}
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.metrics.RecordError("kraken_read")
			c.logger.Warn("kraken read error, reconnecting", applogger.Error(err))
			c.reconnect(ctx)
			continue
		}
		var frame tradeFrame
		if err := json.Unmarshal(b, &frame); err != nil {
			continue // heartbeat, status and ack frames
		}
		if frame.Channel != "trade" {
			continue
		}
		for _, d := range frame.Data {
			ts, err := time.Parse(time.RFC3339Nano, d.Timestamp)
			if err != nil {
				c.metrics.RecordError("kraken_timestamp")
				continue
			}
			t := &models.Trade{
				Symbol:      d.Symbol,
				Price:       d.Price,
				Quantity:    d.Qty,
				EventTimeMS: ts.UnixMilli(),
			}
			select {
			case c.trades <- t:
			default:
				// consumer behind; drop the oldest to keep latency bounded
				select {
				case <-c.trades:
				default:
				}
				c.trades <- t
				c.metrics.RecordError("kraken_buffer_drop")
			}
		}
	}
}

func (c *Client) reconnect(ctx context.Context) {
	_ = c.conn.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
		if err := c.connect(ctx); err != nil {
			c.logger.Warn("kraken reconnect failed", applogger.Error(err))
			continue
		}
		return
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.conn != nil {
				_ = c.conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	c.started = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

var _ domrepo.TradeSource = (*Client)(nil)
