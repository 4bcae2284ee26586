package usecase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CandleMill/internal/domain/models"
)

const testDurMS = int64(60_000)

func trade(symbol string, price, qty float64, eventMS int64) *models.Trade {
	return &models.Trade{Symbol: symbol, Price: price, Quantity: qty, EventTimeMS: eventMS}
}

func TestWindowStoreFirstTradeOpensWindow(t *testing.T) {
	s := NewWindowStore(testDurMS, 10)

	res := s.Apply(trade("BTC/USD", 100, 2, 60_500))

	require.True(t, res.Created)
	assert.False(t, res.Late)
	assert.False(t, res.Dropped)
	assert.Empty(t, res.Closed)

	c := res.Snapshot
	assert.Equal(t, int64(60_000), c.WindowStartMS)
	assert.Equal(t, int64(120_000), c.WindowEndMS)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 100.0, c.High)
	assert.Equal(t, 100.0, c.Low)
	assert.Equal(t, 100.0, c.Close)
	assert.Equal(t, 2.0, c.Volume)
}

func TestWindowStoreAggregatesWithinWindow(t *testing.T) {
	s := NewWindowStore(testDurMS, 10)

	s.Apply(trade("BTC/USD", 100, 1, 60_100))
	s.Apply(trade("BTC/USD", 120, 2, 60_200))
	res := s.Apply(trade("BTC/USD", 90, 3, 60_300))

	c := res.Snapshot
	assert.Equal(t, 100.0, c.Open, "open must stay the first trade's price")
	assert.Equal(t, 120.0, c.High)
	assert.Equal(t, 90.0, c.Low)
	assert.Equal(t, 90.0, c.Close, "close follows the last trade")
	assert.Equal(t, 6.0, c.Volume)
	assert.Equal(t, int64(3), c.Trades)
	assert.Equal(t, 1, s.Len())
}

func TestWindowStoreNewerWindowClosesOlder(t *testing.T) {
	s := NewWindowStore(testDurMS, 10)

	s.Apply(trade("BTC/USD", 100, 1, 60_100))
	s.Apply(trade("BTC/USD", 110, 1, 60_900))
	res := s.Apply(trade("BTC/USD", 105, 1, 120_050))

	require.True(t, res.Created)
	require.Len(t, res.Closed, 1)
	closed := res.Closed[0]
	assert.Equal(t, int64(60_000), closed.WindowStartMS)
	assert.Equal(t, 100.0, closed.Open)
	assert.Equal(t, 110.0, closed.Close)
	assert.Equal(t, 2.0, closed.Volume)
}

func TestWindowStoreSymbolsAreIndependent(t *testing.T) {
	s := NewWindowStore(testDurMS, 10)

	s.Apply(trade("BTC/USD", 100, 1, 60_100))
	res := s.Apply(trade("ETH/USD", 20, 1, 120_100))

	// A newer ETH window must not close the open BTC window.
	assert.Empty(t, res.Closed)
	assert.Equal(t, 2, s.Len())
}

func TestWindowStoreLateTradeUpsertsRetainedWindow(t *testing.T) {
	s := NewWindowStore(testDurMS, 10)

	s.Apply(trade("BTC/USD", 100, 1, 60_100))
	s.Apply(trade("BTC/USD", 105, 1, 120_050)) // closes window 60_000

	res := s.Apply(trade("BTC/USD", 130, 2, 60_800))

	require.True(t, res.Late)
	assert.False(t, res.Dropped)
	c := res.Snapshot
	assert.Equal(t, int64(60_000), c.WindowStartMS)
	assert.Equal(t, 100.0, c.Open)
	assert.Equal(t, 130.0, c.High)
	assert.Equal(t, 130.0, c.Close)
	assert.Equal(t, 3.0, c.Volume)
}

func TestWindowStoreLateTradeIntoUnseenRetainedWindow(t *testing.T) {
	s := NewWindowStore(testDurMS, 10)

	s.Apply(trade("BTC/USD", 100, 1, 60_100))
	s.Apply(trade("BTC/USD", 105, 1, 240_100)) // latest now 240_000

	// Window 120_000 was never seen but still inside the horizon.
	res := s.Apply(trade("BTC/USD", 99, 1, 120_500))

	require.True(t, res.Created)
	assert.True(t, res.Late, "unseen older window is born closed")
	assert.Equal(t, int64(120_000), res.Snapshot.WindowStartMS)
	assert.Equal(t, 99.0, res.Snapshot.Open)
}

func TestWindowStoreDropsBeyondRetentionHorizon(t *testing.T) {
	s := NewWindowStore(testDurMS, 2)

	s.Apply(trade("BTC/USD", 100, 1, 60_100))
	s.Apply(trade("BTC/USD", 101, 1, 600_100)) // latest 600_000, horizon 480_000

	res := s.Apply(trade("BTC/USD", 99, 1, 60_200))

	assert.True(t, res.Dropped)
	assert.False(t, res.Created)
	assert.False(t, res.Late)
}

func TestWindowStoreEvictsOldWindows(t *testing.T) {
	s := NewWindowStore(testDurMS, 2)

	for i := int64(1); i <= 20; i++ {
		s.Apply(trade("BTC/USD", 100, 1, i*testDurMS+10))
	}

	// latest plus at most retention strictly-older windows survive
	assert.LessOrEqual(t, s.Len(), 3)
}

func TestWindowStoreFlushIdle(t *testing.T) {
	s := NewWindowStore(testDurMS, 10)

	s.Apply(trade("BTC/USD", 100, 1, 60_100))
	s.Apply(trade("ETH/USD", 20, 1, 60_200))

	closed := s.FlushIdle(120_000)
	assert.Len(t, closed, 2)

	// already closed windows are not flushed twice
	assert.Empty(t, s.FlushIdle(120_000))

	// a late trade into a flushed window is an upsert
	res := s.Apply(trade("BTC/USD", 101, 1, 60_300))
	assert.True(t, res.Late)
}

func TestWindowStoreEvictOlderThan(t *testing.T) {
	s := NewWindowStore(testDurMS, 10)

	s.Apply(trade("BTC/USD", 100, 1, 60_100))
	s.Apply(trade("BTC/USD", 101, 1, 120_100))
	s.Apply(trade("BTC/USD", 102, 1, 180_100))

	n := s.EvictOlderThan("BTC/USD", 180_000)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, s.Len())

	// the open window itself is never evicted
	assert.Zero(t, s.EvictOlderThan("BTC/USD", 240_000))
}
