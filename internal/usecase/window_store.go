package usecase

import (
	"hash/fnv"
	"sync"

	"CandleMill/internal/domain/models"
	domrepo "CandleMill/internal/domain/repository"
)

const storeShards = 32

// WindowStore holds the live candles for every (symbol, window_start_ms) key.
// Symbols are spread over a fixed set of shards so that concurrent apply
// calls for unrelated symbols never contend on one lock; all work for a
// single key happens under its shard lock, which makes the
// get-or-create+apply sequence atomic per key.
type WindowStore struct {
	windowDurationMS int64
	retention        int64 // strictly-newer windows kept before retirement
	shards           [storeShards]storeShard
}

type storeShard struct {
	mu      sync.Mutex
	symbols map[string]*symbolWindows
}

type symbolWindows struct {
	byStart map[int64]*windowEntry
	latest  int64 // newest window start observed for the symbol
}

type windowEntry struct {
	candle *models.Candle
	closed bool
}

// ApplyResult reports what a single trade did to the store.
type ApplyResult struct {
	// Snapshot is the candle state after the trade was applied. Only valid
	// when Dropped is false.
	Snapshot models.Candle
	// Created is true when the trade opened a new window.
	Created bool
	// Late is true when the trade landed in a window that was already
	// closed but still retained; the snapshot upserts the closed candle.
	Late bool
	// Dropped is true when the trade's window was already evicted.
	Dropped bool
	// Closed holds the final snapshots of windows closed by this trade
	// arriving for a strictly newer window.
	Closed []models.Candle
}

// NewWindowStore creates a store for one window duration. retention bounds
// how many strictly-newer windows may exist for a symbol before older state
// is retired; values below 1 are clamped to 1 so the currently open window
// can never be evicted.
func NewWindowStore(windowDurationMS int64, retention int) *WindowStore {
	if retention < 1 {
		retention = 1
	}
	s := &WindowStore{
		windowDurationMS: windowDurationMS,
		retention:        int64(retention),
	}
	for i := range s.shards {
		s.shards[i].symbols = make(map[string]*symbolWindows)
	}
	return s
}

// Apply folds a validated trade into its window, creating the window on
// first sight. The whole read-modify-write runs under the symbol's shard
// lock.
func (s *WindowStore) Apply(t *models.Trade) ApplyResult {
	start := domrepo.WindowStartMS(t.EventTimeMS, s.windowDurationMS)

	sh := s.shard(t.Symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw, ok := sh.symbols[t.Symbol]
	if !ok {
		sw = &symbolWindows{byStart: make(map[int64]*windowEntry)}
		sh.symbols[t.Symbol] = sw
	}

	var res ApplyResult

	if e, ok := sw.byStart[start]; ok {
		e.candle.Apply(t)
		res.Snapshot = *e.candle
		res.Late = e.closed
		return res
	}

	// Unseen window key. Keys behind the retention horizon were already
	// retired; their late trades are dropped.
	if sw.latest != 0 && start < sw.latest-s.retention*s.windowDurationMS {
		res.Dropped = true
		return res
	}

	c := models.NewCandle(t, start, start+s.windowDurationMS)
	e := &windowEntry{candle: c}
	if sw.latest != 0 && start < sw.latest {
		// First trade of an in-horizon window that already has newer
		// neighbours: it is born closed and upserts downstream state.
		e.closed = true
		res.Late = true
	}
	sw.byStart[start] = e
	res.Created = true
	res.Snapshot = *c

	if start > sw.latest {
		// Data-driven close: the first trade of a strictly newer window
		// closes every still-open older window for the symbol.
		for ws, e := range sw.byStart {
			if ws < start && !e.closed {
				e.closed = true
				res.Closed = append(res.Closed, *e.candle)
			}
		}
		sw.latest = start
		s.evictLocked(sw)
	}
	return res
}

// FlushIdle closes every still-open window whose end is at or before
// cutoffMS and returns their final snapshots. It covers symbols that stop
// trading: without it a quiet symbol's last window would never see the
// successor trade that normally triggers its close.
func (s *WindowStore) FlushIdle(cutoffMS int64) []models.Candle {
	var out []models.Candle
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, sw := range sh.symbols {
			for _, e := range sw.byStart {
				if !e.closed && e.candle.WindowEndMS <= cutoffMS {
					e.closed = true
					out = append(out, *e.candle)
				}
			}
		}
		sh.mu.Unlock()
	}
	return out
}

// EvictOlderThan drops retained state for the symbol strictly older than
// thresholdStartMS, except the currently open window. Returns the number of
// windows removed.
func (s *WindowStore) EvictOlderThan(symbol string, thresholdStartMS int64) int {
	sh := s.shard(symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sw, ok := sh.symbols[symbol]
	if !ok {
		return 0
	}
	n := 0
	for ws := range sw.byStart {
		if ws < thresholdStartMS && ws != sw.latest {
			delete(sw.byStart, ws)
			n++
		}
	}
	return n
}

// Len reports how many live windows are retained across all symbols.
func (s *WindowStore) Len() int {
	n := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, sw := range sh.symbols {
			n += len(sw.byStart)
		}
		sh.mu.Unlock()
	}
	return n
}

func (s *WindowStore) evictLocked(sw *symbolWindows) {
	horizon := sw.latest - s.retention*s.windowDurationMS
	for ws := range sw.byStart {
		if ws < horizon && ws != sw.latest {
			delete(sw.byStart, ws)
		}
	}
}

func (s *WindowStore) shard(symbol string) *storeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return &s.shards[h.Sum32()%storeShards]
}
