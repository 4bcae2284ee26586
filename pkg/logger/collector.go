package logger

import (
	"context"
	"sync"
	"time"
)

// CollectionConfig configures error-log aggregation. Every error is still
// logged inline; the collector additionally tracks repeats so a hot loop
// (one bad trade per message, one failed write per poll) produces a periodic
// summary instead of only an unbounded stream of identical lines.
type CollectionConfig struct {
	TimeInterval   time.Duration // flush interval (e.g., 30s)
	CountThreshold int           // max distinct errors tracked before a forced flush
	Emit           func(entries []AggregatedLogEntry)
}

type AggregatedLogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields"`
	Caller    string                 `json:"caller"`
	Count     int                    `json:"count"`
	FirstSeen time.Time              `json:"first_seen"`
	LastSeen  time.Time              `json:"last_seen"`
}

// LogCollector aggregates repeated errors by (level, message, caller).
// Fields are kept from the first occurrence only; repeats differ in payload
// (symbol, offsets) but not in shape, and the first sample is enough context.
type LogCollector struct {
	config *CollectionConfig
	logMap map[string]*AggregatedLogEntry
	mutex  sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewLogCollector(config *CollectionConfig) *LogCollector {
	ctx, cancel := context.WithCancel(context.Background())

	collector := &LogCollector{
		config: config,
		logMap: make(map[string]*AggregatedLogEntry),
		ctx:    ctx,
		cancel: cancel,
	}

	collector.wg.Add(1)
	go collector.periodicFlush()

	return collector
}

func (d *LogCollector) AddLog(level, message string, fields map[string]interface{}, caller string) {
	now := time.Now()
	key := level + "|" + message + "|" + caller

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if entry, exists := d.logMap[key]; exists {
		entry.Count++
		entry.LastSeen = now
	} else {
		d.logMap[key] = &AggregatedLogEntry{
			Level:     level,
			Message:   message,
			Fields:    fields,
			Caller:    caller,
			Count:     1,
			FirstSeen: now,
			LastSeen:  now,
		}
	}

	if len(d.logMap) >= d.config.CountThreshold {
		d.flushLogs()
	}
}

func (d *LogCollector) periodicFlush() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.TimeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.mutex.Lock()
			d.flushLogs()
			d.mutex.Unlock()
		case <-d.ctx.Done():
			// Final flush before shutdown
			d.mutex.Lock()
			d.flushLogs()
			d.mutex.Unlock()
			return
		}
	}
}

// flushLogs hands repeated entries to Emit. Count==1 entries were already
// logged inline and carry no extra signal, so they are dropped silently.
// Caller holds the mutex.
func (d *LogCollector) flushLogs() {
	if len(d.logMap) == 0 {
		return
	}

	repeats := make([]AggregatedLogEntry, 0, len(d.logMap))
	for _, entry := range d.logMap {
		if entry.Count > 1 {
			repeats = append(repeats, *entry)
		}
	}
	d.logMap = make(map[string]*AggregatedLogEntry)

	if len(repeats) == 0 || d.config.Emit == nil {
		return
	}
	go d.config.Emit(repeats)
}

func (d *LogCollector) Close() {
	d.cancel()
	d.wg.Wait()
}
