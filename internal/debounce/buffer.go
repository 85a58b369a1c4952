// Package debounce implements the per-metric debounce buffer (C7): it
// aggregates row changes arriving from the CDC listener within a
// configurable window, merging them under last-write-wins-at-key-
// granularity semantics, before handing the merged diff to the egress
// mapper (§4.7).
package debounce

import (
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/secil-uns/canary-sync/internal/model"
)

const component = "debounce"

// Config configures window, capacity and sweep cadence (§4.7, §6
// `cdc.window_seconds`/`cdc.buffer_cap`).
type Config struct {
	Window   time.Duration
	Capacity int
}

// Buffer aggregates RowChange values per metric_key until the window
// elapses, then emits an AggregatedDiff per key in first-seen order.
type Buffer struct {
	mu      sync.Mutex
	cfg     Config
	logger  *logrus.Logger
	now     func() time.Time
	entries map[int64]*model.AggregatedDiff
	order   []int64 // first-seen insertion order, for tie-broken emission

	droppedNewKeys int64
}

func New(cfg Config, logger *logrus.Logger) *Buffer {
	if cfg.Window <= 0 {
		cfg.Window = 180 * time.Second
	}
	return &Buffer{
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		entries: make(map[int64]*model.AggregatedDiff),
	}
}

// Add merges change into the entry for its metric_key (§4.7). If the
// buffer is at capacity and change.MetricKey is not already tracked, the
// change is dropped and the drop counter increments; entries already
// tracked continue to accept merges regardless of capacity.
func (b *Buffer) Add(change model.RowChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, exists := b.entries[change.MetricKey]
	if !exists {
		if b.cfg.Capacity > 0 && len(b.entries) >= b.cfg.Capacity {
			b.droppedNewKeys++
			b.logger.WithFields(logrus.Fields{
				"component":  component,
				"metric_key": change.MetricKey,
			}).Warn("debounce buffer at capacity, dropping new key")
			return
		}
		now := b.now()
		entry = &model.AggregatedDiff{MetricKey: change.MetricKey, CanaryID: change.CanaryID, FirstSeen: now}
		b.entries[change.MetricKey] = entry
		b.order = append(b.order, change.MetricKey)
	}

	entry.LastSeen = b.now()
	if change.CanaryID != "" {
		entry.CanaryID = change.CanaryID
	}
	entry.Merge(change)
}

// DroppedNewKeys reports the cumulative count of changes dropped because
// their metric_key wasn't already tracked and the buffer was full.
func (b *Buffer) DroppedNewKeys() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.droppedNewKeys
}

// Depth reports the number of metric_keys currently buffered.
func (b *Buffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// FlushExpired removes and returns every entry whose window has elapsed
// as of now, in first-seen order (ties broken by metric_key, §4.7).
func (b *Buffer) FlushExpired(now time.Time) []model.AggregatedDiff {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expiredKeys []int64
	for _, key := range b.order {
		entry, ok := b.entries[key]
		if !ok {
			continue
		}
		if now.Sub(entry.FirstSeen) >= b.cfg.Window {
			expiredKeys = append(expiredKeys, key)
		}
	}

	return b.popKeys(expiredKeys)
}

// Drain removes and returns every buffered entry regardless of window,
// for clean shutdown (§4.7).
func (b *Buffer) Drain() []model.AggregatedDiff {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popKeys(append([]int64(nil), b.order...))
}

// popKeys must be called with b.mu held; it removes the given keys (in
// their first-seen order) and returns their diffs, breaking ties on
// metric_key for any keys sharing a FirstSeen timestamp.
func (b *Buffer) popKeys(keys []int64) []model.AggregatedDiff {
	out := make([]model.AggregatedDiff, 0, len(keys))
	remove := make(map[int64]bool, len(keys))
	for _, key := range keys {
		entry, ok := b.entries[key]
		if !ok {
			continue
		}
		out = append(out, *entry)
		remove[key] = true
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].FirstSeen.Equal(out[j].FirstSeen) {
			return out[i].MetricKey < out[j].MetricKey
		}
		return out[i].FirstSeen.Before(out[j].FirstSeen)
	})

	if len(remove) > 0 {
		newOrder := make([]int64, 0, len(b.order)-len(remove))
		for _, key := range b.order {
			if !remove[key] {
				newOrder = append(newOrder, key)
			}
		}
		b.order = newOrder
		for key := range remove {
			delete(b.entries, key)
		}
	}

	return out
}

// SweepInterval returns the recommended background sweep cadence: strictly
// less than one third of the window (§4.7).
func (b *Buffer) SweepInterval() time.Duration {
	interval := b.cfg.Window / 3
	if interval <= 0 {
		return time.Second
	}
	return interval - time.Millisecond
}

// Run drives the periodic sweep until stop is closed, calling onFlush for
// every batch of expired entries, and once more with Drain's result when
// stop closes.
func (b *Buffer) Run(stop <-chan struct{}, onFlush func([]model.AggregatedDiff)) {
	ticker := time.NewTicker(b.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			onFlush(b.Drain())
			return
		case <-ticker.C:
			if diffs := b.FlushExpired(b.now()); len(diffs) > 0 {
				onFlush(diffs)
			}
		}
	}
}
