package watch

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/metrics"
)

// Item is one entity from a polled snapshot. Payload carries the normalized
// subset forwarded on found events; the watcher itself only cares about ID.
type Item struct {
	ID      string
	Payload any
}

// Found is the payload of watch-item-found events.
type Found struct {
	Watcher string
	Item    Item
}

// FetchFunc returns the current server snapshot.
type FetchFunc func(ctx context.Context) ([]Item, error)

// State names the watcher's position in its tick cycle.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateDiffing  State = "diffing"
	StateSleeping State = "sleeping"
)

// Stats is a point-in-time snapshot for the status API.
type Stats struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Ticks        uint64    `json:"ticks"`
	Errors       uint64    `json:"errors"`
	NewItems     uint64    `json:"newItems"`
	BaselineSize int       `json:"baselineSize"`
	LastTick     time.Time `json:"lastTick,omitempty"`
	LastError    string    `json:"lastError,omitempty"`
}

// Watcher polls a snapshot on a fixed interval and synthesizes one found
// event per ID that appears relative to the previous snapshot. It is the
// push-fallback channel: everything it emits goes through the same dedup as
// socket-delivered events downstream.
//
// The first successful fetch only seeds the baseline; pre-existing items
// never produce events. The baseline is replaced wholesale on every
// successful fetch. Failed fetches leave the baseline untouched and the
// next tick retries at the same fixed interval.
type Watcher struct {
	name     string
	fetch    FetchFunc
	interval time.Duration
	clock    Clock
	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	baseline map[string]struct{}
	primed   bool
	stats    Stats
}

func New(name string, fetch FetchFunc, interval time.Duration, clock Clock, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	if clock == nil {
		clock = RealClock()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Watcher{
		name:     name,
		fetch:    fetch,
		interval: interval,
		clock:    clock,
		bus:      b,
		logger:   logger.With(zap.String("watcher", name)),
		metrics:  m,
		baseline: map[string]struct{}{},
		stats:    Stats{Name: name, State: StateIdle},
	}
}

// Run polls until ctx is cancelled. Ticks are strictly sequential: the next
// fetch is never issued before the previous diff completes.
func (w *Watcher) Run(ctx context.Context) {
	for {
		w.tick(ctx)
		w.setState(StateSleeping)
		timer := w.clock.NewTimer(w.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			w.setState(StateIdle)
			return
		case <-timer.C():
		}
	}
}

// Reset forgets the baseline; the next successful fetch seeds it silently.
// Used when the fetch target itself changes, so the new target's pre-existing
// items do not diff against the old one's.
func (w *Watcher) Reset() {
	w.mu.Lock()
	w.baseline = map[string]struct{}{}
	w.primed = false
	w.mu.Unlock()
}

// Stats returns a copy of the watcher's counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.BaselineSize = len(w.baseline)
	return stats
}

func (w *Watcher) tick(ctx context.Context) {
	w.setState(StateFetching)
	items, err := w.fetch(ctx)
	now := w.clock.Now()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.mu.Lock()
		w.stats.Errors++
		w.stats.LastError = err.Error()
		w.stats.LastTick = now
		w.mu.Unlock()
		w.metrics.WatcherErrors.WithLabelValues(w.name).Inc()
		w.logger.Warn("poll failed", zap.Error(err))
		return
	}

	w.setState(StateDiffing)
	next := make(map[string]struct{}, len(items))
	var fresh []Item
	w.mu.Lock()
	primed := w.primed
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		next[item.ID] = struct{}{}
		if _, known := w.baseline[item.ID]; primed && !known {
			fresh = append(fresh, item)
		}
	}
	w.baseline = next
	w.primed = true
	w.stats.Ticks++
	w.stats.LastTick = now
	w.stats.LastError = ""
	w.stats.NewItems += uint64(len(fresh))
	w.mu.Unlock()

	w.metrics.WatcherTicks.WithLabelValues(w.name).Inc()
	for _, item := range fresh {
		w.metrics.WatcherNewItems.WithLabelValues(w.name).Inc()
		w.logger.Debug("new item", zap.String("id", item.ID))
		w.bus.Publish(bus.TopicWatchItemFound, Found{Watcher: w.name, Item: item})
	}
}

func (w *Watcher) setState(state State) {
	w.mu.Lock()
	w.stats.State = state
	w.mu.Unlock()
}
