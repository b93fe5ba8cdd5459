package unread

import (
	"sync"

	"go.uber.org/zap"

	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/event"
	"github.com/freightdesk/notifyhub/internal/metrics"
)

// Ledger tracks unread counts per individual conversation and per group.
// Mutations arrive over the bus so any source of "a message arrived", be it
// socket, watcher, or host UI, updates counts the same way. Counts never go
// negative and zero entries are pruned, not retained.
type Ledger struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	individual map[string]int
	group      map[string]int

	unsubs []func()
}

func NewLedger(b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	l := &Ledger{
		logger:     logger,
		metrics:    m,
		individual: map[string]int{},
		group:      map[string]int{},
	}
	l.unsubs = append(l.unsubs,
		b.Subscribe(bus.TopicIncrementUnreadCount, l.onIncrement),
		b.Subscribe(bus.TopicClearUnreadCount, l.onClear),
		b.Subscribe(bus.TopicSetUnreadCount, l.onSet),
	)
	return l
}

// Close detaches the ledger from the bus.
func (l *Ledger) Close() {
	for _, unsub := range l.unsubs {
		unsub()
	}
}

func (l *Ledger) Increment(kind event.Kind, id string, amount int) {
	if id == "" || amount <= 0 {
		return
	}
	l.mu.Lock()
	counts := l.countsFor(kind)
	if counts != nil {
		counts[id] += amount
	}
	l.mu.Unlock()
	l.publishTotal()
}

func (l *Ledger) Clear(kind event.Kind, id string) {
	l.mu.Lock()
	if counts := l.countsFor(kind); counts != nil {
		delete(counts, id)
	}
	l.mu.Unlock()
	l.publishTotal()
}

// SetCount pins the count for a conversation; count <= 0 removes the entry.
func (l *Ledger) SetCount(kind event.Kind, id string, count int) {
	if id == "" {
		return
	}
	l.mu.Lock()
	if counts := l.countsFor(kind); counts != nil {
		if count <= 0 {
			delete(counts, id)
		} else {
			counts[id] = count
		}
	}
	l.mu.Unlock()
	l.publishTotal()
}

func (l *Ledger) GetCount(kind event.Kind, id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := l.countsFor(kind)
	if counts == nil {
		return 0
	}
	return counts[id]
}

func (l *Ledger) GetTotal() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalLocked()
}

func (l *Ledger) HasAny() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.individual) > 0 || len(l.group) > 0
}

// Snapshot returns copies of both mappings, for the status API.
func (l *Ledger) Snapshot() (individual, group map[string]int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	individual = make(map[string]int, len(l.individual))
	for id, count := range l.individual {
		individual[id] = count
	}
	group = make(map[string]int, len(l.group))
	for id, count := range l.group {
		group[id] = count
	}
	return individual, group
}

// countsFor must be called with the lock held. Load notifications do not
// carry a badge; only individual and group conversations are counted.
func (l *Ledger) countsFor(kind event.Kind) map[string]int {
	switch kind {
	case event.KindIndividual:
		return l.individual
	case event.KindGroup:
		return l.group
	}
	return nil
}

func (l *Ledger) totalLocked() int {
	total := 0
	for _, count := range l.individual {
		total += count
	}
	for _, count := range l.group {
		total += count
	}
	return total
}

func (l *Ledger) publishTotal() {
	l.mu.RLock()
	total := l.totalLocked()
	l.mu.RUnlock()
	l.metrics.UnreadTotal.Set(float64(total))
}

func (l *Ledger) onIncrement(payload any) {
	delta, ok := payload.(event.UnreadDelta)
	if !ok {
		return
	}
	amount := delta.Amount
	if amount == 0 {
		amount = 1
	}
	l.Increment(delta.Kind, delta.ID, amount)
}

func (l *Ledger) onClear(payload any) {
	delta, ok := payload.(event.UnreadDelta)
	if !ok {
		return
	}
	l.Clear(delta.Kind, delta.ID)
}

func (l *Ledger) onSet(payload any) {
	delta, ok := payload.(event.UnreadDelta)
	if !ok {
		return
	}
	l.SetCount(delta.Kind, delta.ID, delta.Count)
}
