package presence

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/event"
	"github.com/freightdesk/notifyhub/internal/metrics"
)

// Tracker maintains the set of peers currently online. It consumes
// presence-changed and connection-lifecycle events from the bus; the set is
// cleared on reconnect because server-side presence state may have moved
// while the connection was down.
type Tracker struct {
	selfID  string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	online map[string]struct{}

	unsubs []func()
}

func NewTracker(selfID string, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	t := &Tracker{
		selfID:  selfID,
		logger:  logger,
		metrics: m,
		online:  map[string]struct{}{},
	}
	t.unsubs = append(t.unsubs,
		b.Subscribe(bus.TopicPresenceChanged, t.onPresenceChange),
		b.Subscribe(bus.TopicConnectionLifecycle, t.onLifecycle),
	)
	return t
}

// Close detaches the tracker from the bus.
func (t *Tracker) Close() {
	for _, unsub := range t.unsubs {
		unsub()
	}
}

func (t *Tracker) IsOnline(peerID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.online[peerID]
	return ok
}

func (t *Tracker) ListOnline() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.online))
	for peer := range t.online {
		out = append(out, peer)
	}
	t.mu.RUnlock()
	sort.Strings(out)
	return out
}

// InitializeFromSnapshot bulk-seeds the set from a point-in-time online-status
// query. Peers already tracked stay tracked; self is never added.
func (t *Tracker) InitializeFromSnapshot(peerIDs []string) {
	t.mu.Lock()
	for _, peer := range peerIDs {
		if peer == "" || peer == t.selfID {
			continue
		}
		t.online[peer] = struct{}{}
	}
	size := len(t.online)
	t.mu.Unlock()
	t.metrics.OnlinePeers.Set(float64(size))
}

func (t *Tracker) onPresenceChange(payload any) {
	change, ok := payload.(event.PresenceChange)
	if !ok {
		return
	}
	// The server echoes our own transitions; the set tracks peers only.
	if change.PeerID == t.selfID {
		return
	}
	t.mu.Lock()
	if change.Online {
		t.online[change.PeerID] = struct{}{}
	} else {
		delete(t.online, change.PeerID)
	}
	size := len(t.online)
	t.mu.Unlock()
	t.metrics.OnlinePeers.Set(float64(size))
	t.logger.Debug("presence updated",
		zap.String("peer", change.PeerID),
		zap.Bool("online", change.Online))
}

func (t *Tracker) onLifecycle(payload any) {
	lc, ok := payload.(event.Lifecycle)
	if !ok {
		return
	}
	if lc.Phase != event.PhaseReconnected {
		return
	}
	t.mu.Lock()
	t.online = map[string]struct{}{}
	t.mu.Unlock()
	t.metrics.OnlinePeers.Set(0)
	t.logger.Debug("presence reset after reconnect")
}
