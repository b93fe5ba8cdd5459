package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/freightdesk/notifyhub/internal/metrics"
)

// Relay propagates a narrow class of events to sibling processes of the same
// user on one machine, without a server round trip per process. Publish
// drops an envelope file into a shared spool directory; the other processes
// observe the create via fsnotify. The origin instance ID in the envelope
// keeps a process from consuming its own publishes, mirroring how storage
// events fire only in other browser tabs.
//
// Spool files are cleanup-only after delivery: consumers read at create time
// and stale files are swept on publish and on close.
type Relay struct {
	dir        string
	instanceID string
	linger     time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
	watcher    *fsnotify.Watcher

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
}

// Handler receives the raw payload of a relayed envelope.
type Handler func(payload json.RawMessage)

type envelope struct {
	Origin      string          `json:"origin"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

const defaultLinger = 2 * time.Second

// New creates a relay over dir. When the filesystem watcher cannot be
// established the relay degrades to publish-only: envelopes are still
// written for healthy siblings, but this process receives nothing.
func New(dir string, logger *zap.Logger, m *metrics.Metrics) (*Relay, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "notifyhub-relay")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r := &Relay{
		dir:        dir,
		instanceID: uuid.NewString(),
		linger:     defaultLinger,
		logger:     logger,
		metrics:    m,
		handlers:   map[string]map[uint64]Handler{},
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("relay watcher unavailable, cross-process delivery disabled", zap.Error(err))
		return r, nil
	}
	if err := watcher.Add(dir); err != nil {
		logger.Warn("relay watch failed, cross-process delivery disabled", zap.Error(err))
		_ = watcher.Close()
		return r, nil
	}
	r.watcher = watcher
	return r, nil
}

// Subscribe attaches handler to a topic. Returns an unsubscribe function.
func (r *Relay) Subscribe(topic string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	if r.handlers[topic] == nil {
		r.handlers[topic] = map[uint64]Handler{}
	}
	r.handlers[topic][id] = handler
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			if handlers, ok := r.handlers[topic]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(r.handlers, topic)
				}
			}
		})
	}
}

// Publish writes an envelope for sibling processes. The publishing process
// does not receive its own envelope.
func (r *Relay) Publish(topic string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env := envelope{
		Origin:      r.instanceID,
		Topic:       topic,
		Payload:     raw,
		PublishedAt: time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	name := fmt.Sprintf("%s--%s.json", topic, uuid.NewString())
	if err := os.WriteFile(filepath.Join(r.dir, name), data, 0o644); err != nil {
		return err
	}
	r.metrics.RelayPublished.Inc()
	r.sweep()
	return nil
}

// Run consumes watcher events until ctx is cancelled. A relay without a
// watcher returns immediately.
func (r *Relay) Run(ctx context.Context) {
	if r.watcher == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			r.consume(ev.Name)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn("relay watcher error", zap.Error(err))
		}
	}
}

// Close releases the watcher and sweeps any envelopes old enough to be dead.
func (r *Relay) Close() error {
	r.sweep()
	if r.watcher == nil {
		return nil
	}
	return r.watcher.Close()
}

func (r *Relay) consume(path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// Already swept by the origin; create-then-delete is expected.
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		r.logger.Warn("relay envelope unreadable", zap.String("path", path), zap.Error(err))
		return
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		r.logger.Warn("relay envelope corrupt, ignored", zap.String("path", path), zap.Error(err))
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	r.metrics.RelayReceived.Inc()
	r.mu.RLock()
	handlers := make([]Handler, 0, len(r.handlers[env.Topic]))
	for _, handler := range r.handlers[env.Topic] {
		handlers = append(handlers, handler)
	}
	r.mu.RUnlock()
	for _, handler := range handlers {
		handler(env.Payload)
	}
}

// sweep removes spool files past the linger window, regardless of origin;
// any process may clean up after a crashed sibling.
func (r *Relay) sweep() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-r.linger)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(r.dir, entry.Name()))
		}
	}
}
