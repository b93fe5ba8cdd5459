package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/event"
	"github.com/freightdesk/notifyhub/internal/metrics"
)

var ErrNotConnected = errors.New("not connected")

// Frame is the wire envelope on the realtime channel.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Identity announces who this connection belongs to. Sent as the join frame
// on every (re)connect so server-side routing can resume.
type Identity struct {
	EmpID     string `json:"empId"`
	AuthToken string `json:"authToken,omitempty"`
}

type Config struct {
	URL         string
	DialTimeout time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// dialFunc is swapped in tests to avoid a real network.
type dialFunc func(ctx context.Context, url string) (wireConn, error)

// wireConn is the subset of the websocket connection the registry uses.
type wireConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Registry owns the single realtime connection of the process. All other
// components observe it through the bus or the read-only accessors; nothing
// outside the registry dials or closes the connection.
type Registry struct {
	cfg      Config
	identity Identity
	bus      *bus.Bus
	logger   *zap.Logger
	metrics  *metrics.Metrics
	dial     dialFunc

	mu            sync.Mutex
	conn          wireConn
	connected     bool
	socketID      string
	everUp        bool
	lastAttemptOK bool
	onConnect     []func()
}

func New(cfg Config, identity Identity, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		identity: identity,
		bus:      b,
		logger:   logger,
		metrics:  m,
		dial:     dialWebsocket,
	}
}

func dialWebsocket(ctx context.Context, url string) (wireConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Connected reports whether a live connection exists right now.
func (r *Registry) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// SocketID is the identifier of the current connection epoch, empty while
// disconnected. A new ID is minted per (re)connect.
func (r *Registry) SocketID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.socketID
}

// OnConnect registers fn to run after every successful (re)connect. If a
// connection is already up, fn also runs immediately. Listeners on the
// underlying connection do not survive a reconnect, so dependents use this
// hook to re-register server-side interests.
func (r *Registry) OnConnect(fn func()) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onConnect = append(r.onConnect, fn)
	fireNow := r.connected
	r.mu.Unlock()
	if fireNow {
		fn()
	}
}

// Send writes a frame on the live connection.
func (r *Registry) Send(ctx context.Context, eventName string, data any) error {
	r.mu.Lock()
	conn := r.conn
	connected := r.connected
	r.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Frame{Event: eventName, Data: payload})
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, frame)
}

// Run drives the connect/read/reconnect loop until ctx is cancelled.
// Connection failures are logged and retried with capped exponential backoff;
// nothing here is fatal.
func (r *Registry) Run(ctx context.Context) {
	backoff := r.cfg.BackoffBase
	for {
		if ctx.Err() != nil {
			return
		}
		err := r.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if r.lastAttemptSucceeded() {
			backoff = r.cfg.BackoffBase
		}
		if err != nil {
			r.logger.Warn("realtime connection lost", zap.Error(err), zap.Duration("retryIn", backoff))
		}
		if !sleepCtx(ctx, backoff) {
			return
		}
		backoff *= 2
		if backoff > r.cfg.BackoffMax {
			backoff = r.cfg.BackoffMax
		}
	}
}

// runOnce dials, announces identity, and reads frames until the connection
// drops. Returns the terminating error (nil only on context cancellation).
func (r *Registry) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.DialTimeout)
	conn, err := r.dial(dialCtx, r.cfg.URL)
	cancel()
	if err != nil {
		r.markAttempt(false)
		return err
	}

	socketID := uuid.NewString()
	phase := event.PhaseConnected
	r.mu.Lock()
	if r.everUp {
		phase = event.PhaseReconnected
	}
	r.conn = conn
	r.connected = true
	r.socketID = socketID
	r.everUp = true
	callbacks := append([]func(){}, r.onConnect...)
	r.mu.Unlock()
	r.markAttempt(true)

	if err := r.Send(ctx, "join", r.identity); err != nil {
		r.teardown(conn, event.PhaseDisconnected, socketID)
		return err
	}
	if phase == event.PhaseReconnected {
		r.metrics.SocketReconnects.Inc()
	}
	r.logger.Info("realtime connection established",
		zap.String("socketId", socketID),
		zap.String("phase", string(phase)))
	r.bus.Publish(bus.TopicConnectionLifecycle, event.Lifecycle{Phase: phase, SocketID: socketID})
	for _, fn := range callbacks {
		fn()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			r.teardown(conn, event.PhaseDisconnected, socketID)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.metrics.SocketFramesIn.Inc()
		r.handleFrame(data)
	}
}

func (r *Registry) teardown(conn wireConn, phase event.LifecyclePhase, socketID string) {
	_ = conn.Close(websocket.StatusNormalClosure, "")
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
		r.connected = false
		r.socketID = ""
	}
	r.mu.Unlock()
	r.bus.Publish(bus.TopicConnectionLifecycle, event.Lifecycle{Phase: phase, SocketID: socketID})
}

func (r *Registry) handleFrame(data []byte) {
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		r.metrics.NotificationsMalformed.Inc()
		r.logger.Warn("undecodable frame dropped", zap.Error(err))
		return
	}
	switch frame.Event {
	case "notification", "bid-submitted":
		var raw map[string]any
		if err := json.Unmarshal(frame.Data, &raw); err != nil {
			r.metrics.NotificationsMalformed.Inc()
			r.logger.Warn("notification frame with bad data", zap.Error(err))
			return
		}
		n, err := event.Normalize(raw, time.Now())
		if err != nil {
			r.metrics.NotificationsMalformed.Inc()
			r.logger.Warn("malformed notification dropped", zap.Error(err))
			return
		}
		r.bus.Publish(bus.TopicNotificationReceived, n)
	case "user_online", "user_offline":
		var p struct {
			EmpID string `json:"empId"`
		}
		if err := json.Unmarshal(frame.Data, &p); err != nil || p.EmpID == "" {
			r.logger.Warn("presence frame with bad data", zap.Error(err))
			return
		}
		r.bus.Publish(bus.TopicPresenceChanged, event.PresenceChange{
			PeerID: p.EmpID,
			Online: frame.Event == "user_online",
		})
	default:
		r.logger.Debug("unhandled frame", zap.String("event", frame.Event))
	}
}

// attempt bookkeeping lets Run reset backoff only after a successful dial.
func (r *Registry) markAttempt(ok bool) {
	r.mu.Lock()
	r.lastAttemptOK = ok
	r.mu.Unlock()
}

func (r *Registry) lastAttemptSucceeded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastAttemptOK
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
