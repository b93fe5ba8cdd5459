package socket

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"nhooyr.io/websocket"

	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/event"
)

type fakeConn struct {
	mu     sync.Mutex
	writes [][]byte
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	case <-c.closed:
		return 0, nil, context.Canceled
	case data, ok := <-c.frames:
		if !ok {
			return 0, nil, context.Canceled
		}
		return websocket.MessageText, data, nil
	}
}

func (c *fakeConn) Write(_ context.Context, _ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte{}, data...))
	return nil
}

func (c *fakeConn) Close(websocket.StatusCode, string) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) push(t *testing.T, frame Frame) {
	t.Helper()
	data, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.frames <- data
}

func (c *fakeConn) drop() {
	c.once.Do(func() { close(c.closed) })
}

func (c *fakeConn) sentEvents(t *testing.T) []string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, raw := range c.writes {
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal written frame: %v", err)
		}
		out = append(out, frame.Event)
	}
	return out
}

// testRegistry wires a registry whose dial hands out conns from a channel.
func testRegistry(t *testing.T, b *bus.Bus) (*Registry, chan *fakeConn) {
	t.Helper()
	conns := make(chan *fakeConn, 4)
	r := New(Config{
		URL:         "ws://dispatch.test/socket",
		BackoffBase: time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
	}, Identity{EmpID: "E7"}, b, nil, nil)
	r.dial = func(ctx context.Context, _ string) (wireConn, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case conn := <-conns:
			return conn, nil
		}
	}
	return r, conns
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestRunExitsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := bus.New(nil)
	r, conns := testRegistry(t, b)
	conns <- newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	waitFor(t, r.Connected)
	cancel()
	<-done
}

func TestJoinAnnouncedOnConnect(t *testing.T) {
	b := bus.New(nil)
	r, conns := testRegistry(t, b)
	conn := newFakeConn()
	conns <- conn

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	waitFor(t, r.Connected)
	events := conn.sentEvents(t)
	if len(events) != 1 || events[0] != "join" {
		t.Fatalf("sent events = %v, want [join]", events)
	}
	if r.SocketID() == "" {
		t.Fatal("expected socket id while connected")
	}
}

func TestOnConnectFiresImmediatelyWhenConnected(t *testing.T) {
	b := bus.New(nil)
	r, conns := testRegistry(t, b)
	conns <- newFakeConn()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, r.Connected)

	fired := make(chan struct{})
	r.OnConnect(func() { close(fired) })
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("OnConnect did not fire for an already-live connection")
	}
}

func TestReconnectRefiresCallbacksAndAnnouncesJoin(t *testing.T) {
	b := bus.New(nil)
	var mu sync.Mutex
	var phases []event.LifecyclePhase
	b.Subscribe(bus.TopicConnectionLifecycle, func(payload any) {
		lc := payload.(event.Lifecycle)
		mu.Lock()
		phases = append(phases, lc.Phase)
		mu.Unlock()
	})

	r, conns := testRegistry(t, b)
	first := newFakeConn()
	second := newFakeConn()
	conns <- first

	var connects int32
	var cbMu sync.Mutex
	r.OnConnect(func() {
		cbMu.Lock()
		connects++
		cbMu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, r.Connected)

	first.drop()
	waitFor(t, func() bool { return !r.Connected() })
	conns <- second
	waitFor(t, r.Connected)

	if got := second.sentEvents(t); len(got) != 1 || got[0] != "join" {
		t.Fatalf("second connection sent %v, want [join]", got)
	}
	cbMu.Lock()
	gotConnects := connects
	cbMu.Unlock()
	if gotConnects != 2 {
		t.Fatalf("connect callbacks = %d, want 2", gotConnects)
	}
	mu.Lock()
	defer mu.Unlock()
	want := []event.LifecyclePhase{event.PhaseConnected, event.PhaseDisconnected, event.PhaseReconnected}
	if len(phases) != len(want) {
		t.Fatalf("phases = %v, want %v", phases, want)
	}
	for i := range want {
		if phases[i] != want[i] {
			t.Fatalf("phases = %v, want %v", phases, want)
		}
	}
}

func TestInboundNotificationPublishedNormalized(t *testing.T) {
	b := bus.New(nil)
	received := make(chan event.Notification, 1)
	b.Subscribe(bus.TopicNotificationReceived, func(payload any) {
		received <- payload.(event.Notification)
	})

	r, conns := testRegistry(t, b)
	conn := newFakeConn()
	conns <- conn

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, r.Connected)

	data, _ := json.Marshal(map[string]any{
		"type": "individual", "from": "E9", "body": "pickup moved", "messageId": "m-1",
	})
	conn.push(t, Frame{Event: "notification", Data: data})

	select {
	case n := <-received:
		if n.From != "E9" || n.MessageID != "m-1" || n.Kind != event.KindIndividual {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never published")
	}
}

func TestPresenceFramesPublished(t *testing.T) {
	b := bus.New(nil)
	changes := make(chan event.PresenceChange, 2)
	b.Subscribe(bus.TopicPresenceChanged, func(payload any) {
		changes <- payload.(event.PresenceChange)
	})

	r, conns := testRegistry(t, b)
	conn := newFakeConn()
	conns <- conn

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, r.Connected)

	online, _ := json.Marshal(map[string]string{"empId": "E4"})
	conn.push(t, Frame{Event: "user_online", Data: online})
	conn.push(t, Frame{Event: "user_offline", Data: online})

	first := <-changes
	second := <-changes
	if !first.Online || first.PeerID != "E4" {
		t.Fatalf("first change = %+v", first)
	}
	if second.Online {
		t.Fatalf("second change = %+v", second)
	}
}

func TestMalformedFrameDropped(t *testing.T) {
	b := bus.New(nil)
	received := make(chan event.Notification, 1)
	b.Subscribe(bus.TopicNotificationReceived, func(payload any) {
		received <- payload.(event.Notification)
	})

	r, conns := testRegistry(t, b)
	conn := newFakeConn()
	conns <- conn

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	waitFor(t, r.Connected)

	bad, _ := json.Marshal(map[string]any{"type": "group"}) // no groupId
	conn.push(t, Frame{Event: "notification", Data: bad})
	good, _ := json.Marshal(map[string]any{"type": "individual", "from": "E2"})
	conn.push(t, Frame{Event: "notification", Data: good})

	n := <-received
	if n.From != "E2" {
		t.Fatalf("expected only the valid event, got %+v", n)
	}
	select {
	case extra := <-received:
		t.Fatalf("malformed event surfaced: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	b := bus.New(nil)
	r, _ := testRegistry(t, b)
	if err := r.Send(context.Background(), "join", Identity{EmpID: "E7"}); err != ErrNotConnected {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
