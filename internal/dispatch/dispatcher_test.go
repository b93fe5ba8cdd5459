package dispatch

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/event"
	"github.com/freightdesk/notifyhub/internal/journal"
)

type fakeVisibility struct{ visible bool }

func (f *fakeVisibility) Visible() bool { return f.visible }

type recordingSystemSink struct {
	notes []SystemNotification
	err   error
}

func (s *recordingSystemSink) Notify(n SystemNotification) error {
	s.notes = append(s.notes, n)
	return s.err
}

type recordingToastSink struct {
	toasts []Toast
}

func (s *recordingToastSink) Toast(t Toast) error {
	s.toasts = append(s.toasts, t)
	return nil
}

type countingSound struct{ plays int }

func (s *countingSound) Play() error { s.plays++; return nil }

type harness struct {
	bus        *bus.Bus
	dispatcher *Dispatcher
	visibility *fakeVisibility
	system     *recordingSystemSink
	toast      *recordingToastSink
	sound      *countingSound
	journal    *journal.MemoryBackend
	increments []event.UnreadDelta
	clock      time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:        bus.New(nil),
		visibility: &fakeVisibility{visible: true},
		system:     &recordingSystemSink{},
		toast:      &recordingToastSink{},
		sound:      &countingSound{},
		journal:    journal.NewMemoryBackend(64),
		clock:      time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC),
	}
	h.bus.Subscribe(bus.TopicIncrementUnreadCount, func(payload any) {
		h.increments = append(h.increments, payload.(event.UnreadDelta))
	})
	h.dispatcher = New(h.bus, Options{
		Config:     Config{Sound: true},
		Visibility: h.visibility,
		System:     h.system,
		Toast:      h.toast,
		Sound:      h.sound,
		Journal:    h.journal,
	})
	h.dispatcher.now = func() time.Time { return h.clock }
	t.Cleanup(h.dispatcher.Close)
	return h
}

func (h *harness) deliver(n event.Notification) {
	h.bus.Publish(bus.TopicNotificationReceived, n)
}

func individualFrom(sender, messageID string) event.Notification {
	return event.Notification{
		Kind:      event.KindIndividual,
		From:      sender,
		Body:      "eta update",
		Timestamp: time.Date(2026, 3, 14, 8, 59, 59, 0, time.UTC),
		MessageID: messageID,
	}
}

func TestDedupIdempotence(t *testing.T) {
	h := newHarness(t)

	n := individualFrom("E9", "m-1")
	h.deliver(n)
	h.clock = h.clock.Add(10 * time.Second)
	h.deliver(n)

	require.Len(t, h.system.notes, 1, "exactly one surfaced notification")
	require.Len(t, h.increments, 1, "exactly one unread increment")

	entries, err := h.journal.Recent(0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, journal.OutcomeDeduplicated, entries[0].Outcome)
}

func TestDedupWindowExpires(t *testing.T) {
	h := newHarness(t)

	n := individualFrom("E9", "m-1")
	h.deliver(n)
	h.clock = h.clock.Add(DefaultDedupWindow + time.Second)
	h.deliver(n)

	require.Len(t, h.system.notes, 2, "same key past the window surfaces again")
}

func TestSuppressionForOpenConversation(t *testing.T) {
	h := newHarness(t)
	h.bus.Publish(bus.TopicConversationSelectionChanged, event.SelectionChange{Key: "u:E9"})

	h.deliver(individualFrom("E9", "m-1"))

	require.Empty(t, h.system.notes, "no OS notification for the open conversation")
	require.Empty(t, h.toast.toasts, "no toast for the open conversation")
	require.Empty(t, h.increments, "open conversation is read on arrival")

	// A different conversation still surfaces and counts.
	h.deliver(individualFrom("E4", "m-2"))
	require.Len(t, h.system.notes, 1)
	require.Len(t, h.increments, 1)
	require.Equal(t, "E4", h.increments[0].ID)
}

func TestHiddenTabOverridesSelection(t *testing.T) {
	h := newHarness(t)
	h.bus.Publish(bus.TopicConversationSelectionChanged, event.SelectionChange{Key: "u:E9"})
	h.visibility.visible = false

	h.deliver(individualFrom("E9", "m-1"))

	require.Len(t, h.system.notes, 1, "hidden surface always notifies")
	require.Len(t, h.increments, 1)
}

func TestDeniedPermissionDegradesToToast(t *testing.T) {
	b := bus.New(nil)
	toast := &recordingToastSink{}
	var increments int
	b.Subscribe(bus.TopicIncrementUnreadCount, func(any) { increments++ })

	d := New(b, Options{
		Visibility: &fakeVisibility{visible: true},
		System:     nil, // permission denied: no system sink
		Toast:      toast,
	})
	defer d.Close()

	b.Publish(bus.TopicNotificationReceived, individualFrom("E9", "m-1"))

	require.Len(t, toast.toasts, 1)
	require.Equal(t, 1, increments)
}

func TestSinkFailureDoesNotStopOtherSinks(t *testing.T) {
	h := newHarness(t)
	h.system.err = errors.New("dbus unavailable")

	h.deliver(individualFrom("E9", "m-1"))

	require.Len(t, h.toast.toasts, 1)
	require.Equal(t, 1, h.sound.plays)
	require.Len(t, h.increments, 1)
}

func TestGroupIncrementTargetsGroup(t *testing.T) {
	h := newHarness(t)

	h.deliver(event.Notification{
		Kind: event.KindGroup, From: "E9", GroupID: "dispatch-east", MessageID: "m-3",
	})

	require.Len(t, h.increments, 1)
	require.Equal(t, event.KindGroup, h.increments[0].Kind)
	require.Equal(t, "dispatch-east", h.increments[0].ID)
}

func TestLoadNotificationSurfacesWithoutBadge(t *testing.T) {
	h := newHarness(t)

	h.deliver(event.Notification{Kind: event.KindLoad, LoadID: "L-5", MessageID: "m-4"})

	require.Len(t, h.system.notes, 1)
	require.Empty(t, h.increments)
}

func TestSystemNotificationTagIsDedupKey(t *testing.T) {
	h := newHarness(t)

	h.deliver(individualFrom("E9", "m-1"))

	require.Equal(t, "m-1", h.system.notes[0].Tag)
}

func TestActivatePublishesNavigation(t *testing.T) {
	h := newHarness(t)
	var chat, group, load string
	h.bus.Subscribe(bus.TopicOpenChatWithID, func(p any) { chat = p.(string) })
	h.bus.Subscribe(bus.TopicOpenGroupWithID, func(p any) { group = p.(string) })
	h.bus.Subscribe(bus.TopicOpenLoadWithID, func(p any) { load = p.(string) })

	h.dispatcher.Activate("u:E9")
	h.dispatcher.Activate("g:dispatch-east")
	h.dispatcher.Activate("l:L-5")
	h.dispatcher.Activate("")

	require.Equal(t, "E9", chat)
	require.Equal(t, "dispatch-east", group)
	require.Equal(t, "L-5", load)
}

func TestRepeatedMountLeavesNoListeners(t *testing.T) {
	b := bus.New(nil)
	for i := 0; i < 10; i++ {
		d := New(b, Options{Visibility: &fakeVisibility{}})
		d.Close()
	}
	require.Equal(t, 0, b.SubscriberCount(bus.TopicNotificationReceived))
	require.Equal(t, 0, b.SubscriberCount(bus.TopicConversationSelectionChanged))

	d := New(b, Options{Visibility: &fakeVisibility{}})
	defer d.Close()
	require.Equal(t, 1, b.SubscriberCount(bus.TopicNotificationReceived))
}
