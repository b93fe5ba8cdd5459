package main

import (
	"encoding/json"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/dispatch"
	"github.com/freightdesk/notifyhub/internal/event"
	"github.com/freightdesk/notifyhub/internal/relay"
)

// The daemon has no screen of its own. Surfacing goes out over the relay
// spool, where the companion UI process renders OS notifications, toasts and
// the sound cue. If no UI is running the files age out of the spool unread,
// which is the correct degraded behavior.

type relaySystemSink struct {
	rel *relay.Relay
}

func (s relaySystemSink) Notify(n dispatch.SystemNotification) error {
	return s.rel.Publish("system-notification", n)
}

type relayToastSink struct {
	rel *relay.Relay
}

func (s relayToastSink) Toast(t dispatch.Toast) error {
	return s.rel.Publish("toast", t)
}

type relaySoundSink struct {
	rel *relay.Relay
}

func (s relaySoundSink) Play() error {
	return s.rel.Publish("sound", struct{}{})
}

// uiState mirrors what the companion UI reports about itself: whether it is
// visible, which conversation is selected, and which bid negotiation is open.
// With no UI running everything stays at the zero value, so the dispatcher
// treats the user as away and surfaces everything.
type uiState struct {
	visible   atomic.Bool
	activeBid atomic.Value // string
}

func newUIState(b *bus.Bus, rel *relay.Relay, logger *zap.Logger) *uiState {
	ui := &uiState{}
	ui.activeBid.Store("")

	rel.Subscribe("ui-visibility", func(payload json.RawMessage) {
		var p struct {
			Visible bool `json:"visible"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Warn("ui-visibility with bad payload", zap.Error(err))
			return
		}
		ui.visible.Store(p.Visible)
	})
	rel.Subscribe("conversation-selected", func(payload json.RawMessage) {
		var p struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Warn("conversation-selected with bad payload", zap.Error(err))
			return
		}
		b.Publish(bus.TopicConversationSelectionChanged, event.SelectionChange{Key: p.Key})
	})
	rel.Subscribe("negotiation-opened", func(payload json.RawMessage) {
		var p struct {
			BidID string `json:"bidId"`
		}
		if err := json.Unmarshal(payload, &p); err != nil {
			logger.Warn("negotiation-opened with bad payload", zap.Error(err))
			return
		}
		ui.activeBid.Store(p.BidID)
	})
	return ui
}

func (u *uiState) Visible() bool {
	return u.visible.Load()
}

func (u *uiState) ActiveBid() string {
	bidID, _ := u.activeBid.Load().(string)
	return bidID
}
