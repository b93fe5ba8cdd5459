package event

import (
	"errors"
	"fmt"
	"time"
)

var ErrMalformedPayload = errors.New("malformed payload")

// Kind classifies a notification by the conversation it belongs to.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindGroup      Kind = "group"
	KindLoad       Kind = "load"
)

func (k Kind) Valid() bool {
	switch k {
	case KindIndividual, KindGroup, KindLoad:
		return true
	}
	return false
}

// Notification is the normalized inbound message/assignment event consumed by
// the dispatcher, regardless of whether it arrived over the socket or was
// synthesized by a polling watcher.
type Notification struct {
	Kind      Kind
	From      string
	To        string
	GroupID   string
	LoadID    string
	Body      string
	HasImage  bool
	HasFile   bool
	HasAudio  bool
	Timestamp time.Time
	MessageID string
}

// ConversationKey identifies the conversation the notification pertains to.
// Individual conversations key on the sender, groups on the group, loads on
// the load.
func (n Notification) ConversationKey() string {
	switch n.Kind {
	case KindGroup:
		return "g:" + n.GroupID
	case KindLoad:
		return "l:" + n.LoadID
	default:
		return "u:" + n.From
	}
}

// DedupKey is the identity used to suppress duplicate delivery of the same
// event through multiple channels. MessageID wins when the backend assigned
// one; otherwise a composite of sender, timestamp and kind.
func (n Notification) DedupKey() string {
	if n.MessageID != "" {
		return n.MessageID
	}
	return fmt.Sprintf("%s|%d|%s", n.From, n.Timestamp.UnixMilli(), n.Kind)
}

// Title renders the OS-notification title: the sender for individual
// messages, "group: sender" for group traffic, the load reference for loads.
func (n Notification) Title() string {
	switch n.Kind {
	case KindGroup:
		return n.GroupID + ": " + n.From
	case KindLoad:
		return "Load " + n.LoadID
	default:
		return n.From
	}
}

// Preview is the toast body. Attachment-only messages render a placeholder.
func (n Notification) Preview() string {
	if n.Body != "" {
		return n.Body
	}
	switch {
	case n.HasImage:
		return "[image]"
	case n.HasFile:
		return "[file]"
	case n.HasAudio:
		return "[audio]"
	}
	return ""
}

// AssignmentKind classifies a polled assignment entity.
type AssignmentKind string

const (
	AssignmentLoad          AssignmentKind = "load"
	AssignmentDeliveryOrder AssignmentKind = "delivery-order"
	AssignmentRateRequest   AssignmentKind = "rate-request"
)

// Assignment is the normalized subset of a polled entity carried on
// watch-item-found events.
type Assignment struct {
	ID         string
	Kind       AssignmentKind
	Reference  string
	AssignedBy string
	AssignedAt time.Time
}

// PresenceChange is the payload of presence-changed events.
type PresenceChange struct {
	PeerID string
	Online bool
}

// LifecyclePhase enumerates connection-lifecycle transitions.
type LifecyclePhase string

const (
	PhaseConnected    LifecyclePhase = "connected"
	PhaseReconnected  LifecyclePhase = "reconnected"
	PhaseDisconnected LifecyclePhase = "disconnected"
)

// Lifecycle is the payload of connection-lifecycle events.
type Lifecycle struct {
	Phase    LifecyclePhase
	SocketID string
}

// UnreadDelta is the payload of the unread-count topics.
type UnreadDelta struct {
	Kind   Kind
	ID     string
	Amount int
	Count  int
}

// SelectionChange is the payload of conversation-selection-changed. An empty
// Key means no conversation is open.
type SelectionChange struct {
	Key string
}
