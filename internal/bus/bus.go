package bus

import (
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Topic names the internal signals carried between components. The names are
// load-bearing: host applications subscribe to them by value, so they must not
// change without a migration of every consumer.
type Topic string

const (
	TopicConversationSelectionChanged Topic = "conversation-selection-changed"
	TopicIncrementUnreadCount         Topic = "increment-unread-count"
	TopicClearUnreadCount             Topic = "clear-unread-count"
	TopicSetUnreadCount               Topic = "set-unread-count"
	TopicOpenChatWithID               Topic = "open-chat-with-id"
	TopicOpenGroupWithID              Topic = "open-group-with-id"
	TopicOpenLoadWithID               Topic = "open-load-with-id"
	TopicAssignmentAccepted           Topic = "assignment-accepted"
	TopicNotificationReceived         Topic = "notification-received"
	TopicPresenceChanged              Topic = "presence-changed"
	TopicConnectionLifecycle          Topic = "connection-lifecycle"
	TopicRateRequestAssigned          Topic = "rate-request-assigned"
	TopicWatchItemFound               Topic = "watch-item-found"
)

// Handler receives a published payload. Handlers run synchronously on the
// publisher's goroutine, in subscription order.
type Handler func(payload any)

// Bus is the process-wide publish/subscribe fabric. One instance is built at
// startup and shared by reference; there is no package-level singleton.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[Topic]map[uint64]Handler
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   map[Topic]map[uint64]Handler{},
		logger: logger,
	}
}

// Subscribe registers fn for topic and returns an unsubscribe function. The
// returned function is idempotent and safe to call from inside a handler.
func (b *Bus) Subscribe(topic Topic, fn Handler) func() {
	if fn == nil {
		return func() {}
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[topic] == nil {
		b.subs[topic] = map[uint64]Handler{}
	}
	b.subs[topic][id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if handlers, ok := b.subs[topic]; ok {
				delete(handlers, id)
				if len(handlers) == 0 {
					delete(b.subs, topic)
				}
			}
		})
	}
}

// Publish delivers payload to every handler subscribed to topic at the moment
// of the call. Handlers added during delivery do not receive the in-flight
// event; handlers removed during delivery may still receive it.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	handlers := b.subs[topic]
	ids := make([]uint64, 0, len(handlers))
	for id := range handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]Handler, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range snapshot {
		b.deliver(topic, fn, payload)
	}
}

// SubscriberCount reports the number of live handlers for topic. Used by
// tests to verify listener cleanup.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *Bus) deliver(topic Topic, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Warn("bus handler panicked",
				zap.String("topic", string(topic)),
				zap.Any("panic", r))
		}
	}()
	fn(payload)
}
