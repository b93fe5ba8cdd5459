package dispatch

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/event"
	"github.com/freightdesk/notifyhub/internal/journal"
	"github.com/freightdesk/notifyhub/internal/metrics"
)

const (
	// DefaultDedupWindow is the duplicate-suppression horizon shared by the
	// push and polling channels.
	DefaultDedupWindow = 45 * time.Second

	// DefaultToastDuration is how long the in-app toast stays up.
	DefaultToastDuration = 5 * time.Second
)

// VisibilitySource reports whether the host surface is visible to the user.
// When it is not, selection-based suppression never applies: visibility
// cannot suppress what the user cannot see.
type VisibilitySource interface {
	Visible() bool
}

// SystemNotification is the OS-level surface. Tag equals the dedup key so the
// OS collapses duplicate deliveries of the same event.
type SystemNotification struct {
	Tag                string
	Title              string
	Body               string
	ConversationKey    string
	RequireInteraction bool
}

// Toast is the in-app surface.
type Toast struct {
	Title           string
	Body            string
	ConversationKey string
	Duration        time.Duration
}

// SystemSink shows OS notifications. NopSystemSink stands in when permission
// was denied or no desktop is available.
type SystemSink interface {
	Notify(n SystemNotification) error
}

// ToastSink shows in-app toasts.
type ToastSink interface {
	Toast(t Toast) error
}

// SoundSink plays the notification sound.
type SoundSink interface {
	Play() error
}

// NopSystemSink is the degraded system sink: permission denied means the
// OS surface silently disappears while toasts and badges keep working.
type NopSystemSink struct{}

func (NopSystemSink) Notify(SystemNotification) error { return nil }

type Config struct {
	DedupWindow   time.Duration
	ToastDuration time.Duration
	Sound         bool
}

func (c Config) withDefaults() Config {
	if c.DedupWindow <= 0 {
		c.DedupWindow = DefaultDedupWindow
	}
	if c.ToastDuration <= 0 {
		c.ToastDuration = DefaultToastDuration
	}
	return c
}

// Dispatcher decides, for each inbound notification, whether to surface it,
// which sinks to use, and whether to count it unread. It owns the
// seen-notification cache; nothing else reads or writes it.
type Dispatcher struct {
	cfg        Config
	bus        *bus.Bus
	visibility VisibilitySource
	system     SystemSink
	toast      ToastSink
	sound      SoundSink
	journal    journal.Backend
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu       sync.Mutex
	seen     map[string]time.Time
	selected string

	unsubs []func()
}

type Options struct {
	Config     Config
	Visibility VisibilitySource
	System     SystemSink
	Toast      ToastSink
	Sound      SoundSink
	Journal    journal.Backend
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

func New(b *bus.Bus, opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Nop()
	}
	system := opts.System
	if system == nil {
		system = NopSystemSink{}
	}
	d := &Dispatcher{
		cfg:        opts.Config.withDefaults(),
		bus:        b,
		visibility: opts.Visibility,
		system:     system,
		toast:      opts.Toast,
		sound:      opts.Sound,
		journal:    opts.Journal,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
		seen:       map[string]time.Time{},
	}
	d.unsubs = append(d.unsubs,
		b.Subscribe(bus.TopicNotificationReceived, d.onNotification),
		b.Subscribe(bus.TopicConversationSelectionChanged, d.onSelectionChange),
	)
	return d
}

// Close detaches the dispatcher from the bus.
func (d *Dispatcher) Close() {
	for _, unsub := range d.unsubs {
		unsub()
	}
}

// Activate handles a notification click-through: the host focuses its window
// and deep-links to the conversation the key names.
func (d *Dispatcher) Activate(conversationKey string) {
	if len(conversationKey) < 3 {
		return
	}
	id := conversationKey[2:]
	switch conversationKey[:2] {
	case "u:":
		d.bus.Publish(bus.TopicOpenChatWithID, id)
	case "g:":
		d.bus.Publish(bus.TopicOpenGroupWithID, id)
	case "l:":
		d.bus.Publish(bus.TopicOpenLoadWithID, id)
	}
}

func (d *Dispatcher) onSelectionChange(payload any) {
	change, ok := payload.(event.SelectionChange)
	if !ok {
		return
	}
	d.mu.Lock()
	d.selected = change.Key
	d.mu.Unlock()
}

func (d *Dispatcher) onNotification(payload any) {
	n, ok := payload.(event.Notification)
	if !ok {
		return
	}
	now := d.now()
	key := n.DedupKey()

	if d.markSeen(key, now) {
		d.metrics.NotificationsDeduped.Inc()
		d.record(n, journal.OutcomeDeduplicated, now)
		d.logger.Debug("duplicate notification dropped", zap.String("dedupKey", key))
		return
	}

	visible := d.visibility != nil && d.visibility.Visible()
	suppressed := visible && d.selectedKey() == n.ConversationKey()

	if suppressed {
		// The conversation is open in front of the user: no surface and no
		// unread increment, since the message is read on arrival.
		d.metrics.NotificationsSuppressed.Inc()
		d.record(n, journal.OutcomeSuppressed, now)
		d.logger.Debug("notification suppressed for open conversation",
			zap.String("conversation", n.ConversationKey()))
		return
	}

	d.incrementUnread(n)
	d.surface(n, key)
	d.metrics.NotificationsSurfaced.Inc()
	d.record(n, journal.OutcomeSurfaced, now)
}

// markSeen reports whether key was already delivered inside the dedup window
// and records it otherwise. Expired entries are pruned opportunistically.
func (d *Dispatcher) markSeen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := now.Add(-d.cfg.DedupWindow)
	for k, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, k)
		}
	}
	if _, dup := d.seen[key]; dup {
		return true
	}
	d.seen[key] = now
	return false
}

func (d *Dispatcher) selectedKey() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected
}

func (d *Dispatcher) incrementUnread(n event.Notification) {
	switch n.Kind {
	case event.KindIndividual:
		d.bus.Publish(bus.TopicIncrementUnreadCount, event.UnreadDelta{Kind: event.KindIndividual, ID: n.From, Amount: 1})
	case event.KindGroup:
		d.bus.Publish(bus.TopicIncrementUnreadCount, event.UnreadDelta{Kind: event.KindGroup, ID: n.GroupID, Amount: 1})
	}
}

func (d *Dispatcher) surface(n event.Notification, key string) {
	if err := d.system.Notify(SystemNotification{
		Tag:             key,
		Title:           n.Title(),
		Body:            n.Preview(),
		ConversationKey: n.ConversationKey(),
	}); err != nil {
		d.logger.Warn("system notification failed", zap.Error(err))
	}
	if d.toast != nil {
		if err := d.toast.Toast(Toast{
			Title:           n.Title(),
			Body:            n.Preview(),
			ConversationKey: n.ConversationKey(),
			Duration:        d.cfg.ToastDuration,
		}); err != nil {
			d.logger.Warn("toast failed", zap.Error(err))
		}
	}
	if d.cfg.Sound && d.sound != nil {
		if err := d.sound.Play(); err != nil {
			d.logger.Warn("notification sound failed", zap.Error(err))
		}
	}
}

func (d *Dispatcher) record(n event.Notification, outcome journal.Outcome, at time.Time) {
	if d.journal == nil {
		return
	}
	err := d.journal.Append(journal.Entry{
		DedupKey:        n.DedupKey(),
		Kind:            string(n.Kind),
		ConversationKey: n.ConversationKey(),
		Outcome:         outcome,
		Title:           n.Title(),
		At:              at,
	})
	if err != nil {
		d.logger.Warn("journal append failed", zap.Error(err))
	}
}
