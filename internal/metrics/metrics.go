package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the instrumentation shared by the notification pipeline.
// One instance is registered against the process registry in main; tests use
// Nop() to get an unregistered set.
type Metrics struct {
	NotificationsSurfaced   prometheus.Counter
	NotificationsSuppressed prometheus.Counter
	NotificationsDeduped    prometheus.Counter
	NotificationsMalformed  prometheus.Counter
	SocketReconnects        prometheus.Counter
	SocketFramesIn          prometheus.Counter
	WatcherTicks            *prometheus.CounterVec
	WatcherErrors           *prometheus.CounterVec
	WatcherNewItems         *prometheus.CounterVec
	RelayPublished          prometheus.Counter
	RelayReceived           prometheus.Counter
	UnreadTotal             prometheus.Gauge
	OnlinePeers             prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		NotificationsSurfaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_notifications_surfaced_total",
			Help: "Notifications surfaced to the user via any sink.",
		}),
		NotificationsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_notifications_suppressed_total",
			Help: "Notifications withheld because the conversation was open and visible.",
		}),
		NotificationsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_notifications_deduplicated_total",
			Help: "Notifications dropped as duplicates within the dedup window.",
		}),
		NotificationsMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_notifications_malformed_total",
			Help: "Inbound payloads dropped by schema validation or normalization.",
		}),
		SocketReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_socket_reconnects_total",
			Help: "Completed reconnect cycles of the realtime connection.",
		}),
		SocketFramesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_socket_frames_in_total",
			Help: "Frames read from the realtime connection.",
		}),
		WatcherTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyhub_watcher_ticks_total",
			Help: "Completed poll ticks per watcher.",
		}, []string{"watcher"}),
		WatcherErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyhub_watcher_errors_total",
			Help: "Failed poll ticks per watcher.",
		}, []string{"watcher"}),
		WatcherNewItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifyhub_watcher_new_items_total",
			Help: "New items detected per watcher.",
		}, []string{"watcher"}),
		RelayPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_relay_published_total",
			Help: "Events published to the cross-process relay.",
		}),
		RelayReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notifyhub_relay_received_total",
			Help: "Events received from sibling processes via the relay.",
		}),
		UnreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_unread_total",
			Help: "Sum of unread counts across all conversations.",
		}),
		OnlinePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notifyhub_online_peers",
			Help: "Peers currently tracked as online.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.NotificationsSurfaced,
			m.NotificationsSuppressed,
			m.NotificationsDeduped,
			m.NotificationsMalformed,
			m.SocketReconnects,
			m.SocketFramesIn,
			m.WatcherTicks,
			m.WatcherErrors,
			m.WatcherNewItems,
			m.RelayPublished,
			m.RelayReceived,
			m.UnreadTotal,
			m.OnlinePeers,
		)
	}
	return m
}

// Nop returns an unregistered metric set for tests and optional wiring.
func Nop() *Metrics {
	return New(nil)
}
