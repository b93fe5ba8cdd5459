package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/freightdesk/notifyhub/internal/backapi"
	"github.com/freightdesk/notifyhub/internal/bus"
	"github.com/freightdesk/notifyhub/internal/config"
	"github.com/freightdesk/notifyhub/internal/dispatch"
	"github.com/freightdesk/notifyhub/internal/event"
	"github.com/freightdesk/notifyhub/internal/httpapi"
	"github.com/freightdesk/notifyhub/internal/journal"
	"github.com/freightdesk/notifyhub/internal/metrics"
	"github.com/freightdesk/notifyhub/internal/presence"
	"github.com/freightdesk/notifyhub/internal/relay"
	"github.com/freightdesk/notifyhub/internal/session"
	"github.com/freightdesk/notifyhub/internal/socket"
	"github.com/freightdesk/notifyhub/internal/unread"
	"github.com/freightdesk/notifyhub/internal/watch"
)

func main() {
	cfg := config.Load(os.Getenv("NOTIFYHUB_CONFIG"))

	logger := buildLogger(cfg.Debug)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	identity := awaitIdentity(ctx, cfg.Session, logger)
	if !identity.Valid() {
		logger.Info("shutting down before a session appeared")
		return
	}
	logger.Info("session loaded", zap.String("empId", identity.EmpID))

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	backend, err := journal.BuildBackendFromDSN(cfg.Journal.DSN)
	if err != nil {
		logger.Fatal("journal backend init failed", zap.String("dsn", cfg.Journal.DSN), zap.Error(err))
	}
	defer func() { _ = backend.Close() }()

	b := bus.New(logger)

	rel, err := relay.New(cfg.Relay.Dir, logger, m)
	if err != nil {
		logger.Fatal("relay init failed", zap.String("dir", cfg.Relay.Dir), zap.Error(err))
	}
	defer func() { _ = rel.Close() }()

	registry := socket.New(socket.Config{
		URL:         cfg.Socket.URL,
		DialTimeout: cfg.Socket.DialTimeout,
		BackoffBase: cfg.Socket.BackoffBase,
		BackoffMax:  cfg.Socket.BackoffMax,
	}, socket.Identity{EmpID: identity.EmpID, AuthToken: identity.AuthToken}, b, logger, m)

	tracker := presence.NewTracker(identity.EmpID, b, logger, m)
	defer tracker.Close()

	ledger := unread.NewLedger(b, logger, m)
	defer ledger.Close()

	api := backapi.NewClient(cfg.Backend.BaseURL, identity.AuthToken, nil)

	ui := newUIState(b, rel, logger)

	var sound dispatch.SoundSink
	if cfg.Dispatch.Sound {
		sound = relaySoundSink{rel: rel}
	}
	dispatcher := dispatch.New(b, dispatch.Options{
		Config: dispatch.Config{
			DedupWindow:   cfg.Dispatch.DedupWindow,
			ToastDuration: cfg.Dispatch.ToastDuration,
			Sound:         cfg.Dispatch.Sound,
		},
		Visibility: ui,
		System:     relaySystemSink{rel: rel},
		Toast:      relayToastSink{rel: rel},
		Sound:      sound,
		Journal:    backend,
		Logger:     logger,
		Metrics:    m,
	})
	defer dispatcher.Close()

	// A companion UI reports which notification the user clicked; route it
	// back through the dispatcher so the right conversation opens.
	defer rel.Subscribe("notification-activated", func(payload json.RawMessage) {
		var p struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(payload, &p); err != nil || p.Key == "" {
			logger.Warn("notification-activated with bad payload", zap.Error(err))
			return
		}
		dispatcher.Activate(p.Key)
	})()

	// Rate-request assignments originate in the UI process; fan them out to
	// every listener on this host's bus.
	defer rel.Subscribe("rate-request-assigned", func(payload json.RawMessage) {
		var a event.Assignment
		if err := json.Unmarshal(payload, &a); err != nil || a.ID == "" {
			logger.Warn("rate-request-assigned with bad payload", zap.Error(err))
			return
		}
		a.Kind = event.AssignmentRateRequest
		b.Publish(bus.TopicRateRequestAssigned, a)
	})()

	// Seed presence once per (re)connect; socket frames keep it current from
	// there.
	registry.OnConnect(func() {
		seedCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		statuses, err := api.OnlineStatuses(seedCtx, nil)
		if err != nil {
			logger.Warn("presence snapshot fetch failed", zap.Error(err))
			return
		}
		online := make([]string, 0, len(statuses))
		for empID, isOnline := range statuses {
			if isOnline {
				online = append(online, empID)
			}
		}
		tracker.InitializeFromSnapshot(online)
	})

	watchers := buildWatchers(cfg.Watchers, api, identity.EmpID, ui, b, logger, m)
	wireFoundEvents(b, rel, logger)

	go registry.Run(ctx)
	go rel.Run(ctx)
	for _, watcher := range watchers {
		go watcher.Run(ctx)
	}

	server := httpapi.NewServer(httpapi.ServerConfig{
		RateLimitPerSec: cfg.HTTP.RateLimitPerSec,
		RateLimitBurst:  cfg.HTTP.RateLimitBurst,
	}, registry, tracker, ledger, backend, watchers, promRegistry, logger)

	httpServer := &http.Server{
		Addr:        cfg.HTTP.Addr,
		Handler:     server,
		ReadTimeout: cfg.HTTP.ReadTimeout,
	}
	go func() {
		logger.Info("status api listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status api failed", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildLogger(debug bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		// Building the fallback config never fails.
		logger = zap.NewNop()
	}
	return logger
}

// awaitIdentity blocks until the credentials file yields a usable session or
// the context ends. Missing or corrupt files are a normal pre-login state,
// not an error.
func awaitIdentity(ctx context.Context, cfg config.SessionConfig, logger *zap.Logger) session.Identity {
	for {
		identity, err := session.Load(cfg.CredentialsFile, logger)
		if err != nil {
			logger.Warn("session load failed", zap.Error(err))
		}
		if identity.Valid() {
			return identity
		}
		logger.Info("no session yet, waiting",
			zap.String("path", cfg.CredentialsFile),
			zap.Duration("recheck", cfg.RecheckInterval))
		select {
		case <-ctx.Done():
			return session.Identity{}
		case <-time.After(cfg.RecheckInterval):
		}
	}
}

func buildWatchers(cfg config.WatcherConfig, api *backapi.Client, empID string, ui *uiState, b *bus.Bus, logger *zap.Logger, m *metrics.Metrics) []*watch.Watcher {
	loadFetch := func(ctx context.Context) ([]watch.Item, error) {
		assignments, err := api.AssignedLoads(ctx, empID)
		if err != nil {
			return nil, err
		}
		return assignmentItems(assignments), nil
	}
	orderFetch := func(ctx context.Context) ([]watch.Item, error) {
		assignments, err := api.AssignedDeliveryOrders(ctx, empID)
		if err != nil {
			return nil, err
		}
		return assignmentItems(assignments), nil
	}
	// The negotiation watcher follows whichever bid the UI has open. Switching
	// bids resets the baseline so the new thread's history seeds silently
	// instead of diffing against the old thread.
	var negotiation *watch.Watcher
	lastBid := ""
	negotiationFetch := func(ctx context.Context) ([]watch.Item, error) {
		bidID := ui.ActiveBid()
		if bidID != lastBid {
			lastBid = bidID
			negotiation.Reset()
		}
		if bidID == "" {
			return nil, nil
		}
		messages, err := api.NegotiationThread(ctx, bidID)
		if err != nil {
			return nil, err
		}
		items := make([]watch.Item, 0, len(messages))
		for _, n := range messages {
			items = append(items, watch.Item{ID: n.DedupKey(), Payload: n})
		}
		return items, nil
	}
	negotiation = watch.New("negotiation-thread", negotiationFetch, cfg.NegotiationInterval, watch.RealClock(), b, logger, m)

	return []*watch.Watcher{
		watch.New("assigned-loads", loadFetch, cfg.LoadInterval, watch.RealClock(), b, logger, m),
		watch.New("assigned-delivery-orders", orderFetch, cfg.DeliveryOrderInterval, watch.RealClock(), b, logger, m),
		negotiation,
	}
}

func assignmentItems(assignments []event.Assignment) []watch.Item {
	items := make([]watch.Item, 0, len(assignments))
	for _, a := range assignments {
		items = append(items, watch.Item{ID: a.ID, Payload: a})
	}
	return items
}

// wireFoundEvents turns watcher discoveries into dispatcher traffic. New
// negotiation messages re-enter as notifications so the socket and polling
// paths share one dedup cache; new assignments surface as load notifications
// and announce themselves on the bus.
func wireFoundEvents(b *bus.Bus, rel *relay.Relay, logger *zap.Logger) {
	b.Subscribe(bus.TopicWatchItemFound, func(payload any) {
		found, ok := payload.(watch.Found)
		if !ok {
			return
		}
		switch found.Watcher {
		case "negotiation-thread":
			if n, ok := found.Item.Payload.(event.Notification); ok {
				b.Publish(bus.TopicNotificationReceived, n)
			}
		case "assigned-loads", "assigned-delivery-orders":
			a, ok := found.Item.Payload.(event.Assignment)
			if !ok {
				return
			}
			b.Publish(bus.TopicAssignmentAccepted, a)
			b.Publish(bus.TopicNotificationReceived, event.Notification{
				Kind:      event.KindLoad,
				From:      a.AssignedBy,
				LoadID:    a.ID,
				Body:      "You were assigned " + a.Reference,
				Timestamp: a.AssignedAt,
				MessageID: "assignment:" + a.ID,
			})
			if err := rel.Publish("assignment-accepted", a); err != nil {
				logger.Warn("relay publish failed", zap.Error(err))
			}
		}
	})
}
