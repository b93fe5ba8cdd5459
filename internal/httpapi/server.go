package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/freightdesk/notifyhub/internal/journal"
	"github.com/freightdesk/notifyhub/internal/presence"
	"github.com/freightdesk/notifyhub/internal/socket"
	"github.com/freightdesk/notifyhub/internal/unread"
	"github.com/freightdesk/notifyhub/internal/watch"
)

type ServerConfig struct {
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Server is the local status surface: read-only JSON views over the live
// connection, presence set, unread counts, and journal, plus Prometheus
// metrics. It is meant to bind on loopback and carries no auth of its own.
type Server struct {
	cfg      ServerConfig
	registry *socket.Registry
	tracker  *presence.Tracker
	ledger   *unread.Ledger
	backend  journal.Backend
	watchers []*watch.Watcher
	gatherer  prometheus.Gatherer
	logger   *zap.Logger
	started  time.Time

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

func NewServer(cfg ServerConfig, registry *socket.Registry, tracker *presence.Tracker, ledger *unread.Ledger, backend journal.Backend, watchers []*watch.Watcher, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = 20
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = int(cfg.RateLimitPerSec) * 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		registry:  registry,
		tracker:   tracker,
		ledger:    ledger,
		backend:   backend,
		watchers:  watchers,
		gatherer:  gatherer,
		logger:    logger,
		started:   time.Now(),
		limiters:  map[string]*rate.Limiter{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported", getCorrelationID(r))
		return
	}
	if !s.allow(r) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests", getCorrelationID(r))
		return
	}

	switch r.URL.Path {
	case "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case "/status":
		s.handleStatus(w, r)
	case "/presence":
		s.handlePresence(w, r)
	case "/unread":
		s.handleUnread(w, r)
	case "/journal/recent":
		s.handleJournalRecent(w, r)
	case "/metrics":
		promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := make([]watch.Stats, 0, len(s.watchers))
	for _, watcher := range s.watchers {
		stats = append(stats, watcher.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"connected":     s.registry.Connected(),
		"socketId":      s.registry.SocketID(),
		"uptimeSeconds": int(time.Since(s.started).Seconds()),
		"watchers":      stats,
	})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	online := s.tracker.ListOnline()
	writeJSON(w, http.StatusOK, map[string]any{
		"online": online,
		"count":  len(online),
	})
}

func (s *Server) handleUnread(w http.ResponseWriter, r *http.Request) {
	individual, group := s.ledger.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"individual": individual,
		"group":      group,
		"total":      s.ledger.GetTotal(),
	})
}

func (s *Server) handleJournalRecent(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer", getCorrelationID(r))
			return
		}
		if parsed > 500 {
			parsed = 500
		}
		limit = parsed
	}
	entries, err := s.backend.Recent(limit)
	if err != nil {
		s.logger.Warn("journal read failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "journal_error", "failed to read journal", getCorrelationID(r))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) allow(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	s.limiterMu.Lock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RateLimitPerSec), s.cfg.RateLimitBurst)
		s.limiters[host] = limiter
	}
	s.limiterMu.Unlock()
	return limiter.Allow()
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
