// Package api implements the PocketSage HTTP API.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/pocketsage/pocketsage/internal/actionqueue"
	"github.com/pocketsage/pocketsage/internal/analytics"
	"github.com/pocketsage/pocketsage/internal/buildinfo"
	"github.com/pocketsage/pocketsage/internal/cascade"
	"github.com/pocketsage/pocketsage/internal/confirm"
	"github.com/pocketsage/pocketsage/internal/connwatch"
	"github.com/pocketsage/pocketsage/internal/factpack"
	"github.com/pocketsage/pocketsage/internal/groundcache"
	"github.com/pocketsage/pocketsage/internal/modestate"
	"github.com/pocketsage/pocketsage/internal/router"
	"github.com/pocketsage/pocketsage/internal/shadow"
	"github.com/pocketsage/pocketsage/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Deps bundles the components the server exposes. Optional components
// may be nil; their endpoints respond 503.
type Deps struct {
	Cascade *cascade.Cascade
	Builder *factpack.Builder
	Router  *router.Router
	Confirm *confirm.Service
	Queue   *actionqueue.Queue
	Emitter *analytics.Emitter
	Bus     *analytics.Bus
	Watch   *connwatch.Manager
	Shadow  *shadow.Harness
	Usage   *usage.Store
	Cache   *groundcache.Cache

	// Models names the model bound to each tier, for shadow reports.
	Models map[router.Tier]cascade.ModelRef

	// Online reports whether the financial data backend is reachable.
	// Mutations go to the offline queue when it returns false.
	Online func() bool

	// TZ is the timezone for fact window boundaries. Defaults to UTC.
	TZ *time.Location
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	deps    Deps
	modes   *sessionModes
	logger  *slog.Logger
	server  *http.Server
	now     func() time.Time
}

// NewServer creates an API server.
func NewServer(address string, port int, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.TZ == nil {
		deps.TZ = time.UTC
	}
	if deps.Online == nil {
		deps.Online = func() bool { return true }
	}
	return &Server{
		address: address,
		port:    port,
		deps:    deps,
		modes:   newSessionModes(),
		logger:  logger,
		now:     time.Now,
	}
}

// Handler builds the route table. Exposed separately from Start so
// tests can drive the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/query", s.handleQuery)

	mux.HandleFunc("POST /v1/actions/request", s.handleActionRequest)
	mux.HandleFunc("POST /v1/actions/confirm", s.handleActionConfirm)
	mux.HandleFunc("POST /v1/actions/cancel", s.handleActionCancel)
	mux.HandleFunc("GET /v1/actions/{token}", s.handleActionGet)

	mux.HandleFunc("GET /v1/queue", s.handleQueueList)
	mux.HandleFunc("POST /v1/queue/process", s.handleQueueProcess)

	mux.HandleFunc("GET /v1/mode/{sessionId}", s.handleModeGet)
	mux.HandleFunc("POST /v1/mode", s.handleModeEvent)

	mux.HandleFunc("GET /v1/router/stats", s.handleRouterStats)
	mux.HandleFunc("GET /v1/router/audit", s.handleRouterAudit)
	mux.HandleFunc("GET /v1/cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /v1/usage/summary", s.handleUsageSummary)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "PocketSage",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "healthy"}
	if s.deps.Watch != nil {
		services := s.deps.Watch.Status()
		resp["services"] = services
		for _, svc := range services {
			if !svc.Ready {
				resp["status"] = "degraded"
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	total, byTier := s.deps.Router.Stats()
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"total":   total,
		"by_tier": byTier,
	}, s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decisions := s.deps.Router.AuditLog()
	if limit := parseIntParam(r, "limit", 0); limit > 0 && limit < len(decisions) {
		decisions = decisions[len(decisions)-limit:]
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cache == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "cache not configured")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.deps.Cache.Stats(), s.logger)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage store not configured")
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid since time: "+err.Error())
			return
		}
		since = t
	}

	var (
		summaries []usage.Summary
		err       error
	)
	groupBy := r.URL.Query().Get("by")
	switch groupBy {
	case "", "stage":
		groupBy = "stage"
		summaries, err = s.deps.Usage.ByStage(r.Context(), since)
	case "model":
		summaries, err = s.deps.Usage.ByModel(r.Context(), since)
	default:
		s.errorResponse(w, http.StatusBadRequest, "unsupported grouping: "+groupBy+" (use stage or model)")
		return
	}
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	total, err := s.deps.Usage.Total(r.Context(), since)
	if err != nil {
		s.logger.Error("usage total failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage summary failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"by":        groupBy,
		"summaries": summaries,
		"total":     total,
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}

// sessionModes holds one mode machine per session.
type sessionModes struct {
	mu       sync.Mutex
	machines map[string]*modestate.Machine
}

func newSessionModes() *sessionModes {
	return &sessionModes{machines: make(map[string]*modestate.Machine)}
}

func (sm *sessionModes) get(sessionID string) *modestate.Machine {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.machines[sessionID]
	if !ok {
		m = modestate.New()
		sm.machines[sessionID] = m
	}
	return m
}
