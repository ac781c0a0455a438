package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"cosmossdk.io/log"

	"github.com/Jerome2332/confidex-sub008/crank"
	"github.com/Jerome2332/confidex-sub008/metrics"
)

// Controller is the operator-facing slice of the crank service.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Pause() error
	Resume() error
	SkipPendingMpc(ctx context.Context) (int64, error)
	Status() crank.Status
}

// Probe checks one subsystem. A nil return means healthy.
type Probe func(ctx context.Context) error

// Config contains server configuration.
type Config struct {
	ListenAddr   string
	APIKey       string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:   ":8091",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		ProbeTimeout: 5 * time.Second,
	}
}

// Server is the admin control plane: lifecycle operations behind an API key,
// plus unauthenticated health and Prometheus endpoints.
type Server struct {
	httpServer *http.Server
	config     *Config
	controller Controller
	summary    map[string]any
	probes     map[string]Probe
	logger     log.Logger
}

// NewServer creates the admin server. summary is the non-secret config echo
// returned by the status endpoint.
func NewServer(config *Config, controller Controller, summary map[string]any, logger log.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.ListenAddr == "" {
		config.ListenAddr = def.ListenAddr
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = def.ProbeTimeout
	}
	return &Server{
		config:     config,
		controller: controller,
		summary:    summary,
		probes:     make(map[string]Probe),
		logger:     logger.With("module", "admin"),
	}
}

// RegisterProbe adds a named subsystem check to the health endpoint.
func (s *Server) RegisterProbe(name string, p Probe) {
	s.probes[name] = p
}

// Handler builds the route table. Exposed separately so tests can drive it
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/v1/crank/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("/v1/crank/start", s.requireAuth(s.handleStart))
	mux.HandleFunc("/v1/crank/stop", s.requireAuth(s.handleStop))
	mux.HandleFunc("/v1/crank/pause", s.requireAuth(s.handlePause))
	mux.HandleFunc("/v1/crank/resume", s.requireAuth(s.handleResume))
	mux.HandleFunc("/v1/crank/skip-pending-mpc", s.requireAuth(s.handleSkipPendingMpc))

	return mux
}

// Start starts the admin server. Blocks until shutdown.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.logger.Info("admin server starting", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requireAuth guards an endpoint with a constant-time API key comparison.
// The key is read from X-API-Key.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey == "" {
			writeError(w, http.StatusServiceUnavailable, "auth_unconfigured", "ADMIN_API_KEY is not set")
			return
		}
		got := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.config.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid API key")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": s.controller.Status(),
		"config": s.summary,
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "start", func(ctx context.Context) error {
		return s.controller.Start(ctx)
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "stop", func(ctx context.Context) error {
		return s.controller.Stop(ctx)
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "pause", func(context.Context) error {
		return s.controller.Pause()
	})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, "resume", func(context.Context) error {
		return s.controller.Resume()
	})
}

func (s *Server) handleSkipPendingMpc(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	n, err := s.controller.SkipPendingMpc(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "skip_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"skipped": n,
		"state":   s.controller.Status().State,
	})
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op string, fn func(context.Context) error) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}
	if err := fn(r.Context()); err != nil {
		s.logger.Error("lifecycle operation failed", "op", op, "error", err)
		writeError(w, http.StatusConflict, op+"_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":    true,
		"state": s.controller.Status().State,
	})
}

// handleHealth aggregates subsystem probes. All passing is healthy, any
// failing is degraded, all failing is unhealthy. Degraded and unhealthy
// report 503 so load balancers drain the instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.ProbeTimeout)
	defer cancel()

	subsystems := make(map[string]string, len(s.probes))
	failed := 0
	for name, probe := range s.probes {
		if err := probe(ctx); err != nil {
			subsystems[name] = err.Error()
			failed++
		} else {
			subsystems[name] = "ok"
		}
	}

	overall := "healthy"
	code := http.StatusOK
	switch {
	case len(s.probes) > 0 && failed == len(s.probes):
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	case failed > 0:
		overall = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]any{
		"status":     overall,
		"state":      s.controller.Status().State,
		"subsystems": subsystems,
		"timestamp":  time.Now().Unix(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}
