package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/script-supervisor/internal/report"
	"github.com/psantana5/script-supervisor/pkg/auth"
	"github.com/psantana5/script-supervisor/pkg/config"
	"github.com/psantana5/script-supervisor/pkg/logging"
	"github.com/psantana5/script-supervisor/pkg/middleware"
	"github.com/psantana5/script-supervisor/pkg/models"
)

// DefaultRunsLimit is the number of records /runs returns without ?limit
const DefaultRunsLimit = 20

// RunLister is the read side of the run history
type RunLister interface {
	List(ctx context.Context, limit int) ([]*models.RunRecord, error)
}

// HealthChecker is implemented by history backends that hold a connection
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ServerOptions configures the status server
type ServerOptions struct {
	Addr         string
	Mounts       config.PersistentMounts
	MinFreeMB    uint64 // disk threshold per mount, 0 disables
	MinFreeMemMB uint64 // available memory threshold, 0 only reports

	State    func() models.SupervisorState
	History  RunLister
	Failures *report.FailureLog

	// Auth protects everything except /health, /ready and /metrics when set
	Auth *auth.TokenVerifier
}

// Server exposes metrics and supervisor status over HTTP
type Server struct {
	opts    ServerOptions
	metrics *Metrics
	logger  *logging.Logger
	router  *mux.Router
	srv     *http.Server
	started time.Time
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(opts ServerOptions, m *Metrics, logger *logging.Logger) *Server {
	s := &Server{
		opts:    opts,
		metrics: m,
		logger:  logger,
		router:  mux.NewRouter(),
		started: time.Now(),
	}

	if opts.Auth != nil {
		s.router.Use(middleware.RequireBearer(opts.Auth, "/health", "/ready", "/metrics"))
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.router.HandleFunc("/runs", s.handleRuns).Methods("GET")
	s.router.HandleFunc("/runs/failures", s.handleFailures).Methods("GET")
	s.router.HandleFunc("/state", s.handleState).Methods("GET")

	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
// Bind errors are returned; later serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Addr, err)
	}
	s.logger.Info(fmt.Sprintf("Status server listening on %s", ln.Addr()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("Status server error: %v", err))
		}
	}()
	return nil
}

// Shutdown stops the server, waiting for in-flight requests up to ctx
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true

	if err := s.opts.Mounts.Check(); err != nil {
		checks["mounts"] = err.Error()
		ready = false
	} else {
		checks["mounts"] = "ok"
	}

	low, err := s.opts.Mounts.LowDiskSpace(s.opts.MinFreeMB)
	switch {
	case err != nil:
		checks["disk"] = err.Error()
		ready = false
	case len(low) > 0:
		checks["disk"] = fmt.Sprintf("%s has %d MB available", low[0].Path, low[0].AvailableMB)
		ready = false
	default:
		checks["disk"] = "ok"
	}

	if hc, ok := s.opts.History.(HealthChecker); ok {
		if err := hc.HealthCheck(r.Context()); err != nil {
			checks["history"] = err.Error()
			ready = false
		} else {
			checks["history"] = "ok"
		}
	}

	vm, err := mem.VirtualMemoryWithContext(r.Context())
	if err != nil {
		checks["memory"] = fmt.Sprintf("unknown: %v", err)
	} else {
		availMB := vm.Available / (1024 * 1024)
		checks["memory"] = fmt.Sprintf("%d MB available", availMB)
		if s.opts.MinFreeMemMB > 0 && availMB < s.opts.MinFreeMemMB {
			ready = false
		}
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.opts.History == nil {
		writeJSON(w, http.StatusOK, []*models.RunRecord{})
		return
	}
	limit, err := parseLimit(r, DefaultRunsLimit)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	runs, err := s.opts.History.List(r.Context(), limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if runs == nil {
		runs = []*models.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, report.DefaultFailureLogSize)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	resp := map[string]interface{}{
		"total":    0,
		"failures": []report.FailureSample{},
	}
	if s.opts.Failures != nil {
		resp["total"] = s.opts.Failures.Total()
		resp["failures"] = s.opts.Failures.GetRecent(limit)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if s.opts.State == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "supervisor not running"})
		return
	}
	writeJSON(w, http.StatusOK, s.opts.State())
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", raw)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
