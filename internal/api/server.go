// Package api exposes the spend control platform over REST/JSON: the
// transaction intake, limit and sync inspection, audit search, the
// deception surfaces and the federation peer endpoint.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortifi/backend/internal/audit"
	"github.com/fortifi/backend/internal/circuitbreaker"
	"github.com/fortifi/backend/internal/controller"
	"github.com/fortifi/backend/internal/federation"
	"github.com/fortifi/backend/internal/limits"
	"github.com/fortifi/backend/internal/limitsync"
	"github.com/fortifi/backend/internal/middleware"
	"github.com/fortifi/backend/internal/monitoring"
	"github.com/fortifi/backend/internal/phantom"
	"github.com/fortifi/backend/internal/shadow"
	"github.com/fortifi/backend/internal/trap"
	"github.com/fortifi/backend/internal/websocket"
)

// ServerOptions wires the server's collaborators. Deception and
// federation components may be nil; their routes then answer 503.
type ServerOptions struct {
	Controller  *controller.Controller
	Limits      *limits.Engine
	Syncer      *limitsync.Syncer
	Audit       *audit.Logger
	Breakers    *circuitbreaker.Set
	Monitor     *monitoring.MonitoringSystem
	Streamer    *websocket.EventStreamer
	Phantom     *phantom.Engine
	Shadow      *shadow.Manager
	Traps       *trap.Engine
	Coordinator *federation.Coordinator
	Broadcaster *federation.Broadcaster

	// RateLimit guards the transaction intake; nil disables it.
	RateLimit *middleware.RateLimiter
	// AdminToken guards the mutating admin routes; empty disables.
	AdminToken string
}

// Server is the REST front of the platform.
type Server struct {
	opts   ServerOptions
	logger *log.Logger
	router *mux.Router
}

// NewServer builds the router and registers every route.
func NewServer(opts ServerOptions) *Server {
	s := &Server{
		opts:   opts,
		logger: log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	s.router = s.buildRouter()
	return s
}

// Router exposes the mux for embedding and tests.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) buildRouter() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	// Intake
	intake := http.Handler(http.HandlerFunc(s.handleSubmitTransaction))
	if s.opts.RateLimit != nil {
		intake = s.opts.RateLimit.Middleware(intake)
	}
	r.Handle("/api/transactions", intake).Methods("POST")

	guard := middleware.BearerAuth(s.opts.AdminToken)

	// Limits
	r.HandleFunc("/api/limits/{user_id}", s.handleGetLimits).Methods("GET")
	r.Handle("/api/limits/{user_id}/reset", guard(http.HandlerFunc(s.handleResetLimits))).Methods("POST")

	// Sync
	r.HandleFunc("/api/sync/{sync_id}", s.handleSyncStatus).Methods("GET")
	r.Handle("/api/sync/{sync_id}/retry", guard(http.HandlerFunc(s.handleManualResync))).Methods("POST")
	r.HandleFunc("/api/sync", s.handleSyncSummary).Methods("GET")

	// Audit
	r.HandleFunc("/api/audit/search", s.handleAuditSearch).Methods("GET")

	// Deception surfaces
	r.Handle("/api/phantom/generate", guard(http.HandlerFunc(s.handlePhantomGenerate))).Methods("POST")
	r.HandleFunc("/api/phantom/{user_id}/active", s.handlePhantomActive).Methods("GET")
	r.HandleFunc("/api/phantom/{user_id}/triggered", s.handlePhantomTriggered).Methods("GET")
	r.HandleFunc("/api/phantom/{user_id}/simulate", s.handlePhantomSimulate).Methods("POST")
	r.HandleFunc("/api/shadow/sessions", s.handleShadowSessions).Methods("GET")
	r.Handle("/api/shadow/sessions", guard(http.HandlerFunc(s.handleShadowStart))).Methods("POST")
	r.Handle("/api/shadow/sessions/{user_id}", guard(http.HandlerFunc(s.handleShadowTerminate))).Methods("DELETE")
	r.HandleFunc("/api/shadow/sessions/{user_id}/forensics", s.handleShadowForensics).Methods("GET")
	r.HandleFunc("/api/traps/active", s.handleTrapsActive).Methods("GET")
	r.HandleFunc("/api/traps/triggered", s.handleTrapsTriggered).Methods("GET")
	r.HandleFunc("/api/traps/reports", s.handleTrapReports).Methods("GET")

	// Federation
	r.Handle("/api/federation/pattern", guard(http.HandlerFunc(s.handleFederationPattern))).Methods("POST")
	r.HandleFunc("/federation/delta", s.handleFederationDelta).Methods("POST")

	// Operations
	r.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/health/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/api/stats", s.handleStats).Methods("GET")
	if s.opts.Monitor != nil {
		r.Handle("/metrics", promhttp.Handler()).Methods("GET")
		r.HandleFunc("/api/metrics/live", s.handleLiveMetrics).Methods("GET")
	}
	if s.opts.Streamer != nil {
		r.HandleFunc("/ws", s.opts.Streamer.HandleWebSocket)
		r.HandleFunc("/ws/events", s.opts.Streamer.HandleWebSocket)
	}
	return r
}

// Start serves until ctx is cancelled, then drains with the given grace.
func (s *Server) Start(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ============================================================================
// RESPONSE HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func unavailable(w http.ResponseWriter, component string) {
	writeError(w, http.StatusServiceUnavailable, component+" is not enabled")
}
