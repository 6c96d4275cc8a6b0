// Package api exposes the control plane's command and query surface.
// Authentication and authorization live in the fronting gateway; this
// server trusts its callers and concentrates on the durability domain.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/carevault/durability/internal/audit"
	"github.com/carevault/durability/internal/backup"
	"github.com/carevault/durability/internal/config"
	"github.com/carevault/durability/internal/crypto"
	"github.com/carevault/durability/internal/dr"
	"github.com/carevault/durability/internal/fault"
	"github.com/carevault/durability/internal/metrics"
	"github.com/carevault/durability/internal/replication"
)

// AuditReader serves the audit query endpoint.
type AuditReader interface {
	Events(ctx context.Context, q *audit.Query) ([]*audit.Event, error)
}

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the durability control-plane HTTP server.
type Server struct {
	engine      *backup.Engine
	verifier    *backup.Verifier
	monitor     *replication.Monitor
	coordinator *dr.Coordinator
	keys        *crypto.KeyManager
	auditReader AuditReader
	pinger      Pinger
	logger      *zap.Logger

	router     chi.Router
	httpServer *http.Server
}

// NewServer wires the handlers. auditReader and pinger may be nil when
// the deployment runs without a control-plane database.
func NewServer(cfg config.ServerConfig, engine *backup.Engine, verifier *backup.Verifier,
	monitor *replication.Monitor, coordinator *dr.Coordinator, keys *crypto.KeyManager,
	auditReader AuditReader, pinger Pinger, logger *zap.Logger) *Server {
	s := &Server{
		engine:      engine,
		verifier:    verifier,
		monitor:     monitor,
		coordinator: coordinator,
		keys:        keys,
		auditReader: auditReader,
		pinger:      pinger,
		logger:      logger,
		router:      chi.NewRouter(),
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // backups and verifications run synchronously
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Method(http.MethodGet, "/metrics", metrics.Handler())

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/backups", s.handleStartBackup)
		r.Get("/backups", s.handleListBackups)
		r.Get("/backups/{id}", s.handleGetBackup)
		r.Post("/backups/{id}/verify", s.handleVerifyBackup)
		r.Get("/backups/{id}/verifications", s.handleListVerifications)

		r.Get("/replicas", s.handleListReplicas)

		r.Post("/dr/plan", s.handleDRPlan)

		r.Post("/keys/rotate", s.handleRotateKey)
		r.Get("/keys/status", s.handleKeyStatus)

		r.Get("/audit/events", s.handleAuditEvents)
	})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("api server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		if err := s.pinger.PingContext(r.Context()); err != nil {
			s.respond(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  "database unreachable",
			})
			return
		}
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) respond(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError maps fault kinds to HTTP statuses. Unclassified errors are
// internal by default; their details stay in the logs, not the response.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := fault.KindOf(err)

	status := http.StatusInternalServerError
	message := "internal error"
	switch kind {
	case fault.KindPrecondition:
		status = http.StatusBadRequest
		message = err.Error()
	case fault.KindNotFound:
		status = http.StatusNotFound
		message = err.Error()
	case fault.KindTransient:
		status = http.StatusServiceUnavailable
		message = "temporarily unavailable"
	}

	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		s.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}

	s.respond(w, status, map[string]string{
		"error": message,
		"kind":  string(kind),
	})
}
