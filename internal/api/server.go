package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/edvin/dbvault/internal/api/handler"
	mw "github.com/edvin/dbvault/internal/api/middleware"
	"github.com/edvin/dbvault/internal/config"
	"github.com/edvin/dbvault/internal/core"
	"github.com/edvin/dbvault/internal/dispatch"
	"github.com/edvin/dbvault/internal/registry"
)

// Agents register and heartbeat from a fixed set of machines, so the limit is
// per source IP.
const (
	agentRateLimit  = 60
	agentRateWindow = time.Minute
)

// Pinger checks a dependency for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	router     chi.Router
	logger     zerolog.Logger
	services   *core.Services
	db         Pinger
	registry   *registry.Registry
	observers  *registry.Observers
	dispatcher *dispatch.Dispatcher
	tokens     *mw.TokenValidator
	cfg        *config.Config
}

func NewServer(logger zerolog.Logger, db Pinger, services *core.Services, reg *registry.Registry, observers *registry.Observers, dispatcher *dispatch.Dispatcher, cfg *config.Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		logger:     logger,
		services:   services,
		db:         db,
		registry:   reg,
		observers:  observers,
		dispatcher: dispatcher,
		tokens:     mw.NewTokenValidator(cfg.JWTSecret),
		cfg:        cfg,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(mw.RequestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(mw.Metrics)
	s.router.Use(mw.CORS(s.cfg.CORSOrigins))
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.Auth(s.tokens))

		agent := handler.NewAgent(s.services.Agent, s.registry)
		r.Get("/agents", agent.List)
		r.Group(func(r chi.Router) {
			r.Use(mw.RateLimitByIP(agentRateLimit, agentRateWindow))
			r.Post("/agents", agent.Register)
			r.Post("/agents/heartbeat", agent.Heartbeat)
		})

		backup := handler.NewBackup(s.services, s.dispatcher)
		r.Post("/backup-jobs/{id}/execute", backup.Execute)
		r.Post("/backups/{id}/restore", backup.Restore)
		r.Post("/backups/{id}/verify", backup.Verify)

		database := handler.NewDatabase(s.services, s.dispatcher)
		r.Post("/databases/{id}/test", database.Test)

		ws := handler.NewWS(s.services.Agent, s.dispatcher, s.observers, handler.WSOptions{
			PingInterval:   s.cfg.WSPingInterval,
			PingTimeout:    s.cfg.WSPingTimeout,
			AllowedOrigins: s.cfg.CORSOrigins,
		}, s.logger)
		r.Get("/ws", ws.Serve)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true

	if err := s.db.Ping(ctx); err != nil {
		checks["core_db"] = err.Error()
		healthy = false
	} else {
		checks["core_db"] = "ok"
	}
	checks["agents_online"] = strconv.Itoa(len(s.registry.ListOnline()))

	w.Header().Set("Content-Type", "application/json")
	if healthy {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
