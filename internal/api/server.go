package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ostrand/backupd/internal/api/handler"
	mw "github.com/ostrand/backupd/internal/api/middleware"
	"github.com/ostrand/backupd/internal/core"
)

type Server struct {
	router   chi.Router
	logger   zerolog.Logger
	services *core.Services
	pool     *pgxpool.Pool
	runner   handler.Runner
}

func NewServer(logger zerolog.Logger, pool *pgxpool.Pool, runner handler.Runner) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		logger:   logger,
		services: core.NewServices(pool),
		pool:     pool,
		runner:   runner,
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
}

func (s *Server) setupRoutes() {
	// Prometheus metrics endpoint
	s.router.Handle("/metrics", promhttp.Handler())

	// Health check endpoints
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	s.router.Route("/api/v1", func(r chi.Router) {
		// Backup configurations
		configuration := handler.NewConfiguration(s.services.Configuration, s.runner)
		r.Get("/configurations", configuration.List)
		r.Post("/configurations", configuration.Create)
		r.Get("/configurations/{id}", configuration.Get)
		r.Put("/configurations/{id}", configuration.Update)
		r.Delete("/configurations/{id}", configuration.Deactivate)
		r.Post("/configurations/{id}/run", configuration.Run)

		// Execution history
		execution := handler.NewExecution(s.services.Execution, s.runner)
		r.Get("/configurations/{id}/executions", execution.ListByConfiguration)
		r.Get("/configurations/{id}/statistics", execution.Statistics)
		r.Get("/executions/{id}", execution.Get)
		r.Post("/executions/{id}/cancel", execution.Cancel)
		r.Post("/executions/{id}/verify", execution.Verify)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReadyz also checks database connectivity.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.pool.Ping(r.Context()); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}
