// Package server exposes the broker over a JSON REST API.
package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/me/jobcoord/internal/broker"
	"github.com/me/jobcoord/internal/config"
)

// Server is the broker REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.BrokerConfig
	startTime time.Time
	broker    *broker.Service
	nodeKeys  *NodeKeyConfig // optional; nil or empty means open node access
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithNodeKeys requires agents to present one of keys.
func WithNodeKeys(keys *NodeKeyConfig) Option {
	return func(s *Server) {
		s.nodeKeys = keys
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.BrokerConfig, svc *broker.Service, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		broker:    svc,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.nodeKeys.IsEnabled() {
		s.logger.Info("node authentication enabled", "keys", len(s.nodeKeys.Keys))
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", s.handleDiscovery)
		r.Get("/health", s.handleHealth)

		// Applications
		r.Route("/apps", func(r chi.Router) {
			r.Get("/", s.handleListApps)
			r.Post("/", s.handleSubmitApp)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetApp)
				r.Put("/kill", s.handleKillApp)
				r.Get("/slots", s.handleListSlots)

				// Coordinator protocol
				r.Group(func(r chi.Router) {
					r.Use(appTokenMiddleware(s.broker, s.logger))
					r.Post("/coordinator", s.handleRegisterCoordinator)
					r.Post("/allocate", s.handleAllocate)
					r.Post("/unregister", s.handleUnregister)
				})
			})
		})

		// Node protocol
		r.Group(func(r chi.Router) {
			r.Use(nodeAuthMiddleware(s.nodeKeys, s.logger))
			r.Route("/nodes", func(r chi.Router) {
				r.Get("/", s.handleListNodes)
				r.Post("/", s.handleRegisterNode)
				r.Put("/{id}/heartbeat", s.handleNodeHeartbeat)
				r.Delete("/{id}", s.handleDeregisterNode)
			})
			r.Route("/slots/{id}", func(r chi.Router) {
				r.Put("/started", s.handleSlotStarted)
				r.Put("/complete", s.handleSlotComplete)
			})
		})
	})
}
