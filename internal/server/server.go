// Package server provides the HTTP surface for the bridge.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/bridge"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/event"
	"github.com/toolgate/toolgate/internal/permission"
)

// Server is the HTTP server.
type Server struct {
	cfg         config.ServerConfig
	router      *chi.Mux
	httpSrv     *http.Server
	orch        *bridge.Orchestrator
	permissions *permission.Manager
	sandbox     *admission.Sandbox
	bus         *event.Bus
	logger      zerolog.Logger
}

// New creates a Server wired to the bridge components.
func New(
	cfg config.ServerConfig,
	orch *bridge.Orchestrator,
	permissions *permission.Manager,
	sandbox *admission.Sandbox,
	bus *event.Bus,
	logger zerolog.Logger,
) *Server {
	s := &Server{
		cfg:         cfg,
		router:      chi.NewRouter(),
		orch:        orch,
		permissions: permissions,
		sandbox:     sandbox,
		bus:         bus,
		logger:      logger.With().Str("component", "server").Logger(),
	}

	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Post("/execute", s.execute)
	r.Post("/abort", s.abort)

	r.Route("/permission", func(r chi.Router) {
		r.Get("/pending", s.pendingPermissions)
		r.Post("/reply", s.replyPermission)
	})

	r.Route("/file", func(r chi.Router) {
		r.Get("/", s.scanDirectory)
		r.Get("/content", s.readFile)
	})

	r.Get("/health", s.health)
	r.Get("/event", s.allEvents)
}

// Start starts the HTTP server. Write timeout stays zero for SSE.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout.Std(),
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// SSEHeartbeatInterval is the interval for SSE heartbeats.
const SSEHeartbeatInterval = 30 * time.Second
