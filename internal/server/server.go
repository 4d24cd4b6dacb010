package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/fanforge/socialcore/internal/account"
	"github.com/fanforge/socialcore/internal/config"
	"github.com/fanforge/socialcore/internal/domain"
	"github.com/fanforge/socialcore/internal/publish"
	"github.com/fanforge/socialcore/internal/server/middleware"
	"github.com/fanforge/socialcore/internal/webhook"
)

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	accounts   *account.Service
	posts      *publish.Service
	ingress    *webhook.Ingress
	events     domain.EventRepository
	cfg        *config.Config
}

// New creates a Server with all routes wired. ctx bounds the lifetime of the
// rate limiter cleanup goroutines and should be the process context.
func New(ctx context.Context, cfg *config.Config, accounts *account.Service, posts *publish.Service, ingress *webhook.Ingress, events domain.EventRepository) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(middleware.RequestLogger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router:   router,
		accounts: accounts,
		posts:    posts,
		ingress:  ingress,
		events:   events,
		cfg:      cfg,
		httpServer: &http.Server{
			Addr:         cfg.Server.Addr,
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// Authenticated collaborator API.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWT.Secret))
		r.Use(middleware.RateLimit(ctx, 100, 200))
		registerAPIRoutes(r, accounts, posts, events)
	})

	// Platform-facing routes carry no bearer token; they are throttled by IP
	// and authenticated by OAuth state / webhook signatures instead.
	router.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, 20, 40))
		r.Get("/oauth/{provider}/callback", s.handleOAuthCallback)
		r.Post("/webhooks/{provider}", s.handleWebhook)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
