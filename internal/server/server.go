package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	v1 "github.com/gosuda/toolaudit/internal/api/v1"
	"github.com/gosuda/toolaudit/internal/auth"
	"github.com/gosuda/toolaudit/internal/config"
	"github.com/gosuda/toolaudit/internal/server/middleware"
)

const (
	opsRequestsPerSecond = 50
	opsBurst             = 100
)

// Deps are the audit components the ops API exposes.
type Deps struct {
	Source  string
	Buffer  v1.BufferStats
	Shipper v1.Shipper // nil when no sink is configured
	Logger  v1.EntryLogger
}

// Server is the ops HTTP server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
}

// New creates a Server with all routes wired. Without a JWT secret the API
// routes accept unauthenticated requests and roles are not enforced.
func New(ctx context.Context, cfg config.ServerConfig, deps Deps) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}).Handler)
	}

	s := &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.Addr,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}

	// One huma API per role group; only the first serves the OpenAPI docs.
	router.Route("/api/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth(cfg.JWTSecret))
		} else {
			log.Warn().Msg("ops api: authentication disabled")
		}
		r.Use(middleware.RateLimitByIP(ctx, opsRequestsPerSecond, opsBurst))

		r.Group(func(r chi.Router) {
			requireRoles(r, cfg.JWTSecret, auth.RoleViewer, auth.RoleAgent, auth.RoleAdmin)
			registerStatsRoutes(humachi.New(r, apiConfig(true)), deps)
		})

		r.Group(func(r chi.Router) {
			requireRoles(r, cfg.JWTSecret, auth.RoleAgent, auth.RoleAdmin)
			registerLogRoutes(humachi.New(r, apiConfig(false)), deps)
		})

		r.Group(func(r chi.Router) {
			requireRoles(r, cfg.JWTSecret, auth.RoleAdmin)
			registerDrainRoutes(humachi.New(r, apiConfig(false)), deps)
		})
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

func apiConfig(docs bool) huma.Config {
	c := huma.DefaultConfig("Toolaudit Ops API", "1.0.0")
	c.Servers = []*huma.Server{
		{URL: "/api/v1"},
	}
	if !docs {
		c.OpenAPIPath = ""
		c.DocsPath = ""
		c.SchemasPath = ""
	}
	return c
}

func requireRoles(r chi.Router, jwtSecret string, roles ...string) {
	if jwtSecret == "" {
		return
	}
	r.Use(middleware.RequireRole(roles...))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

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
