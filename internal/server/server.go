// Package server wires the HTTP surface of the probe: health checks, the
// operator action endpoints, relation databag management, and the system
// (admin/API key) API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pgprobe/pgprobe/internal/action"
	"github.com/pgprobe/pgprobe/internal/config"
	"github.com/pgprobe/pgprobe/internal/handler"
	"github.com/pgprobe/pgprobe/internal/model"
	"github.com/pgprobe/pgprobe/internal/openapi"
	"github.com/pgprobe/pgprobe/internal/relation"
	"github.com/pgprobe/pgprobe/internal/server/middleware"
	"github.com/pgprobe/pgprobe/internal/service"
	"github.com/pgprobe/pgprobe/internal/writer"
)

// Config holds the HTTP server configuration.
type Config struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
	CORSOrigins     []string
	RequestsPerMin  int
	JWTExpiry       time.Duration
}

// DefaultConfig returns a Config with sensible production defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ShutdownTimeout: 30 * time.Second,
		CORSOrigins:     []string{"*"},
		RequestsPerMin:  300,
		JWTExpiry:       24 * time.Hour,
	}
}

// Server is the top-level HTTP server for the probe. It owns the Chi router,
// the relation registry, the action runner, and the authentication service.
type Server struct {
	cfg        Config
	router     chi.Router
	store      *config.Store
	relations  *relation.Registry
	runner     *action.Runner
	writer     *writer.Writer
	auth       *service.Auth
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new Server, wires up all routes and middleware, and returns
// it ready to listen. Call ListenAndServe to start accepting connections.
func New(cfg Config, store *config.Store, relations *relation.Registry, runner *action.Runner, w *writer.Writer, auth *service.Auth, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		store:     store,
		relations: relations,
		runner:    runner,
		writer:    w,
		auth:      auth,
		logger:    logger,
	}
	s.setupRouter()
	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// --- Global middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Requested-With"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if s.cfg.RequestsPerMin > 0 {
		r.Use(middleware.RateLimit(s.cfg.RequestsPerMin))
	}

	// --- Health checks (no auth required) ---
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)

	// --- OpenAPI spec (no auth required) ---
	r.Get("/openapi.json", openapi.ServeSpec)

	// --- API routes ---
	r.Route("/v1", func(r chi.Router) {

		// System APIs (admin sessions, accounts, API keys)
		r.Route("/system", func(r chi.Router) {
			sysHandler := handler.NewSystemHandler(s.store, s.auth, s.cfg.JWTExpiry)

			// Session endpoints are unauthenticated (login) or self-authenticated (logout)
			r.Post("/session", sysHandler.Login)
			r.Delete("/session", sysHandler.Logout)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Authenticate(s.auth))
				r.Use(middleware.RequireAdmin())

				r.Get("/admins", sysHandler.ListAdmins)
				r.Post("/admins", sysHandler.CreateAdmin)

				r.Get("/api-keys", sysHandler.ListAPIKeys)
				r.Post("/api-keys", sysHandler.CreateAPIKey)
				r.Delete("/api-keys/{id}", sysHandler.RevokeAPIKey)
			})
		})

		// Relation databag management (admin only)
		r.Route("/relations", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.auth))
			r.Use(middleware.RequireAdmin())

			relHandler := handler.NewRelationHandler(s.store, s.runner)
			r.Get("/", relHandler.List)
			r.Get("/{name}", relHandler.Get)
			r.Put("/{name}", relHandler.Put)
			r.Delete("/{name}", relHandler.Delete)
		})

		// Operator actions (API key or admin session)
		r.Route("/actions", func(r chi.Router) {
			r.Use(middleware.Authenticate(s.auth))

			actHandler := handler.NewActionHandler(s.runner)
			r.Post("/start-continuous-writes", actHandler.StartContinuousWrites)
			r.Post("/stop-continuous-writes", actHandler.StopContinuousWrites)
			r.Post("/clear-continuous-writes", actHandler.ClearContinuousWrites)
			r.Get("/show-continuous-writes", actHandler.ShowContinuousWrites)
			r.Post("/run-sql", actHandler.RunSQL)
			r.Post("/test-tls", actHandler.TestTLS)
			r.Get("/writer-status", actHandler.WriterStatus)
		})
	})

	s.router = r
}

// handleHealthz is a liveness probe. Returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// handleReadyz is a readiness probe. It checks that every known relation has
// a complete databag; the probe is degraded while the first database
// relation is missing or incomplete, since none of the workload actions can
// run without it.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	checks := make(map[string]string)

	for _, rel := range s.relations.List() {
		if rel.Ready() {
			checks[rel.Name] = "ok"
		} else {
			checks[rel.Name] = "databag incomplete"
		}
	}
	if _, err := s.relations.Get(model.FirstDatabase); err != nil {
		checks[model.FirstDatabase] = "missing"
	}
	if checks[model.FirstDatabase] != "ok" {
		status = "degraded"
	}

	httpStatus := http.StatusOK
	if status != "ok" {
		httpStatus = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": status,
		"checks": checks,
		"writer": s.writer.Status(),
	})
}

// ListenAndServe starts the HTTP server and blocks until a SIGINT or SIGTERM
// is received. It then drains in-flight requests and winds down the write
// loop, persisting its last value so a restarted probe can resume the
// sequence.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second, // stop-continuous-writes may wait up to a minute
		IdleTimeout:  120 * time.Second,
	}

	// Listen for shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server listen: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	// Wind down the write loop. The store's running flag is deliberately
	// left as-is: a writer that was active resumes on the next serve.
	if last, err := s.writer.Stop(shutdownCtx); err == nil {
		if err := s.store.SetLastWritten(context.Background(), last); err != nil {
			s.logger.Warn("failed to persist last written value", "error", err)
		}
	}

	s.logger.Info("server stopped")
	return nil
}

// Router returns the underlying Chi router, useful for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// ServeHTTP implements http.Handler, delegating to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
