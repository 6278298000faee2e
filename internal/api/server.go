// Package api provides the HTTP surface of the deployment coordinator.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/deploybot/internal/api/handlers"
	"github.com/narvanalabs/deploybot/internal/api/health"
	"github.com/narvanalabs/deploybot/internal/api/middleware"
	"github.com/narvanalabs/deploybot/internal/autodeploy"
	"github.com/narvanalabs/deploybot/internal/deployconfig"
	"github.com/narvanalabs/deploybot/internal/deployer"
	"github.com/narvanalabs/deploybot/internal/locker"
	"github.com/narvanalabs/deploybot/internal/notify"
	"github.com/narvanalabs/deploybot/internal/store"
	"github.com/narvanalabs/deploybot/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker

	slack    *handlers.SlackHandler
	webhooks *handlers.WebhookHandler
}

// Deps carries the wired-up services the server routes to.
type Deps struct {
	Store        store.Store
	Orchestrator *deployer.Orchestrator
	Locks        *locker.Manager
	Machine      *autodeploy.Machine
	DeployConfig *deployconfig.Fetcher
	Notifier     notify.Notifier
	Pinger       health.Pinger
}

// NewServer creates a new API server with the given dependencies.
func NewServer(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		logger: logger,
	}

	s.healthChecker = health.NewChecker(deps.Pinger, Version)
	s.slack = handlers.NewSlackHandler(deps.Store, deps.Orchestrator, deps.Locks,
		deps.Machine, deps.DeployConfig, cfg.Slack.SigningSecret, logger)
	s.webhooks = handlers.NewWebhookHandler(deps.Store, deps.Machine, deps.Notifier,
		cfg.GitHub.WebhookSecret, logger)

	s.setupRouter()
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", s.healthChecker.Handler())

	r.Post("/slack/commands", s.slack.Command)
	r.Post("/webhooks/github", s.webhooks.GitHub)

	s.router = r
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.APIHost, s.config.APIPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
