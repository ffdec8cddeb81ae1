// Package server implements the Public Gateway Surface (spec §6): request
// authentication, dialect routing, and the admin API, fronting the Request
// Dispatch outer loop with chi's router the way erauner12-toolbridge-api and
// wisbric-nightowl front their own domain services.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ozhandev/warp-gateway/internal/account"
	"github.com/ozhandev/warp-gateway/internal/auth"
	"github.com/ozhandev/warp-gateway/internal/config"
	"github.com/ozhandev/warp-gateway/internal/dispatch"
	"github.com/ozhandev/warp-gateway/internal/events"
	"github.com/ozhandev/warp-gateway/internal/health"
	"github.com/ozhandev/warp-gateway/internal/refresh"
	"github.com/ozhandev/warp-gateway/internal/session"
	"github.com/ozhandev/warp-gateway/internal/store"
	"github.com/ozhandev/warp-gateway/internal/transport"
)

// Server wires the Public Gateway Surface's HTTP layer onto the domain
// packages beneath it: dispatch for the outer request loop, refresh for
// admin-triggered account refresh, health for the background probe loop's
// readiness signal, and events for the admin live-event stream.
type Server struct {
	cfg          *config.Config
	store        store.Store
	accounts     *account.Manager
	refresh      *refresh.Service
	dispatcher   *dispatch.Dispatcher
	monitor      *health.Monitor
	transportMgr *transport.Manager
	sessions     *session.Store
	bus          *events.Bus
	authMw       *auth.Middleware
	version      string
	startTime    time.Time
	httpServer   *http.Server
	pkceSessions *session.TTLMap[account.PKCESession]
}

func New(
	cfg *config.Config,
	s store.Store,
	accounts *account.Manager,
	refreshSvc *refresh.Service,
	dispatcher *dispatch.Dispatcher,
	monitor *health.Monitor,
	transportMgr *transport.Manager,
	bus *events.Bus,
	version string,
) *Server {
	srv := &Server{
		cfg:          cfg,
		store:        s,
		accounts:     accounts,
		refresh:      refreshSvc,
		dispatcher:   dispatcher,
		monitor:      monitor,
		transportMgr: transportMgr,
		sessions:     session.NewStore(cfg.CompatSessionTTL),
		bus:          bus,
		authMw:       auth.NewMiddleware(cfg.APIToken, cfg.AdminToken, cfg.AdminAuthMode),
		version:      version,
		startTime:    time.Now().UTC(),
		pkceSessions: session.NewTTLMap[account.PKCESession](),
	}
	srv.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      srv.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // dialect streaming responses can run long
		IdleTimeout:  120 * time.Second,
	}
	return srv
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "x-api-key", "x-admin-token", "anthropic-version"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authMw.Authenticate)
		r.Get("/v1/models", s.handleListModels)
		r.Post("/v1/chat/completions", s.handleChatCompletions)
		r.Post("/v1/responses", s.handleResponses)
		r.Post("/v1/messages", s.handleMessages)
		for _, prefix := range []string{"/v1", "/v1beta"} {
			r.Post(prefix+"/models/{model}:generateContent", s.handleGenerateContent(false))
			r.Post(prefix+"/models/{model}:streamGenerateContent", s.handleGenerateContent(true))
		}
	})

	r.Route("/admin/api", func(r chi.Router) {
		r.Use(s.authMw.AuthenticateAdmin)
		r.Get("/tokens", s.handleListAccounts)
		r.Post("/tokens", s.handleCreateAccount)
		r.Post("/tokens/batch-import", s.handleBatchImport)
		r.Post("/tokens/oauth/start", s.handleOAuthStart)
		r.Post("/tokens/oauth/finish", s.handleOAuthFinish)
		r.Patch("/tokens/{id}", s.handlePatchAccount)
		r.Post("/tokens/{id}/refresh", s.handleRefreshAccount)
		r.Post("/tokens/{id}/health-check", s.handleHealthCheckAccount)
		r.Post("/tokens/refresh-all", s.handleRefreshAll)
		r.Get("/statistics", s.handleStatistics)
		r.Get("/events", s.handleEvents)
		r.Get("/health", s.handleAdminHealth)
		r.Get("/readiness", s.handleReadiness)
	})

	return r
}

// Run starts the background health monitor and the HTTP server, and blocks
// until SIGINT/SIGTERM, then drains in-flight requests before returning.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go s.monitor.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.httpServer.Addr, "version", s.version)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.transportMgr.Close()
	return s.httpServer.Shutdown(shutdownCtx)
}
