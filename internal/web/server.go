// Package web exposes the run service over HTTP: start runs, follow their
// progress, read history, and accept S3 event notifications.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/JonMunkholm/csvrouter/internal/config"
	"github.com/JonMunkholm/csvrouter/internal/core"
	"github.com/JonMunkholm/csvrouter/internal/ledger"
	webmw "github.com/JonMunkholm/csvrouter/internal/web/middleware"
)

// Options configures a Server. Service and History are required.
type Options struct {
	Service *core.Service
	History ledger.Store
	// Metrics serves /metrics when set.
	Metrics http.Handler
	Config  *config.Config
}

// Server is the HTTP server for the router API.
type Server struct {
	service *core.Service
	history ledger.Store
	metrics http.Handler
	cfg     *config.Config
	router  *chi.Mux
	server  *http.Server

	// progressInterval is how often the event stream polls a run.
	progressInterval time.Duration
}

// NewServer creates a new Server instance.
func NewServer(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	s := &Server{
		service:          opts.Service,
		history:          opts.History,
		metrics:          opts.Metrics,
		cfg:              cfg,
		router:           chi.NewRouter(),
		progressInterval: 500 * time.Millisecond,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// setupMiddleware configures middleware for all routes.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(webmw.TrustedRealIP(s.cfg.Security.TrustedProxies))
	s.router.Use(webmw.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(securityHeaders)
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	requestTimeout := s.cfg.Server.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = 60 * time.Second
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Use(webmw.APIKeyAuth(&s.cfg.Security))
		r.Use(runOrigin)

		// Long-lived: ?wait=true runs and the progress stream.
		r.Post("/runs", s.handleStartRun)
		r.Get("/runs/{runID}/events", s.handleRunEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(requestTimeout))

			r.Get("/runs", s.handleListRuns)
			r.Get("/runs/{runID}", s.handleGetRun)
			r.Get("/runs/{runID}/result", s.handleRunResult)
			r.Post("/runs/{runID}/cancel", s.handleCancelRun)
			r.Post("/events/s3", s.handleS3Event)
			r.Get("/limiter", s.handleLimiterStatus)
		})
	})
}

// Start begins listening for HTTP requests. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		IdleTimeout:  s.cfg.Server.IdleTimeout,
	}

	slog.Info("starting server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the underlying chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// securityHeaders adds security headers to all responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// runOrigin tags the request context so runs started by it record the
// client address. RemoteAddr is already rewritten by TrustedRealIP.
func runOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := core.ContextWithOrigin(r.Context(), core.Origin{Kind: core.OriginHTTP, Client: r.RemoteAddr})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// writeJSON encodes v as JSON with the given status.
// Logs encoding errors since headers are already sent.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("json encode error", "error", err)
	}
}
