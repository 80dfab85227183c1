package api

import (
	"context"
	"encoding/json"
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

	"github.com/seantiz/packtivity/internal/backend"
	"github.com/seantiz/packtivity/internal/engine"
	"github.com/seantiz/packtivity/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Backends resolves backend names and proxies. *backend.Registry and
// *catalog.Catalog both implement it.
type Backends interface {
	Sync(name string) (backend.Sync, error)
	Async(name string) (backend.Async, error)
	LoadProxy(raw json.RawMessage) (backend.Proxy, string, error)
	List() []backend.BackendInfo
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router   *chi.Mux
	store    store.Store
	backends Backends
	broker   *engine.LogBroker
	logger   *slog.Logger
	addr     string

	syncBackend  string
	asyncBackend string
}

// Option configures a Server.
type Option func(*Server)

// WithDefaultBackends sets the backends used when a request names none.
func WithDefaultBackends(sync, async string) Option {
	return func(s *Server) {
		s.syncBackend = sync
		s.asyncBackend = async
	}
}

// NewServer creates and configures a new HTTP server. broker streams live
// task logs; it may be nil when this process runs no queue workers.
func NewServer(addr string, s store.Store, b Backends, broker *engine.LogBroker, logger *slog.Logger, opts ...Option) *Server {
	srv := &Server{
		router:       chi.NewRouter(),
		store:        s,
		backends:     b,
		broker:       broker,
		logger:       logger,
		addr:         addr,
		syncBackend:  "defaultsync",
		asyncBackend: "taskqueue",
	}
	for _, opt := range opts {
		opt(srv)
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/backends", s.handleListBackends)
	s.router.Get("/v1/stats", s.handleGetStats)

	s.router.Route("/v1/activities", func(r chi.Router) {
		r.Post("/run", s.handleRun)
		r.Post("/prepublish", s.handlePrepublish)
		r.Post("/submit", s.handleSubmit)
	})

	s.router.Route("/v1/proxies", func(r chi.Router) {
		r.Post("/status", s.handleProxyStatus)
		r.Post("/result", s.handleProxyResult)
	})

	s.router.Route("/v1/tasks", func(r chi.Router) {
		r.Get("/", s.handleListTasks)
		r.Get("/{id}", s.handleGetTask)
		r.Get("/{id}/logs", s.handleStreamLogs)
		r.Get("/{id}/logs/history", s.handleGetLogHistory)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is done.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", ctx.Err())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, errorResponse{Error: message})
}

type errorResponse struct {
	Error      string              `json:"error"`
	Diagnostic *backend.Diagnostic `json:"diagnostic,omitempty"`
}

// writeDiagnostic reports a failed activity. Template, lookup and execution
// failures are the caller's to fix and map to 422; anything else is a 500.
func (s *Server) writeDiagnostic(w http.ResponseWriter, err error) {
	d := backend.DiagnosticFrom(err)
	status := http.StatusUnprocessableEntity
	if d.Code == backend.CodeInternal {
		status = http.StatusInternalServerError
		s.logger.Error("activity failed", "error", err)
	}
	s.writeJSON(w, status, errorResponse{Error: d.Message, Diagnostic: d})
}
