package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"fogsched/internal/core"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer    *http.Server
	router        *chi.Mux
	controller    *core.Controller
	mcpHandler    http.Handler
	metrics       http.Handler
	logger        *slog.Logger
	authToken     string
	statusHistory int
}

// Options carries the optional collaborators of the HTTP server.
type Options struct {
	AuthToken     string
	StatusHistory int
	// MCP is mounted at /mcp when set.
	MCP http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
}

// NewServer constructs the HTTP API server.
func NewServer(addr string, controller *core.Controller, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	statusHistory := opts.StatusHistory
	if statusHistory <= 0 {
		statusHistory = defaultStatusHistory
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:        router,
		controller:    controller,
		mcpHandler:    opts.MCP,
		metrics:       opts.Metrics,
		logger:        logger,
		authToken:     opts.AuthToken,
		statusHistory: statusHistory,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics)
	}

	if s.mcpHandler != nil {
		// Mount MCP endpoint with optional authentication
		mcpHandler := s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		// Apply authentication to all API endpoints
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Get("/status", s.handleStatus)
		r.Post("/config", s.handleSetConfig)

		r.Route("/history", func(r chi.Router) {
			r.Get("/", s.handleListHistory)
			r.Post("/clear", s.handleClearHistory)
		})
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
