package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/hapiq/internal/auth"
	"github.com/mattjoyce/hapiq/internal/dispatch"
	"github.com/mattjoyce/hapiq/internal/events"
	"github.com/mattjoyce/hapiq/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_dispatcher.go -package=mocks github.com/mattjoyce/hapiq/internal/api Dispatcher

// Dispatcher is the part of the dispatch controller the API needs.
type Dispatcher interface {
	Run(ctx context.Context, workType protocol.WorkType, args protocol.Args) (protocol.Result, error)
	SubmitDetached(workType protocol.WorkType, args protocol.Args) (int64, error)
	Claim(id int64) (protocol.Result, bool)
	JobState(id int64) dispatch.JobState
	Stats() dispatch.Stats
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Tokens is an optional list of scoped bearer tokens. With none, every
	// request is served as auth.Anonymous.
	Tokens []auth.TokenConfig
	// MaxWait bounds how long a synchronous submit waits for its result.
	MaxWait time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config     Config
	dispatcher Dispatcher
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance
func New(config Config, d Dispatcher, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxWait <= 0 {
		config.MaxWait = 30 * time.Second
	}
	if hub == nil {
		hub = events.NewHub(256)
	}
	return &Server{
		config:     config,
		dispatcher: d,
		events:     hub,
		logger:     logger.With("component", "api"),
		startedAt:  time.Now(),
	}
}

// Start listens on config.Listen and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Synchronous submits hold the response open for up to MaxWait.
		WriteTimeout: s.config.MaxWait + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/work", s.handleListWorkTypes)
		r.With(s.requireScopes(auth.ScopeJobsRW)).Post("/work/{workType}", s.handleSubmit)
		r.With(s.requireScopes(auth.ScopeJobsRead)).Get("/jobs/{jobID}", s.handleGetJob)
		r.With(s.requireScopes(auth.ScopeEvents)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
