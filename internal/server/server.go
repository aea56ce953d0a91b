// Package server exposes the sync engine's control surface as a JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/leapsync/internal/engine"
	"github.com/leapstack-labs/leapsync/pkg/core"
)

// Controller is the engine surface served over HTTP.
type Controller interface {
	StartFullSync(ctx context.Context) (*core.JobState, error)
	StartIncrementalSync(ctx context.Context, tables []string) (*core.JobState, error)
	ResumeSync(ctx context.Context, jobID string) (*core.JobState, error)
	StopSync(ctx context.Context, jobID string) error
	PauseSync(ctx context.Context, jobID string) error
	Status(ctx context.Context, jobID string) (*core.JobState, error)
	ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.JobState, error)
	Conflicts(ctx context.Context, jobID string, filter core.ConflictFilter) ([]*core.Conflict, error)
	ResolveConflict(ctx context.Context, conflictID, strategy string) (*core.Conflict, error)
	AuditEvents(ctx context.Context, jobID string, filter core.EventFilter, limit, offset int) ([]*core.AuditEvent, error)
	AuditReport(ctx context.Context, jobID string) (*core.AuditReport, error)
	ValidateSchemaCompatibility(ctx context.Context, table string) (bool, []string, error)
	HealthCheck(ctx context.Context) (*engine.Health, error)
}

var _ Controller = (*engine.Engine)(nil)

// Server is the control API server.
type Server struct {
	ctl      Controller
	addr     string
	logger   *slog.Logger
	notifier *Notifier
	poll     time.Duration
}

// Config holds configuration for the server.
type Config struct {
	Controller Controller
	Addr       string
	Logger     *slog.Logger
	// PollInterval is how often job watchers refresh without a notification.
	PollInterval time.Duration
}

// New creates a server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	return &Server{
		ctl:      cfg.Controller,
		addr:     cfg.Addr,
		logger:   logger,
		notifier: NewNotifier(),
		poll:     poll,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		s.requestLogger,
	)

	r.Get("/health", s.health)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/full", s.startFull)
		r.Post("/incremental", s.startIncremental)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.jobStatus)
			r.Post("/stop", s.stopJob)
			r.Post("/pause", s.pauseJob)
			r.Post("/resume", s.resumeJob)
			r.Get("/conflicts", s.listConflicts)
			r.Get("/events", s.listEvents)
			r.Get("/report", s.report)
			r.Get("/watch", s.watchJob)
		})
	})

	r.Post("/conflicts/{id}/resolve", s.resolveConflict)
	r.Get("/tables/{table}/compatibility", s.compatibility)

	return r
}

// Serve listens on the configured address until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info("starting control API", "addr", s.addr)

	eg, egctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down control API")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
