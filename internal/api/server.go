// Package api serves the HTTP endpoints: health and status, the Slack
// command and event webhooks, the workflow callback, manual pipeline
// triggers and saved backup lookups.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/scribe/internal/dispatcher"
	"github.com/MikeSquared-Agency/scribe/internal/model"
	"github.com/MikeSquared-Agency/scribe/internal/pipeline"
	"github.com/MikeSquared-Agency/scribe/internal/slack"
	"github.com/MikeSquared-Agency/scribe/internal/workflow"
)

// Dispatcher queues the work behind each request.
type Dispatcher interface {
	HandleCommand(cmd slack.SlashCommand) dispatcher.Ack
	HandleMention(ev slack.InnerEvent)
	SubmitRun(name string, req pipeline.Request) (uuid.UUID, error)
	SubmitBackup(name string, req pipeline.Request) (uuid.UUID, error)
}

type Resolver interface {
	Resolve(ctx context.Context, res workflow.Result) error
	Len() int
}

type AuthTester interface {
	AuthTest(ctx context.Context) (*slack.AuthInfo, error)
}

type PoolStats interface {
	Stats() (queued, running int)
}

// Backups reads saved artifacts.
type Backups interface {
	Latest(ctx context.Context, channel model.ChannelRef) (*model.BackupArtifact, error)
	FindByHash(ctx context.Context, channel model.ChannelRef, hash string) (*model.BackupArtifact, error)
}

type Deps struct {
	Dispatcher    Dispatcher
	Relay         Resolver
	Slack         AuthTester
	Pool          PoolStats
	Backups       Backups
	SigningSecret string
	APIToken      string
	WorkflowToken string
	Version       string
}

type Server struct {
	router *chi.Mux
	port   int
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	start  time.Time
}

func NewServer(port int, deps Deps, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)

	s := &Server{
		router: router,
		port:   port,
		deps:   deps,
		logger: logger,
		now:    time.Now,
		start:  time.Now(),
	}

	router.Get("/health", s.health)
	router.Get("/api/v1/status", s.status)

	router.Route("/slack", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(SlackSignatureMiddleware(deps.SigningSecret, func() time.Time { return s.now() }, logger))
			r.Post("/commands", s.slackCommand)
			r.Post("/events", s.slackEvent)
		})
		r.With(BearerAuthMiddleware(deps.APIToken)).Get("/auth-test", s.authTest)
	})

	router.With(BearerAuthMiddleware(deps.WorkflowToken)).Post("/workflow/callback", s.workflowCallback)

	router.Route("/api/v1/pipeline", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(deps.APIToken))
		r.Post("/run", s.pipelineRun)
		r.Post("/backup", s.pipelineBackup)
	})

	router.Route("/api/v1/backups/{channel}", func(r chi.Router) {
		r.Use(BearerAuthMiddleware(deps.APIToken))
		r.Get("/latest", s.latestBackup)
		r.Get("/{hash}", s.backupByHash)
	})

	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		return nil
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"service": "scribe",
		"status":  "ok",
		"version": s.deps.Version,
		"uptime":  s.now().Sub(s.start).Round(time.Second).String(),
	}
	if s.deps.Pool != nil {
		queued, running := s.deps.Pool.Stats()
		body["queued"] = queued
		body["running"] = running
	}
	if s.deps.Relay != nil {
		body["pending_questions"] = s.deps.Relay.Len()
	}
	writeJSON(w, http.StatusOK, body)
}
