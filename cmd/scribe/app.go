package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MikeSquared-Agency/scribe/internal/anthropic"
	"github.com/MikeSquared-Agency/scribe/internal/backup"
	"github.com/MikeSquared-Agency/scribe/internal/canvas"
	"github.com/MikeSquared-Agency/scribe/internal/config"
	"github.com/MikeSquared-Agency/scribe/internal/extractor"
	"github.com/MikeSquared-Agency/scribe/internal/gemini"
	"github.com/MikeSquared-Agency/scribe/internal/hermes"
	"github.com/MikeSquared-Agency/scribe/internal/pipeline"
	"github.com/MikeSquared-Agency/scribe/internal/slack"
	"github.com/MikeSquared-Agency/scribe/internal/store"
	"github.com/MikeSquared-Agency/scribe/internal/summarizer"
)

// app holds the components shared by every subcommand.
type app struct {
	cfg     config.Config
	slack   *slack.Client
	runner  *pipeline.Runner
	backups backup.Store
	hermes  *hermes.Client
	logger  *slog.Logger

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config, withBus bool, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	a.slack = slack.NewClient(cfg.Slack.BotToken, cfg.Extract.RequestTimeout, logger)

	var (
		backups backup.Store
		cache   canvas.DocCache
	)
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
		backups, cache = db, db
		logger.Info("database connected")
	} else {
		fs, err := backup.NewFS(cfg.BackupDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open backup dir: %w", err)
		}
		backups = fs
		if cfg.CanvasCache != "" {
			sc, err := canvas.OpenSQLiteCache(cfg.CanvasCache)
			if err != nil {
				return nil, fmt.Errorf("open canvas cache: %w", err)
			}
			a.closers = append(a.closers, func() { _ = sc.Close() })
			cache = sc
		} else {
			cache = canvas.NewMemoryCache()
		}
		logger.Info("file backup store ready", "dir", cfg.BackupDir, "canvas_cache", cfg.CanvasCache)
	}

	backend, err := newBackend(ctx, cfg.LLM)
	if err != nil {
		return nil, err
	}
	logger.Info("summarization backend ready", "backend", backend.Name())

	var events pipeline.Events
	if withBus && cfg.NatsURL != "" {
		h, err := hermes.NewClient(ctx, cfg.NatsURL, cfg.NatsToken, logger)
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.hermes = h
		a.closers = append(a.closers, h.Close)
		events = h
		logger.Info("NATS connected", "url", cfg.NatsURL)
	}

	a.runner = pipeline.NewRunner(pipeline.Deps{
		Resolver: a.slack,
		Extractor: extractor.New(a.slack, extractor.Config{
			PageSize:     cfg.Extract.PageSize,
			MinInterval:  cfg.Extract.MinInterval,
			MaxRetries:   cfg.Extract.MaxRetries,
			TotalTimeout: cfg.Extract.TotalTimeout,
		}, logger),
		Store: backups,
		Summarizer: summarizer.New(backend, summarizer.Config{
			ContextTokens: cfg.Summarize.ContextTokens,
			SafetyMargin:  cfg.Summarize.SafetyMargin,
			BudgetTokens:  cfg.Summarize.BudgetTokens,
			ChunkTokens:   cfg.Summarize.ChunkTokens,
			Concurrency:   cfg.Summarize.Concurrency,
		}, logger),
		Publisher: canvas.NewPublisher(a.slack, cache, logger),
		Notifier:  a.slack,
		Files:     a.slack,
		Events:    events,
	}, pipeline.Config{
		SkipUnchanged: cfg.SkipUnchanged,
		DefaultDays:   cfg.NewsDays,
	}, logger)

	a.backups = backups
	ok = true
	return a, nil
}

// namedBackend is a summarization backend that can identify itself in logs.
type namedBackend interface {
	summarizer.Backend
	Name() string
}

func newBackend(ctx context.Context, cfg config.LLMConfig) (namedBackend, error) {
	switch cfg.Provider {
	case "gemini":
		c, err := gemini.NewClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, "")
		if err != nil {
			return nil, fmt.Errorf("gemini client: %w", err)
		}
		return c, nil
	default:
		return anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicModel), nil
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
