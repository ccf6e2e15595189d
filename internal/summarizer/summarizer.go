// Package summarizer reduces an artifact of any size to a summary that fits
// a token budget, by recursive map-reduce over an LLM backend.
package summarizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
)

// Backend generates text for one prompt. Implementations own their retry
// policy; the summarizer never retries a failed call.
type Backend interface {
	Generate(ctx context.Context, system, input string, maxTokens int) (string, error)
}

type Config struct {
	// ContextTokens is the backend's context window.
	ContextTokens int
	// SafetyMargin is the fraction of the window left unused.
	SafetyMargin float64
	// BudgetTokens is the default final summary budget.
	BudgetTokens int
	// ChunkTokens caps each intermediate chunk summary.
	ChunkTokens int
	Concurrency int
	// InputCeiling overrides the per-call input ceiling derived from the
	// fields above.
	InputCeiling int
	MaxPasses    int
}

type Summarizer struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
}

func New(backend Backend, cfg Config, logger *slog.Logger) *Summarizer {
	if cfg.ContextTokens <= 0 {
		cfg.ContextTokens = 100000
	}
	if cfg.SafetyMargin < 0 || cfg.SafetyMargin >= 1 {
		cfg.SafetyMargin = 0.2
	}
	if cfg.BudgetTokens <= 0 {
		cfg.BudgetTokens = 1500
	}
	if cfg.ChunkTokens <= 0 {
		cfg.ChunkTokens = 800
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.MaxPasses <= 0 {
		cfg.MaxPasses = 12
	}
	return &Summarizer{backend: backend, cfg: cfg, logger: logger, now: time.Now}
}

// run holds the state of one Summarize call.
type run struct {
	channel      string
	budget       int
	ceiling      int
	chunkTokens  int
	calls        atomic.Int32
	chunksByPass []int
}

// Summarize produces the channel summary for art within budget tokens
// (the configured budget when budget <= 0).
func (s *Summarizer) Summarize(ctx context.Context, art *model.BackupArtifact, budget int) (*model.Summary, error) {
	if art == nil || len(art.Events) == 0 {
		return nil, fmt.Errorf("summarize: %w", apperr.ErrEmptyInput)
	}
	if budget <= 0 {
		budget = s.cfg.BudgetTokens
	}

	r := &run{channel: channelLabel(art), budget: budget}
	r.ceiling = s.inputCeiling(budget)
	// Two full-length notes plus their joining newlines must share a chunk,
	// or a pass would not shrink its input.
	r.chunkTokens = min(s.cfg.ChunkTokens, (r.ceiling-2)/2)
	if r.ceiling < 4 || r.chunkTokens < 1 {
		return nil, fmt.Errorf("summarize: input ceiling %d too small for budget %d: %w", r.ceiling, budget, apperr.ErrInvalidInput)
	}

	start := s.now()
	units := eventUnits(art.Events, r.ceiling)
	s.logger.Info("summarization started",
		"channel", art.Channel,
		"events", art.EventCount(),
		"units", len(units),
		"input_ceiling", r.ceiling,
		"budget", budget,
	)

	text, err := s.reduce(ctx, r, units, 1)
	if err != nil {
		return nil, err
	}

	sum := &model.Summary{
		Channel:           art.Channel,
		ChannelName:       art.ChannelName,
		Text:              text,
		SourceHash:        art.ContentHash,
		SourceExtractedAt: art.ExtractedAt,
		GeneratedAt:       s.now().UTC(),
		EventCount:        art.EventCount(),
		Stats: model.SummaryStats{
			Calls:         int(r.calls.Load()),
			Passes:        len(r.chunksByPass),
			ChunksPerPass: r.chunksByPass,
		},
	}
	s.logger.Info("summarization complete",
		"channel", art.Channel,
		"calls", sum.Stats.Calls,
		"passes", sum.Stats.Passes,
		"tokens", EstimateTokens(text),
		"duration", s.now().Sub(start).String(),
	)
	return sum, nil
}

// reduce summarizes units in one call when they fit, and otherwise maps each
// chunk to a summary and recurses on those summaries.
func (s *Summarizer) reduce(ctx context.Context, r *run, units []unit, pass int) (string, error) {
	if pass > s.cfg.MaxPasses {
		return "", fmt.Errorf("summarize: no convergence after %d passes: %w", s.cfg.MaxPasses, apperr.ErrInvalidInput)
	}
	chunks := pack(units, r.ceiling)
	r.chunksByPass = append(r.chunksByPass, len(chunks))
	if pass > 1 && len(chunks) > 1 && len(chunks) >= len(units) {
		return "", fmt.Errorf("summarize: pass %d packs %d notes into %d chunks with ceiling %d: %w",
			pass, len(units), len(chunks), r.ceiling, apperr.ErrInvalidInput)
	}

	header := messagesHeader
	if pass > 1 {
		header = notesHeader
	}

	if len(chunks) == 1 {
		out, err := s.call(ctx, r, finalSystemPrompt, fmt.Sprintf(header, r.channel)+chunks[0].text(), r.budget)
		if err != nil {
			return "", fmt.Errorf("summarize final pass %d: %w", pass, err)
		}
		return clampTokens(out, r.budget), nil
	}

	summaries, err := s.mapChunks(ctx, r, chunks, header, pass)
	if err != nil {
		return "", err
	}

	next := make([]unit, len(summaries))
	for i, sc := range summaries {
		next[i] = unit{firstID: sc.FirstEventID, lastID: sc.LastEventID, text: sc.Text, tokens: sc.TokenEstimate}
	}
	s.logger.Debug("summarization pass complete", "pass", pass, "chunks", len(chunks))
	return s.reduce(ctx, r, next, pass+1)
}

func (s *Summarizer) mapChunks(ctx context.Context, r *run, chunks []chunk, header string, pass int) ([]model.SummaryChunk, error) {
	out := make([]model.SummaryChunk, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	for i, c := range chunks {
		g.Go(func() error {
			text, err := s.call(gctx, r, chunkSystemPrompt, fmt.Sprintf(header, r.channel)+c.text(), r.chunkTokens)
			if err != nil {
				return fmt.Errorf("summarize chunk %d/%d of pass %d: %w", i+1, len(chunks), pass, err)
			}
			text = clampTokens(text, r.chunkTokens)
			out[i] = model.SummaryChunk{
				Pass:          pass,
				Index:         i,
				FirstEventID:  c.firstID(),
				LastEventID:   c.lastID(),
				Text:          text,
				TokenEstimate: EstimateTokens(text),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Summarizer) call(ctx context.Context, r *run, system, input string, maxTokens int) (string, error) {
	r.calls.Add(1)
	out, err := s.backend.Generate(ctx, system, input, maxTokens)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", apperr.ErrSummarizationBackend, err)
	}
	return out, nil
}

// inputCeiling is the largest chunk, in tokens, one call may carry.
func (s *Summarizer) inputCeiling(budget int) int {
	if s.cfg.InputCeiling > 0 {
		return s.cfg.InputCeiling
	}
	usable := int(float64(s.cfg.ContextTokens) * (1 - s.cfg.SafetyMargin))
	overhead := EstimateTokens(finalSystemPrompt) + EstimateTokens(notesHeader) + 16
	return usable - max(budget, s.cfg.ChunkTokens) - overhead
}

func channelLabel(art *model.BackupArtifact) string {
	if art.ChannelName != "" {
		return "#" + art.ChannelName
	}
	return fmt.Sprintf("<#%s>", art.Channel)
}
