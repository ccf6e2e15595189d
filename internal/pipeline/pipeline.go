// Package pipeline runs extraction, backup, summarization and publishing for
// one channel, and reports the outcome back to the requester.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/backup"
	"github.com/MikeSquared-Agency/scribe/internal/extractor"
	"github.com/MikeSquared-Agency/scribe/internal/hermes"
	"github.com/MikeSquared-Agency/scribe/internal/model"
	"github.com/MikeSquared-Agency/scribe/internal/slack"
)

type Extractor interface {
	Extract(ctx context.Context, channel model.ChannelRef, opts extractor.Options) (*model.BackupArtifact, error)
}

type Summarizer interface {
	Summarize(ctx context.Context, art *model.BackupArtifact, budget int) (*model.Summary, error)
}

type Publisher interface {
	Upsert(ctx context.Context, summary *model.Summary, kind model.DocumentKind) (*model.CanvasDocument, error)
}

type Resolver interface {
	ResolveChannel(ctx context.Context, ref string) (*slack.Channel, error)
}

// Notifier posts follow-up messages to the requester.
type Notifier interface {
	PostMessage(ctx context.Context, channel, text, threadTS string) (string, error)
}

// Uploader delivers backup files to the requester. Optional.
type Uploader interface {
	UploadFile(ctx context.Context, up slack.Upload) (string, error)
}

// Events receives one event per finished run. Optional.
type Events interface {
	PublishPipeline(evt hermes.PipelineEvent) error
}

type Config struct {
	// SkipUnchanged ends a run after extraction when the content hash equals
	// the latest saved artifact.
	SkipUnchanged bool
	DefaultDays   int
}

// Request describes one run. Channel may be an id, a name or a mention.
type Request struct {
	Channel string
	Days    int
	Kind    model.DocumentKind
	Threads bool
	Budget  int
	// NotifyChannel and ThreadTS say where follow-up messages go; empty
	// NotifyChannel means log only.
	NotifyChannel string
	ThreadTS      string
	RequestedBy   string
}

type Result struct {
	RunID       uuid.UUID
	Channel     model.ChannelRef
	ChannelName string
	Days        int
	Artifact    *model.BackupArtifact
	Ref         model.ArtifactRef
	Summary     *model.Summary
	Document    *model.CanvasDocument
	Skipped     bool
	// FileID is the uploaded backup file, when one was delivered.
	FileID string
}

type Runner struct {
	resolver   Resolver
	extractor  Extractor
	store      backup.Store
	summarizer Summarizer
	publisher  Publisher
	notifier   Notifier
	files      Uploader
	events     Events
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
}

type Deps struct {
	Resolver   Resolver
	Extractor  Extractor
	Store      backup.Store
	Summarizer Summarizer
	Publisher  Publisher
	Notifier   Notifier
	Files      Uploader
	Events     Events
}

func NewRunner(d Deps, cfg Config, logger *slog.Logger) *Runner {
	if cfg.DefaultDays <= 0 {
		cfg.DefaultDays = 5
	}
	return &Runner{
		resolver:   d.Resolver,
		extractor:  d.Extractor,
		store:      d.Store,
		summarizer: d.Summarizer,
		publisher:  d.Publisher,
		notifier:   d.Notifier,
		files:      d.Files,
		events:     d.Events,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// Run extracts the channel history, saves it, summarizes it and publishes
// the summary to the channel's canvas. Extraction and summarization failures
// abort before anything is published.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Kind == "" {
		req.Kind = model.KindNews
	}
	res := &Result{RunID: uuid.New()}
	start := r.now()

	err := r.run(ctx, req, res)
	r.finish(ctx, hermes.OperationRun, req, res, start, err)
	if err != nil {
		return res, err
	}

	if req.NotifyChannel != "" {
		r.notify(ctx, req, successText(req, res))
	}
	return res, nil
}

func (r *Runner) run(ctx context.Context, req Request, res *Result) error {
	art, err := r.extract(ctx, req, res)
	if err != nil {
		return err
	}

	if r.cfg.SkipUnchanged {
		latest, err := r.store.Latest(ctx, art.Channel)
		switch {
		case err == nil && latest.ContentHash == art.ContentHash:
			r.logger.Info("channel unchanged since last run, skipping", "channel", art.Channel, "hash", art.ContentHash)
			res.Skipped = true
			return nil
		case err != nil && !errors.Is(err, apperr.ErrNotFound):
			r.logger.Warn("failed to read latest artifact", "channel", art.Channel, "error", err)
		}
	}

	if err := r.save(ctx, art, res); err != nil {
		return err
	}

	summary, err := r.summarizer.Summarize(ctx, art, req.Budget)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", art.Channel, err)
	}
	res.Summary = summary

	doc, err := r.publisher.Upsert(ctx, summary, req.Kind)
	if err != nil {
		return fmt.Errorf("publish %s: %w", art.Channel, err)
	}
	res.Document = doc
	return nil
}

// Backup extracts the channel history and saves it without summarizing.
func (r *Runner) Backup(ctx context.Context, req Request) (*Result, error) {
	res := &Result{RunID: uuid.New()}
	start := r.now()

	err := func() error {
		art, err := r.extract(ctx, req, res)
		if err != nil {
			return err
		}
		return r.save(ctx, art, res)
	}()
	r.finish(ctx, hermes.OperationBackup, req, res, start, err)
	if err != nil {
		return res, err
	}

	if req.NotifyChannel != "" {
		r.deliverBackup(ctx, req, res)
	}
	return res, nil
}

// backupFile is the JSON document handed to the requester.
type backupFile struct {
	Channel        string        `json:"channel"`
	ChannelID      string        `json:"channel_id"`
	Days           int           `json:"days"`
	ExtractedAt    time.Time     `json:"extracted_at"`
	ContentHash    string        `json:"content_hash"`
	MessageCount   int           `json:"message_count"`
	Partial        bool          `json:"partial,omitempty"`
	MissingThreads []string      `json:"missing_threads,omitempty"`
	Messages       []model.Event `json:"messages"`
}

// deliverBackup uploads the backup as a JSON file with the summary line as
// its comment, or posts the summary line alone when no uploader is wired or
// the upload fails.
func (r *Runner) deliverBackup(ctx context.Context, req Request, res *Result) {
	text := backupText(res)
	if r.files == nil {
		r.notify(ctx, req, text)
		return
	}

	art := res.Artifact
	content, err := json.MarshalIndent(backupFile{
		Channel:        res.ChannelName,
		ChannelID:      string(res.Channel),
		Days:           res.Days,
		ExtractedAt:    art.ExtractedAt,
		ContentHash:    art.ContentHash,
		MessageCount:   art.EventCount(),
		Partial:        art.Partial,
		MissingThreads: art.MissingThreads,
		Messages:       art.Events,
	}, "", "  ")
	if err == nil {
		name := res.ChannelName
		if name == "" {
			name = string(res.Channel)
		}
		uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		res.FileID, err = r.files.UploadFile(uctx, slack.Upload{
			Channel:        req.NotifyChannel,
			ThreadTS:       req.ThreadTS,
			Filename:       fmt.Sprintf("backup_%s.json", name),
			Title:          fmt.Sprintf("Channel Backup for #%s", name),
			InitialComment: text,
			Content:        content,
		})
	}
	if err != nil {
		r.logger.Warn("failed to upload backup file", "run_id", res.RunID, "channel", res.Channel, "error", err)
		r.notify(ctx, req, text+"\n"+apperr.Notice(fmt.Errorf("upload backup file: %w", err)))
		return
	}
	r.logger.Info("backup file delivered", "run_id", res.RunID, "channel", res.Channel, "file_id", res.FileID, "bytes", len(content))
}

func (r *Runner) extract(ctx context.Context, req Request, res *Result) (*model.BackupArtifact, error) {
	ch, err := r.resolver.ResolveChannel(ctx, req.Channel)
	if err != nil {
		return nil, fmt.Errorf("resolve channel: %w", err)
	}
	res.Channel = model.ChannelRef(ch.ID)
	res.ChannelName = ch.Name

	days := req.Days
	if days <= 0 {
		days = r.cfg.DefaultDays
	}
	res.Days = days
	art, err := r.extractor.Extract(ctx, res.Channel, extractor.Options{
		ChannelName: ch.Name,
		Oldest:      r.now().Add(-time.Duration(days) * 24 * time.Hour),
		Threads:     req.Threads,
	})
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", res.Channel, err)
	}
	res.Artifact = art
	return art, nil
}

func (r *Runner) save(ctx context.Context, art *model.BackupArtifact, res *Result) error {
	ref, err := r.store.Save(ctx, art)
	if err != nil {
		return fmt.Errorf("save backup %s: %w", art.Channel, err)
	}
	res.Ref = ref
	return nil
}

// finish logs the outcome, posts the failure notice and publishes the event.
func (r *Runner) finish(ctx context.Context, op hermes.Operation, req Request, res *Result, start time.Time, err error) {
	evt := hermes.PipelineEvent{
		RunID:       res.RunID,
		Operation:   op,
		Channel:     string(res.Channel),
		ChannelName: res.ChannelName,
		RequestedBy: req.RequestedBy,
		Skipped:     res.Skipped,
		DurationMS:  r.now().Sub(start).Milliseconds(),
		Timestamp:   r.now().UTC(),
	}
	if evt.Channel == "" {
		evt.Channel = req.Channel
	}
	if art := res.Artifact; art != nil {
		evt.ContentHash = art.ContentHash
		evt.EventCount = art.EventCount()
		evt.Partial = art.Partial
		evt.MissingThreads = len(art.MissingThreads)
	}
	if res.Ref.ID != uuid.Nil {
		evt.ArtifactID = res.Ref.ID.String()
	}
	if res.Summary != nil {
		evt.LLMCalls = res.Summary.Stats.Calls
	}
	if res.Document != nil {
		evt.DocumentID = res.Document.DocumentID
		evt.Unchanged = res.Document.Unchanged
	}

	if err != nil {
		kind := apperr.KindOf(err)
		evt.ErrorKind = string(kind)
		evt.Error = err.Error()
		r.logger.Error("pipeline run failed",
			"run_id", res.RunID,
			"operation", op,
			"channel", evt.Channel,
			"kind", kind,
			"retriable", apperr.Retriable(err),
			"error", err,
		)
		if req.NotifyChannel != "" {
			r.notify(ctx, req, apperr.Notice(err))
		}
	} else {
		r.logger.Info("pipeline run complete",
			"run_id", res.RunID,
			"operation", op,
			"channel", evt.Channel,
			"events", evt.EventCount,
			"skipped", evt.Skipped,
			"document_id", evt.DocumentID,
			"duration_ms", evt.DurationMS,
		)
	}

	if r.events != nil {
		if perr := r.events.PublishPipeline(evt); perr != nil {
			r.logger.Warn("failed to publish pipeline event", "run_id", res.RunID, "error", perr)
		}
	}
}

func (r *Runner) notify(ctx context.Context, req Request, text string) {
	if r.notifier == nil {
		return
	}
	// The run context may already be cancelled or past its deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if _, err := r.notifier.PostMessage(ctx, req.NotifyChannel, text, req.ThreadTS); err != nil {
		r.logger.Warn("failed to post follow-up", "channel", req.NotifyChannel, "error", err)
	}
}

func channelLink(res *Result) string {
	if res.ChannelName == "" {
		return fmt.Sprintf("<#%s>", res.Channel)
	}
	return fmt.Sprintf("<#%s|%s>", res.Channel, res.ChannelName)
}

func successText(req Request, res *Result) string {
	switch {
	case res.Skipped:
		return fmt.Sprintf("No new messages in %s since the last update, the canvas is unchanged.", channelLink(res))
	case res.Document != nil && res.Document.Unchanged:
		return fmt.Sprintf("The %s canvas in %s is already up to date.", req.Kind, channelLink(res))
	default:
		return fmt.Sprintf("Canvas updated with a summary of the last %d days of messages from %s (%d messages).", res.Days, channelLink(res), res.Summary.EventCount)
	}
}

func backupText(res *Result) string {
	art := res.Artifact
	text := fmt.Sprintf("Here's your backup of %s for the last %d days. Contains %d messages.", channelLink(res), res.Days, art.EventCount())
	if art.Partial {
		text += fmt.Sprintf(" %d threads could not be fetched and are missing replies.", len(art.MissingThreads))
	}
	return text
}
