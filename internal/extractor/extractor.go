// Package extractor pages through a channel's history and assembles a
// complete, ordered BackupArtifact.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
	"github.com/MikeSquared-Agency/scribe/internal/slack"
)

// Platform is the subset of the Slack client the extractor reads from.
type Platform interface {
	History(ctx context.Context, req slack.HistoryRequest) (*slack.HistoryPage, error)
	Replies(ctx context.Context, req slack.RepliesRequest) (*slack.HistoryPage, error)
}

type Config struct {
	PageSize     int
	MinInterval  time.Duration
	MaxRetries   int
	TotalTimeout time.Duration
}

// Options select what a single run extracts.
type Options struct {
	ChannelName string
	// Oldest bounds the run; zero means full history.
	Oldest  time.Time
	Threads bool
}

// skippedSubtypes are membership and housekeeping notices, not conversation.
var skippedSubtypes = map[string]bool{
	"channel_join":    true,
	"channel_leave":   true,
	"channel_purpose": true,
	"channel_topic":   true,
	"channel_name":    true,
}

type Extractor struct {
	platform Platform
	cfg      Config
	pacer    *pacer
	logger   *slog.Logger
	now      func() time.Time
}

func New(platform Platform, cfg Config, logger *slog.Logger) *Extractor {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 200
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Extractor{
		platform: platform,
		cfg:      cfg,
		pacer:    newPacer(cfg.MinInterval),
		logger:   logger,
		now:      time.Now,
	}
}

// Extract runs one full extraction. On timeout or any top-level page failure
// the pages fetched so far are discarded.
func (e *Extractor) Extract(ctx context.Context, channel model.ChannelRef, opts Options) (*model.BackupArtifact, error) {
	if channel == "" {
		return nil, fmt.Errorf("extract: empty channel: %w", apperr.ErrInvalidInput)
	}
	if e.cfg.TotalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.TotalTimeout)
		defer cancel()
	}

	start := e.now()
	e.logger.Info("extraction started", "channel", channel, "oldest", opts.Oldest, "threads", opts.Threads)

	events, err := e.fetchHistory(ctx, channel, opts.Oldest)
	if err != nil {
		return nil, e.runError(ctx, channel, err)
	}

	var missing []string
	if opts.Threads {
		missing, err = e.fetchThreads(ctx, channel, events)
		if err != nil {
			return nil, e.runError(ctx, channel, err)
		}
	}

	art := &model.BackupArtifact{
		ID:             uuid.New(),
		Channel:        channel,
		ChannelName:    opts.ChannelName,
		ExtractedAt:    e.now().UTC(),
		Oldest:         opts.Oldest,
		Events:         events,
		Partial:        len(missing) > 0,
		MissingThreads: missing,
	}
	art.ContentHash = art.ComputeHash()

	e.logger.Info("extraction complete",
		"channel", channel,
		"events", art.EventCount(),
		"partial", art.Partial,
		"missing_threads", len(missing),
		"duration", e.now().Sub(start).String(),
	)
	return art, nil
}

func (e *Extractor) runError(ctx context.Context, channel model.ChannelRef, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("extract %s: run exceeded %s: %w", channel, e.cfg.TotalTimeout, apperr.ErrTimeout)
	}
	return fmt.Errorf("extract %s: %w", channel, err)
}

func (e *Extractor) fetchHistory(ctx context.Context, channel model.ChannelRef, oldest time.Time) ([]model.Event, error) {
	req := slack.HistoryRequest{Channel: string(channel), Limit: e.cfg.PageSize}
	if !oldest.IsZero() {
		req.Oldest = slack.FormatTS(oldest)
	}

	seen := make(map[string]bool)
	cursors := make(map[string]bool)
	var events []model.Event

	for pageNum := 1; ; pageNum++ {
		page, err := e.withRetry(ctx, fmt.Sprintf("history page %d", pageNum), func(ctx context.Context) (*slack.HistoryPage, error) {
			return e.platform.History(ctx, req)
		})
		if err != nil {
			return nil, err
		}

		for _, m := range page.Messages {
			ev, ok := toEvent(m)
			if !ok || seen[ev.ID] {
				continue
			}
			seen[ev.ID] = true
			events = append(events, ev)
		}

		if page.NextCursor == "" {
			break
		}
		if cursors[page.NextCursor] {
			return nil, fmt.Errorf("history page %d: cursor %q repeated: %w", pageNum, page.NextCursor, apperr.ErrBackend)
		}
		cursors[page.NextCursor] = true
		req.Cursor = page.NextCursor
	}

	sortEvents(events)
	return events, nil
}

// fetchThreads fills Replies on every thread root. A thread that cannot be
// fetched is recorded as missing; only cancellation aborts the pass.
func (e *Extractor) fetchThreads(ctx context.Context, channel model.ChannelRef, events []model.Event) ([]string, error) {
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		seen[ev.ID] = true
	}

	var missing []string
	for i := range events {
		if events[i].ReplyCount == 0 {
			continue
		}
		replies, err := e.fetchThread(ctx, channel, events[i].ID, seen)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Warn("thread fetch failed, keeping parent without replies",
				"channel", channel,
				"thread", events[i].ID,
				"error", err,
			)
			missing = append(missing, events[i].ID)
			continue
		}
		events[i].Replies = replies
	}
	return missing, nil
}

func (e *Extractor) fetchThread(ctx context.Context, channel model.ChannelRef, parent string, seen map[string]bool) ([]model.Event, error) {
	req := slack.RepliesRequest{Channel: string(channel), ThreadTS: parent, Limit: e.cfg.PageSize}
	var (
		replies []model.Event
		added   []string
	)
	for {
		page, err := e.withRetry(ctx, "replies "+parent, func(ctx context.Context) (*slack.HistoryPage, error) {
			return e.platform.Replies(ctx, req)
		})
		if err != nil {
			// Release ids claimed by the discarded thread.
			for _, id := range added {
				delete(seen, id)
			}
			return nil, err
		}
		for _, m := range page.Messages {
			ev, ok := toEvent(m)
			if !ok || ev.ID == parent || seen[ev.ID] {
				continue
			}
			ev.ThreadParent = parent
			seen[ev.ID] = true
			added = append(added, ev.ID)
			replies = append(replies, ev)
		}
		if page.NextCursor == "" || page.NextCursor == req.Cursor {
			break
		}
		req.Cursor = page.NextCursor
	}
	sortEvents(replies)
	return replies, nil
}

// withRetry issues one paced request and retries it after the delay the
// platform advertises, at most MaxRetries times.
func (e *Extractor) withRetry(ctx context.Context, label string, fn func(context.Context) (*slack.HistoryPage, error)) (*slack.HistoryPage, error) {
	for attempt := 0; ; attempt++ {
		if err := e.pacer.wait(ctx); err != nil {
			return nil, err
		}
		page, err := fn(ctx)
		if err == nil {
			return page, nil
		}

		var rl *slack.RateLimitError
		if !errors.As(err, &rl) {
			return nil, fmt.Errorf("%s: %w", label, err)
		}
		if attempt >= e.cfg.MaxRetries {
			return nil, fmt.Errorf("%s: gave up after %d retries: %w", label, attempt, err)
		}
		e.logger.Warn("rate limited, backing off", "request", label, "retry_after", rl.RetryAfter.String(), "attempt", attempt+1)
		if err := sleep(ctx, rl.RetryAfter); err != nil {
			return nil, err
		}
	}
}

func toEvent(m slack.Message) (model.Event, bool) {
	if m.TS == "" || skippedSubtypes[m.Subtype] {
		return model.Event{}, false
	}
	ts, err := slack.ParseTS(m.TS)
	if err != nil {
		return model.Event{}, false
	}
	author := m.User
	if author == "" {
		author = m.BotID
	}
	if author == "" {
		author = m.Username
	}
	ev := model.Event{
		ID:         m.TS,
		Author:     author,
		Timestamp:  ts,
		Body:       m.Text,
		ReplyCount: m.ReplyCount,
	}
	if m.ThreadTS != "" && m.ThreadTS != m.TS {
		ev.ThreadParent = m.ThreadTS
	}
	return ev, true
}

func sortEvents(events []model.Event) {
	sort.SliceStable(events, func(i, j int) bool { return events[i].Before(events[j]) })
}
