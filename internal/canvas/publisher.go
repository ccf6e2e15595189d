// Package canvas publishes summaries into channel canvases, one document per
// (channel, kind).
package canvas

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
)

// API is the canvas surface of the messaging platform.
type API interface {
	CreateCanvas(ctx context.Context, channelID, title, markdown string) (string, error)
	ReplaceCanvas(ctx context.Context, canvasID, markdown string) error
	// FindCanvas returns the id of an existing canvas whose title starts with
	// prefix, or "" when none exists.
	FindCanvas(ctx context.Context, channelID, prefix string) (string, error)
	RenameCanvas(ctx context.Context, canvasID, title string) error
}

type Publisher struct {
	api    API
	cache  DocCache
	locks  *keyedLocks
	logger *slog.Logger
	now    func() time.Time
}

func NewPublisher(api API, cache DocCache, logger *slog.Logger) *Publisher {
	return &Publisher{
		api:    api,
		cache:  cache,
		locks:  newKeyedLocks(),
		logger: logger,
		now:    time.Now,
	}
}

// Upsert writes the summary into the channel's canvas of the given kind,
// creating the canvas on first use. Calls for the same key never overlap.
func (p *Publisher) Upsert(ctx context.Context, summary *model.Summary, kind model.DocumentKind) (*model.CanvasDocument, error) {
	if summary == nil || summary.Channel == "" {
		return nil, fmt.Errorf("upsert canvas: missing summary: %w", apperr.ErrInvalidInput)
	}
	key := Key{Channel: summary.Channel, Kind: kind}

	release, err := p.locks.acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", key, err)
	}
	defer release()

	entry, err := p.cache.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: read cache: %w", key, err)
	}

	contentHash := model.HashText(summary.Text)
	body := p.render(summary)

	if entry != nil {
		if entry.SourceHash != summary.SourceHash && entry.SourceExtractedAt.After(summary.SourceExtractedAt) {
			return nil, fmt.Errorf("upsert %s: source %s is older than published %s: %w",
				key, short(summary.SourceHash), short(entry.SourceHash), apperr.ErrConflictUnresolved)
		}
		if entry.ContentHash == contentHash {
			p.logger.Info("canvas already up to date", "key", key.String(), "document_id", entry.DocumentID)
			return p.document(key, entry, false, true), nil
		}

		doc, err := p.update(ctx, key, entry, summary, body, contentHash)
		if !errors.Is(err, apperr.ErrNotFound) {
			return doc, err
		}
		p.logger.Warn("cached canvas no longer exists, recreating", "key", key.String(), "document_id", entry.DocumentID)
		if _, err := p.cache.CompareAndSwap(ctx, key, entry, nil); err != nil {
			return nil, fmt.Errorf("upsert %s: drop stale cache entry: %w", key, err)
		}
	}

	return p.create(ctx, key, summary, body, contentHash)
}

// update claims the next revision in the cache before touching the canvas,
// so a writer that lost the race never overwrites a newer publish.
func (p *Publisher) update(ctx context.Context, key Key, entry *Entry, summary *model.Summary, body, contentHash string) (*model.CanvasDocument, error) {
	next := p.entryFor(entry.DocumentID, entry.Revision+1, summary, contentHash)
	ok, err := p.cache.CompareAndSwap(ctx, key, entry, next)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: claim revision %d: %w", key, next.Revision, err)
	}
	if !ok {
		return nil, fmt.Errorf("upsert %s: cache entry changed before update: %w", key, apperr.ErrConflictUnresolved)
	}

	if err := p.api.ReplaceCanvas(ctx, entry.DocumentID, body); err != nil {
		if _, rerr := p.cache.CompareAndSwap(context.WithoutCancel(ctx), key, next, entry); rerr != nil {
			p.logger.Error("failed to release canvas claim", "key", key.String(), "revision", next.Revision, "error", rerr)
		}
		return nil, fmt.Errorf("upsert %s: replace %s: %w", key, entry.DocumentID, err)
	}

	if err := p.api.RenameCanvas(ctx, entry.DocumentID, p.title(key.Kind)); err != nil {
		p.logger.Warn("canvas title not refreshed", "key", key.String(), "document_id", entry.DocumentID, "error", err)
	}

	p.logger.Info("canvas updated", "key", key.String(), "document_id", next.DocumentID, "revision", next.Revision)
	return p.document(key, next, false, false), nil
}

func (p *Publisher) create(ctx context.Context, key Key, summary *model.Summary, body, contentHash string) (*model.CanvasDocument, error) {
	id, err := p.adopt(ctx, key, body)
	if err != nil {
		return nil, err
	}
	created := id == ""
	if created {
		id, err = p.api.CreateCanvas(ctx, string(key.Channel), p.title(key.Kind), body)
		if err != nil {
			return nil, fmt.Errorf("upsert %s: create: %w", key, err)
		}
	}

	next := p.entryFor(id, 1, summary, contentHash)
	ok, err := p.cache.CompareAndSwap(ctx, key, nil, next)
	if err != nil {
		return nil, fmt.Errorf("upsert %s: write cache: %w", key, err)
	}
	if !ok {
		// Another process cached a document for this key first.
		cur, err := p.cache.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("upsert %s: read cache: %w", key, err)
		}
		if cur == nil || cur.DocumentID != id {
			return nil, fmt.Errorf("upsert %s: document %s raced with cached document: %w", key, id, apperr.ErrConflictUnresolved)
		}
		next = cur
	}

	p.logger.Info("canvas published", "key", key.String(), "document_id", id, "created", created)
	return p.document(key, next, created, false), nil
}

// adopt looks for a canvas left by an earlier run whose cache entry was lost
// and overwrites it. Returns "" when there is nothing to adopt.
func (p *Publisher) adopt(ctx context.Context, key Key, body string) (string, error) {
	id, err := p.api.FindCanvas(ctx, string(key.Channel), titlePrefix(key.Kind))
	if err != nil {
		p.logger.Warn("canvas lookup failed, creating a new canvas", "key", key.String(), "error", err)
		return "", nil
	}
	if id == "" {
		return "", nil
	}
	err = p.api.ReplaceCanvas(ctx, id, body)
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return "", nil
	case err != nil:
		return "", fmt.Errorf("upsert %s: replace %s: %w", key, id, err)
	}
	p.logger.Info("adopted existing canvas", "key", key.String(), "document_id", id)
	return id, nil
}

func (p *Publisher) entryFor(id string, revision int, s *model.Summary, contentHash string) *Entry {
	return &Entry{
		DocumentID:        id,
		Revision:          revision,
		SourceHash:        s.SourceHash,
		SourceExtractedAt: s.SourceExtractedAt,
		ContentHash:       contentHash,
		UpdatedAt:         p.now().UTC(),
	}
}

func (p *Publisher) document(key Key, e *Entry, created, unchanged bool) *model.CanvasDocument {
	return &model.CanvasDocument{
		Channel:    key.Channel,
		Kind:       key.Kind,
		DocumentID: e.DocumentID,
		Revision:   e.Revision,
		Created:    created,
		Unchanged:  unchanged,
	}
}

func (p *Publisher) title(kind model.DocumentKind) string {
	return titlePrefix(kind) + "updated " + p.now().Format("2006-01-02 15:04")
}

func (p *Publisher) render(s *model.Summary) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(s.Text))
	fmt.Fprintf(&sb, "\n\n---\n_Updated %s from %d messages._\n",
		s.GeneratedAt.UTC().Format("2006-01-02 15:04 MST"), s.EventCount)
	return sb.String()
}

func titlePrefix(kind model.DocumentKind) string {
	k := string(kind)
	if k == "" {
		return ""
	}
	return strings.ToUpper(k[:1]) + k[1:] + " - "
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
