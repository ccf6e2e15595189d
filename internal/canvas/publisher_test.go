package canvas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAPI struct {
	mu         sync.Mutex
	docs       map[string]string
	creates    int
	replaces   int
	titles     map[string]string
	nextID     int
	delay      time.Duration
	existing   string
	replaceErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{docs: map[string]string{}, titles: map[string]string{}}
}

func (f *fakeAPI) CreateCanvas(ctx context.Context, channelID, title, markdown string) (string, error) {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.nextID++
	id := fmt.Sprintf("F%03d", f.nextID)
	f.docs[id] = markdown
	return id, nil
}

func (f *fakeAPI) ReplaceCanvas(ctx context.Context, canvasID, markdown string) error {
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replaceErr != nil {
		return f.replaceErr
	}
	if _, ok := f.docs[canvasID]; !ok {
		return fmt.Errorf("slack canvases.edit: canvas_not_found: %w", apperr.ErrNotFound)
	}
	f.replaces++
	f.docs[canvasID] = markdown
	return nil
}

func (f *fakeAPI) RenameCanvas(ctx context.Context, canvasID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.titles[canvasID] = title
	return nil
}

func (f *fakeAPI) FindCanvas(ctx context.Context, channelID, prefix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing, nil
}

func summary(text string, extractedAt time.Time) *model.Summary {
	return &model.Summary{
		Channel:           "C1",
		Text:              text,
		SourceHash:        model.HashText("source:" + text),
		SourceExtractedAt: extractedAt,
		GeneratedAt:       extractedAt.Add(time.Minute),
		EventCount:        3,
	}
}

func TestUpsert_CreateThenIdempotent(t *testing.T) {
	api := newFakeAPI()
	cache := NewMemoryCache()
	p := NewPublisher(api, cache, discardLogger())
	ctx := context.Background()
	s := summary("## Channel activity\nquiet week", time.Now())

	first, err := p.Upsert(ctx, s, model.KindNews)
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if !first.Created || first.Revision != 1 {
		t.Errorf("expected created revision 1, got %+v", first)
	}

	second, err := p.Upsert(ctx, s, model.KindNews)
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.DocumentID != first.DocumentID || !second.Unchanged {
		t.Errorf("expected unchanged same document, got %+v", second)
	}
	if api.creates != 1 || len(api.docs) != 1 {
		t.Errorf("expected exactly one document, got creates=%d docs=%d", api.creates, len(api.docs))
	}
	if api.replaces != 0 {
		t.Errorf("second identical upsert should not rewrite, got %d replaces", api.replaces)
	}
}

func TestUpsert_UpdateReplacesWholeDocument(t *testing.T) {
	api := newFakeAPI()
	p := NewPublisher(api, NewMemoryCache(), discardLogger())
	ctx := context.Background()
	t0 := time.Now()

	first, err := p.Upsert(ctx, summary("old", t0), model.KindNews)
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.Upsert(ctx, summary("new", t0.Add(time.Hour)), model.KindNews)
	if err != nil {
		t.Fatal(err)
	}
	if second.DocumentID != first.DocumentID || second.Revision != 2 || second.Created {
		t.Errorf("expected in-place update to revision 2, got %+v", second)
	}
	if title := api.titles[first.DocumentID]; !strings.HasPrefix(title, "News - updated ") {
		t.Errorf("expected refreshed title, got %q", title)
	}
	if api.replaces != 1 || api.creates != 1 {
		t.Errorf("unexpected calls: creates=%d replaces=%d", api.creates, api.replaces)
	}
}

func TestUpsert_ConcurrentCallsCreateOneDocument(t *testing.T) {
	api := newFakeAPI()
	api.delay = 5 * time.Millisecond
	cache := NewMemoryCache()
	p := NewPublisher(api, cache, discardLogger())
	ctx := context.Background()
	t0 := time.Now()

	const n = 16
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Identical source so no call is rejected as stale.
			s := summary(fmt.Sprintf("text %d", i), t0)
			s.SourceHash = "same-source"
			doc, err := p.Upsert(ctx, s, model.KindNews)
			if err != nil {
				t.Errorf("upsert %d: %v", i, err)
				return
			}
			ids <- doc.DocumentID
		}(i)
	}
	wg.Wait()
	close(ids)

	distinct := map[string]bool{}
	for id := range ids {
		distinct[id] = true
	}
	if len(distinct) != 1 || api.creates != 1 {
		t.Errorf("expected a single document id, got %v (creates=%d)", distinct, api.creates)
	}
	entry, _ := cache.Get(ctx, Key{Channel: "C1", Kind: model.KindNews})
	if entry == nil || !distinct[entry.DocumentID] {
		t.Errorf("cache holds unexpected entry %+v", entry)
	}
}

func TestUpsert_StaleSourceRejected(t *testing.T) {
	api := newFakeAPI()
	p := NewPublisher(api, NewMemoryCache(), discardLogger())
	ctx := context.Background()
	t0 := time.Now()

	if _, err := p.Upsert(ctx, summary("newer", t0.Add(time.Hour)), model.KindNews); err != nil {
		t.Fatal(err)
	}
	_, err := p.Upsert(ctx, summary("older", t0), model.KindNews)
	if !errors.Is(err, apperr.ErrConflictUnresolved) {
		t.Fatalf("expected ErrConflictUnresolved, got %v", err)
	}
	if api.replaces != 0 {
		t.Error("stale publish must not overwrite")
	}
}

func TestUpsert_RecreatesWhenDocumentDeleted(t *testing.T) {
	api := newFakeAPI()
	cache := NewMemoryCache()
	p := NewPublisher(api, cache, discardLogger())
	ctx := context.Background()
	t0 := time.Now()

	first, err := p.Upsert(ctx, summary("one", t0), model.KindNews)
	if err != nil {
		t.Fatal(err)
	}
	api.mu.Lock()
	delete(api.docs, first.DocumentID)
	api.mu.Unlock()

	second, err := p.Upsert(ctx, summary("two", t0.Add(time.Minute)), model.KindNews)
	if err != nil {
		t.Fatalf("upsert after deletion: %v", err)
	}
	if second.DocumentID == first.DocumentID || !second.Created {
		t.Errorf("expected a new document, got %+v", second)
	}
	entry, _ := cache.Get(ctx, Key{Channel: "C1", Kind: model.KindNews})
	if entry.DocumentID != second.DocumentID {
		t.Errorf("cache not refreshed: %+v", entry)
	}
}

func TestUpsert_AdoptsExistingCanvas(t *testing.T) {
	api := newFakeAPI()
	api.docs["F-old"] = "previous body"
	api.existing = "F-old"
	p := NewPublisher(api, NewMemoryCache(), discardLogger())

	doc, err := p.Upsert(context.Background(), summary("fresh", time.Now()), model.KindNews)
	if err != nil {
		t.Fatal(err)
	}
	if doc.DocumentID != "F-old" || doc.Created || api.creates != 0 {
		t.Errorf("expected adoption of F-old, got %+v creates=%d", doc, api.creates)
	}
}

func TestUpsert_BackendErrorIsRetriable(t *testing.T) {
	api := newFakeAPI()
	cache := NewMemoryCache()
	p := NewPublisher(api, cache, discardLogger())
	ctx := context.Background()
	t0 := time.Now()

	first, err := p.Upsert(ctx, summary("one", t0), model.KindNews)
	if err != nil {
		t.Fatal(err)
	}
	api.replaceErr = fmt.Errorf("slack canvases.edit: http 503: %w", apperr.ErrBackend)

	_, err = p.Upsert(ctx, summary("two", t0.Add(time.Minute)), model.KindNews)
	if !apperr.Retriable(err) {
		t.Fatalf("expected retriable error, got %v", err)
	}
	entry, _ := cache.Get(ctx, Key{Channel: "C1", Kind: model.KindNews})
	if entry.DocumentID != first.DocumentID || entry.Revision != 1 {
		t.Errorf("failed write must leave cache untouched, got %+v", entry)
	}

	api.replaceErr = nil
	doc, err := p.Upsert(ctx, summary("two", t0.Add(time.Minute)), model.KindNews)
	if err != nil || doc.Revision != 2 {
		t.Errorf("retry should succeed, got %+v %v", doc, err)
	}
}

// racingCache lets another writer commit a newer publish right after the
// first Get, the way a second process sharing the cache would.
type racingCache struct {
	*MemoryCache
	api   *fakeAPI
	newer *model.Summary
	once  sync.Once
}

func (c *racingCache) Get(ctx context.Context, key Key) (*Entry, error) {
	e, err := c.MemoryCache.Get(ctx, key)
	if err != nil || e == nil {
		return e, err
	}
	c.once.Do(func() {
		body := "NEWER CONTENT"
		c.api.mu.Lock()
		c.api.docs[e.DocumentID] = body
		c.api.mu.Unlock()
		next := *e
		next.Revision++
		next.SourceHash = c.newer.SourceHash
		next.SourceExtractedAt = c.newer.SourceExtractedAt
		next.ContentHash = model.HashText(c.newer.Text)
		c.MemoryCache.CompareAndSwap(ctx, key, e, &next)
	})
	return e, nil
}

func TestUpsert_LostRaceDoesNotOverwrite(t *testing.T) {
	api := newFakeAPI()
	t0 := time.Now()
	cache := &racingCache{MemoryCache: NewMemoryCache(), api: api, newer: summary("newer", t0.Add(2*time.Hour))}
	ctx := context.Background()

	first, err := NewPublisher(api, cache.MemoryCache, discardLogger()).Upsert(ctx, summary("first", t0), model.KindNews)
	if err != nil {
		t.Fatal(err)
	}

	p := NewPublisher(api, cache, discardLogger())
	_, err = p.Upsert(ctx, summary("STALE CONTENT", t0.Add(time.Hour)), model.KindNews)
	if !errors.Is(err, apperr.ErrConflictUnresolved) {
		t.Fatalf("expected ErrConflictUnresolved, got %v", err)
	}
	if got := api.docs[first.DocumentID]; got != "NEWER CONTENT" {
		t.Errorf("canvas overwritten by losing writer: %q", got)
	}
	if api.replaces != 0 {
		t.Errorf("losing writer replaced the canvas %d times", api.replaces)
	}
	entry, _ := cache.MemoryCache.Get(ctx, Key{Channel: "C1", Kind: model.KindNews})
	if entry.Revision != 2 || entry.ContentHash != model.HashText("newer") {
		t.Errorf("cache should keep the newer publish, got %+v", entry)
	}
}

func TestUpsert_RejectsMissingSummary(t *testing.T) {
	p := NewPublisher(newFakeAPI(), NewMemoryCache(), discardLogger())
	if _, err := p.Upsert(context.Background(), nil, model.KindNews); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestTitlePrefix(t *testing.T) {
	if got := titlePrefix(model.KindNews); got != "News - " {
		t.Errorf("unexpected prefix %q", got)
	}
}
