package canvas

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/model"
)

// Key identifies one canvas: at most one document per channel and kind.
type Key struct {
	Channel model.ChannelRef
	Kind    model.DocumentKind
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s", k.Channel, k.Kind)
}

// Entry is what the publisher remembers about a published canvas.
type Entry struct {
	DocumentID        string
	Revision          int
	SourceHash        string
	SourceExtractedAt time.Time
	ContentHash       string
	UpdatedAt         time.Time
}

func (e *Entry) matches(o *Entry) bool {
	return e.DocumentID == o.DocumentID && e.Revision == o.Revision
}

// DocCache maps keys to published documents.
//
// CompareAndSwap replaces the entry only if the current one matches old
// (same document id and revision). A nil old means "only if absent"; a nil
// next deletes. It reports whether the swap happened.
type DocCache interface {
	Get(ctx context.Context, key Key) (*Entry, error)
	CompareAndSwap(ctx context.Context, key Key, old, next *Entry) (bool, error)
}

// MemoryCache is a process-local DocCache.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[Key]Entry
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[Key]Entry)}
}

func (c *MemoryCache) Get(_ context.Context, key Key) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (c *MemoryCache) CompareAndSwap(_ context.Context, key Key, old, next *Entry) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, ok := c.entries[key]
	switch {
	case old == nil && ok:
		return false, nil
	case old != nil && (!ok || !cur.matches(old)):
		return false, nil
	}
	if next == nil {
		delete(c.entries, key)
	} else {
		c.entries[key] = *next
	}
	return true, nil
}
