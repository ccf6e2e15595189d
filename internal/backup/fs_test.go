package backup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newArtifact(channel model.ChannelRef, at time.Time, bodies ...string) *model.BackupArtifact {
	art := &model.BackupArtifact{ID: uuid.New(), Channel: channel, ExtractedAt: at}
	for i, b := range bodies {
		art.Events = append(art.Events, model.Event{
			ID:        at.Add(time.Duration(i) * time.Second).Format("20060102150405"),
			Author:    "U1",
			Timestamp: at.Add(time.Duration(i) * time.Second).UTC(),
			Body:      b,
		})
	}
	art.ContentHash = art.ComputeHash()
	return art
}

func newTestFS(t *testing.T) *FS {
	t.Helper()
	f, err := NewFS(t.TempDir(), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestFS_SaveAndLatest(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	first := newArtifact("C1", t0, "hello")
	if _, err := f.Save(ctx, first); err != nil {
		t.Fatalf("save: %v", err)
	}
	second := newArtifact("C1", t0.Add(time.Hour), "hello", "again")
	ref, err := f.Save(ctx, second)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if ref.ID != second.ID || ref.ContentHash != second.ContentHash {
		t.Errorf("unexpected ref: %+v", ref)
	}

	latest, err := f.Latest(ctx, "C1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.ID != second.ID || len(latest.Events) != 2 {
		t.Errorf("expected second artifact, got %+v", latest)
	}
	if latest.ComputeHash() != second.ContentHash {
		t.Error("hash must survive the round trip through disk")
	}

	// Earlier artifacts are kept.
	entries, _ := os.ReadDir(filepath.Join(f.root, "C1"))
	var artifacts int
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			artifacts++
		}
	}
	if artifacts != 2 {
		t.Errorf("expected 2 artifact files, got %d", artifacts)
	}
}

func TestFS_LatestNotFound(t *testing.T) {
	f := newTestFS(t)
	if _, err := f.Latest(context.Background(), "C404"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFS_OlderSaveDoesNotMovePointer(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	newer := newArtifact("C1", t0.Add(time.Hour), "new")
	older := newArtifact("C1", t0, "old")
	if _, err := f.Save(ctx, newer); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Save(ctx, older); err != nil {
		t.Fatal(err)
	}
	latest, err := f.Latest(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != newer.ID {
		t.Errorf("pointer moved back to an older extraction")
	}
}

func TestFS_FindByHash(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	a := newArtifact("C1", t0, "one")
	b := newArtifact("C1", t0.Add(time.Minute), "two")
	for _, art := range []*model.BackupArtifact{a, b} {
		if _, err := f.Save(ctx, art); err != nil {
			t.Fatal(err)
		}
	}

	got, err := f.FindByHash(ctx, "C1", a.ContentHash)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("expected artifact a, got %s", got.ID)
	}
	if _, err := f.FindByHash(ctx, "C1", strings.Repeat("0", 64)); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestFS_RejectsBadInput(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()

	art := newArtifact("../etc", time.Now(), "x")
	if _, err := f.Save(ctx, art); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected invalid channel rejection, got %v", err)
	}

	tampered := newArtifact("C1", time.Now(), "x")
	tampered.Events[0].Body = "changed after hashing"
	if _, err := f.Save(ctx, tampered); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected hash mismatch rejection, got %v", err)
	}
}

func TestFS_ConcurrentSavesLeaveValidPointer(t *testing.T) {
	f := newTestFS(t)
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	arts := make([]*model.BackupArtifact, 8)
	for i := range arts {
		arts[i] = newArtifact("C1", t0.Add(time.Duration(i)*time.Minute), "msg")
	}
	for _, art := range arts {
		wg.Add(1)
		go func(a *model.BackupArtifact) {
			defer wg.Done()
			if _, err := f.Save(ctx, a); err != nil {
				t.Errorf("save: %v", err)
			}
		}(art)
	}
	wg.Wait()

	latest, err := f.Latest(ctx, "C1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != arts[len(arts)-1].ID {
		t.Errorf("expected newest extraction to be latest, got %s", latest.ID)
	}
}
