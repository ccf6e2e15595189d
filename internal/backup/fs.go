package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
)

const latestFile = "LATEST"

var safeChannel = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FS keeps artifacts as JSON files:
//
//	<root>/<channel>/<extracted-unix-nanos>-<hash16>-<id>.json
//	<root>/<channel>/LATEST   (name of the latest artifact file)
//
// Every file is written tmp -> fsync -> rename, so readers only ever see
// complete artifacts and a pointer to one.
type FS struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[model.ChannelRef]*sync.Mutex
}

func NewFS(root string, logger *slog.Logger) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("backup: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create root: %w", err)
	}
	return &FS{root: abs, logger: logger, locks: make(map[model.ChannelRef]*sync.Mutex)}, nil
}

func (f *FS) channelLock(ch model.ChannelRef) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.locks[ch]
	if !ok {
		l = &sync.Mutex{}
		f.locks[ch] = l
	}
	return l
}

func (f *FS) channelDir(ch model.ChannelRef) (string, error) {
	if !safeChannel.MatchString(string(ch)) {
		return "", fmt.Errorf("backup: invalid channel %q: %w", ch, apperr.ErrInvalidInput)
	}
	return filepath.Join(f.root, string(ch)), nil
}

func (f *FS) Save(ctx context.Context, art *model.BackupArtifact) (model.ArtifactRef, error) {
	if err := Prepare(art); err != nil {
		return model.ArtifactRef{}, err
	}
	dir, err := f.channelDir(art.Channel)
	if err != nil {
		return model.ArtifactRef{}, err
	}
	if err := ctx.Err(); err != nil {
		return model.ArtifactRef{}, err
	}

	data, err := json.MarshalIndent(art, "", "  ")
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("backup: marshal artifact: %w", err)
	}
	name := fmt.Sprintf("%020d-%s-%s.json", art.ExtractedAt.UnixNano(), art.ContentHash[:16], art.ID)

	lock := f.channelLock(art.Channel)
	lock.Lock()
	defer lock.Unlock()

	if err := writeAtomic(dir, name, data); err != nil {
		return model.ArtifactRef{}, err
	}

	current, err := f.readPointer(dir)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return model.ArtifactRef{}, err
	}
	// File names sort by extraction time, so a lexically greater name is newer.
	if current == "" || name >= current {
		if err := writeAtomic(dir, latestFile, []byte(name+"\n")); err != nil {
			return model.ArtifactRef{}, err
		}
	} else {
		f.logger.Warn("newer artifact already latest, pointer unchanged",
			"channel", art.Channel, "latest", current, "saved", name)
	}

	f.logger.Info("artifact saved", "channel", art.Channel, "artifact_id", art.ID, "hash", art.ContentHash)
	return model.ArtifactRef{
		ID:          art.ID,
		Channel:     art.Channel,
		ContentHash: art.ContentHash,
		SavedAt:     time.Now().UTC(),
		Location:    filepath.Join(dir, name),
	}, nil
}

func (f *FS) Latest(ctx context.Context, ch model.ChannelRef) (*model.BackupArtifact, error) {
	dir, err := f.channelDir(ch)
	if err != nil {
		return nil, err
	}
	name, err := f.readPointer(dir)
	if err != nil {
		return nil, fmt.Errorf("latest artifact for %s: %w", ch, err)
	}
	return readArtifact(filepath.Join(dir, name))
}

func (f *FS) FindByHash(ctx context.Context, ch model.ChannelRef, hash string) (*model.BackupArtifact, error) {
	dir, err := f.channelDir(ch)
	if err != nil {
		return nil, err
	}
	if len(hash) < 16 {
		return nil, fmt.Errorf("find artifact: short hash: %w", apperr.ErrInvalidInput)
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s for %s: %w", hash, ch, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("backup: list %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") && strings.Contains(e.Name(), "-"+hash[:16]+"-") {
			names = append(names, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		art, err := readArtifact(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if art.ContentHash == hash {
			return art, nil
		}
	}
	return nil, fmt.Errorf("artifact %s for %s: %w", hash, ch, apperr.ErrNotFound)
}

func (f *FS) readPointer(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, latestFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", apperr.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("backup: read pointer: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func readArtifact(path string) (*model.BackupArtifact, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("artifact %s: %w", filepath.Base(path), apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("backup: read %s: %w", path, err)
	}
	var art model.BackupArtifact
	if err := json.Unmarshal(data, &art); err != nil {
		return nil, fmt.Errorf("backup: decode %s: %w", path, err)
	}
	return &art, nil
}

// writeAtomic writes content to dir/name: tmp file -> fsync -> rename.
func writeAtomic(dir, name string, content []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("backup: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".scribe-tmp-*")
	if err != nil {
		return fmt.Errorf("backup: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Only present if something failed before the rename.
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("backup: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("backup: close temp: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("backup: rename: %w", err)
	}
	return nil
}
