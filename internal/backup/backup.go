// Package backup persists extraction artifacts as an append-only history
// with a per-channel "latest" pointer.
package backup

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/model"
)

// Store is implemented by the filesystem store here and the Postgres store in
// internal/store.
type Store interface {
	// Save appends the artifact and moves the channel's latest pointer to it,
	// unless a newer extraction is already latest.
	Save(ctx context.Context, art *model.BackupArtifact) (model.ArtifactRef, error)
	// Latest returns the most recent artifact, or apperr.ErrNotFound.
	Latest(ctx context.Context, channel model.ChannelRef) (*model.BackupArtifact, error)
	// FindByHash returns an artifact with the given content hash, or apperr.ErrNotFound.
	FindByHash(ctx context.Context, channel model.ChannelRef, hash string) (*model.BackupArtifact, error)
}

// Prepare checks an artifact before it is written and fills its hash.
func Prepare(art *model.BackupArtifact) error {
	if art == nil || art.Channel == "" {
		return fmt.Errorf("save artifact: missing channel: %w", apperr.ErrInvalidInput)
	}
	if art.ID == uuid.Nil {
		return fmt.Errorf("save artifact: missing id: %w", apperr.ErrInvalidInput)
	}
	sum := art.ComputeHash()
	if art.ContentHash != "" && art.ContentHash != sum {
		return fmt.Errorf("save artifact %s: content hash mismatch: %w", art.ID, apperr.ErrInvalidInput)
	}
	art.ContentHash = sum
	return nil
}
