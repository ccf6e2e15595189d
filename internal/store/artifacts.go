package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/MikeSquared-Agency/scribe/internal/apperr"
	"github.com/MikeSquared-Agency/scribe/internal/backup"
	"github.com/MikeSquared-Agency/scribe/internal/model"
)

var _ backup.Store = (*Store)(nil)

// Save inserts the artifact and moves the latest pointer in one transaction.
// The pointer only moves forward in extraction time.
func (s *Store) Save(ctx context.Context, art *model.BackupArtifact) (model.ArtifactRef, error) {
	if err := backup.Prepare(art); err != nil {
		return model.ArtifactRef{}, err
	}
	payload, err := json.Marshal(art)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("marshal artifact: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var savedAt time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO backup_artifacts (id, channel_id, extracted_at, content_hash, partial, event_count, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		art.ID, string(art.Channel), art.ExtractedAt, art.ContentHash, art.Partial, art.EventCount(), payload,
	).Scan(&savedAt)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("insert artifact: %w", err)
	}

	tag, err := tx.Exec(ctx, `
		INSERT INTO backup_latest (channel_id, artifact_id, extracted_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (channel_id) DO UPDATE SET
			artifact_id  = EXCLUDED.artifact_id,
			extracted_at = EXCLUDED.extracted_at,
			updated_at   = now()
		WHERE backup_latest.extracted_at <= EXCLUDED.extracted_at`,
		string(art.Channel), art.ID, art.ExtractedAt,
	)
	if err != nil {
		return model.ArtifactRef{}, fmt.Errorf("update latest pointer: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("newer artifact already latest, pointer unchanged", "channel", art.Channel, "artifact_id", art.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ArtifactRef{}, fmt.Errorf("commit: %w", err)
	}

	return model.ArtifactRef{
		ID:          art.ID,
		Channel:     art.Channel,
		ContentHash: art.ContentHash,
		SavedAt:     savedAt,
		Location:    "backup_artifacts/" + art.ID.String(),
	}, nil
}

func (s *Store) Latest(ctx context.Context, channel model.ChannelRef) (*model.BackupArtifact, error) {
	return s.queryArtifact(ctx, `
		SELECT a.payload
		FROM backup_latest l
		JOIN backup_artifacts a ON a.id = l.artifact_id
		WHERE l.channel_id = $1`,
		string(channel),
	)
}

func (s *Store) FindByHash(ctx context.Context, channel model.ChannelRef, hash string) (*model.BackupArtifact, error) {
	return s.queryArtifact(ctx, `
		SELECT payload
		FROM backup_artifacts
		WHERE channel_id = $1 AND content_hash = $2
		ORDER BY extracted_at DESC
		LIMIT 1`,
		string(channel), hash,
	)
}

func (s *Store) queryArtifact(ctx context.Context, query string, args ...any) (*model.BackupArtifact, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("artifact: %w", apperr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query artifact: %w", err)
	}
	var art model.BackupArtifact
	if err := json.Unmarshal(payload, &art); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &art, nil
}
