package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/MikeSquared-Agency/scribe/internal/canvas"
)

var _ canvas.DocCache = (*Store)(nil)

func (s *Store) Get(ctx context.Context, key canvas.Key) (*canvas.Entry, error) {
	var (
		e        canvas.Entry
		sourceAt *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT document_id, revision, source_hash, source_extracted_at, content_hash, updated_at
		FROM canvas_documents
		WHERE channel_id = $1 AND kind = $2`,
		string(key.Channel), string(key.Kind),
	).Scan(&e.DocumentID, &e.Revision, &e.SourceHash, &sourceAt, &e.ContentHash, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get canvas %s: %w", key, err)
	}
	if sourceAt != nil {
		e.SourceExtractedAt = *sourceAt
	}
	return &e, nil
}

// CompareAndSwap implements canvas.DocCache with single conditional statements.
func (s *Store) CompareAndSwap(ctx context.Context, key canvas.Key, old, next *canvas.Entry) (bool, error) {
	var (
		tag pgconn.CommandTag
		err error
	)
	switch {
	case old == nil && next == nil:
		return false, nil
	case old == nil:
		tag, err = s.pool.Exec(ctx, `
			INSERT INTO canvas_documents
				(channel_id, kind, document_id, revision, source_hash, source_extracted_at, content_hash, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (channel_id, kind) DO NOTHING`,
			string(key.Channel), string(key.Kind), next.DocumentID, next.Revision,
			next.SourceHash, nullTime(next.SourceExtractedAt), next.ContentHash,
		)
	case next == nil:
		tag, err = s.pool.Exec(ctx, `
			DELETE FROM canvas_documents
			WHERE channel_id = $1 AND kind = $2 AND document_id = $3 AND revision = $4`,
			string(key.Channel), string(key.Kind), old.DocumentID, old.Revision,
		)
	default:
		tag, err = s.pool.Exec(ctx, `
			UPDATE canvas_documents SET
				document_id = $5, revision = $6, source_hash = $7,
				source_extracted_at = $8, content_hash = $9, updated_at = now()
			WHERE channel_id = $1 AND kind = $2 AND document_id = $3 AND revision = $4`,
			string(key.Channel), string(key.Kind), old.DocumentID, old.Revision,
			next.DocumentID, next.Revision, next.SourceHash, nullTime(next.SourceExtractedAt), next.ContentHash,
		)
	}
	if err != nil {
		return false, fmt.Errorf("swap canvas %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
