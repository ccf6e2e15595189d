// Package store is the Postgres persistence layer: backup artifacts with
// their latest pointers, and the canvas document cache.
package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool, logger: logger}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS backup_artifacts (
	id              uuid PRIMARY KEY,
	channel_id      text        NOT NULL,
	extracted_at    timestamptz NOT NULL,
	content_hash    text        NOT NULL,
	partial         boolean     NOT NULL DEFAULT false,
	event_count     integer     NOT NULL,
	payload         jsonb       NOT NULL,
	created_at      timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS backup_artifacts_channel_hash_idx
	ON backup_artifacts (channel_id, content_hash);

CREATE TABLE IF NOT EXISTS backup_latest (
	channel_id   text PRIMARY KEY,
	artifact_id  uuid        NOT NULL REFERENCES backup_artifacts (id),
	extracted_at timestamptz NOT NULL,
	updated_at   timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS canvas_documents (
	channel_id          text        NOT NULL,
	kind                text        NOT NULL,
	document_id         text        NOT NULL,
	revision            integer     NOT NULL,
	source_hash         text        NOT NULL DEFAULT '',
	source_extracted_at timestamptz,
	content_hash        text        NOT NULL DEFAULT '',
	updated_at          timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (channel_id, kind)
);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
