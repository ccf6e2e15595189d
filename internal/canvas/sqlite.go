package canvas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS canvas_documents (
	channel_id          TEXT    NOT NULL,
	kind                TEXT    NOT NULL,
	document_id         TEXT    NOT NULL,
	revision            INTEGER NOT NULL,
	source_hash         TEXT    NOT NULL DEFAULT '',
	source_extracted_at TEXT    NOT NULL DEFAULT '',
	content_hash        TEXT    NOT NULL DEFAULT '',
	updated_at          TEXT    NOT NULL,
	PRIMARY KEY (channel_id, kind)
);`

// SQLiteCache is a DocCache in a local SQLite file, for deployments
// without Postgres.
type SQLiteCache struct {
	db *sql.DB
}

func OpenSQLiteCache(path string) (*SQLiteCache, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("canvas cache: mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("canvas cache: open: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("canvas cache: schema: %w", err)
	}
	return &SQLiteCache{db: db}, nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func (c *SQLiteCache) Get(ctx context.Context, key Key) (*Entry, error) {
	var (
		e                  Entry
		sourceAt, updateAt string
	)
	err := c.db.QueryRowContext(ctx, `
		SELECT document_id, revision, source_hash, source_extracted_at, content_hash, updated_at
		FROM canvas_documents WHERE channel_id = ? AND kind = ?`,
		string(key.Channel), string(key.Kind),
	).Scan(&e.DocumentID, &e.Revision, &e.SourceHash, &sourceAt, &e.ContentHash, &updateAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("canvas cache: get %s: %w", key, err)
	}
	e.SourceExtractedAt = parseTime(sourceAt)
	e.UpdatedAt = parseTime(updateAt)
	return &e, nil
}

func (c *SQLiteCache) CompareAndSwap(ctx context.Context, key Key, old, next *Entry) (bool, error) {
	var (
		res sql.Result
		err error
	)
	switch {
	case old == nil && next == nil:
		return false, nil
	case old == nil:
		res, err = c.db.ExecContext(ctx, `
			INSERT INTO canvas_documents
				(channel_id, kind, document_id, revision, source_hash, source_extracted_at, content_hash, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (channel_id, kind) DO NOTHING`,
			string(key.Channel), string(key.Kind), next.DocumentID, next.Revision, next.SourceHash,
			formatTime(next.SourceExtractedAt), next.ContentHash, formatTime(time.Now()),
		)
	case next == nil:
		res, err = c.db.ExecContext(ctx, `
			DELETE FROM canvas_documents
			WHERE channel_id = ? AND kind = ? AND document_id = ? AND revision = ?`,
			string(key.Channel), string(key.Kind), old.DocumentID, old.Revision,
		)
	default:
		res, err = c.db.ExecContext(ctx, `
			UPDATE canvas_documents SET
				document_id = ?, revision = ?, source_hash = ?, source_extracted_at = ?,
				content_hash = ?, updated_at = ?
			WHERE channel_id = ? AND kind = ? AND document_id = ? AND revision = ?`,
			next.DocumentID, next.Revision, next.SourceHash, formatTime(next.SourceExtractedAt),
			next.ContentHash, formatTime(time.Now()),
			string(key.Channel), string(key.Kind), old.DocumentID, old.Revision,
		)
	}
	if err != nil {
		return false, fmt.Errorf("canvas cache: swap %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("canvas cache: rows affected: %w", err)
	}
	return n == 1, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
