package files

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"relayd/internal/core"

	_ "modernc.org/sqlite"
)

// MetaStore persists upload metadata and download counters in SQLite.
// The in-memory index in core.State stays authoritative for routing;
// these rows give operators a durable audit trail.
type MetaStore struct {
	db *sql.DB
}

// OpenMetaStore opens (or creates) the metadata database and runs
// migrations.
func OpenMetaStore(path string) (*MetaStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("metadata database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	ms := &MetaStore{db: db}
	if err := ms.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("upload metadata store opened", "path", path)
	return ms, nil
}

// Close closes the underlying database connection.
func (ms *MetaStore) Close() error {
	if ms == nil || ms.db == nil {
		return nil
	}
	return ms.db.Close()
}

func (ms *MetaStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS uploads (
	id TEXT PRIMARY KEY,
	filename TEXT NOT NULL,
	uploader TEXT NOT NULL,
	size_bytes INTEGER NOT NULL CHECK(size_bytes >= 0),
	uploaded_at_unix_ms INTEGER NOT NULL,
	download_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_uploads_uploaded_at ON uploads(uploaded_at_unix_ms);
`
	if _, err := ms.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	return nil
}

// Insert records one upload.
func (ms *MetaStore) Insert(ctx context.Context, f core.UploadedFile) error {
	const q = `
INSERT INTO uploads (id, filename, uploader, size_bytes, uploaded_at_unix_ms, download_count)
VALUES (?, ?, ?, ?, ?, ?)
`
	_, err := ms.db.ExecContext(ctx, q, f.ID, f.Filename, f.Uploader, f.Size, f.UploadedAt.UnixMilli(), f.Downloads)
	if err != nil {
		return fmt.Errorf("insert upload metadata: %w", err)
	}
	return nil
}

// IncrementDownload bumps the persisted download counter.
func (ms *MetaStore) IncrementDownload(ctx context.Context, id string) error {
	const q = `UPDATE uploads SET download_count = download_count + 1 WHERE id = ?`
	if _, err := ms.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("increment download count: %w", err)
	}
	return nil
}

// Delete removes one upload row.
func (ms *MetaStore) Delete(ctx context.Context, id string) error {
	if _, err := ms.db.ExecContext(ctx, `DELETE FROM uploads WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete upload metadata: %w", err)
	}
	return nil
}

// Clear removes every upload row; used on startup cleanup.
func (ms *MetaStore) Clear(ctx context.Context) error {
	if _, err := ms.db.ExecContext(ctx, `DELETE FROM uploads`); err != nil {
		return fmt.Errorf("clear upload metadata: %w", err)
	}
	return nil
}

// DownloadCount reads the persisted counter for one upload.
func (ms *MetaStore) DownloadCount(ctx context.Context, id string) (int, error) {
	var n int
	err := ms.db.QueryRowContext(ctx, `SELECT download_count FROM uploads WHERE id = ?`, id).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("query download count: %w", err)
	}
	return n, nil
}

// UploadRow is one persisted metadata row.
type UploadRow struct {
	ID         string
	Filename   string
	Uploader   string
	Size       int64
	UploadedAt time.Time
	Downloads  int
}

// List returns all rows ordered by upload time.
func (ms *MetaStore) List(ctx context.Context) ([]UploadRow, error) {
	const q = `
SELECT id, filename, uploader, size_bytes, uploaded_at_unix_ms, download_count
FROM uploads
ORDER BY uploaded_at_unix_ms
`
	rows, err := ms.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query uploads: %w", err)
	}
	defer rows.Close()

	var out []UploadRow
	for rows.Next() {
		var (
			r  UploadRow
			at int64
		)
		if err := rows.Scan(&r.ID, &r.Filename, &r.Uploader, &r.Size, &at, &r.Downloads); err != nil {
			return nil, fmt.Errorf("scan upload row: %w", err)
		}
		r.UploadedAt = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
