package modules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buildkite/sandboxshim/internal/engine"
	"github.com/opencontainers/go-digest"
	_ "modernc.org/sqlite"
)

// Record is one cached module layer. A layer shared by several images has a
// single blob and one row per image.
type Record struct {
	ImageDigest string
	Position    int
	Digest      digest.Digest
	MediaType   string
	Ref         string
	Path        string
	SizeBytes   int64
	Platform    engine.Platform
	CreatedAt   time.Time
	LastUsedAt  time.Time
}

func (r Record) Module() engine.Module {
	return engine.Module{Digest: r.Digest, MediaType: r.MediaType, Path: r.Path, Size: r.SizeBytes}
}

type store struct {
	db *sql.DB
}

func openStore(ctx context.Context, path string) (*store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create module metadata directory for %q: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open module metadata database %q: %w", path, err)
	}
	// One writer at a time; modernc sqlite serialises per connection.
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS modules (
			image_digest TEXT NOT NULL,
			position INTEGER NOT NULL,
			digest TEXT NOT NULL,
			media_type TEXT NOT NULL,
			ref TEXT NOT NULL,
			path TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			platform_os TEXT NOT NULL,
			platform_architecture TEXT NOT NULL,
			platform_variant TEXT NOT NULL,
			created_at_unix INTEGER NOT NULL,
			last_used_at_unix INTEGER NOT NULL,
			PRIMARY KEY (image_digest, position)
		);
		CREATE INDEX IF NOT EXISTS idx_modules_digest ON modules(digest);
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialise module metadata schema: %w", err)
	}
	return &store{db: db}, nil
}

func (s *store) Close() error {
	return s.db.Close()
}

const recordColumns = `
	image_digest,
	position,
	digest,
	media_type,
	ref,
	path,
	size_bytes,
	platform_os,
	platform_architecture,
	platform_variant,
	created_at_unix,
	last_used_at_unix`

func (s *store) byImage(ctx context.Context, imageDigest string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM modules
		WHERE image_digest = ?
		ORDER BY position ASC
	`, imageDigest)
	if err != nil {
		return nil, fmt.Errorf("query modules for image %s: %w", imageDigest, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// blobPath returns the cached blob for a layer digest from any image.
func (s *store) blobPath(ctx context.Context, d digest.Digest) (string, bool, error) {
	var path string
	err := s.db.QueryRowContext(ctx, `SELECT path FROM modules WHERE digest = ? LIMIT 1`, d.String()).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query module blob %s: %w", d, err)
	}
	return path, true, nil
}

func (s *store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+`
		FROM modules
		ORDER BY last_used_at_unix DESC, image_digest ASC, position ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cached modules: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *store) upsert(ctx context.Context, record Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO modules (`+recordColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(image_digest, position) DO UPDATE SET
			digest = excluded.digest,
			media_type = excluded.media_type,
			ref = excluded.ref,
			path = excluded.path,
			size_bytes = excluded.size_bytes,
			platform_os = excluded.platform_os,
			platform_architecture = excluded.platform_architecture,
			platform_variant = excluded.platform_variant,
			last_used_at_unix = excluded.last_used_at_unix
	`,
		record.ImageDigest,
		record.Position,
		record.Digest.String(),
		record.MediaType,
		record.Ref,
		record.Path,
		record.SizeBytes,
		record.Platform.OS,
		record.Platform.Architecture,
		record.Platform.Variant,
		record.CreatedAt.Unix(),
		record.LastUsedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert module metadata for %s: %w", record.Digest, err)
	}
	return nil
}

func (s *store) touch(ctx context.Context, imageDigest string, ref string, now time.Time) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE modules SET last_used_at_unix = ?, ref = ? WHERE image_digest = ?`, now.Unix(), ref, imageDigest); err != nil {
		return fmt.Errorf("update module usage for image %s: %w", imageDigest, err)
	}
	return nil
}

func (s *store) deleteImage(ctx context.Context, imageDigest string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM modules WHERE image_digest = ?`, imageDigest); err != nil {
		return fmt.Errorf("delete module metadata for image %s: %w", imageDigest, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		record         Record
		layerDigest    string
		createdAtUnix  int64
		lastUsedAtUnix int64
	)
	if err := s.Scan(
		&record.ImageDigest,
		&record.Position,
		&layerDigest,
		&record.MediaType,
		&record.Ref,
		&record.Path,
		&record.SizeBytes,
		&record.Platform.OS,
		&record.Platform.Architecture,
		&record.Platform.Variant,
		&createdAtUnix,
		&lastUsedAtUnix,
	); err != nil {
		return Record{}, err
	}
	d, err := digest.Parse(layerDigest)
	if err != nil {
		return Record{}, fmt.Errorf("parse cached module digest %q: %w", layerDigest, err)
	}
	record.Digest = d
	record.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	record.LastUsedAt = time.Unix(lastUsedAtUnix, 0).UTC()
	return record, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	out := make([]Record, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cached modules: %w", err)
	}
	return out, nil
}
