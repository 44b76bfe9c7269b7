package binarycache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, registers as "sqlite"
)

// indexEntry mirrors one row of the binary cache index.
type indexEntry struct {
	localFilePath      string
	remoteLastModified time.Time
	fetchedAt          time.Time
}

// indexStore is the SQLite-backed index of cached blob locations: WAL mode,
// prepared statements, goose migrations.
type indexStore struct {
	db     *sql.DB
	logger *slog.Logger

	get    *sql.Stmt
	upsert *sql.Stmt
	delete *sql.Stmt
}

func openIndex(ctx context.Context, dbPath string, logger *slog.Logger) (*indexStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("binarycache: open sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("binarycache: set pragma %q: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &indexStore{db: db, logger: logger}

	stmts := []struct {
		dest **sql.Stmt
		sql  string
	}{
		{&s.get, `SELECT local_file_path, remote_last_modified, fetched_at FROM binary_cache WHERE remote_path = ?`},
		{&s.upsert, `INSERT INTO binary_cache (remote_path, local_file_path, remote_last_modified, fetched_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(remote_path) DO UPDATE SET
				local_file_path = excluded.local_file_path,
				remote_last_modified = excluded.remote_last_modified,
				fetched_at = excluded.fetched_at`},
		{&s.delete, `DELETE FROM binary_cache WHERE remote_path = ?`},
	}

	for _, st := range stmts {
		prepared, err := db.PrepareContext(ctx, st.sql)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("binarycache: prepare statement: %w", err)
		}

		*st.dest = prepared
	}

	return s, nil
}

func (s *indexStore) get_(ctx context.Context, remotePath string) (indexEntry, bool, error) {
	var e indexEntry

	var lastModified, fetchedAt int64

	err := s.get.QueryRowContext(ctx, remotePath).Scan(&e.localFilePath, &lastModified, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return indexEntry{}, false, nil
	}

	if err != nil {
		return indexEntry{}, false, fmt.Errorf("binarycache: get %q: %w", remotePath, err)
	}

	e.remoteLastModified = time.Unix(0, lastModified)
	e.fetchedAt = time.Unix(0, fetchedAt)

	return e, true, nil
}

func (s *indexStore) put(ctx context.Context, remotePath string, e indexEntry) error {
	_, err := s.upsert.ExecContext(ctx, remotePath, e.localFilePath, e.remoteLastModified.UnixNano(), e.fetchedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("binarycache: upsert %q: %w", remotePath, err)
	}

	return nil
}

func (s *indexStore) remove(ctx context.Context, remotePath string) error {
	_, err := s.delete.ExecContext(ctx, remotePath)
	if err != nil {
		return fmt.Errorf("binarycache: delete %q: %w", remotePath, err)
	}

	return nil
}

func (s *indexStore) close() error {
	for _, stmt := range []*sql.Stmt{s.get, s.upsert, s.delete} {
		if stmt != nil {
			stmt.Close()
		}
	}

	return s.db.Close()
}
