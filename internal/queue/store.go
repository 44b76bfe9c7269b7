package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver, registers as "sqlite"
)

func methodToDB(m Method) string {
	switch m {
	case MethodPut:
		return "put"
	case MethodPost:
		return "post"
	case MethodDelete:
		return "delete"
	default:
		return "post"
	}
}

func methodFromDB(s string) Method {
	switch s {
	case "put":
		return MethodPut
	case "delete":
		return MethodDelete
	default:
		return MethodPost
	}
}

// store is the SQLite-backed durable log: WAL mode, prepared statements,
// one row per queued mutation.
type store struct {
	db     *sql.DB
	logger *slog.Logger

	getByKey    *sql.Stmt
	upsert      *sql.Stmt
	deleteByID  *sql.Stmt
	nextReady   *sql.Stmt
	incRetries  *sql.Stmt
	underPrefix *sql.Stmt
	exceeded    *sql.Stmt
}

func openStore(ctx context.Context, dbPath string, logger *slog.Logger) (*store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue: set pragma %q: %w", pragma, err)
		}
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &store{db: db, logger: logger}

	const cols = `id, method, parent_path, name, local_prefix, remote_prefix, enqueued_at, ready_at, retries`

	stmts := []struct {
		dest **sql.Stmt
		sql  string
	}{
		{&s.getByKey, `SELECT ` + cols + ` FROM queue_entries WHERE parent_path = ? AND name = ?`},
		{&s.upsert, `INSERT INTO queue_entries (` + cols + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(parent_path, name) DO UPDATE SET
				id = excluded.id,
				method = excluded.method,
				local_prefix = excluded.local_prefix,
				remote_prefix = excluded.remote_prefix,
				enqueued_at = excluded.enqueued_at,
				ready_at = excluded.ready_at,
				retries = excluded.retries`},
		{&s.deleteByID, `DELETE FROM queue_entries WHERE id = ?`},
		{&s.nextReady, `SELECT ` + cols + ` FROM queue_entries
			WHERE ready_at <= ? AND retries < ?
			ORDER BY ready_at ASC, id ASC LIMIT 1`},
		{&s.incRetries, `UPDATE queue_entries SET retries = retries + 1, ready_at = ? WHERE id = ?`},
		{&s.underPrefix, `SELECT ` + cols + ` FROM queue_entries
			WHERE parent_path = ? OR parent_path LIKE ? ESCAPE '\'`},
		{&s.exceeded, `SELECT ` + cols + ` FROM queue_entries WHERE retries >= ?`},
	}

	for _, st := range stmts {
		prepared, err := db.PrepareContext(ctx, st.sql)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("queue: prepare statement: %w", err)
		}

		*st.dest = prepared
	}

	return s, nil
}

func scanEntry(row interface{ Scan(...any) error }) (Entry, error) {
	var e Entry

	var method string

	var enqueuedAt, readyAt int64

	err := row.Scan(&e.ID, &method, &e.ParentPath, &e.Name, &e.LocalPrefix, &e.RemotePrefix, &enqueuedAt, &readyAt, &e.Retries)
	if err != nil {
		return Entry{}, err
	}

	e.Method = methodFromDB(method)
	e.EnqueuedAt = time.Unix(0, enqueuedAt)
	e.ReadyAt = time.Unix(0, readyAt)

	return e, nil
}

func (s *store) get(ctx context.Context, parentPath, name string) (*Entry, error) {
	e, err := scanEntry(s.getByKey.QueryRowContext(ctx, parentPath, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil entry means "no entry at this key"
	}

	if err != nil {
		return nil, fmt.Errorf("queue: get %s/%s: %w", parentPath, name, err)
	}

	return &e, nil
}

func (s *store) put(ctx context.Context, e Entry) error {
	_, err := s.upsert.ExecContext(ctx,
		e.ID, methodToDB(e.Method), e.ParentPath, e.Name, e.LocalPrefix, e.RemotePrefix,
		e.EnqueuedAt.UnixNano(), e.ReadyAt.UnixNano(), e.Retries,
	)
	if err != nil {
		return fmt.Errorf("queue: upsert %s/%s: %w", e.ParentPath, e.Name, err)
	}

	return nil
}

func (s *store) deleteID(ctx context.Context, id string) error {
	_, err := s.deleteByID.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("queue: delete %s: %w", id, err)
	}

	return nil
}

func (s *store) next(ctx context.Context, now time.Time, maxRetries int) (*Entry, error) {
	e, err := scanEntry(s.nextReady.QueryRowContext(ctx, now.UnixNano(), maxRetries))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil entry means "nothing ready"
	}

	if err != nil {
		return nil, fmt.Errorf("queue: nextReady: %w", err)
	}

	return &e, nil
}

func (s *store) incrementRetries(ctx context.Context, id string, readyAt time.Time) error {
	_, err := s.incRetries.ExecContext(ctx, readyAt.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("queue: incrementRetries %s: %w", id, err)
	}

	return nil
}

// likePrefixPattern builds a SQL LIKE pattern matching prefix or anything
// nested under it, escaping LIKE metacharacters in prefix itself.
func likePrefixPattern(prefix string) string {
	escaped := ""

	for _, r := range prefix {
		switch r {
		case '%', '_', '\\':
			escaped += `\` + string(r)
		default:
			escaped += string(r)
		}
	}

	return escaped + `/%`
}

func (s *store) listUnderPrefix(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := s.underPrefix.QueryContext(ctx, prefix, likePrefixPattern(prefix))
	if err != nil {
		return nil, fmt.Errorf("queue: listUnderPrefix %q: %w", prefix, err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *store) listExceeded(ctx context.Context, maxRetries int) ([]Entry, error) {
	rows, err := s.exceeded.QueryContext(ctx, maxRetries)
	if err != nil {
		return nil, fmt.Errorf("queue: listExceeded: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan row: %w", err)
		}

		out = append(out, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: iterate rows: %w", err)
	}

	return out, nil
}

func (s *store) close() error {
	for _, stmt := range []*sql.Stmt{
		s.getByKey, s.upsert, s.deleteByID, s.nextReady, s.incRetries, s.underPrefix, s.exceeded,
	} {
		if stmt != nil {
			stmt.Close()
		}
	}

	return s.db.Close()
}
