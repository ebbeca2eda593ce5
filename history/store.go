// Package history persists finalized work items.
//
// A Store is a jobsched.Recorder: wire it into EngineOptions.Recorder and
// every Completed, Failed or Canceled item is upserted by ID. Two SQL
// dialects are supported over database/sql; the caller picks the driver:
//
//	sqlite   -> modernc.org/sqlite   (driver name "sqlite")
//	postgres -> pgx stdlib           (driver name "pgx")
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/azargarov/jobsched"
)

// ErrNotFound is returned by Get for unknown IDs.
var ErrNotFound = errors.New("history: work item not found")

type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) String() string {
	switch d {
	case SQLite:
		return "sqlite"
	case Postgres:
		return "postgres"
	default:
		return "unknown"
	}
}

// Store is a work item history backed by SQL.
type Store struct {
	db      *sql.DB
	dialect Dialect
	owned   bool
}

var _ jobsched.Recorder = (*Store)(nil)

// Open connects with the named driver ("sqlite" or "postgres") and
// prepares the schema. The returned Store owns the connection.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		sqlDriver string
		d         Dialect
	)
	switch driver {
	case "sqlite":
		sqlDriver, d = "sqlite", SQLite
	case "postgres":
		sqlDriver, d = "pgx", Postgres
	default:
		return nil, fmt.Errorf("history: unknown driver %q", driver)
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", driver, err)
	}
	if d == SQLite {
		// a single writer avoids SQLITE_BUSY under concurrent workers
		db.SetMaxOpenConns(1)
	}
	s, err := New(ctx, db, d)
	if err != nil {
		return nil, multierr.Append(err, db.Close())
	}
	s.owned = true
	return s, nil
}

// New wraps an existing connection and prepares the schema.
func New(ctx context.Context, db *sql.DB, d Dialect) (*Store, error) {
	s := &Store{db: db, dialect: d}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS work_items (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			type          TEXT NOT NULL,
			priority      INTEGER NOT NULL,
			status        TEXT NOT NULL,
			retry_count   INTEGER NOT NULL,
			max_retries   INTEGER NOT NULL,
			created_at    BIGINT NOT NULL,
			started_at    BIGINT NOT NULL,
			completed_at  BIGINT NOT NULL,
			error_message TEXT NOT NULL,
			exceptions    TEXT NOT NULL,
			parameters    TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS work_items_type_status ON work_items (type, status)`,
		`CREATE INDEX IF NOT EXISTS work_items_completed ON work_items (completed_at)`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("history: init schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites ? placeholders into the dialect's form.
func (s *Store) rebind(q string) string {
	if s.dialect != Postgres {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Record upserts the snapshot of a finalized item.
func (s *Store) Record(ctx context.Context, info jobsched.ItemInfo) error {
	exceptions, err := json.Marshal(info.Exceptions)
	if err != nil {
		return fmt.Errorf("history: encode exceptions of %s: %w", info.ID, err)
	}
	params, err := json.Marshal(info.Parameters)
	if err != nil {
		return fmt.Errorf("history: encode parameters of %s: %w", info.ID, err)
	}

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO work_items (id, name, type, priority, status, retry_count, max_retries,
			created_at, started_at, completed_at, error_message, exceptions, parameters)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			retry_count = excluded.retry_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error_message = excluded.error_message,
			exceptions = excluded.exceptions`),
		info.ID,
		info.Name,
		info.Type,
		info.Priority,
		string(info.Status),
		info.RetryCount,
		info.MaxRetries,
		unixNano(info.CreatedAt),
		unixNano(info.StartedAt),
		unixNano(info.CompletedAt),
		info.ErrorMessage,
		string(exceptions),
		string(params),
	)
	if err != nil {
		return fmt.Errorf("history: record %s: %w", info.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, name, type, priority, status, retry_count, max_retries,
	created_at, started_at, completed_at, error_message, exceptions, parameters
	FROM work_items`

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (jobsched.ItemInfo, error) {
	var (
		info                         jobsched.ItemInfo
		status, exceptions, params   string
		createdAt, startedAt, doneAt int64
	)
	err := row.Scan(
		&info.ID, &info.Name, &info.Type, &info.Priority, &status,
		&info.RetryCount, &info.MaxRetries,
		&createdAt, &startedAt, &doneAt,
		&info.ErrorMessage, &exceptions, &params,
	)
	if err != nil {
		return jobsched.ItemInfo{}, err
	}
	info.Status = jobsched.Status(status)
	info.CreatedAt = fromUnixNano(createdAt)
	info.StartedAt = fromUnixNano(startedAt)
	info.CompletedAt = fromUnixNano(doneAt)
	if err := json.Unmarshal([]byte(exceptions), &info.Exceptions); err != nil {
		return jobsched.ItemInfo{}, fmt.Errorf("history: decode exceptions of %s: %w", info.ID, err)
	}
	if err := json.Unmarshal([]byte(params), &info.Parameters); err != nil {
		return jobsched.ItemInfo{}, fmt.Errorf("history: decode parameters of %s: %w", info.ID, err)
	}
	return info, nil
}

// Get returns the recorded snapshot of one item.
func (s *Store) Get(ctx context.Context, id string) (jobsched.ItemInfo, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(selectColumns+` WHERE id = ?`), id)
	info, err := scanInfo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return jobsched.ItemInfo{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return jobsched.ItemInfo{}, fmt.Errorf("history: get %s: %w", id, err)
	}
	return info, nil
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Type   string
	Status jobsched.Status
	Limit  int
}

// List returns recorded items, most recently completed first.
func (s *Store) List(ctx context.Context, f Filter) ([]jobsched.ItemInfo, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	q := selectColumns
	if len(clauses) > 0 {
		q += " WHERE " + strings.Join(clauses, " AND ")
	}
	q += " ORDER BY completed_at DESC, id"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []jobsched.ItemInfo
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("history: list: %w", err)
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Counts returns the number of recorded items per status.
func (s *Store) Counts(ctx context.Context) (map[jobsched.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("history: counts: %w", err)
	}
	defer rows.Close()

	out := make(map[jobsched.Status]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("history: counts: %w", err)
		}
		out[jobsched.Status(status)] = n
	}
	return out, rows.Err()
}

// Close releases the connection if the Store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
