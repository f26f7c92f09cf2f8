// Package postgres provides the Postgres-backed record store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/tm-status-tracker/internal/storage"
	"github.com/JakeFAU/tm-status-tracker/internal/tracker"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	SnapshotsTable  string
	FailuresTable   string
	MaxConns        int32
	MinConns        int32
	MaxConnIdleTime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// RecordStore keeps snapshots and failures in two append-only tables.
type RecordStore struct {
	pool      pool
	snapshots string
	failures  string
}

// NewRecordStore connects to Postgres using cfg.
func NewRecordStore(ctx context.Context, cfg Config) (*RecordStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("storage.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewRecordStoreWithPool(p, cfg.SnapshotsTable, cfg.FailuresTable)
	if err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewRecordStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewRecordStoreWithPool(p pool, snapshotsTable, failuresTable string) (*RecordStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if snapshotsTable == "" {
		snapshotsTable = "record_snapshots"
	}
	if failuresTable == "" {
		failuresTable = "record_failures"
	}
	for _, table := range []string{snapshotsTable, failuresTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &RecordStore{pool: p, snapshots: snapshotsTable, failures: failuresTable}, nil
}

// Close releases the underlying pool resources.
func (s *RecordStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the tables and lookup indexes if they are missing.
func (s *RecordStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	record_key TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL
)`, s.snapshots),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_key_idx ON %[1]s (record_key, fetched_at DESC)`, s.snapshots),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_name_idx ON %[1]s (lower(name), lower(category), fetched_at DESC)`,
			s.snapshots),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	record_key TEXT NOT NULL DEFAULT '',
	name TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	failed_at TIMESTAMPTZ NOT NULL
)`, s.failures),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %[1]s_key_idx ON %[1]s (record_key, failed_at DESC)`, s.failures),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// AppendSnapshot inserts a snapshot row.
func (s *RecordStore) AppendSnapshot(ctx context.Context, snap tracker.Snapshot) error {
	if snap.Key == "" {
		return fmt.Errorf("snapshot key is required")
	}
	query := fmt.Sprintf(`INSERT INTO %s (record_key, name, category, status, fetched_at) VALUES ($1,$2,$3,$4,$5)`,
		s.snapshots)
	if _, err := s.pool.Exec(ctx, query, snap.Key, snap.Name, snap.Category, snap.Status, snap.Timestamp); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// AppendFailure inserts a failure row.
func (s *RecordStore) AppendFailure(ctx context.Context, f tracker.FailureRecord) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (record_key, name, category, reason, detail, failed_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		s.failures)
	if _, err := s.pool.Exec(ctx, query, f.Key, f.Name, f.Category, f.Reason, f.Detail, f.Timestamp); err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// Latest returns the newest snapshot for target.
func (s *RecordStore) Latest(ctx context.Context, target tracker.Target) (tracker.Snapshot, error) {
	var (
		query string
		args  []any
	)
	if target.ByKey() {
		query = fmt.Sprintf(`SELECT record_key, name, category, status, fetched_at FROM %s
WHERE record_key = $1 ORDER BY fetched_at DESC LIMIT 1`, s.snapshots)
		args = []any{target.Key}
	} else {
		query = fmt.Sprintf(`SELECT record_key, name, category, status, fetched_at FROM %s
WHERE lower(name) = lower($1) AND lower(category) = lower($2) ORDER BY fetched_at DESC LIMIT 1`, s.snapshots)
		args = []any{target.Name, target.Category}
	}
	var snap tracker.Snapshot
	err := s.pool.QueryRow(ctx, query, args...).Scan(&snap.Key, &snap.Name, &snap.Category, &snap.Status, &snap.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return tracker.Snapshot{}, fmt.Errorf("record %s: %w", target, tracker.ErrNotFound)
	}
	if err != nil {
		return tracker.Snapshot{}, fmt.Errorf("query latest snapshot: %w", err)
	}
	return snap, nil
}

// ListCurrent returns the newest snapshot per key, newest first.
func (s *RecordStore) ListCurrent(ctx context.Context) ([]tracker.Snapshot, error) {
	query := fmt.Sprintf(`SELECT DISTINCT ON (record_key) record_key, name, category, status, fetched_at
FROM %s ORDER BY record_key, fetched_at DESC`, s.snapshots)
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query current records: %w", err)
	}
	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	storage.SortSnapshots(snaps)
	return snaps, nil
}

// Search filters current records in the database and returns one page.
func (s *RecordStore) Search(ctx context.Context, filter tracker.RecordFilter) (tracker.RecordPage, error) {
	f := storage.NormalizeFilter(filter)
	current := fmt.Sprintf(`WITH current AS (
	SELECT DISTINCT ON (record_key) record_key, name, category, status, fetched_at
	FROM %s ORDER BY record_key, fetched_at DESC
)`, s.snapshots)
	where := `WHERE ($1 = '' OR record_key ILIKE '%' || $1 || '%')
	AND ($2 = '' OR name ILIKE '%' || $2 || '%')
	AND ($3 = '' OR category ILIKE '%' || $3 || '%')
	AND ($4 = '' OR status ILIKE '%' || $4 || '%')`
	args := []any{f.Key, f.Name, f.Category, f.Status}

	page := tracker.RecordPage{Records: []tracker.Snapshot{}, Page: f.Page, PageSize: f.PageSize}
	countQuery := current + ` SELECT count(*) FROM current ` + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&page.Total); err != nil {
		return tracker.RecordPage{}, fmt.Errorf("count records: %w", err)
	}
	if page.Total == 0 {
		return page, nil
	}
	pageQuery := current + ` SELECT record_key, name, category, status, fetched_at FROM current ` + where +
		` ORDER BY fetched_at DESC, record_key LIMIT $5 OFFSET $6`
	rows, err := s.pool.Query(ctx, pageQuery, append(args, f.PageSize, (f.Page-1)*f.PageSize)...)
	if err != nil {
		return tracker.RecordPage{}, fmt.Errorf("query records page: %w", err)
	}
	snaps, err := scanSnapshots(rows)
	if err != nil {
		return tracker.RecordPage{}, err
	}
	page.Records = append(page.Records, snaps...)
	return page, nil
}

// History returns the merged snapshot and failure history for key.
func (s *RecordStore) History(ctx context.Context, key string) ([]tracker.HistoryEntry, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`SELECT record_key, name, category, status, fetched_at FROM %s
WHERE record_key = $1 ORDER BY fetched_at DESC`, s.snapshots), key)
	if err != nil {
		return nil, fmt.Errorf("query snapshot history: %w", err)
	}
	snaps, err := scanSnapshots(rows)
	if err != nil {
		return nil, err
	}
	failures, err := s.queryFailures(ctx, `WHERE record_key = $1`, key)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 && len(failures) == 0 {
		return nil, fmt.Errorf("record %s: %w", key, tracker.ErrNotFound)
	}
	return storage.MergeHistory(snaps, failures), nil
}

// TrackedTargets lists every key with a snapshot or a failure.
func (s *RecordStore) TrackedTargets(ctx context.Context) ([]tracker.Target, error) {
	current, err := s.ListCurrent(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := s.queryFailures(ctx, `WHERE record_key <> ''`)
	if err != nil {
		return nil, err
	}
	return storage.Tracked(current, failures), nil
}

// Delete removes every snapshot and failure for keys.
func (s *RecordStore) Delete(ctx context.Context, keys []string) (tracker.DeleteResult, error) {
	var res tracker.DeleteResult
	if len(keys) == 0 {
		return res, nil
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE record_key = ANY($1)`, s.snapshots), keys)
	if err != nil {
		return res, fmt.Errorf("delete snapshots: %w", err)
	}
	res.Snapshots = tag.RowsAffected()
	tag, err = s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE record_key = ANY($1)`, s.failures), keys)
	if err != nil {
		return res, fmt.Errorf("delete failures: %w", err)
	}
	res.Failures = tag.RowsAffected()
	return res, nil
}

// Ping checks database reachability.
func (s *RecordStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func (s *RecordStore) queryFailures(ctx context.Context, where string, args ...any) ([]tracker.FailureRecord, error) {
	query := fmt.Sprintf(`SELECT record_key, name, category, reason, detail, failed_at FROM %s %s ORDER BY failed_at DESC`,
		s.failures, where)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()
	var out []tracker.FailureRecord
	for rows.Next() {
		var f tracker.FailureRecord
		if err := rows.Scan(&f.Key, &f.Name, &f.Category, &f.Reason, &f.Detail, &f.Timestamp); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}
	return out, nil
}

func scanSnapshots(rows pgx.Rows) ([]tracker.Snapshot, error) {
	defer rows.Close()
	var out []tracker.Snapshot
	for rows.Next() {
		var snap tracker.Snapshot
		if err := rows.Scan(&snap.Key, &snap.Name, &snap.Category, &snap.Status, &snap.Timestamp); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}
