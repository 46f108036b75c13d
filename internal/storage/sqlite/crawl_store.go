// Package sqlite implements the crawl registry and state on a single-file
// SQLite database, for deployments without Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	// SQLite database driver (CGO-free)
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/recrawl/internal/crawler"
)

// Timestamps are stored as UTC unix nanoseconds so range scans compare integers.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS crawl_queue (
	url TEXT PRIMARY KEY,
	priority TEXT NOT NULL,
	next_crawl_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS crawl_queue_next_crawl_at_idx ON crawl_queue (next_crawl_at);
CREATE TABLE IF NOT EXISTS crawl_state (
	url TEXT PRIMARY KEY,
	last_crawled_at INTEGER,
	etag TEXT NOT NULL DEFAULT '',
	last_modified INTEGER,
	status TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT ''
);
`

const upsertEntrySQL = `
INSERT INTO crawl_queue (url, priority, next_crawl_at) VALUES (?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
	priority = excluded.priority,
	next_crawl_at = excluded.next_crawl_at`

// CrawlStore implements crawler.Store on SQLite.
type CrawlStore struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*CrawlStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer; units of work queue behind each other.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	store := &CrawlStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *CrawlStore) initSchema() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 30000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *CrawlStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// Register inserts or replaces a registry entry.
func (s *CrawlStore) Register(ctx context.Context, entry crawler.RegistryEntry) error {
	if _, err := s.db.ExecContext(ctx, upsertEntrySQL, entry.URL, string(entry.Priority), toNanos(entry.NextDueAt)); err != nil {
		return fmt.Errorf("register %s: %w", entry.URL, err)
	}
	return nil
}

// Lookup reads the committed entry and state of url.
func (s *CrawlStore) Lookup(ctx context.Context, url string) (crawler.RegistryEntry, crawler.State, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT q.url, q.priority, q.next_crawl_at,
	s.last_crawled_at, COALESCE(s.etag, ''), s.last_modified,
	COALESCE(s.status, ?), COALESCE(s.content_hash, '')
FROM crawl_queue q
LEFT JOIN crawl_state s ON s.url = q.url
WHERE q.url = ?`, string(crawler.StatusUnknown), url)

	var (
		entry       crawler.RegistryEntry
		state       crawler.State
		priority    string
		status      string
		nextDue     int64
		lastCrawled sql.NullInt64
		lastMod     sql.NullInt64
	)
	err := row.Scan(&entry.URL, &priority, &nextDue, &lastCrawled, &state.ETag, &lastMod, &status, &state.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.RegistryEntry{}, crawler.State{}, false, nil
	}
	if err != nil {
		return crawler.RegistryEntry{}, crawler.State{}, false, fmt.Errorf("lookup %s: %w", url, err)
	}
	entry.Priority = crawler.Priority(priority)
	entry.NextDueAt = fromNanos(nextDue)
	state.URL = entry.URL
	state.Status = crawler.Status(status)
	state.LastCrawledAt = fromNullNanos(lastCrawled)
	state.LastModified = fromNullNanos(lastMod)
	return entry, state, true, nil
}

// Begin opens a transaction-backed unit of work.
func (s *CrawlStore) Begin(ctx context.Context) (crawler.UnitOfWork, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &unitOfWork{tx: tx}, nil
}

type unitOfWork struct {
	tx   *sql.Tx
	done bool
}

func (u *unitOfWork) NextDue(ctx context.Context, now time.Time) (crawler.RegistryEntry, bool, error) {
	var (
		entry    crawler.RegistryEntry
		priority string
		nextDue  int64
	)
	err := u.tx.QueryRowContext(ctx, `
SELECT url, priority, next_crawl_at FROM crawl_queue
WHERE next_crawl_at < ?
ORDER BY next_crawl_at, url
LIMIT 1`, toNanos(now)).Scan(&entry.URL, &priority, &nextDue)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.RegistryEntry{}, false, nil
	}
	if err != nil {
		return crawler.RegistryEntry{}, false, fmt.Errorf("select next due: %w", err)
	}
	entry.Priority = crawler.Priority(priority)
	entry.NextDueAt = fromNanos(nextDue)
	return entry, true, nil
}

func (u *unitOfWork) LoadState(ctx context.Context, url string) (crawler.State, error) {
	var (
		state       = crawler.State{URL: url}
		status      string
		lastCrawled sql.NullInt64
		lastMod     sql.NullInt64
	)
	err := u.tx.QueryRowContext(ctx, `
SELECT last_crawled_at, etag, last_modified, status, content_hash
FROM crawl_state WHERE url = ?`, url).Scan(&lastCrawled, &state.ETag, &lastMod, &status, &state.ContentHash)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.NewState(url), nil
	}
	if err != nil {
		return crawler.State{}, fmt.Errorf("load state %s: %w", url, err)
	}
	state.Status = crawler.Status(status)
	state.LastCrawledAt = fromNullNanos(lastCrawled)
	state.LastModified = fromNullNanos(lastMod)
	return state, nil
}

func (u *unitOfWork) SaveState(ctx context.Context, state crawler.State) error {
	_, err := u.tx.ExecContext(ctx, `
INSERT INTO crawl_state (url, last_crawled_at, etag, last_modified, status, content_hash)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (url) DO UPDATE SET
	last_crawled_at = excluded.last_crawled_at,
	etag = excluded.etag,
	last_modified = excluded.last_modified,
	status = excluded.status,
	content_hash = excluded.content_hash`,
		state.URL, toNullNanos(state.LastCrawledAt), state.ETag, toNullNanos(state.LastModified),
		string(state.Status), state.ContentHash)
	if err != nil {
		return fmt.Errorf("save state %s: %w", state.URL, err)
	}
	return nil
}

func (u *unitOfWork) SaveEntry(ctx context.Context, entry crawler.RegistryEntry) error {
	if _, err := u.tx.ExecContext(ctx, upsertEntrySQL, entry.URL, string(entry.Priority), toNanos(entry.NextDueAt)); err != nil {
		return fmt.Errorf("save entry %s: %w", entry.URL, err)
	}
	return nil
}

func (u *unitOfWork) Commit(context.Context) error {
	if u.done {
		return fmt.Errorf("commit: %w", sql.ErrTxDone)
	}
	u.done = true
	if err := u.tx.Commit(); err != nil {
		return fmt.Errorf("commit crawl transaction: %w", err)
	}
	return nil
}

func (u *unitOfWork) Rollback(context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil {
		return fmt.Errorf("rollback crawl transaction: %w", err)
	}
	return nil
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func toNullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toNanos(*t), Valid: true}
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}
