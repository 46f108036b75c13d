package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recrawl/internal/crawler"
)

// CrawlTables names the registry and state tables.
type CrawlTables struct {
	Queue string
	State string
}

// DefaultCrawlTables returns the conventional table names.
func DefaultCrawlTables() CrawlTables {
	return CrawlTables{Queue: "crawl_queue", State: "crawl_state"}
}

// CrawlStore implements crawler.Store on Postgres. Each unit of work is one
// transaction; the due entry is claimed with FOR UPDATE SKIP LOCKED so
// several scheduler processes can share a registry.
type CrawlStore struct {
	pool   Pool
	tables CrawlTables
}

// NewCrawlStore creates a store over an existing pool.
func NewCrawlStore(pool Pool, tables CrawlTables) (*CrawlStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	def := DefaultCrawlTables()
	if tables.Queue == "" {
		tables.Queue = def.Queue
	}
	if tables.State == "" {
		tables.State = def.State
	}
	if err := checkIdentifiers(tables.Queue, tables.State); err != nil {
		return nil, err
	}
	return &CrawlStore{pool: pool, tables: tables}, nil
}

// EnsureSchema creates the registry and state tables when missing.
func (s *CrawlStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	priority TEXT NOT NULL,
	next_crawl_at TIMESTAMPTZ NOT NULL
)`, s.tables.Queue),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_next_crawl_at_idx ON %s (next_crawl_at)`, s.tables.Queue, s.tables.Queue),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	url TEXT PRIMARY KEY,
	last_crawled_at TIMESTAMPTZ,
	etag TEXT NOT NULL DEFAULT '',
	last_modified TIMESTAMPTZ,
	status TEXT NOT NULL,
	content_hash TEXT NOT NULL DEFAULT ''
)`, s.tables.State),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure crawl schema: %w", err)
		}
	}
	return nil
}

// Register inserts or replaces a registry entry.
func (s *CrawlStore) Register(ctx context.Context, entry crawler.RegistryEntry) error {
	if _, err := s.pool.Exec(ctx, s.upsertEntrySQL(), entry.URL, string(entry.Priority), entry.NextDueAt.UTC()); err != nil {
		return fmt.Errorf("register %s: %w", entry.URL, err)
	}
	return nil
}

// Lookup reads the committed entry and state for url.
func (s *CrawlStore) Lookup(ctx context.Context, url string) (crawler.RegistryEntry, crawler.State, bool, error) {
	query := fmt.Sprintf(`
SELECT q.url, q.priority, q.next_crawl_at,
	s.last_crawled_at, COALESCE(s.etag, ''), s.last_modified,
	COALESCE(s.status, '%s'), COALESCE(s.content_hash, '')
FROM %s q
LEFT JOIN %s s ON s.url = q.url
WHERE q.url = $1`, crawler.StatusUnknown, s.tables.Queue, s.tables.State)

	var (
		entry    crawler.RegistryEntry
		state    crawler.State
		priority string
		status   string
	)
	err := s.pool.QueryRow(ctx, query, url).Scan(
		&entry.URL, &priority, &entry.NextDueAt,
		&state.LastCrawledAt, &state.ETag, &state.LastModified,
		&status, &state.ContentHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.RegistryEntry{}, crawler.State{}, false, nil
	}
	if err != nil {
		return crawler.RegistryEntry{}, crawler.State{}, false, fmt.Errorf("lookup %s: %w", url, err)
	}
	entry.Priority = crawler.Priority(priority)
	state.URL = entry.URL
	state.Status = crawler.Status(status)
	return entry, state, true, nil
}

// Close releases the pool.
func (s *CrawlStore) Close() error {
	s.pool.Close()
	return nil
}

// Begin opens a transaction-backed unit of work.
func (s *CrawlStore) Begin(ctx context.Context) (crawler.UnitOfWork, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin crawl transaction: %w", err)
	}
	return &unitOfWork{tx: tx, store: s}, nil
}

func (s *CrawlStore) upsertEntrySQL() string {
	return fmt.Sprintf(`
INSERT INTO %s (url, priority, next_crawl_at)
VALUES ($1, $2, $3)
ON CONFLICT (url) DO UPDATE SET
	priority = EXCLUDED.priority,
	next_crawl_at = EXCLUDED.next_crawl_at`, s.tables.Queue)
}

type unitOfWork struct {
	tx    pgx.Tx
	store *CrawlStore
	done  bool
}

func (u *unitOfWork) NextDue(ctx context.Context, now time.Time) (crawler.RegistryEntry, bool, error) {
	query := fmt.Sprintf(`
SELECT url, priority, next_crawl_at
FROM %s
WHERE next_crawl_at < $1
ORDER BY next_crawl_at, url
LIMIT 1
FOR UPDATE SKIP LOCKED`, u.store.tables.Queue)

	var (
		entry    crawler.RegistryEntry
		priority string
	)
	err := u.tx.QueryRow(ctx, query, now.UTC()).Scan(&entry.URL, &priority, &entry.NextDueAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.RegistryEntry{}, false, nil
	}
	if err != nil {
		return crawler.RegistryEntry{}, false, fmt.Errorf("select next due: %w", err)
	}
	entry.Priority = crawler.Priority(priority)
	return entry, true, nil
}

func (u *unitOfWork) LoadState(ctx context.Context, url string) (crawler.State, error) {
	query := fmt.Sprintf(`
SELECT last_crawled_at, etag, last_modified, status, content_hash
FROM %s
WHERE url = $1`, u.store.tables.State)

	state := crawler.State{URL: url}
	var status string
	err := u.tx.QueryRow(ctx, query, url).Scan(
		&state.LastCrawledAt, &state.ETag, &state.LastModified, &status, &state.ContentHash,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.NewState(url), nil
	}
	if err != nil {
		return crawler.State{}, fmt.Errorf("load state %s: %w", url, err)
	}
	state.Status = crawler.Status(status)
	return state, nil
}

func (u *unitOfWork) SaveState(ctx context.Context, state crawler.State) error {
	query := fmt.Sprintf(`
INSERT INTO %s (url, last_crawled_at, etag, last_modified, status, content_hash)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (url) DO UPDATE SET
	last_crawled_at = EXCLUDED.last_crawled_at,
	etag = EXCLUDED.etag,
	last_modified = EXCLUDED.last_modified,
	status = EXCLUDED.status,
	content_hash = EXCLUDED.content_hash`, u.store.tables.State)

	_, err := u.tx.Exec(ctx, query,
		state.URL, state.LastCrawledAt, state.ETag, state.LastModified, string(state.Status), state.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", state.URL, err)
	}
	return nil
}

func (u *unitOfWork) SaveEntry(ctx context.Context, entry crawler.RegistryEntry) error {
	if _, err := u.tx.Exec(ctx, u.store.upsertEntrySQL(), entry.URL, string(entry.Priority), entry.NextDueAt.UTC()); err != nil {
		return fmt.Errorf("save entry %s: %w", entry.URL, err)
	}
	return nil
}

func (u *unitOfWork) Commit(ctx context.Context) error {
	if u.done {
		return fmt.Errorf("commit: %w", pgx.ErrTxClosed)
	}
	u.done = true
	if err := u.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit crawl transaction: %w", err)
	}
	return nil
}

func (u *unitOfWork) Rollback(ctx context.Context) error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback crawl transaction: %w", err)
	}
	return nil
}
