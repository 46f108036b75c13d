package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher issues a single HTTP request and returns status, headers and body.
// Non-2xx statuses are responses, not errors; errors are transport failures.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// JobPublisher hands a changed document to the downstream vectorization
// pipeline. Delivery is fire-and-forget.
type JobPublisher interface {
	EnqueueEmbedJob(ctx context.Context, url string, contentHash string) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Store opens units of work over the crawl registry and state tables.
type Store interface {
	Begin(ctx context.Context) (UnitOfWork, error)
	// Register inserts or replaces a registry entry.
	Register(ctx context.Context, entry RegistryEntry) error
	// Lookup reads the committed entry and state of one URL. The boolean is
	// false when the URL is not registered.
	Lookup(ctx context.Context, url string) (RegistryEntry, State, bool, error)
	Close() error
}

// UnitOfWork groups every registry/state mutation of one tick. Nothing is
// visible to other units until Commit; Rollback after Commit is a no-op.
type UnitOfWork interface {
	// NextDue returns the entry with the smallest NextDueAt strictly before
	// now. The boolean is false when nothing is due.
	NextDue(ctx context.Context, now time.Time) (RegistryEntry, bool, error)
	// LoadState returns the stored state or NewState(url) if none exists.
	LoadState(ctx context.Context, url string) (State, error)
	SaveState(ctx context.Context, state State) error
	SaveEntry(ctx context.Context, entry RegistryEntry) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
