// Package memory keeps crawl registry, state and archived blobs in process
// memory for development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/recrawl/internal/crawler"
)

var errUnitClosed = errors.New("unit of work already closed")

// CrawlStore is an in-memory crawler.Store. Units of work are serialized:
// Begin blocks until the previous unit commits or rolls back.
type CrawlStore struct {
	txMu sync.Mutex

	mu      sync.RWMutex
	entries map[string]crawler.RegistryEntry
	states  map[string]crawler.State
}

// NewCrawlStore constructs an empty CrawlStore.
func NewCrawlStore() *CrawlStore {
	return &CrawlStore{
		entries: make(map[string]crawler.RegistryEntry),
		states:  make(map[string]crawler.State),
	}
}

// Register inserts or replaces a registry entry. It waits for an open unit
// of work so a commit cannot overwrite the registration with a staged entry.
func (s *CrawlStore) Register(_ context.Context, entry crawler.RegistryEntry) error {
	if entry.URL == "" {
		return errors.New("registry entry url is required")
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.NextDueAt = entry.NextDueAt.UTC()
	s.entries[entry.URL] = entry
	return nil
}

// Lookup returns the committed entry and state for url.
func (s *CrawlStore) Lookup(_ context.Context, url string) (crawler.RegistryEntry, crawler.State, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[url]
	if !ok {
		return crawler.RegistryEntry{}, crawler.State{}, false, nil
	}
	state, ok := s.states[url]
	if !ok {
		state = crawler.NewState(url)
	}
	return entry, state, true, nil
}

// Close is a no-op.
func (s *CrawlStore) Close() error {
	return nil
}

// Begin opens a unit of work holding the store's writer slot.
func (s *CrawlStore) Begin(ctx context.Context) (crawler.UnitOfWork, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.txMu.Lock()
	return &unitOfWork{
		store:   s,
		entries: make(map[string]crawler.RegistryEntry),
		states:  make(map[string]crawler.State),
	}, nil
}

type unitOfWork struct {
	store   *CrawlStore
	entries map[string]crawler.RegistryEntry
	states  map[string]crawler.State
	closed  bool
}

func (u *unitOfWork) NextDue(_ context.Context, now time.Time) (crawler.RegistryEntry, bool, error) {
	if u.closed {
		return crawler.RegistryEntry{}, false, errUnitClosed
	}
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()

	candidates := make([]crawler.RegistryEntry, 0, len(u.store.entries))
	for url, entry := range u.store.entries {
		if staged, ok := u.entries[url]; ok {
			entry = staged
		}
		if entry.NextDueAt.Before(now) {
			candidates = append(candidates, entry)
		}
	}
	for url, entry := range u.entries {
		if _, ok := u.store.entries[url]; !ok && entry.NextDueAt.Before(now) {
			candidates = append(candidates, entry)
		}
	}
	if len(candidates) == 0 {
		return crawler.RegistryEntry{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].NextDueAt.Equal(candidates[j].NextDueAt) {
			return candidates[i].URL < candidates[j].URL
		}
		return candidates[i].NextDueAt.Before(candidates[j].NextDueAt)
	})
	return candidates[0], true, nil
}

func (u *unitOfWork) LoadState(_ context.Context, url string) (crawler.State, error) {
	if u.closed {
		return crawler.State{}, errUnitClosed
	}
	if staged, ok := u.states[url]; ok {
		return staged, nil
	}
	u.store.mu.RLock()
	defer u.store.mu.RUnlock()
	if state, ok := u.store.states[url]; ok {
		return state, nil
	}
	return crawler.NewState(url), nil
}

func (u *unitOfWork) SaveState(_ context.Context, state crawler.State) error {
	if u.closed {
		return errUnitClosed
	}
	u.states[state.URL] = state
	return nil
}

func (u *unitOfWork) SaveEntry(_ context.Context, entry crawler.RegistryEntry) error {
	if u.closed {
		return errUnitClosed
	}
	entry.NextDueAt = entry.NextDueAt.UTC()
	u.entries[entry.URL] = entry
	return nil
}

func (u *unitOfWork) Commit(_ context.Context) error {
	if u.closed {
		return errUnitClosed
	}
	u.store.mu.Lock()
	for url, entry := range u.entries {
		u.store.entries[url] = entry
	}
	for url, state := range u.states {
		u.store.states[url] = state
	}
	u.store.mu.Unlock()
	u.release()
	return nil
}

func (u *unitOfWork) Rollback(_ context.Context) error {
	if u.closed {
		return nil
	}
	u.release()
	return nil
}

func (u *unitOfWork) release() {
	u.closed = true
	u.entries = nil
	u.states = nil
	u.store.txMu.Unlock()
}
