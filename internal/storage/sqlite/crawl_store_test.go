package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recrawl/internal/crawler"
)

var base = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

func openTemp(t *testing.T) *CrawlStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "recrawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNextDueOrderingAndStrictness(t *testing.T) {
	t.Parallel()
	store := openTemp(t)
	ctx := context.Background()

	require.NoError(t, store.Register(ctx, crawler.RegistryEntry{URL: "https://late.example", Priority: crawler.PriorityPrimary, NextDueAt: base.Add(-time.Minute)}))
	require.NoError(t, store.Register(ctx, crawler.RegistryEntry{URL: "https://early.example", Priority: crawler.PrioritySecondary, NextDueAt: base.Add(-time.Hour)}))
	require.NoError(t, store.Register(ctx, crawler.RegistryEntry{URL: "https://now.example", Priority: crawler.PriorityPrimary, NextDueAt: base}))

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	entry, ok, err := uow.NextDue(ctx, base)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "https://early.example", entry.URL)
	require.Equal(t, crawler.PrioritySecondary, entry.Priority)
	require.True(t, entry.NextDueAt.Equal(base.Add(-time.Hour)))
	require.NoError(t, uow.Rollback(ctx))

	uow, err = store.Begin(ctx)
	require.NoError(t, err)
	_, ok, err = uow.NextDue(ctx, base.Add(-2*time.Hour))
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, uow.Rollback(ctx))
}

func TestStateRoundTripThroughUnitOfWork(t *testing.T) {
	t.Parallel()
	store := openTemp(t)
	ctx := context.Background()
	url := "https://example.com/page"
	require.NoError(t, store.Register(ctx, crawler.RegistryEntry{URL: url, Priority: crawler.PriorityPrimary, NextDueAt: base.Add(-time.Second)}))

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	state, err := uow.LoadState(ctx, url)
	require.NoError(t, err)
	require.Equal(t, crawler.NewState(url), state)

	crawled := base
	lm := base.Add(-24 * time.Hour)
	state = crawler.State{URL: url, LastCrawledAt: &crawled, ETag: `"e"`, LastModified: &lm, Status: crawler.StatusSuccess, ContentHash: "abc"}
	require.NoError(t, uow.SaveState(ctx, state))
	require.NoError(t, uow.SaveEntry(ctx, crawler.RegistryEntry{URL: url, Priority: crawler.PriorityPrimary, NextDueAt: base.Add(2 * time.Hour)}))
	require.NoError(t, uow.Commit(ctx))
	require.NoError(t, uow.Rollback(ctx))

	entry, got, found, err := store.Lookup(ctx, url)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, entry.NextDueAt.Equal(base.Add(2*time.Hour)))
	require.Equal(t, crawler.StatusSuccess, got.Status)
	require.Equal(t, `"e"`, got.ETag)
	require.Equal(t, "abc", got.ContentHash)
	require.True(t, got.LastModified.Equal(lm))
	require.True(t, got.LastCrawledAt.Equal(crawled))
}

func TestRollbackDiscardsChanges(t *testing.T) {
	t.Parallel()
	store := openTemp(t)
	ctx := context.Background()
	url := "https://example.com/rollback"
	require.NoError(t, store.Register(ctx, crawler.RegistryEntry{URL: url, Priority: crawler.PriorityPrimary, NextDueAt: base}))

	uow, err := store.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, uow.SaveState(ctx, crawler.State{URL: url, Status: crawler.StatusError}))
	require.NoError(t, uow.SaveEntry(ctx, crawler.RegistryEntry{URL: url, Priority: crawler.PriorityPrimary, NextDueAt: base.Add(time.Hour)}))
	require.NoError(t, uow.Rollback(ctx))

	entry, state, found, err := store.Lookup(ctx, url)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, entry.NextDueAt.Equal(base))
	require.Equal(t, crawler.StatusUnknown, state.Status)
	require.Nil(t, state.LastCrawledAt)
}

func TestLookupMissing(t *testing.T) {
	t.Parallel()

	_, _, found, err := openTemp(t).Lookup(context.Background(), "https://nope.example")
	require.NoError(t, err)
	require.False(t, found)
}
