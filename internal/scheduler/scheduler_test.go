package scheduler

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/recrawl/internal/clock/system"
	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/hash/sha256"
	memorypublisher "github.com/JakeFAU/recrawl/internal/publisher/memory"
	"github.com/JakeFAU/recrawl/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type scriptedProtocol struct {
	mu      sync.Mutex
	outcome crawler.Outcome
	calls   []crawler.Validators
	urls    []string
	onFetch func()
}

func (p *scriptedProtocol) Fetch(_ context.Context, url string, v crawler.Validators) crawler.Outcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onFetch != nil {
		p.onFetch()
	}
	p.calls = append(p.calls, v)
	p.urls = append(p.urls, url)
	return p.outcome
}

func (p *scriptedProtocol) fetchedURLs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.urls...)
}

type harness struct {
	store     *memory.CrawlStore
	protocol  *scriptedProtocol
	publisher *memorypublisher.Publisher
	archive   *memory.BlobStore
	clock     *system.Fixed
	sched     *Scheduler
}

func newHarness(t *testing.T, out crawler.Outcome) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewCrawlStore(),
		protocol:  &scriptedProtocol{outcome: out},
		publisher: memorypublisher.New(),
		archive:   memory.NewBlobStore(),
		clock:     system.NewFixed(epoch),
	}
	sched, err := New(h.store, h.protocol, h.publisher, h.archive, h.clock,
		rand.New(rand.NewPCG(7, 7)), Config{ArchivePrefix: "snapshots", PublisherName: "memory"}, zap.NewNop())
	require.NoError(t, err)
	h.sched = sched
	return h
}

func (h *harness) register(t *testing.T, url string, p crawler.Priority, due time.Time) {
	t.Helper()
	require.NoError(t, h.store.Register(context.Background(), crawler.RegistryEntry{URL: url, Priority: p, NextDueAt: due}))
}

func (h *harness) lookup(t *testing.T, url string) (crawler.RegistryEntry, crawler.State) {
	t.Helper()
	entry, state, ok, err := h.store.Lookup(context.Background(), url)
	require.NoError(t, err)
	require.True(t, ok)
	return entry, state
}

func success(hash string) crawler.Outcome {
	return crawler.Outcome{Status: crawler.StatusSuccess, ContentHash: hash, ETag: `"e1"`, Body: []byte("<html>x</html>")}
}

func TestTickIdleWhenNothingDue(t *testing.T) {
	t.Parallel()

	h := newHarness(t, success("h1"))
	h.register(t, "https://example.com/later", crawler.PriorityPrimary, epoch)

	res, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Processed)
	require.Empty(t, h.protocol.fetchedURLs())
	require.Empty(t, h.publisher.Jobs())
}

func TestTickSuccessRecordsPublishesAndArchives(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/a"
	h := newHarness(t, success("h1"))
	h.register(t, url, crawler.PriorityPrimary, epoch.Add(-time.Second))

	res, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, res.Processed)
	require.True(t, res.Published)
	require.Equal(t, crawler.StatusSuccess, res.Status)

	entry, state := h.lookup(t, url)
	require.Equal(t, crawler.StatusSuccess, state.Status)
	require.Equal(t, "h1", state.ContentHash)
	require.Equal(t, `"e1"`, state.ETag)
	require.Equal(t, epoch, *state.LastCrawledAt)
	require.False(t, entry.NextDueAt.Before(epoch.Add(time.Hour)))
	require.False(t, entry.NextDueAt.After(epoch.Add(6*time.Hour)))
	require.Zero(t, entry.NextDueAt.Sub(epoch)%time.Second)
	require.Equal(t, res.NextDueAt, entry.NextDueAt)

	require.Equal(t, []memorypublisher.Job{{URL: url, ContentHash: "h1"}}, h.publisher.Jobs())

	body, ok := h.archive.Get("snapshots/" + sha256.Sum([]byte(url)) + "/h1.html")
	require.True(t, ok)
	require.Equal(t, "<html>x</html>", string(body))
}

func TestTickSendsStoredValidators(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/cached"
	h := newHarness(t, crawler.Outcome{Status: crawler.StatusNotModified})
	h.register(t, url, crawler.PrioritySecondary, epoch.Add(-time.Minute))

	lm := epoch.Add(-48 * time.Hour)
	uow, err := h.store.Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, uow.SaveState(context.Background(), crawler.State{
		URL: url, ETag: "E1", LastModified: &lm, Status: crawler.StatusSuccess, ContentHash: "old",
	}))
	require.NoError(t, uow.Commit(context.Background()))

	res, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.StatusNotModified, res.Status)
	require.False(t, res.Published)
	require.Equal(t, []crawler.Validators{{ETag: "E1", LastModified: &lm}}, h.protocol.calls)

	entry, state := h.lookup(t, url)
	require.Equal(t, crawler.StatusNotModified, state.Status)
	require.Equal(t, "old", state.ContentHash)
	require.Equal(t, "E1", state.ETag)
	require.False(t, entry.NextDueAt.Before(epoch.Add(24*time.Hour)))
	require.False(t, entry.NextDueAt.After(epoch.Add(7*24*time.Hour)))
	require.Empty(t, h.publisher.Jobs())
	require.Zero(t, h.archive.Len())
}

func TestTickErrorOutcomeStillReschedules(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/broken"
	h := newHarness(t, crawler.Outcome{Status: crawler.StatusError, Message: "unexpected status: 500"})
	h.register(t, url, crawler.PriorityPrimary, epoch.Add(-time.Second))

	res, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.StatusError, res.Status)
	require.False(t, res.Recovered)

	entry, state := h.lookup(t, url)
	require.Equal(t, crawler.StatusError, state.Status)
	require.True(t, entry.NextDueAt.After(epoch))
	require.Empty(t, h.publisher.Jobs())
}

func TestTickCanceledDuringFetchLeavesEntryDue(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/slow"
	due := epoch.Add(-time.Second)
	h := newHarness(t, crawler.Outcome{Status: crawler.StatusError, Message: "context canceled"})
	h.register(t, url, crawler.PriorityPrimary, due)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.protocol.onFetch = cancel

	res, err := h.sched.Tick(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, res.Processed)

	entry, state := h.lookup(t, url)
	require.Equal(t, crawler.StatusUnknown, state.Status)
	require.Nil(t, state.LastCrawledAt)
	require.Equal(t, due, entry.NextDueAt)
	require.Empty(t, h.publisher.Jobs())
}

func TestTickPublishFailureDoesNotFailTick(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/a"
	h := newHarness(t, success("h2"))
	h.publisher.FailWith(errors.New("broker unavailable"))
	h.register(t, url, crawler.PriorityPrimary, epoch.Add(-time.Second))

	res, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	require.False(t, res.Published)

	_, state := h.lookup(t, url)
	require.Equal(t, "h2", state.ContentHash)
}

func TestTickPublishesSameHashAgain(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/a"
	h := newHarness(t, success("same"))
	h.register(t, url, crawler.PriorityPrimary, epoch.Add(-time.Second))

	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	h.clock.Advance(8 * time.Hour)
	_, err = h.sched.Tick(context.Background())
	require.NoError(t, err)

	require.Len(t, h.publisher.Jobs(), 2)
}

func TestTickPicksEarliestDueEntry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, crawler.Outcome{Status: crawler.StatusNotModified})
	h.register(t, "https://example.com/b", crawler.PriorityPrimary, epoch.Add(-time.Minute))
	h.register(t, "https://example.com/a", crawler.PriorityPrimary, epoch.Add(-time.Hour))

	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	_, err = h.sched.Tick(context.Background())
	require.NoError(t, err)
	res, err := h.sched.Tick(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, h.protocol.fetchedURLs())
	require.False(t, res.Processed)
}

func TestTickUnknownPriorityFallsBackToSecondary(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, crawler.Outcome{Status: crawler.StatusNotModified})
	h.sched.logger = zap.New(core)
	h.register(t, "https://example.com/x", crawler.Priority("TERTIARY"), epoch.Add(-time.Second))

	_, err := h.sched.Tick(context.Background())
	require.NoError(t, err)

	entry, _ := h.lookup(t, "https://example.com/x")
	require.False(t, entry.NextDueAt.Before(epoch.Add(24*time.Hour)))
	require.Equal(t, 1, logs.FilterMessage("unknown priority, using secondary interval").Len())
}

type flakyStore struct {
	*memory.CrawlStore
	mu        sync.Mutex
	failSaves int
}

func (f *flakyStore) Begin(ctx context.Context) (crawler.UnitOfWork, error) {
	uow, err := f.CrawlStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyUnit{UnitOfWork: uow, store: f}, nil
}

type flakyUnit struct {
	crawler.UnitOfWork
	store *flakyStore
}

func (u *flakyUnit) SaveState(ctx context.Context, state crawler.State) error {
	u.store.mu.Lock()
	fail := u.store.failSaves > 0
	if fail {
		u.store.failSaves--
	}
	u.store.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return u.UnitOfWork.SaveState(ctx, state)
}

func newFlakyScheduler(t *testing.T, failSaves int, out crawler.Outcome) (*Scheduler, *flakyStore, *memorypublisher.Publisher) {
	t.Helper()
	store := &flakyStore{CrawlStore: memory.NewCrawlStore(), failSaves: failSaves}
	pub := memorypublisher.New()
	sched, err := New(store, &scriptedProtocol{outcome: out}, pub, nil, system.NewFixed(epoch),
		rand.New(rand.NewPCG(1, 1)), Config{}, zap.NewNop())
	require.NoError(t, err)
	return sched, store, pub
}

func TestTickStoreFailureRecordsErrorInFreshUnit(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/poison"
	sched, store, pub := newFlakyScheduler(t, 1, success("h1"))
	require.NoError(t, store.Register(context.Background(),
		crawler.RegistryEntry{URL: url, Priority: crawler.PriorityPrimary, NextDueAt: epoch.Add(-time.Second)}))

	res, err := sched.Tick(context.Background())
	require.NoError(t, err)
	require.True(t, res.Recovered)
	require.Equal(t, crawler.StatusError, res.Status)

	entry, state, ok, err := store.Lookup(context.Background(), url)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, crawler.StatusError, state.Status)
	require.Empty(t, state.ContentHash)
	require.True(t, entry.NextDueAt.After(epoch))
	require.Empty(t, pub.Jobs())
}

func TestTickReturnsErrorWhenRecoveryFails(t *testing.T) {
	t.Parallel()

	const url = "https://example.com/poison"
	sched, store, _ := newFlakyScheduler(t, 2, success("h1"))
	require.NoError(t, store.Register(context.Background(),
		crawler.RegistryEntry{URL: url, Priority: crawler.PriorityPrimary, NextDueAt: epoch.Add(-time.Second)}))

	_, err := sched.Tick(context.Background())
	require.ErrorContains(t, err, "disk full")

	entry, state, _, err := store.Lookup(context.Background(), url)
	require.NoError(t, err)
	require.Equal(t, crawler.StatusUnknown, state.Status)
	require.Equal(t, epoch.Add(-time.Second), entry.NextDueAt)
}

func TestReschedulingIsDeterministicForSeed(t *testing.T) {
	t.Parallel()

	due := func() time.Time {
		h := newHarness(t, crawler.Outcome{Status: crawler.StatusNotModified})
		h.register(t, "https://example.com/a", crawler.PrioritySecondary, epoch.Add(-time.Second))
		res, err := h.sched.Tick(context.Background())
		require.NoError(t, err)
		return res.NextDueAt
	}
	require.Equal(t, due(), due())
}

func TestRunTicksUntilCanceled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, success("h1"))
	h.sched.cfg.TickDelay = 5 * time.Millisecond
	h.register(t, "https://example.com/a", crawler.PriorityPrimary, epoch.Add(-time.Second))
	h.register(t, "https://example.com/b", crawler.PriorityPrimary, epoch.Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.sched.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return len(h.publisher.Jobs()) == 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	store := memory.NewCrawlStore()
	proto := &scriptedProtocol{}
	pub := memorypublisher.New()
	clock := system.New()
	rng := rand.New(rand.NewPCG(0, 0))

	_, err := New(nil, proto, pub, nil, clock, rng, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, nil, pub, nil, clock, rng, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, proto, nil, nil, clock, rng, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, proto, pub, nil, nil, rng, Config{}, nil)
	require.Error(t, err)
	_, err = New(store, proto, pub, nil, clock, nil, Config{}, nil)
	require.Error(t, err)

	s, err := New(store, proto, pub, nil, clock, rng, Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, defaultTickDelay, s.cfg.TickDelay)
	require.Equal(t, "unknown", s.cfg.PublisherName)
}

func TestArchivePath(t *testing.T) {
	t.Parallel()

	s := &Scheduler{cfg: Config{ArchivePrefix: "/pages/"}}
	urlKey := sha256.Sum([]byte("https://example.com"))
	require.Equal(t, "pages/"+urlKey+"/abc.html", s.archivePath("https://example.com", "abc"))

	s.cfg.ArchivePrefix = ""
	require.Equal(t, urlKey+"/abc.html", s.archivePath("https://example.com", "abc"))
}
