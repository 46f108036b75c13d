package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawl/internal/clock/system"
	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/embedding"
	"github.com/JakeFAU/recrawl/internal/scheduler"
	"github.com/JakeFAU/recrawl/internal/storage/memory"
)

var epoch = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeApp struct {
	store   *memory.CrawlStore
	clock   *system.Fixed
	results []scheduler.Result
	ticks   int
	tickErr error
	summary embedding.Summary
	embErr  error
	ran     bool
	closed  int
}

func newFakeApp() *fakeApp {
	return &fakeApp{store: memory.NewCrawlStore(), clock: system.NewFixed(epoch)}
}

func (f *fakeApp) Run(context.Context) error   { f.ran = true; return nil }
func (f *fakeApp) Close(context.Context) error { f.closed++; return nil }
func (f *fakeApp) Logger() *zap.Logger         { return zap.NewNop() }
func (f *fakeApp) Store() crawler.Store        { return f.store }
func (f *fakeApp) Clock() crawler.Clock        { return f.clock }

func (f *fakeApp) Tick(context.Context) (scheduler.Result, error) {
	if f.tickErr != nil {
		return scheduler.Result{}, f.tickErr
	}
	if f.ticks >= len(f.results) {
		return scheduler.Result{}, nil
	}
	res := f.results[f.ticks]
	f.ticks++
	return res, nil
}

func (f *fakeApp) RunPipelineOnce(context.Context) (embedding.Summary, error) {
	return f.summary, f.embErr
}

func execute(t *testing.T, app App, args ...string) (string, error) {
	t.Helper()
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return app, nil }
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := executeRoot(context.Background(), root)
	return out.String(), err
}

func TestServeRunsApp(t *testing.T) {
	app := newFakeApp()
	_, err := execute(t, app, "serve")
	require.NoError(t, err)
	assert.True(t, app.ran)
	assert.Equal(t, 1, app.closed)
}

func TestFactoryErrorIsReported(t *testing.T) {
	orig := newApp
	newApp = func(context.Context, string) (App, error) { return nil, errors.New("boom") }
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"tick"})
	err := root.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTickStopsWhenIdle(t *testing.T) {
	app := newFakeApp()
	app.results = []scheduler.Result{
		{Processed: true, URL: "https://example.com/", Status: crawler.StatusSuccess, Published: true},
	}
	out, err := execute(t, app, "tick", "--count", "5")
	require.NoError(t, err)
	assert.Equal(t, 1, app.ticks)

	dec := json.NewDecoder(bytes.NewBufferString(out))
	var first, second scheduler.Result
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.True(t, first.Processed)
	assert.Equal(t, "https://example.com/", first.URL)
	assert.False(t, second.Processed)
}

func TestFailingCommandStillClosesApp(t *testing.T) {
	app := newFakeApp()
	app.tickErr = errors.New("store unavailable")
	_, err := execute(t, app, "tick")
	require.ErrorContains(t, err, "store unavailable")
	assert.Equal(t, 1, app.closed)
}

func TestTickRejectsZeroCount(t *testing.T) {
	_, err := execute(t, newFakeApp(), "tick", "--count", "0")
	require.Error(t, err)
}

func TestEmbedPrintsSummary(t *testing.T) {
	app := newFakeApp()
	app.summary = embedding.Summary{RunID: "run-1", Batches: 2, Records: 150}
	out, err := execute(t, app, "embed")
	require.NoError(t, err)
	assert.Equal(t, "run run-1: 150 records in 2 batches\n", out)
}

func TestEmbedDisabled(t *testing.T) {
	app := newFakeApp()
	app.embErr = embedding.ErrDisabled
	_, err := execute(t, app, "embed")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.enabled")
}

func TestRegisterAndStatus(t *testing.T) {
	app := newFakeApp()
	_, err := execute(t, app, "register", "HTTPS://Example.com/a", "--priority", "primary")
	require.NoError(t, err)

	entry, state, ok, err := app.store.Lookup(context.Background(), "https://example.com/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, crawler.PriorityPrimary, entry.Priority)
	assert.Equal(t, epoch.Add(-time.Second), entry.NextDueAt)
	assert.Equal(t, crawler.StatusUnknown, state.Status)

	out, err := execute(t, app, "status", "https://example.com/a")
	require.NoError(t, err)
	assert.Contains(t, out, `"priority": "PRIMARY"`)
	assert.Contains(t, out, `"status": "UNKNOWN"`)
}

func TestRegisterDueIn(t *testing.T) {
	app := newFakeApp()
	_, err := execute(t, app, "register", "https://example.com/b", "--due-in", "1h")
	require.NoError(t, err)

	entry, _, ok, err := app.store.Lookup(context.Background(), "https://example.com/b")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, crawler.PrioritySecondary, entry.Priority)
	assert.Equal(t, epoch.Add(time.Hour), entry.NextDueAt)
}

func TestRegisterRejectsBadInput(t *testing.T) {
	_, err := execute(t, newFakeApp(), "register", "ftp://example.com/", "--priority", "primary")
	require.Error(t, err)

	_, err = execute(t, newFakeApp(), "register", "https://example.com/", "--priority", "urgent")
	require.Error(t, err)
}

func TestStatusUnknownURL(t *testing.T) {
	_, err := execute(t, newFakeApp(), "status", "https://example.com/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}
