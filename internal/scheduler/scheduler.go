// Package scheduler drives the periodic conditional re-crawl: one due URL
// per tick, fetched with its cache validators, recorded and rescheduled in a
// single unit of work.
package scheduler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/hash/sha256"
	"github.com/JakeFAU/recrawl/internal/metrics"
)

const (
	defaultTickDelay   = time.Minute
	defaultContentType = "text/html; charset=utf-8"
)

// Protocol performs one conditional fetch. *crawler.Protocol satisfies it.
type Protocol interface {
	Fetch(ctx context.Context, url string, v crawler.Validators) crawler.Outcome
}

// Config controls Scheduler behavior.
type Config struct {
	// TickDelay is the pause between the end of one tick and the start of
	// the next.
	TickDelay time.Duration
	// ArchivePrefix roots archived bodies in the blob store.
	ArchivePrefix string
	ContentType   string
	// PublisherName labels publish failure metrics.
	PublisherName string
}

// Result describes what a single tick did.
type Result struct {
	Processed bool           `json:"processed"`
	URL       string         `json:"url,omitempty"`
	Status    crawler.Status `json:"status,omitempty"`
	NextDueAt time.Time      `json:"next_due_at,omitzero"`
	Published bool           `json:"published"`
	// Recovered is set when the unit of work failed and the catch-all path
	// recorded an ERROR outcome instead.
	Recovered bool `json:"recovered,omitempty"`
}

// Scheduler owns the crawl loop. Ticks are serialized, so Run and manual
// Tick calls never overlap.
type Scheduler struct {
	store     crawler.Store
	protocol  Protocol
	publisher crawler.JobPublisher
	archive   crawler.BlobStore
	clock     crawler.Clock
	rng       *rand.Rand
	cfg       Config
	logger    *zap.Logger

	mu sync.Mutex
}

// New constructs a Scheduler. archive may be nil to disable body snapshots.
func New(
	store crawler.Store,
	protocol Protocol,
	publisher crawler.JobPublisher,
	archive crawler.BlobStore,
	clock crawler.Clock,
	rng *rand.Rand,
	cfg Config,
	logger *zap.Logger,
) (*Scheduler, error) {
	if store == nil {
		return nil, errors.New("scheduler requires a store")
	}
	if protocol == nil {
		return nil, errors.New("scheduler requires a fetch protocol")
	}
	if publisher == nil {
		return nil, errors.New("scheduler requires a job publisher")
	}
	if clock == nil {
		return nil, errors.New("scheduler requires a clock")
	}
	if rng == nil {
		return nil, errors.New("scheduler requires a random source")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TickDelay <= 0 {
		cfg.TickDelay = defaultTickDelay
	}
	if cfg.ContentType == "" {
		cfg.ContentType = defaultContentType
	}
	if cfg.PublisherName == "" {
		cfg.PublisherName = "unknown"
	}
	metrics.Init()
	return &Scheduler{
		store:     store,
		protocol:  protocol,
		publisher: publisher,
		archive:   archive,
		clock:     clock,
		rng:       rng,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// Run ticks until ctx is canceled, waiting TickDelay after each tick
// completes.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("crawl scheduler started", zap.Duration("tick_delay", s.cfg.TickDelay))
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("crawl scheduler stopped")
			return
		case <-timer.C:
		}
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("crawl tick failed", zap.Error(err))
		}
		timer.Reset(s.cfg.TickDelay)
	}
}

// Tick processes at most one due URL. An error is returned only when the
// tick could not be recorded at all; fetch failures are ERROR outcomes.
func (s *Scheduler) Tick(ctx context.Context) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ctx, span := otel.Tracer("github.com/JakeFAU/recrawl/internal/scheduler").Start(ctx, "crawl.tick")
	defer span.End()

	res, err := s.tick(ctx)
	outcome := metrics.TickIdle
	switch {
	case err != nil || res.Recovered:
		outcome = metrics.TickFailed
	case res.Processed:
		outcome = metrics.TickProcessed
	}
	metrics.ObserveTick(outcome, time.Since(start))

	span.SetAttributes(attribute.String("crawl.outcome", outcome))
	if res.URL != "" {
		span.SetAttributes(attribute.String("crawl.url", res.URL), attribute.String("crawl.status", string(res.Status)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (s *Scheduler) tick(ctx context.Context) (Result, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin unit of work: %w", err)
	}
	now := s.clock.Now()
	entry, ok, err := uow.NextDue(ctx, now)
	if err != nil {
		s.rollback(ctx, uow)
		return Result{}, fmt.Errorf("select due entry: %w", err)
	}
	if !ok {
		s.rollback(ctx, uow)
		s.logger.Debug("no url due")
		return Result{}, nil
	}

	logger := s.logger.With(zap.String("url", entry.URL), zap.String("priority", string(entry.Priority)))
	res, out, err := s.process(ctx, uow, entry, now, logger)
	if err != nil {
		s.rollback(ctx, uow)
		// A canceled caller is not a crawl failure; the entry stays due.
		if ctx.Err() != nil {
			logger.Info("crawl tick interrupted", zap.Error(err))
			return Result{}, err
		}
		logger.Error("crawl unit of work failed, recording error", zap.Error(err))
		recovered, rerr := s.recordFailure(ctx, entry, err)
		if rerr != nil {
			return Result{Processed: true, URL: entry.URL}, errors.Join(err, rerr)
		}
		return recovered, nil
	}

	if out.Status == crawler.StatusSuccess {
		s.archiveBody(ctx, entry.URL, out, logger)
		res.Published = s.publish(ctx, entry.URL, out.ContentHash, logger)
	}
	logger.Info("crawl tick complete",
		zap.String("status", string(res.Status)),
		zap.Time("next_due_at", res.NextDueAt),
		zap.Bool("published", res.Published))
	return res, nil
}

// process runs the fetch and stages state and reschedule on uow, then
// commits it.
func (s *Scheduler) process(
	ctx context.Context,
	uow crawler.UnitOfWork,
	entry crawler.RegistryEntry,
	now time.Time,
	logger *zap.Logger,
) (Result, crawler.Outcome, error) {
	state, err := uow.LoadState(ctx, entry.URL)
	if err != nil {
		return Result{}, crawler.Outcome{}, fmt.Errorf("load state: %w", err)
	}

	out := s.protocol.Fetch(ctx, entry.URL, state.Validators())
	if err := ctx.Err(); err != nil {
		return Result{}, out, fmt.Errorf("fetch interrupted: %w", err)
	}
	metrics.ObserveFetch(entry.URL, string(out.Status), len(out.Body))
	if out.Status == crawler.StatusError {
		logger.Warn("fetch failed", zap.String("reason", out.Message))
	}

	if err := uow.SaveState(ctx, crawler.Apply(state, out, now)); err != nil {
		return Result{}, out, fmt.Errorf("save state: %w", err)
	}
	entry.NextDueAt = s.nextDue(entry.Priority, now, logger)
	if err := uow.SaveEntry(ctx, entry); err != nil {
		return Result{}, out, fmt.Errorf("save entry: %w", err)
	}
	if err := uow.Commit(ctx); err != nil {
		return Result{}, out, fmt.Errorf("commit: %w", err)
	}
	return Result{Processed: true, URL: entry.URL, Status: out.Status, NextDueAt: entry.NextDueAt}, out, nil
}

// recordFailure opens a fresh unit of work, marks the URL as ERROR and
// reschedules it so a poisoned entry does not block the queue.
func (s *Scheduler) recordFailure(ctx context.Context, entry crawler.RegistryEntry, cause error) (Result, error) {
	uow, err := s.store.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin recovery unit of work: %w", err)
	}
	defer s.rollback(ctx, uow)

	now := s.clock.Now()
	state, err := uow.LoadState(ctx, entry.URL)
	if err != nil {
		state = crawler.NewState(entry.URL)
	}
	state = crawler.Apply(state, crawler.Outcome{Status: crawler.StatusError, Message: cause.Error()}, now)
	if err := uow.SaveState(ctx, state); err != nil {
		return Result{}, fmt.Errorf("save recovery state: %w", err)
	}
	entry.NextDueAt = s.nextDue(entry.Priority, now, s.logger)
	if err := uow.SaveEntry(ctx, entry); err != nil {
		return Result{}, fmt.Errorf("save recovery entry: %w", err)
	}
	if err := uow.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit recovery: %w", err)
	}
	return Result{
		Processed: true,
		URL:       entry.URL,
		Status:    crawler.StatusError,
		NextDueAt: entry.NextDueAt,
		Recovered: true,
	}, nil
}

func (s *Scheduler) nextDue(p crawler.Priority, now time.Time, logger *zap.Logger) time.Time {
	iv, ok := crawler.IntervalFor(p)
	if !ok {
		logger.Warn("unknown priority, using secondary interval", zap.String("priority", string(p)))
		iv, _ = crawler.IntervalFor(crawler.PrioritySecondary)
	}
	return now.Add(iv.Pick(s.rng))
}

func (s *Scheduler) publish(ctx context.Context, url, contentHash string, logger *zap.Logger) bool {
	if err := s.publisher.EnqueueEmbedJob(ctx, url, contentHash); err != nil {
		metrics.ObservePublishFailure(s.cfg.PublisherName)
		logger.Error("embed job publish failed", zap.String("content_hash", contentHash), zap.Error(err))
		return false
	}
	return true
}

func (s *Scheduler) archiveBody(ctx context.Context, url string, out crawler.Outcome, logger *zap.Logger) {
	if s.archive == nil || len(out.Body) == 0 {
		return
	}
	key := s.archivePath(url, out.ContentHash)
	uri, err := s.archive.PutObject(ctx, key, s.cfg.ContentType, bytes.NewReader(out.Body))
	if err != nil {
		logger.Warn("archive body failed", zap.String("path", key), zap.Error(err))
		return
	}
	logger.Debug("archived body", zap.String("uri", uri))
}

func (s *Scheduler) archivePath(url, contentHash string) string {
	prefix := strings.Trim(s.cfg.ArchivePrefix, "/")
	urlKey := sha256.Sum([]byte(url))
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", urlKey, contentHash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, urlKey, contentHash)
}

func (s *Scheduler) rollback(ctx context.Context, uow crawler.UnitOfWork) {
	if err := uow.Rollback(ctx); err != nil {
		s.logger.Warn("rollback failed", zap.Error(err))
	}
}
