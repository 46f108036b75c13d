package embedding

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/recrawl/internal/metrics"
)

// Config tunes a Pipeline.
type Config struct {
	Enabled bool
	// BatchSize bounds each MissingEmbeddings query; must be positive.
	BatchSize int
	// ExpectedDimension, when nonzero, is compared against every vector.
	// A mismatch is logged, never fatal.
	ExpectedDimension int
}

// Summary reports what a run did.
type Summary struct {
	RunID    string
	Batches  int
	Records  int
	Duration time.Duration
}

// Pipeline drains the missing-embedding backlog. Batches run sequentially
// and each record is embedded with one backend call.
type Pipeline struct {
	repo    Repository
	backend Backend
	ids     IDGenerator
	cfg     Config
	logger  *zap.Logger
	running atomic.Bool
}

// NewPipeline wires a Pipeline.
func NewPipeline(repo Repository, backend Backend, ids IDGenerator, cfg Config, logger *zap.Logger) (*Pipeline, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if backend == nil {
		return nil, fmt.Errorf("backend is required")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.ExpectedDimension < 0 {
		return nil, fmt.Errorf("expected dimension must not be negative, got %d", cfg.ExpectedDimension)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Pipeline{repo: repo, backend: backend, ids: ids, cfg: cfg, logger: logger}, nil
}

// Enabled reports whether Run does any work.
func (p *Pipeline) Enabled() bool {
	return p.cfg.Enabled
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Run processes batches until no record lacks an embedding. The first
// compute or store failure aborts the run; records already upserted stay.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	if !p.cfg.Enabled {
		p.logger.Info("embedding pipeline disabled", zap.Bool("embedding.enabled", false))
		return Summary{}, ErrDisabled
	}
	if !p.running.CompareAndSwap(false, true) {
		return Summary{}, ErrPipelineRunning
	}
	defer p.running.Store(false)

	summary := Summary{RunID: p.newRunID()}
	logger := p.logger.With(zap.String("run_id", summary.RunID))
	start := time.Now()
	logger.Info("embedding pipeline started",
		zap.Int("batch_size", p.cfg.BatchSize),
		zap.Int("expected_dimension", p.cfg.ExpectedDimension))

	for {
		if err := ctx.Err(); err != nil {
			return p.finish(logger, summary, start), fmt.Errorf("embedding run canceled: %w", err)
		}
		batch, err := p.repo.MissingEmbeddings(ctx, p.cfg.BatchSize)
		if err != nil {
			return p.finish(logger, summary, start), fmt.Errorf("load missing embeddings: %w", err)
		}
		if len(batch) == 0 {
			break
		}

		batchStart := time.Now()
		processed, err := p.processBatch(ctx, logger, batch)
		summary.Records += processed
		if err != nil {
			return p.finish(logger, summary, start), err
		}
		summary.Batches++
		elapsed := time.Since(batchStart)
		metrics.ObserveEmbeddingBatch(processed, elapsed)
		logger.Info("embedding batch processed",
			zap.Int("batch", summary.Batches),
			zap.Int("records", processed),
			zap.Duration("latency", elapsed))
	}

	summary = p.finish(logger, summary, start)
	return summary, nil
}

func (p *Pipeline) processBatch(ctx context.Context, logger *zap.Logger, batch []Record) (int, error) {
	processed := 0
	for _, rec := range batch {
		vec, err := p.backend.Embed(ctx, rec.Text)
		if err != nil {
			metrics.ObserveEmbeddingFailure()
			return processed, fmt.Errorf("embed content %d: %w", rec.ID, err)
		}
		if p.cfg.ExpectedDimension > 0 && len(vec) != p.cfg.ExpectedDimension {
			metrics.ObserveDimensionMismatch()
			logger.Warn("embedding dimension mismatch",
				zap.Int64("content_id", rec.ID),
				zap.Int("expected", p.cfg.ExpectedDimension),
				zap.Int("actual", len(vec)))
		}
		if err := p.repo.UpsertEmbedding(ctx, rec.ID, vec); err != nil {
			metrics.ObserveEmbeddingFailure()
			return processed, fmt.Errorf("upsert embedding %d: %w", rec.ID, err)
		}
		processed++
	}
	return processed, nil
}

func (p *Pipeline) finish(logger *zap.Logger, summary Summary, start time.Time) Summary {
	summary.Duration = time.Since(start)
	logger.Info("embedding pipeline finished",
		zap.Int("batches", summary.Batches),
		zap.Int("records", summary.Records),
		zap.Duration("latency", summary.Duration))
	return summary
}

func (p *Pipeline) newRunID() string {
	if p.ids == nil {
		return ""
	}
	id, err := p.ids.NewID()
	if err != nil {
		p.logger.Warn("generate run id", zap.Error(err))
		return ""
	}
	return id
}
