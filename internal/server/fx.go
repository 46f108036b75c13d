// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawl/internal/api"
	"github.com/JakeFAU/recrawl/internal/clock/system"
	"github.com/JakeFAU/recrawl/internal/config"
	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/embedding"
	"github.com/JakeFAU/recrawl/internal/embedding/remote"
	"github.com/JakeFAU/recrawl/internal/embedding/script"
	collyfetcher "github.com/JakeFAU/recrawl/internal/fetcher/colly"
	"github.com/JakeFAU/recrawl/internal/hash/sha256"
	"github.com/JakeFAU/recrawl/internal/id/uuid"
	"github.com/JakeFAU/recrawl/internal/logging"
	kafkapublisher "github.com/JakeFAU/recrawl/internal/publisher/kafka"
	logpublisher "github.com/JakeFAU/recrawl/internal/publisher/logging"
	memorypublisher "github.com/JakeFAU/recrawl/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/recrawl/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/recrawl/internal/publisher/redis"
	"github.com/JakeFAU/recrawl/internal/scheduler"
	gcsstorage "github.com/JakeFAU/recrawl/internal/storage/gcs"
	localstorage "github.com/JakeFAU/recrawl/internal/storage/local"
	memorystorage "github.com/JakeFAU/recrawl/internal/storage/memory"
	pgstore "github.com/JakeFAU/recrawl/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/recrawl/internal/storage/sqlite"
	"github.com/JakeFAU/recrawl/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	clock     crawler.Clock
	apiServer *api.Server
	store     crawler.Store
	scheduler *scheduler.Scheduler
	pipeline  *embedding.Pipeline
	cron      *cron.Cron

	pool           *pgxpool.Pool
	pubsubClient   *pubsub.Client
	storage        *storage.Client
	closers        []io.Closer
	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	// Only non-sensitive fields are logged.
	type SanitizedConfig struct {
		ServerPort int    `json:"server_port"`
		Storage    string `json:"storage_driver"`
		Publisher  string `json:"publisher"`
		Archive    string `json:"archive"`
		Embedding  bool   `json:"embedding_enabled"`
	}
	safeCfg := SanitizedConfig{
		ServerPort: cfg.Server.Port,
		Storage:    cfg.Storage.Driver,
		Publisher:  cfg.Publisher.Provider,
		Archive:    cfg.Archive.Provider,
		Embedding:  cfg.Embedding.Enabled,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the crawl registry/state store.
func (a *App) Store() crawler.Store {
	return a.store
}

// Scheduler returns the crawl scheduler.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Pipeline returns the embedding pipeline, or nil when embeddings are off.
func (a *App) Pipeline() *embedding.Pipeline {
	return a.pipeline
}

// Clock returns the application clock.
func (a *App) Clock() crawler.Clock {
	return a.clock
}

// Run starts the scheduler, the optional embedding triggers and the ops
// server, and blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		a.scheduler.Run(ctx)
	}()

	if a.pipeline != nil && a.cfg.Embedding.RunOnStart {
		go a.runPipeline(ctx, "startup")
	}
	if a.cron != nil {
		a.cron.Start()
		a.logger.Info("embedding schedule started", zap.String("schedule", a.cfg.Embedding.Schedule))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.cron != nil {
		select {
		case <-a.cron.Stop().Done():
		case <-shutdownCtx.Done():
			a.logger.Warn("embedding schedule did not stop before deadline")
		}
	}
	a.apiServer.Close()
	<-done

	return a.Close(shutdownCtx)
}

// Tick runs a single scheduler tick in the foreground.
func (a *App) Tick(ctx context.Context) (scheduler.Result, error) {
	return a.scheduler.Tick(ctx)
}

// RunPipelineOnce executes one embedding run in the foreground.
func (a *App) RunPipelineOnce(ctx context.Context) (embedding.Summary, error) {
	if a.pipeline == nil {
		return embedding.Summary{}, embedding.ErrDisabled
	}
	return a.pipeline.Run(ctx)
}

func (a *App) runPipeline(ctx context.Context, trigger string) {
	logger := a.logger.With(zap.String("trigger", trigger))
	summary, err := a.pipeline.Run(ctx)
	switch {
	case errors.Is(err, embedding.ErrPipelineRunning):
		logger.Info("embedding run skipped, another run is in progress")
	case err != nil:
		logger.Error("embedding run failed", zap.Error(err))
	default:
		logger.Info("embedding run finished",
			zap.String("run_id", summary.RunID),
			zap.Int("batches", summary.Batches),
			zap.Int("records", summary.Records),
			zap.Duration("duration", summary.Duration))
	}
}

// Close gracefully shuts down the application. Calls after the first are
// no-ops.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("crawl store close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	if err := app.build(ctx); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	tp, err := telemetry.InitTracerProvider(ctx, "recrawl")
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	a.logger.Info("building application dependencies")
	if err := a.setupStore(ctx); err != nil {
		return err
	}
	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	if err := a.setupScheduler(publisher, archive); err != nil {
		return err
	}
	if err := a.setupPipeline(ctx); err != nil {
		return err
	}

	var ready []api.ReadinessCheck
	if a.pool != nil {
		ready = append(ready, a.pool.Ping)
	}
	var runner api.EmbeddingRunner
	if a.pipeline != nil {
		runner = a.pipeline
	}
	a.apiServer = api.NewServer(
		a.store,
		a.scheduler,
		runner,
		a.clock,
		*a.cfg,
		a.logger.Named("api"),
		ready...,
	)
	return nil
}

func (a *App) postgresPool(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	pool, err := pgstore.NewPool(ctx, pgstore.PoolConfig{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres pool init failed: %w", err)
	}
	a.pool = pool
	return pool, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "postgres":
		pool, err := a.postgresPool(ctx)
		if err != nil {
			return err
		}
		store, err := pgstore.NewCrawlStore(pool, pgstore.CrawlTables{
			Queue: a.cfg.DB.QueueTable,
			State: a.cfg.DB.StateTable,
		})
		if err != nil {
			return fmt.Errorf("crawl store init failed: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("crawl schema init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using postgres crawl store",
			zap.String("queue_table", a.cfg.DB.QueueTable),
			zap.String("state_table", a.cfg.DB.StateTable))
	case "sqlite":
		store, err := sqlitestore.Open(a.cfg.SQLite.Path)
		if err != nil {
			return fmt.Errorf("sqlite crawl store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("using sqlite crawl store", zap.String("path", a.cfg.SQLite.Path))
	default:
		a.logger.Warn("using in-memory crawl store; registry is lost on exit")
		a.store = memorystorage.NewCrawlStore()
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Archive.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Archive.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("archiving bodies to GCS", zap.String("bucket", a.cfg.Archive.GCSBucket))
		return blobStore, nil
	case "local":
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving bodies locally", zap.String("path", a.cfg.Archive.BaseDir))
		return blobStore, nil
	default:
		a.logger.Info("body archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.JobPublisher, error) {
	switch a.cfg.Publisher.Provider {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		pub := gcppublisher.New(client.Topic(a.cfg.PubSub.TopicName), a.clock)
		a.closers = append(a.closers, pub)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicName))
		return pub, nil
	case "kafka":
		pub, err := kafkapublisher.New(kafkapublisher.Config{
			Brokers: a.cfg.Kafka.Brokers,
			Topic:   a.cfg.Kafka.Topic,
		}, a.clock)
		if err != nil {
			return nil, fmt.Errorf("kafka publisher init failed: %w", err)
		}
		a.closers = append(a.closers, pub)
		a.logger.Info("kafka publisher initialized",
			zap.Strings("brokers", a.cfg.Kafka.Brokers),
			zap.String("topic", a.cfg.Kafka.Topic))
		return pub, nil
	case "redis":
		pub, err := redispublisher.New(redispublisher.Config{
			Addr:   a.cfg.Redis.Addr,
			Stream: a.cfg.Redis.Stream,
			MaxLen: a.cfg.Redis.MaxLen,
		}, a.clock)
		if err != nil {
			return nil, fmt.Errorf("redis publisher init failed: %w", err)
		}
		a.closers = append(a.closers, pub)
		a.logger.Info("redis stream publisher initialized",
			zap.String("addr", a.cfg.Redis.Addr),
			zap.String("stream", a.cfg.Redis.Stream))
		return pub, nil
	case "memory":
		a.logger.Warn("using in-memory publisher; embed jobs are not delivered")
		return memorypublisher.New(), nil
	default:
		a.logger.Info("embed jobs are logged only")
		return logpublisher.New(a.logger.Named("publisher")), nil
	}
}

func (a *App) setupScheduler(publisher crawler.JobPublisher, archive crawler.BlobStore) error {
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:      a.cfg.Crawler.UserAgent,
		RespectRobots:  a.cfg.Crawler.RespectRobots,
		Timeout:        a.cfg.HTTP.Timeout,
		ConnectTimeout: a.cfg.HTTP.ConnectTimeout,
	})
	a.logger.Info("using colly fetcher",
		zap.String("user_agent", a.cfg.Crawler.UserAgent),
		zap.Bool("respect_robots", a.cfg.Crawler.RespectRobots))

	seed := a.cfg.Crawler.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	sched, err := scheduler.New(
		a.store,
		crawler.NewProtocol(fetcher, sha256.New()),
		publisher,
		archive,
		a.clock,
		rand.New(rand.NewPCG(seed, seed>>1|1)),
		scheduler.Config{
			TickDelay:     a.cfg.Crawler.TickDelay,
			ArchivePrefix: a.cfg.Archive.Prefix,
			ContentType:   a.cfg.Archive.ContentType,
			PublisherName: a.cfg.Publisher.Provider,
		},
		a.logger.Named("scheduler"),
	)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	a.scheduler = sched
	return nil
}

func (a *App) setupPipeline(ctx context.Context) error {
	ecfg := a.cfg.Embedding
	if !ecfg.Enabled {
		a.logger.Info("embedding pipeline disabled")
		return nil
	}
	pool, err := a.postgresPool(ctx)
	if err != nil {
		return err
	}
	repo, err := pgstore.NewContentStore(pool, pgstore.ContentTables{
		PageTable:             ecfg.PageTable,
		PageIDColumn:          ecfg.PageIDColumn,
		PageContentColumn:     ecfg.PageContentColumn,
		EmbeddingTable:        ecfg.EmbeddingTable,
		EmbeddingPageIDColumn: ecfg.EmbeddingPageIDColumn,
		EmbeddingVectorColumn: ecfg.EmbeddingVectorColumn,
	})
	if err != nil {
		return fmt.Errorf("content store init failed: %w", err)
	}
	backend, err := NewEmbeddingBackend(ctx, ecfg, pool)
	if err != nil {
		return err
	}
	a.pipeline, err = embedding.NewPipeline(repo, backend, uuid.New(), embedding.Config{
		Enabled:           true,
		BatchSize:         ecfg.BatchSize,
		ExpectedDimension: ecfg.ExpectedDimension,
	}, a.logger.Named("embedding"))
	if err != nil {
		return fmt.Errorf("embedding pipeline init failed: %w", err)
	}
	a.logger.Info("embedding pipeline enabled",
		zap.String("source", ecfg.Source),
		zap.Int("batch_size", ecfg.BatchSize),
		zap.Int("expected_dimension", ecfg.ExpectedDimension))

	if ecfg.Schedule != "" {
		a.cron = cron.New()
		if _, err := a.cron.AddFunc(ecfg.Schedule, func() {
			a.runPipeline(context.Background(), "schedule")
		}); err != nil {
			return fmt.Errorf("embedding schedule %q: %w", ecfg.Schedule, err)
		}
	}
	return nil
}

// NewEmbeddingBackend selects the compute backend named by cfg.Source. db
// serves the PostgresML provider.
func NewEmbeddingBackend(ctx context.Context, cfg config.EmbeddingConfig, db remote.Querier) (embedding.Backend, error) {
	switch cfg.Source {
	case "script":
		backend, err := script.New(script.Config{Path: cfg.Script.Path, Timeout: cfg.Script.Timeout})
		if err != nil {
			return nil, fmt.Errorf("script backend init failed: %w", err)
		}
		return backend, nil
	case "remote", "":
		switch cfg.Remote.Provider {
		case "gemini":
			backend, err := remote.NewGemini(ctx, remote.GeminiConfig{
				APIKey:     cfg.Remote.APIKey,
				Model:      cfg.Remote.Model,
				Dimensions: cfg.Remote.Dimensions,
			})
			if err != nil {
				return nil, fmt.Errorf("gemini backend init failed: %w", err)
			}
			return backend, nil
		case "postgresml", "":
			backend, err := remote.NewPGML(db, cfg.Remote.Model)
			if err != nil {
				return nil, fmt.Errorf("postgresml backend init failed: %w", err)
			}
			return backend, nil
		default:
			return nil, fmt.Errorf("unknown remote embedding provider %q", cfg.Remote.Provider)
		}
	default:
		return nil, fmt.Errorf("unknown embedding source %q", cfg.Source)
	}
}
