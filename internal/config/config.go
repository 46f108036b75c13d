// Package config loads and validates recrawl configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig guards the trigger endpoints with an API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the re-crawl loop.
type CrawlerConfig struct {
	TickDelay     time.Duration `mapstructure:"tick_delay"`
	UserAgent     string        `mapstructure:"user_agent"`
	RespectRobots bool          `mapstructure:"respect_robots"`
	// Seed fixes the reschedule jitter; zero seeds from the clock.
	Seed uint64 `mapstructure:"seed"`
}

// HTTPConfig bounds every crawl request.
type HTTPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// StorageConfig selects the registry/state backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	QueueTable      string        `mapstructure:"queue_table"`
	StateTable      string        `mapstructure:"state_table"`
}

// SQLiteConfig locates the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// ArchiveConfig controls raw body snapshots.
type ArchiveConfig struct {
	Provider    string `mapstructure:"provider"`
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// PublisherConfig selects the embed-job transport.
type PublisherConfig struct {
	Provider string `mapstructure:"provider"`
}

// PubSubConfig holds metadata for Pub/Sub notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// KafkaConfig names the brokers and topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// RedisConfig names the server and stream.
type RedisConfig struct {
	Addr   string `mapstructure:"addr"`
	Stream string `mapstructure:"stream"`
	MaxLen int64  `mapstructure:"max_len"`
}

// EmbeddingConfig controls the batch vectorization pipeline.
type EmbeddingConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	BatchSize         int    `mapstructure:"batch_size"`
	ExpectedDimension int    `mapstructure:"expected_dimension"`
	Source            string `mapstructure:"source"`
	RunOnStart        bool   `mapstructure:"run_on_start"`
	// Schedule is an optional cron expression for periodic runs.
	Schedule string `mapstructure:"schedule"`

	Remote RemoteEmbeddingConfig `mapstructure:"remote"`
	Script ScriptEmbeddingConfig `mapstructure:"script"`

	PageTable             string `mapstructure:"page_table"`
	PageIDColumn          string `mapstructure:"page_id_column"`
	PageContentColumn     string `mapstructure:"page_content_column"`
	EmbeddingTable        string `mapstructure:"embedding_table"`
	EmbeddingPageIDColumn string `mapstructure:"embedding_page_id_column"`
	EmbeddingVectorColumn string `mapstructure:"embedding_vector_column"`
}

// RemoteEmbeddingConfig selects the hosted model.
type RemoteEmbeddingConfig struct {
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	Dimensions int    `mapstructure:"dimensions"`
}

// ScriptEmbeddingConfig points at the offline embedding script.
type ScriptEmbeddingConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RECRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("crawler.tick_delay", "60s")
	v.SetDefault("crawler.user_agent", "recrawl-bot/0.1")
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.seed", 0)
	v.SetDefault("http.connect_timeout", "10s")
	v.SetDefault("http.timeout", "15s")
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", "30m")
	v.SetDefault("db.queue_table", "crawl_queue")
	v.SetDefault("db.state_table", "crawl_state")
	v.SetDefault("sqlite.path", "recrawl.db")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "pages")
	v.SetDefault("archive.content_type", "text/html; charset=utf-8")
	v.SetDefault("publisher.provider", "log")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.stream", "recrawl:embed-jobs")
	v.SetDefault("redis.max_len", 0)
	v.SetDefault("embedding.enabled", false)
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.expected_dimension", 0)
	v.SetDefault("embedding.source", "remote")
	v.SetDefault("embedding.run_on_start", true)
	v.SetDefault("embedding.schedule", "")
	v.SetDefault("embedding.remote.provider", "postgresml")
	v.SetDefault("embedding.remote.model", "")
	v.SetDefault("embedding.remote.api_key", "")
	v.SetDefault("embedding.remote.dimensions", 0)
	v.SetDefault("embedding.script.path", "")
	v.SetDefault("embedding.script.timeout", "30s")
	v.SetDefault("embedding.page_table", "pages")
	v.SetDefault("embedding.page_id_column", "id")
	v.SetDefault("embedding.page_content_column", "content")
	v.SetDefault("embedding.embedding_table", "page_embeddings")
	v.SetDefault("embedding.embedding_page_id_column", "page_id")
	v.SetDefault("embedding.embedding_vector_column", "embedding")
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Crawler.TickDelay <= 0 {
		return fmt.Errorf("crawler.tick_delay must be > 0")
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.ConnectTimeout <= 0 {
		return fmt.Errorf("http.connect_timeout must be > 0")
	}

	switch c.Storage.Driver {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for storage.driver=postgres")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite.path is required for storage.driver=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("storage.driver must be one of postgres, sqlite, memory (got %q)", c.Storage.Driver)
	}

	switch c.Archive.Provider {
	case "none", "":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for archive.provider=local")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for archive.provider=gcs")
		}
	default:
		return fmt.Errorf("archive.provider must be one of none, local, gcs (got %q)", c.Archive.Provider)
	}

	switch c.Publisher.Provider {
	case "log", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name are required for publisher.provider=pubsub")
		}
	case "kafka":
		if len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "" {
			return fmt.Errorf("kafka.brokers and kafka.topic are required for publisher.provider=kafka")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for publisher.provider=redis")
		}
	default:
		return fmt.Errorf("publisher.provider must be one of log, memory, pubsub, kafka, redis (got %q)", c.Publisher.Provider)
	}

	return c.Embedding.validate(c.DB.DSN)
}

func (e EmbeddingConfig) validate(dsn string) error {
	if e.BatchSize <= 0 {
		return fmt.Errorf("embedding.batch_size must be > 0")
	}
	if e.ExpectedDimension < 0 {
		return fmt.Errorf("embedding.expected_dimension must be >= 0")
	}
	if e.Schedule != "" {
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(e.Schedule); err != nil {
			return fmt.Errorf("embedding.schedule is not a valid cron expression: %w", err)
		}
	}
	if !e.Enabled {
		return nil
	}
	if dsn == "" {
		return fmt.Errorf("db.dsn is required when embedding is enabled")
	}
	switch e.Source {
	case "remote":
		switch e.Remote.Provider {
		case "postgresml":
		case "gemini":
			if e.Remote.APIKey == "" {
				return fmt.Errorf("embedding.remote.api_key is required for the gemini provider")
			}
		default:
			return fmt.Errorf("embedding.remote.provider must be postgresml or gemini (got %q)", e.Remote.Provider)
		}
	case "script":
		if e.Script.Path == "" {
			return fmt.Errorf("embedding.script.path is required for embedding.source=script")
		}
		if e.Script.Timeout <= 0 {
			return fmt.Errorf("embedding.script.timeout must be > 0")
		}
	default:
		return fmt.Errorf("embedding.source must be remote or script (got %q)", e.Source)
	}
	return nil
}
