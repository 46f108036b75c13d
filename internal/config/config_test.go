package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
crawler:
  tick_delay: 5s
  user_agent: real-agent
  respect_robots: true
  seed: 42
http:
  connect_timeout: 2s
  timeout: 45s
storage:
  driver: sqlite
sqlite:
  path: /tmp/recrawl.db
archive:
  provider: local
  base_dir: /tmp/archive
publisher:
  provider: kafka
kafka:
  brokers: ["k1:9092", "k2:9092"]
  topic: embed-jobs
logging:
  development: false
embedding:
  enabled: true
  batch_size: 25
  expected_dimension: 384
  source: script
  script:
    path: /opt/embed.sh
    timeout: 10s
db:
  dsn: postgres://localhost/recrawl
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.Crawler.TickDelay != 5*time.Second || !cfg.Crawler.RespectRobots || cfg.Crawler.Seed != 42 {
		t.Fatalf("expected crawler overrides to apply: %+v", cfg.Crawler)
	}
	if cfg.HTTP.Timeout != 45*time.Second || cfg.HTTP.ConnectTimeout != 2*time.Second {
		t.Fatalf("expected http timeouts to apply: %+v", cfg.HTTP)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.SQLite.Path != "/tmp/recrawl.db" {
		t.Fatalf("expected sqlite storage: %+v %+v", cfg.Storage, cfg.SQLite)
	}
	if cfg.Archive.BaseDir != "/tmp/archive" || cfg.Archive.Prefix != "pages" {
		t.Fatalf("expected archive overrides with default prefix: %+v", cfg.Archive)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Topic != "embed-jobs" {
		t.Fatalf("expected kafka settings: %+v", cfg.Kafka)
	}
	if cfg.Embedding.Script.Timeout != 10*time.Second || cfg.Embedding.ExpectedDimension != 384 {
		t.Fatalf("expected embedding overrides: %+v", cfg.Embedding)
	}
	if cfg.Embedding.PageTable != "pages" || cfg.Embedding.EmbeddingVectorColumn != "embedding" {
		t.Fatalf("expected default table layout: %+v", cfg.Embedding)
	}
}

func TestLoadDefaultsWithEnv(t *testing.T) {
	t.Setenv("RECRAWL_STORAGE_DRIVER", "memory")
	t.Setenv("RECRAWL_EMBEDDING_BATCH_SIZE", "7")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("expected env override of storage.driver, got %q", cfg.Storage.Driver)
	}
	if cfg.Embedding.BatchSize != 7 {
		t.Fatalf("expected env override of batch size, got %d", cfg.Embedding.BatchSize)
	}
	if cfg.Crawler.TickDelay != time.Minute {
		t.Fatalf("expected default tick delay, got %v", cfg.Crawler.TickDelay)
	}
	if cfg.HTTP.Timeout != 15*time.Second || cfg.HTTP.ConnectTimeout != 10*time.Second {
		t.Fatalf("expected default http timeouts, got %+v", cfg.HTTP)
	}
	if cfg.Publisher.Provider != "log" || cfg.Archive.Provider != "none" {
		t.Fatalf("expected default providers, got %q %q", cfg.Publisher.Provider, cfg.Archive.Provider)
	}
	if cfg.Embedding.Remote.Provider != "postgresml" || cfg.Embedding.Script.Timeout != 30*time.Second {
		t.Fatalf("expected embedding defaults, got %+v", cfg.Embedding)
	}
	if cfg.Logging.Development {
		t.Fatal("expected production logging by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validConfig() Config {
	return Config{
		Server:    ServerConfig{Port: 8080},
		Crawler:   CrawlerConfig{TickDelay: time.Minute},
		HTTP:      HTTPConfig{Timeout: time.Second, ConnectTimeout: time.Second},
		Storage:   StorageConfig{Driver: "memory"},
		Archive:   ArchiveConfig{Provider: "none"},
		Publisher: PublisherConfig{Provider: "log"},
		Embedding: EmbeddingConfig{BatchSize: 10, Source: "remote", Remote: RemoteEmbeddingConfig{Provider: "postgresml"}},
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"invalid tick delay", func(c *Config) { c.Crawler.TickDelay = 0 }, "crawler.tick_delay"},
		{"invalid timeout", func(c *Config) { c.HTTP.Timeout = 0 }, "http.timeout"},
		{"invalid connect timeout", func(c *Config) { c.HTTP.ConnectTimeout = 0 }, "http.connect_timeout"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "db.dsn"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"sqlite without path", func(c *Config) { c.Storage.Driver = "sqlite" }, "sqlite.path"},
		{"local archive without dir", func(c *Config) { c.Archive.Provider = "local" }, "archive.base_dir"},
		{"gcs archive without bucket", func(c *Config) { c.Archive.Provider = "gcs" }, "archive.gcs_bucket"},
		{"unknown archive", func(c *Config) { c.Archive.Provider = "s3" }, "archive.provider"},
		{"pubsub without topic", func(c *Config) { c.Publisher.Provider = "pubsub" }, "pubsub.project_id"},
		{"kafka without brokers", func(c *Config) { c.Publisher.Provider = "kafka" }, "kafka.brokers"},
		{"redis without addr", func(c *Config) { c.Publisher.Provider = "redis" }, "redis.addr"},
		{"unknown publisher", func(c *Config) { c.Publisher.Provider = "sqs" }, "publisher.provider"},
		{"batch size", func(c *Config) { c.Embedding.BatchSize = 0 }, "embedding.batch_size"},
		{"negative dimension", func(c *Config) { c.Embedding.ExpectedDimension = -1 }, "embedding.expected_dimension"},
		{"bad schedule", func(c *Config) { c.Embedding.Schedule = "every tuesday" }, "embedding.schedule"},
		{"embedding without dsn", func(c *Config) { c.Embedding.Enabled = true }, "db.dsn"},
		{
			"script without path",
			func(c *Config) {
				c.DB.DSN = "postgres://x"
				c.Embedding.Enabled = true
				c.Embedding.Source = "script"
			},
			"embedding.script.path",
		},
		{
			"gemini without key",
			func(c *Config) {
				c.DB.DSN = "postgres://x"
				c.Embedding.Enabled = true
				c.Embedding.Remote.Provider = "gemini"
			},
			"embedding.remote.api_key",
		},
		{
			"unknown source",
			func(c *Config) {
				c.DB.DSN = "postgres://x"
				c.Embedding.Enabled = true
				c.Embedding.Source = "magic"
			},
			"embedding.source",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestConfigValidateAcceptsBaseline(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
