// Package redis appends embed jobs to a Redis stream.
package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/publisher"
)

const defaultStream = "recrawl:embed-jobs"

// streamClient is the subset of redis.Client used by the publisher.
type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// Config selects the server and stream.
type Config struct {
	Addr string
	// Stream defaults to recrawl:embed-jobs.
	Stream string
	// MaxLen approximately caps the stream length. Zero means unbounded.
	MaxLen int64
}

// Publisher adds one stream entry per job.
type Publisher struct {
	client streamClient
	clock  crawler.Clock
	stream string
	maxLen int64
}

// New connects a Publisher to Redis.
func New(cfg Config, clock crawler.Clock) (*Publisher, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	return newWithClient(client, cfg, clock), nil
}

func newWithClient(client streamClient, cfg Config, clock crawler.Clock) *Publisher {
	stream := cfg.Stream
	if stream == "" {
		stream = defaultStream
	}
	return &Publisher{client: client, clock: clock, stream: stream, maxLen: cfg.MaxLen}
}

// EnqueueEmbedJob implements crawler.JobPublisher. The entry carries the
// url and content_hash fields plus the JSON payload under "job".
func (p *Publisher) EnqueueEmbedJob(ctx context.Context, url, contentHash string) error {
	data, err := publisher.NewEmbedJob(url, contentHash, p.clock.Now()).Encode()
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"url":          url,
			"content_hash": contentHash,
			"job":          string(data),
		},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", p.stream, err)
	}
	return nil
}

// Close releases the client connection pool.
func (p *Publisher) Close() error {
	return p.client.Close()
}
