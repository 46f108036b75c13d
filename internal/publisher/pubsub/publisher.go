// Package pubsub publishes embed jobs to a Google Cloud Pub/Sub topic.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"

	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/publisher"
)

type publishFunc func(ctx context.Context, msg *pubsub.Message) (string, error)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	publish publishFunc
	clock   crawler.Clock
	stop    func()
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic, clock crawler.Clock) *Publisher {
	return &Publisher{
		publish: func(ctx context.Context, msg *pubsub.Message) (string, error) {
			return topic.Publish(ctx, msg).Get(ctx)
		},
		clock: clock,
		stop:  topic.Stop,
	}
}

// EnqueueEmbedJob publishes the job as JSON and waits for the server ack.
// The URL is set as the ordering-independent "url" attribute, and the
// caller's trace context is injected alongside it.
func (p *Publisher) EnqueueEmbedJob(ctx context.Context, url, contentHash string) error {
	if p.publish == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := publisher.NewEmbedJob(url, contentHash, p.clock.Now()).Encode()
	if err != nil {
		return err
	}

	msg := &pubsub.Message{Data: data, Attributes: map[string]string{"url": url}}
	otel.GetTextMapPropagator().Inject(ctx, &pubsubCarrier{attrs: msg.Attributes})

	if _, err := p.publish(ctx, msg); err != nil {
		return fmt.Errorf("publish embed job: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *Publisher) Close() error {
	if p.stop != nil {
		p.stop()
	}
	return nil
}

// pubsubCarrier implements propagation.TextMapCarrier for Pub/Sub attributes.
type pubsubCarrier struct {
	attrs map[string]string
}

func (c *pubsubCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *pubsubCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *pubsubCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
