// Package kafka publishes embed jobs to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/kafka-go"

	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/publisher"
)

// messageWriter is the subset of kafka.Writer used by the publisher.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config names the brokers and topic.
type Config struct {
	Brokers []string
	Topic   string
}

// Publisher writes one message per job, keyed by URL so updates to the same
// page land on the same partition.
type Publisher struct {
	writer messageWriter
	clock  crawler.Clock
}

// New builds a Publisher backed by a kafka.Writer.
func New(cfg Config, clock crawler.Clock) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	}
	return NewWithWriter(writer, clock), nil
}

// NewWithWriter builds a Publisher around an existing writer.
func NewWithWriter(writer messageWriter, clock crawler.Clock) *Publisher {
	return &Publisher{writer: writer, clock: clock}
}

// EnqueueEmbedJob implements crawler.JobPublisher.
func (p *Publisher) EnqueueEmbedJob(ctx context.Context, url, contentHash string) error {
	now := p.clock.Now()
	data, err := publisher.NewEmbedJob(url, contentHash, now).Encode()
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(url),
		Value: data,
		Time:  now,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}
