// Package logging implements the default Job Publisher, which only logs.
package logging

import (
	"context"

	"go.uber.org/zap"
)

// Publisher records every enqueue request in the log and delivers nothing.
type Publisher struct {
	logger *zap.Logger
}

// New returns a logging Publisher.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

// EnqueueEmbedJob implements crawler.JobPublisher.
func (p *Publisher) EnqueueEmbedJob(_ context.Context, url, contentHash string) error {
	p.logger.Info("embed job enqueued",
		zap.String("url", url),
		zap.String("content_hash", contentHash))
	return nil
}
