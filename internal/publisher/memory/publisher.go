// Package memory records embed jobs in memory for tests and local runs.
package memory

import (
	"context"
	"sync"
)

// Job is one recorded enqueue call.
type Job struct {
	URL         string
	ContentHash string
}

// Publisher stores enqueued jobs for inspection. Err, when set, is
// returned by every call after recording it.
type Publisher struct {
	mu   sync.RWMutex
	jobs []Job
	err  error
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes subsequent calls return err.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// EnqueueEmbedJob implements crawler.JobPublisher.
func (p *Publisher) EnqueueEmbedJob(_ context.Context, url, contentHash string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.jobs = append(p.jobs, Job{URL: url, ContentHash: contentHash})
	return p.err
}

// Jobs returns a copy of the recorded jobs.
func (p *Publisher) Jobs() []Job {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Job, len(p.jobs))
	copy(out, p.jobs)
	return out
}
