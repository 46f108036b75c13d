// Package publisher defines the embed-job message shared by every Job
// Publisher backend. Backends live in subpackages.
package publisher

import (
	"encoding/json"
	"fmt"
	"time"
)

// EmbedJob is the message announcing that a URL's content changed.
type EmbedJob struct {
	URL         string    `json:"url"`
	ContentHash string    `json:"content_hash"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
}

// NewEmbedJob stamps a job with the enqueue time in UTC.
func NewEmbedJob(url, contentHash string, now time.Time) EmbedJob {
	return EmbedJob{URL: url, ContentHash: contentHash, EnqueuedAt: now.UTC()}
}

// Encode renders the job as JSON.
func (j EmbedJob) Encode() ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("marshal embed job: %w", err)
	}
	return data, nil
}
