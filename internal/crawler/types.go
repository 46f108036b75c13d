package crawler

import (
	"net/http"
	"time"
)

// Priority classifies a registry entry and selects its re-crawl interval.
type Priority string

// Priority tiers persisted in the registry.
const (
	PriorityPrimary   Priority = "PRIMARY"
	PrioritySecondary Priority = "SECONDARY"
)

// Status is the outcome recorded by the most recent crawl of a URL.
type Status string

// Crawl status values persisted in the state store.
const (
	StatusUnknown     Status = "UNKNOWN"
	StatusSuccess     Status = "SUCCESS"
	StatusNotModified Status = "NOT_MODIFIED"
	StatusError       Status = "ERROR"
)

// RegistryEntry is the scheduling record for one URL.
type RegistryEntry struct {
	URL       string    `json:"url"`
	Priority  Priority  `json:"priority"`
	NextDueAt time.Time `json:"next_due_at"`
}

// State holds the last-fetch metadata for one URL. Nil pointers mean the
// value was never observed.
type State struct {
	URL           string     `json:"url"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
	ETag          string     `json:"etag,omitempty"`
	LastModified  *time.Time `json:"last_modified,omitempty"`
	Status        Status     `json:"status"`
	ContentHash   string     `json:"content_hash,omitempty"`
}

// NewState returns the lazily created state for a URL that was never crawled.
func NewState(url string) State {
	return State{URL: url, Status: StatusUnknown}
}

// Validators are the cache validators sent on a conditional fetch.
type Validators struct {
	ETag         string
	LastModified *time.Time
}

// Validators extracts the cache validators recorded on the state.
func (s State) Validators() Validators {
	return Validators{ETag: s.ETag, LastModified: s.LastModified}
}

// Outcome is the classified result of one conditional fetch.
type Outcome struct {
	Status       Status
	ETag         string
	LastModified *time.Time
	ContentHash  string
	Message      string
	// Body is retained on SUCCESS so callers can archive the payload.
	Body []byte
}

// FetchRequest captures everything needed to issue one HTTP request.
type FetchRequest struct {
	Method  string
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
