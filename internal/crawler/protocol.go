package crawler

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Protocol performs conditional retrieval of a URL using its cache
// validators and classifies the result. It never returns an error: every
// failure is folded into an ERROR outcome.
type Protocol struct {
	fetcher Fetcher
	hasher  Hasher
}

// NewProtocol wires a Protocol to its transport and digest.
func NewProtocol(fetcher Fetcher, hasher Hasher) *Protocol {
	return &Protocol{fetcher: fetcher, hasher: hasher}
}

// ConditionalHeaders builds If-None-Match / If-Modified-Since from validators.
func ConditionalHeaders(v Validators) http.Header {
	h := http.Header{}
	if strings.TrimSpace(v.ETag) != "" {
		h.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != nil {
		h.Set("If-Modified-Since", v.LastModified.UTC().Format(http.TimeFormat))
	}
	return h
}

// Fetch runs HEAD (only when validators exist) then GET and classifies the
// response.
func (p *Protocol) Fetch(ctx context.Context, url string, v Validators) Outcome {
	headers := ConditionalHeaders(v)

	if len(headers) > 0 {
		head, err := p.fetcher.Fetch(ctx, FetchRequest{Method: http.MethodHead, URL: url, Headers: headers.Clone()})
		if err != nil {
			return errorOutcome(err.Error())
		}
		if head.StatusCode == http.StatusNotModified {
			return Outcome{Status: StatusNotModified}
		}
	}

	resp, err := p.fetcher.Fetch(ctx, FetchRequest{Method: http.MethodGet, URL: url, Headers: headers})
	if err != nil {
		return errorOutcome(err.Error())
	}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return Outcome{Status: StatusNotModified}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return errorOutcome(fmt.Sprintf("unexpected status: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
	case len(resp.Body) == 0:
		return errorOutcome("empty response body")
	}

	hash, err := p.hasher.Hash(resp.Body)
	if err != nil {
		return errorOutcome(fmt.Sprintf("hash body: %v", err))
	}
	out := Outcome{
		Status:      StatusSuccess,
		ETag:        resp.Headers.Get("ETag"),
		ContentHash: hash,
		Body:        resp.Body,
	}
	if lm := resp.Headers.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			t = t.UTC()
			out.LastModified = &t
		}
	}
	return out
}

func errorOutcome(msg string) Outcome {
	return Outcome{Status: StatusError, Message: msg}
}

// Apply folds an outcome into the state. Validators and hash change only on
// SUCCESS, and each validator only when the response supplied it.
func Apply(state State, out Outcome, now time.Time) State {
	ts := now
	state.LastCrawledAt = &ts
	state.Status = out.Status
	if out.Status != StatusSuccess {
		return state
	}
	state.ContentHash = out.ContentHash
	if out.ETag != "" {
		state.ETag = out.ETag
	}
	if out.LastModified != nil {
		lm := *out.LastModified
		state.LastModified = &lm
	}
	return state
}
