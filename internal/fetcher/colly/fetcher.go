// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/recrawl/internal/crawler"
)

const (
	defaultTimeout        = 15 * time.Second
	defaultConnectTimeout = 10 * time.Second
)

// Config controls collector behavior.
type Config struct {
	UserAgent      string
	RespectRobots  bool
	Timeout        time.Duration
	ConnectTimeout time.Duration
}

// Fetcher implements crawler.Fetcher using the Colly collector. Every call
// runs on a clone of the base collector so concurrent fetches share the
// connection pool but not callbacks.
type Fetcher struct {
	cfg           Config
	transport     http.RoundTripper
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}

	c := colly.NewCollector(colly.Async(false))
	// 304 and error statuses must reach OnResponse so the protocol can classify them.
	c.ParseHTTPErrorResponse = true
	// HEAD and GET hit the same URL within one tick.
	c.AllowURLRevisit = true
	// The content hash covers the whole body; colly truncates at 10 MiB by default.
	c.MaxBodySize = 0

	var transport http.RoundTripper = newHTTPTransport(cfg.ConnectTimeout)
	if cfg.RespectRobots {
		transport = &robotsAwareTransport{base: transport}
	}
	c.WithTransport(transport)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP request using Colly. Any received status is
// returned as a response; only transport failures produce an error.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	var (
		result   crawler.FetchResponse
		fetchErr error
	)
	method := request.Method
	if method == "" {
		method = http.MethodGet
	}
	start := time.Now()
	collector := f.buildCollector(start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, method, request, &fetchErr); err != nil {
		return crawler.FetchResponse{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.ParseHTTPErrorResponse = true
	collector.AllowURLRevisit = true
	collector.MaxBodySize = 0
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)

	f.configureCollectorHooks(collector, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	start time.Time,
	result *crawler.FetchResponse,
	fetchErr *error,
) {
	hooks.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	method string,
	request crawler.FetchRequest,
	fetchErr *error,
) error {
	hdr := request.Headers.Clone()
	if hdr == nil {
		hdr = http.Header{}
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, request.URL, nil, nil, hdr)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly %s canceled: %w", method, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly %s failed: %w", method, err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly %s response failed: %w", method, *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport(connectTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
