package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/recrawl/internal/config"
	"github.com/JakeFAU/recrawl/internal/crawler"
	"github.com/JakeFAU/recrawl/internal/embedding"
	"github.com/JakeFAU/recrawl/internal/metrics"
	"github.com/JakeFAU/recrawl/internal/scheduler"
)

// Ticker runs one crawl tick. *scheduler.Scheduler satisfies it.
type Ticker interface {
	Tick(ctx context.Context) (scheduler.Result, error)
}

// EmbeddingRunner starts pipeline runs. *embedding.Pipeline satisfies it.
type EmbeddingRunner interface {
	Enabled() bool
	Running() bool
	Run(ctx context.Context) (embedding.Summary, error)
}

// ReadinessCheck reports whether a downstream dependency is reachable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the scheduler, pipeline and crawl store.
type Server struct {
	router   chi.Router
	store    crawler.Store
	ticker   Ticker
	pipeline EmbeddingRunner
	clock    crawler.Clock
	cfg      config.Config
	logger   *zap.Logger
	ready    []ReadinessCheck

	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes. pipeline may be
// nil when embeddings are not configured.
func NewServer(
	store crawler.Store,
	ticker Ticker,
	pipeline EmbeddingRunner,
	clock crawler.Clock,
	cfg config.Config,
	logger *zap.Logger,
	ready ...ReadinessCheck,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:     store,
		ticker:    ticker,
		pipeline:  pipeline,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
		ready:     ready,
		runCtx:    runCtx,
		cancelRun: cancel,
	}
	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawl/tick", s.runTick)
		r.Post("/crawl/urls", s.registerURL)
		r.Get("/crawl/urls", s.lookupURL)
		r.Post("/embeddings/run", s.startEmbeddingRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close cancels background pipeline runs started over HTTP and waits for
// them to return.
func (s *Server) Close() {
	s.cancelRun()
	s.runs.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, check := range s.ready {
		if err := check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) runTick(w http.ResponseWriter, r *http.Request) {
	if s.ticker == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	res, err := s.ticker.Tick(r.Context())
	if err != nil {
		s.logger.Error("manual tick failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type registerRequest struct {
	URL       string     `json:"url"`
	Priority  string     `json:"priority"`
	NextDueAt *time.Time `json:"next_due_at"`
}

func (s *Server) registerURL(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	entry, err := s.toRegistryEntry(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.Register(r.Context(), entry); err != nil {
		s.logger.Error("register url failed", zap.String("url", entry.URL), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to register url")
		return
	}
	s.logger.Info("url registered",
		zap.String("url", entry.URL),
		zap.String("priority", string(entry.Priority)),
		zap.Time("next_due_at", entry.NextDueAt))
	writeJSON(w, http.StatusCreated, entry)
}

func (s *Server) toRegistryEntry(req registerRequest) (crawler.RegistryEntry, error) {
	url, err := crawler.NormalizeURL(req.URL)
	if err != nil {
		return crawler.RegistryEntry{}, err
	}
	priority := crawler.PrioritySecondary
	if req.Priority != "" {
		if priority, err = crawler.ParsePriority(req.Priority); err != nil {
			return crawler.RegistryEntry{}, err
		}
	}
	// Due one second in the past so the next tick picks it up.
	due := s.clock.Now().Add(-time.Second)
	if req.NextDueAt != nil {
		due = req.NextDueAt.UTC()
	}
	return crawler.RegistryEntry{URL: url, Priority: priority, NextDueAt: due}, nil
}

type lookupResponse struct {
	Entry crawler.RegistryEntry `json:"entry"`
	State crawler.State         `json:"state"`
}

func (s *Server) lookupURL(w http.ResponseWriter, r *http.Request) {
	url, err := crawler.NormalizeURL(r.URL.Query().Get("url"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, state, ok, err := s.store.Lookup(r.Context(), url)
	if err != nil {
		s.logger.Error("lookup url failed", zap.String("url", url), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load url")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "url not registered")
		return
	}
	writeJSON(w, http.StatusOK, lookupResponse{Entry: entry, State: state})
}

func (s *Server) startEmbeddingRun(w http.ResponseWriter, _ *http.Request) {
	if s.pipeline == nil || !s.pipeline.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "embedding pipeline disabled")
		return
	}
	if s.pipeline.Running() {
		writeError(w, http.StatusConflict, embedding.ErrPipelineRunning.Error())
		return
	}
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		summary, err := s.pipeline.Run(s.runCtx)
		switch {
		case errors.Is(err, embedding.ErrPipelineRunning):
			s.logger.Info("embedding run skipped, another run is in progress")
		case err != nil:
			s.logger.Error("embedding run failed", zap.Error(err))
		default:
			s.logger.Info("embedding run finished",
				zap.String("run_id", summary.RunID),
				zap.Int("records", summary.Records))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
