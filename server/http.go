// Package server exposes the timeline cache to local clients over HTTP:
// reading the filtered timeline, triggering synchronization, and serving
// cached media payloads.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/wolfeidau/timeline-cache/store"
	"github.com/wolfeidau/timeline-cache/store/feeddb"
	"github.com/wolfeidau/timeline-cache/telemetry"
	"github.com/wolfeidau/timeline-cache/timeline"
	"github.com/wolfeidau/timeline-cache/ttlcache"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// AuthToken enables Bearer authentication when set.
	AuthToken string

	// PageTTL is how long rendered timeline pages are cached.
	// Default: 5 seconds.
	PageTTL time.Duration

	// ContextTTL is how long account cursor snapshots are cached.
	// Default: 2 seconds.
	ContextTTL time.Duration

	// Logger for the server.
	Logger *slog.Logger
}

// Server is the local HTTP surface over the synchronizer and store.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	sync     *timeline.Synchronizer
	store    store.Store
	accounts map[string]timeline.Account
	reaper   *feeddb.Reaper

	sweepCancel context.CancelFunc

	// pages caches rendered timeline responses; contexts caches cursor
	// snapshots. Both are read-heavy and tolerate short staleness.
	pages    *ttlcache.Cache[string, []byte]
	contexts *ttlcache.Cache[string, []byte]
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithReaper attaches a retention reaper started and stopped with the server.
func WithReaper(reaper *feeddb.Reaper) Option {
	return func(s *Server) {
		s.reaper = reaper
	}
}

// New creates a server over the given synchronizer, store, and accounts.
func New(cfg Config, sync *timeline.Synchronizer, st store.Store, accounts []timeline.Account, opts ...Option) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8080"
	}
	if cfg.PageTTL == 0 {
		cfg.PageTTL = 5 * time.Second
	}
	if cfg.ContextTTL == 0 {
		cfg.ContextTTL = 2 * time.Second
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("at least one account is required")
	}

	byID := make(map[string]timeline.Account, len(accounts))
	for _, account := range accounts {
		byID[account.ID] = account
	}

	s := &Server{
		config:   cfg,
		logger:   cfg.Logger,
		sync:     sync,
		store:    st,
		accounts: byID,
		pages:    ttlcache.New[string, []byte](cfg.PageTTL),
		contexts: ttlcache.New[string, []byte](cfg.ContextTTL),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // synchronization can wait on the feed
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /health", s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Timeline reads
	mux.HandleFunc("GET /v1/accounts/{account}/timeline", s.handleTimeline)
	mux.HandleFunc("GET /v1/accounts/{account}/context", s.handleContext)

	// Synchronization triggers
	mux.HandleFunc("POST /v1/accounts/{account}/refresh", s.handleRefresh)
	mux.HandleFunc("POST /v1/accounts/{account}/load-newer", s.handleLoadNewer)
	mux.HandleFunc("POST /v1/accounts/{account}/load-older", s.handleLoadOlder)
	mux.HandleFunc("POST /v1/accounts/{account}/seen", s.handleSeen)
	mux.HandleFunc("POST /v1/accounts/{account}/statuses/{id}/refresh", s.handleStatusRefresh)

	// Cached media payloads
	mux.HandleFunc("GET /v1/media/{ref}", s.handleMedia)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Account != "" {
			attrs = append(attrs, "account", tags.Account)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		// Record OTel metrics
		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server and, when configured, the retention reaper.
func (s *Server) Start() error {
	if s.reaper != nil {
		s.logger.Info("starting retention reaper")
		if err := s.reaper.Start(context.Background()); err != nil {
			return fmt.Errorf("starting reaper: %w", err)
		}
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	s.sweepCancel = cancel
	go s.pages.Run(sweepCtx, s.config.PageTTL)
	go s.contexts.Run(sweepCtx, s.config.ContextTTL)

	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.reaper != nil {
		s.reaper.Stop()
	}
	if s.sweepCancel != nil {
		s.sweepCancel()
	}

	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
