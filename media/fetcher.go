// Package media downloads attachment binaries with bounded concurrency.
// A single attachment's failure is logged and excluded from the result; it
// never aborts sibling fetches or the surrounding synchronization.
package media

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds the number of parallel downloads per fan-out.
// The exact bound is a tunable, not a correctness requirement.
const DefaultConcurrency = 4

// BinaryFetcher retrieves the bytes behind a URL. Implementations surface
// non-success HTTP outcomes as *timelinecache.StatusError.
type BinaryFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Request identifies one attachment to download.
type Request struct {
	ID  string
	URL string
}

// Fetcher fans out attachment downloads over a BinaryFetcher and fans the
// results back in, tolerating per-item failure.
type Fetcher struct {
	fetcher     BinaryFetcher
	concurrency int
	logger      *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithConcurrency bounds the number of parallel downloads.
func WithConcurrency(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.concurrency = n
		}
	}
}

// WithLogger sets the logger for the fetcher.
func WithLogger(logger *slog.Logger) Option {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// New creates a Fetcher over the given BinaryFetcher.
func New(fetcher BinaryFetcher, opts ...Option) *Fetcher {
	f := &Fetcher{
		fetcher:     fetcher,
		concurrency: DefaultConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll downloads the requested attachments and returns a map of
// attachment id to payload containing only the items that succeeded.
// Duplicate URLs are fetched once and shared across their requests. The only
// error returned is the context's, when the fan-out is abandoned mid-flight;
// item failures degrade the result map instead.
func (f *Fetcher) FetchAll(ctx context.Context, reqs []Request) (map[string][]byte, error) {
	if len(reqs) == 0 {
		return map[string][]byte{}, nil
	}

	// One fetch task per unique URL.
	byURL := make(map[string][]string, len(reqs))
	for _, req := range reqs {
		if req.URL == "" {
			continue
		}
		byURL[req.URL] = append(byURL[req.URL], req.ID)
	}

	var (
		mu      sync.Mutex
		results = make(map[string][]byte, len(reqs))
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for url, ids := range byURL {
		g.Go(func() error {
			data, err := f.fetcher.Fetch(ctx, url)
			if err != nil {
				if ctx.Err() != nil {
					// Abandoned fan-out: surface cancellation to the group.
					return ctx.Err()
				}
				f.logger.Warn("attachment fetch failed",
					"url", url,
					"error", err,
				)
				return nil
			}

			mu.Lock()
			for _, id := range ids {
				results[id] = data
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
