package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	timelinecache "github.com/wolfeidau/timeline-cache"
)

const (
	// DefaultTimeout is the per-download timeout.
	DefaultTimeout = 60 * time.Second

	// MaxPayloadSize caps a single attachment download (40 MiB).
	MaxPayloadSize = 40 * 1024 * 1024
)

// HTTPFetcher implements BinaryFetcher over plain HTTP GET.
type HTTPFetcher struct {
	client *http.Client
}

// HTTPOption configures an HTTPFetcher.
type HTTPOption func(*HTTPFetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// NewHTTPFetcher creates a BinaryFetcher backed by an HTTP client.
func NewHTTPFetcher(opts ...HTTPOption) *HTTPFetcher {
	f := &HTTPFetcher{
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch downloads the bytes at url. Non-success responses are returned as
// *timelinecache.StatusError; a 404 maps to timelinecache.ErrNotFound.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, timelinecache.ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &timelinecache.StatusError{Code: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxPayloadSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(data) > MaxPayloadSize {
		return nil, fmt.Errorf("payload exceeds %d bytes", MaxPayloadSize)
	}

	return data, nil
}

// Compile-time interface check
var _ BinaryFetcher = (*HTTPFetcher)(nil)
