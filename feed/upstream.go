package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	timelinecache "github.com/wolfeidau/timeline-cache"
)

const (
	// DefaultTimeout is the default timeout for upstream requests.
	DefaultTimeout = 30 * time.Second

	// timelinePath is the home timeline endpoint on the instance.
	timelinePath = "/api/v1/timelines/home"

	// statusPath is the single-status endpoint, keyed by id.
	statusPath = "/api/v1/statuses/"
)

// Upstream fetches timeline windows from a feed instance over HTTP.
type Upstream struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithAccessToken sets the bearer token used for authenticated fetches.
func WithAccessToken(token string) UpstreamOption {
	return func(u *Upstream) {
		u.token = token
	}
}

// WithLogger sets the logger for the upstream client.
func WithLogger(logger *slog.Logger) UpstreamOption {
	return func(u *Upstream) {
		u.logger = logger
	}
}

// NewUpstream creates a feed client for the given instance base URL.
func NewUpstream(instanceURL string, opts ...UpstreamOption) *Upstream {
	u := &Upstream{
		baseURL: strings.TrimSuffix(instanceURL, "/"),
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// FetchPage fetches one window of the home timeline. Statuses are returned
// in server order (newest first). Individual statuses that fail to decode
// are logged and skipped; they never fail the page.
func (u *Upstream) FetchPage(ctx context.Context, page Page) ([]timelinecache.RemoteStatus, error) {
	q := url.Values{}
	if !page.MaxID.IsZero() {
		q.Set("max_id", page.MaxID.String())
	}
	if !page.MinID.IsZero() {
		q.Set("min_id", page.MinID.String())
	}
	if !page.SinceID.IsZero() {
		q.Set("since_id", page.SinceID.String())
	}
	limit := page.Limit
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	q.Set("limit", strconv.Itoa(limit))

	body, err := u.get(ctx, u.baseURL+timelinePath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	// Decode item-wise so one malformed status degrades to a missing item
	// rather than failing the whole window.
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding page: %w", err)
	}

	statuses := make([]timelinecache.RemoteStatus, 0, len(raw))
	for _, item := range raw {
		var s timelinecache.RemoteStatus
		if err := json.Unmarshal(item, &s); err != nil {
			u.logger.Warn("skipping malformed status", "error", err)
			continue
		}
		statuses = append(statuses, s)
	}

	return statuses, nil
}

// FetchStatus fetches a single status by id, used to refresh live counters
// when a post is viewed in detail.
func (u *Upstream) FetchStatus(ctx context.Context, id timelinecache.StatusID) (*timelinecache.RemoteStatus, error) {
	body, err := u.get(ctx, u.baseURL+statusPath+url.PathEscape(id.String()))
	if err != nil {
		return nil, err
	}

	var s timelinecache.RemoteStatus
	if err := json.Unmarshal(body, &s); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &s, nil
}

func (u *Upstream) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if u.token != "" {
		req.Header.Set("Authorization", "Bearer "+u.token)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, timelinecache.ErrNotFound
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &timelinecache.StatusError{Code: resp.StatusCode, Body: string(body)}
	}

	return io.ReadAll(resp.Body)
}

// Compile-time interface check
var _ Client = (*Upstream)(nil)
