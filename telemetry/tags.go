// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// accountKey is the context key for propagating the account to background goroutines.
	accountKey contextKey = "account"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Account     string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	if tags, ok := r.Context().Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetAccount sets the account tag for logging.
func SetAccount(r *http.Request, account string) {
	if tags := GetTags(r); tags != nil {
		tags.Account = account
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// AccountFromContext retrieves the account from a context.
// It checks both background contexts (set by WithAccountContext) and request
// contexts (set by SetAccount via InjectTags).
func AccountFromContext(ctx context.Context) string {
	if a, ok := ctx.Value(accountKey).(string); ok && a != "" {
		return a
	}
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok && tags != nil {
		return tags.Account
	}
	return ""
}

// WithAccountContext returns a context with the account stored.
// Use this to propagate the account into goroutines that outlive the request context.
func WithAccountContext(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, accountKey, account)
}
