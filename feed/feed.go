// Package feed provides the remote feed client: cursor-paginated window
// fetches against an externally-owned, append-only home timeline.
package feed

import (
	"context"

	timelinecache "github.com/wolfeidau/timeline-cache"
)

// DefaultPageLimit is the number of statuses requested per window fetch.
const DefaultPageLimit = 40

// Page describes one cursor-paginated window request. At most one of MaxID,
// MinID, and SinceID is normally set; all unset means "first page".
type Page struct {
	// MaxID requests statuses strictly older than this id.
	MaxID timelinecache.StatusID

	// MinID requests statuses strictly newer than this id, returned from the
	// oldest end of the gap.
	MinID timelinecache.StatusID

	// SinceID requests statuses strictly newer than this id, returned from
	// the newest end of the feed.
	SinceID timelinecache.StatusID

	// Limit caps the number of returned statuses. Zero means DefaultPageLimit.
	Limit int
}

// Client fetches windows of the remote feed. Implementations return statuses
// in the server's order (newest first) and surface non-success HTTP outcomes
// as *timelinecache.StatusError.
type Client interface {
	FetchPage(ctx context.Context, page Page) ([]timelinecache.RemoteStatus, error)
}
