// Package ledger tracks which underlying statuses have been surfaced to an
// account, so the same content boosted by several people is only shown once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	timelinecache "github.com/wolfeidau/timeline-cache"
	"github.com/wolfeidau/timeline-cache/store"
)

// DefaultRetention is how long viewed markers are kept by Prune.
const DefaultRetention = 30 * 24 * time.Hour

// Ledger records sightings of underlying content. Markers are keyed by the
// underlying (de-reblogged) status id; for a reblog the marker also carries
// the wrapper that first surfaced it.
type Ledger struct {
	markers   store.MarkerStore
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithRetention sets how long markers are kept by Prune.
func WithRetention(retention time.Duration) Option {
	return func(l *Ledger) {
		l.retention = retention
	}
}

// New creates a Ledger over the given marker store.
func New(markers store.MarkerStore, opts ...Option) *Ledger {
	l := &Ledger{
		markers:   markers,
		logger:    slog.Default(),
		now:       time.Now,
		retention: DefaultRetention,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// HasBeenShownRecently reports whether the underlying content of a reblog
// candidate has already been surfaced to the account through something other
// than this exact wrapper. Non-reblog statuses are never suppressed: the
// question only arises when the same content can reappear behind a different
// wrapper.
//
// The content counts as shown when a marker exists for the underlying id and
// either the marker records it was shown as an original, or the wrapper that
// first surfaced it differs from the candidate's wrapper. When the marker's
// recorded wrapper is the candidate itself this is a re-fetch of the same
// feed entry, not a duplicate.
func (l *Ledger) HasBeenShownRecently(ctx context.Context, accountID string, s *timelinecache.RemoteStatus) (bool, error) {
	if !s.IsReblog() {
		return false, nil
	}

	marker, err := l.markers.GetMarker(ctx, accountID, s.UnderlyingID())
	if err != nil {
		if errors.Is(err, timelinecache.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("loading marker: %w", err)
	}

	if marker.ReblogID.IsZero() {
		// Seen as an original before.
		return true, nil
	}
	return marker.ReblogID != s.ID, nil
}

// Append records a sighting for every status in the batch, reblogs and
// originals alike. Appending is unconditional: it runs for every persisted
// batch regardless of what the dedup check said, keeping marker dates fresh
// for content that continues to circulate.
func (l *Ledger) Append(ctx context.Context, accountID string, statuses []timelinecache.RemoteStatus) error {
	if len(statuses) == 0 {
		return nil
	}

	now := l.now()
	markers := make([]timelinecache.ViewedMarker, 0, len(statuses))
	for i := range statuses {
		s := &statuses[i]
		marker := timelinecache.ViewedMarker{
			ID:   s.UnderlyingID(),
			Date: now,
		}
		if s.IsReblog() {
			marker.ReblogID = s.ID
		}
		markers = append(markers, marker)
	}

	if err := l.markers.PutMarkers(ctx, accountID, markers); err != nil {
		return fmt.Errorf("appending markers: %w", err)
	}

	l.logger.Debug("appended viewed markers", "account", accountID, "count", len(markers))
	return nil
}

// Prune removes the account's markers older than the retention window.
func (l *Ledger) Prune(ctx context.Context, accountID string) (int, error) {
	if l.retention <= 0 {
		return 0, nil
	}

	cutoff := l.now().Add(-l.retention)
	removed, err := l.markers.DeleteMarkersOlderThan(ctx, accountID, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning markers: %w", err)
	}

	if removed > 0 {
		l.logger.Debug("pruned viewed markers", "account", accountID, "removed", removed)
	}
	return removed, nil
}
