// Package store defines the persistence contracts consumed by the
// synchronizer and the viewed ledger. Implementations must support atomic
// multi-record writes scoped to one account.
package store

import (
	"context"
	"time"

	timelinecache "github.com/wolfeidau/timeline-cache"
)

// RecordStore holds the persisted status records for each account partition.
type RecordStore interface {
	// UpsertBatch inserts or replaces the given records and, when
	// lastLoaded is set, advances the account's lastLoadedStatusId under the
	// monotonic rule. All mutations are applied as a single atomic unit: a
	// mid-failure never leaves the account's records half-updated relative
	// to its cursors.
	UpsertBatch(ctx context.Context, accountID string, records []timelinecache.StatusRecord, lastLoaded timelinecache.StatusID) error

	// Get returns the record with the given id.
	// Returns timelinecache.ErrNotFound if absent.
	Get(ctx context.Context, accountID string, id timelinecache.StatusID) (*timelinecache.StatusRecord, error)

	// List returns the account's records ordered newest first (descending
	// id). A limit of zero means no limit.
	List(ctx context.Context, accountID string, limit int) ([]timelinecache.StatusRecord, error)

	// MinID and MaxID return the smallest and largest id held for the
	// account, or a zero id when the partition is empty.
	MinID(ctx context.Context, accountID string) (timelinecache.StatusID, error)
	MaxID(ctx context.Context, accountID string) (timelinecache.StatusID, error)

	// AllIDs returns every id held for the account, for diffing.
	AllIDs(ctx context.Context, accountID string) ([]timelinecache.StatusID, error)

	// DeleteWhereAbsent removes every record for the account whose id is not
	// in present, returning the number removed.
	DeleteWhereAbsent(ctx context.Context, accountID string, present []timelinecache.StatusID) (int, error)

	// DeleteAccount removes the account partition and everything it owns.
	DeleteAccount(ctx context.Context, accountID string) error
}

// MarkerStore persists viewed markers for the deduplication ledger.
type MarkerStore interface {
	// GetMarker returns the marker for the given underlying id.
	// Returns timelinecache.ErrNotFound if absent.
	GetMarker(ctx context.Context, accountID string, underlyingID timelinecache.StatusID) (*timelinecache.ViewedMarker, error)

	// PutMarkers upserts the given markers in one atomic batch.
	PutMarkers(ctx context.Context, accountID string, markers []timelinecache.ViewedMarker) error

	// DeleteMarkersOlderThan removes markers last touched before cutoff.
	// An empty accountID sweeps every account.
	DeleteMarkersOlderThan(ctx context.Context, accountID string, cutoff time.Time) (int, error)
}

// CursorStore persists the per-account synchronization cursors.
type CursorStore interface {
	// AccountContext returns the cursors for the account, zero-valued when
	// the account has never synchronized.
	AccountContext(ctx context.Context, accountID string) (*timelinecache.AccountContext, error)

	// AdvanceLastSeen applies id to lastSeenStatusId under the monotonic
	// rule and returns the resulting cursor.
	AdvanceLastSeen(ctx context.Context, accountID string, id timelinecache.StatusID) (timelinecache.StatusID, error)

	// AdvanceLastSeenNotification applies id to lastSeenNotificationId under
	// the monotonic rule and returns the resulting cursor.
	AdvanceLastSeenNotification(ctx context.Context, accountID string, id timelinecache.StatusID) (timelinecache.StatusID, error)
}

// MediaStore holds downloaded attachment payloads, content-addressed and
// reference-counted by the status records pointing at them.
type MediaStore interface {
	// PutMediaBlob stores data and returns its content-addressed ref.
	// Storing the same bytes twice is a no-op returning the same ref.
	PutMediaBlob(ctx context.Context, data []byte) (timelinecache.BlobRef, error)

	// GetMediaBlob returns the payload behind ref.
	// Returns timelinecache.ErrNotFound if absent.
	GetMediaBlob(ctx context.Context, ref timelinecache.BlobRef) ([]byte, error)

	// DeleteUnreferencedBlobs removes up to limit payloads no record points
	// at, returning the number removed. A limit of zero means no limit.
	DeleteUnreferencedBlobs(ctx context.Context, limit int) (int, error)
}

// Store is the full persistence surface the synchronizer depends on.
type Store interface {
	RecordStore
	MarkerStore
	CursorStore
	MediaStore
}
