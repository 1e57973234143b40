package feeddb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	timelinecache "github.com/wolfeidau/timeline-cache"
	"go.etcd.io/bbolt"
)

// GetMarker returns the viewed marker recorded for the underlying id.
func (d *DB) GetMarker(_ context.Context, accountID string, underlyingID timelinecache.StatusID) (*timelinecache.ViewedMarker, error) {
	var marker timelinecache.ViewedMarker
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMarkers)
		if bucket == nil {
			return timelinecache.ErrNotFound
		}

		val := bucket.Get(makeAccountKey(accountID, underlyingID.String()))
		if val == nil {
			return timelinecache.ErrNotFound
		}
		return json.Unmarshal(val, &marker)
	})
	if err != nil {
		return nil, err
	}
	return &marker, nil
}

// PutMarkers upserts the given markers in one transaction. A marker that
// already exists keeps the ReblogID it was first recorded with; only its
// date moves forward. This pins each piece of underlying content to the
// wrapper that first surfaced it.
func (d *DB) PutMarkers(_ context.Context, accountID string, markers []timelinecache.ViewedMarker) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMarkers)
		if bucket == nil {
			return fmt.Errorf("markers bucket not found")
		}

		for i := range markers {
			marker := markers[i]
			key := makeAccountKey(accountID, marker.ID.String())

			if val := bucket.Get(key); val != nil {
				var existing timelinecache.ViewedMarker
				if err := json.Unmarshal(val, &existing); err != nil {
					return fmt.Errorf("unmarshaling existing marker %s: %w", marker.ID, err)
				}
				marker.ReblogID = existing.ReblogID
				if marker.Date.Before(existing.Date) {
					marker.Date = existing.Date
				}
			}

			data, err := json.Marshal(&marker)
			if err != nil {
				return fmt.Errorf("marshaling marker %s: %w", marker.ID, err)
			}
			if err := bucket.Put(key, data); err != nil {
				return fmt.Errorf("putting marker %s: %w", marker.ID, err)
			}
		}
		return nil
	})
}

// DeleteMarkersOlderThan removes markers last touched before cutoff. An
// empty accountID sweeps every account's markers.
func (d *DB) DeleteMarkersOlderThan(_ context.Context, accountID string, cutoff time.Time) (int, error) {
	removed := 0
	var prefix []byte
	if accountID != "" {
		prefix = accountPrefix(accountID)
	}

	err := d.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketMarkers)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, v := cursor.Seek(prefix); k != nil; k, v = cursor.Next() {
			if prefix != nil && !bytes.HasPrefix(k, prefix) {
				break
			}

			var marker timelinecache.ViewedMarker
			if err := json.Unmarshal(v, &marker); err != nil {
				d.logger.Warn("removing undecodable marker", "error", err)
			} else if !marker.Date.Before(cutoff) {
				continue
			}

			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting marker: %w", err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}
