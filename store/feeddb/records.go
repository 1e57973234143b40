package feeddb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	timelinecache "github.com/wolfeidau/timeline-cache"
	"go.etcd.io/bbolt"
)

// UpsertBatch inserts or replaces the given records for one account and
// advances lastLoadedStatusId when a greater id is supplied, all in a single
// transaction. Existing attachments are matched by id so previously recorded
// payload refs and set-once dimensions survive the replace; media blob
// refcounts are adjusted by the diff between old and new payload refs.
func (d *DB) UpsertBatch(_ context.Context, accountID string, records []timelinecache.StatusRecord, lastLoaded timelinecache.StatusID) error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		statuses := tx.Bucket(bucketStatuses)
		blobs := tx.Bucket(bucketBlobsByHash)
		if statuses == nil || blobs == nil {
			return fmt.Errorf("statuses bucket not found")
		}

		for i := range records {
			rec := records[i]
			rec.AccountID = accountID
			key := makeAccountKey(accountID, rec.ID.String())

			var oldRefs []string
			if val := statuses.Get(key); val != nil {
				var existing timelinecache.StatusRecord
				if err := json.Unmarshal(val, &existing); err != nil {
					return fmt.Errorf("unmarshaling existing record %s: %w", rec.ID, err)
				}
				oldRefs = existing.PayloadRefs()
				rec.Attachments = timelinecache.MergeAttachments(existing.Attachments, rec.Attachments)
			}

			added, removed := diffRefs(oldRefs, rec.PayloadRefs())
			for _, ref := range added {
				if err := d.incrementBlobRefInTx(blobs, ref); err != nil {
					return fmt.Errorf("incrementing ref for %s: %w", ref, err)
				}
			}
			for _, ref := range removed {
				if err := d.decrementBlobRefInTx(blobs, ref); err != nil {
					return fmt.Errorf("decrementing ref for %s: %w", ref, err)
				}
			}

			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("marshaling record %s: %w", rec.ID, err)
			}
			if err := statuses.Put(key, data); err != nil {
				return fmt.Errorf("putting record %s: %w", rec.ID, err)
			}
		}

		if !lastLoaded.IsZero() {
			if _, err := d.advanceCursorInTx(tx, accountID, cursorLastLoaded, lastLoaded); err != nil {
				return err
			}
		}

		return nil
	})
}

// Get returns the record with the given id for the account.
func (d *DB) Get(_ context.Context, accountID string, id timelinecache.StatusID) (*timelinecache.StatusRecord, error) {
	var rec timelinecache.StatusRecord
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketStatuses)
		if bucket == nil {
			return timelinecache.ErrNotFound
		}

		val := bucket.Get(makeAccountKey(accountID, id.String()))
		if val == nil {
			return timelinecache.ErrNotFound
		}
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns the account's records newest first. Ordering comes from id
// comparison: keys within the account prefix sort by id, so a reverse scan
// yields descending ids.
func (d *DB) List(_ context.Context, accountID string, limit int) ([]timelinecache.StatusRecord, error) {
	var records []timelinecache.StatusRecord
	prefix := accountPrefix(accountID)

	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketStatuses)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		k, v := seekLast(cursor, prefix)
		for ; k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Prev() {
			if limit > 0 && len(records) >= limit {
				break
			}
			var rec timelinecache.StatusRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshaling record: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// MinID returns the smallest status id held for the account, or a zero id
// when the partition is empty.
func (d *DB) MinID(_ context.Context, accountID string) (timelinecache.StatusID, error) {
	var id timelinecache.StatusID
	prefix := accountPrefix(accountID)

	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketStatuses)
		if bucket == nil {
			return nil
		}

		k, _ := bucket.Cursor().Seek(prefix)
		if k != nil && bytes.HasPrefix(k, prefix) {
			_, raw := parseAccountKey(k)
			id = timelinecache.StatusID(raw)
		}
		return nil
	})
	return id, err
}

// MaxID returns the largest status id held for the account, or a zero id
// when the partition is empty.
func (d *DB) MaxID(_ context.Context, accountID string) (timelinecache.StatusID, error) {
	var id timelinecache.StatusID
	prefix := accountPrefix(accountID)

	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketStatuses)
		if bucket == nil {
			return nil
		}

		k, _ := seekLast(bucket.Cursor(), prefix)
		if k != nil && bytes.HasPrefix(k, prefix) {
			_, raw := parseAccountKey(k)
			id = timelinecache.StatusID(raw)
		}
		return nil
	})
	return id, err
}

// AllIDs returns every status id held for the account, ascending.
func (d *DB) AllIDs(_ context.Context, accountID string) ([]timelinecache.StatusID, error) {
	var ids []timelinecache.StatusID
	prefix := accountPrefix(accountID)

	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketStatuses)
		if bucket == nil {
			return nil
		}

		cursor := bucket.Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			_, raw := parseAccountKey(k)
			ids = append(ids, timelinecache.StatusID(raw))
		}
		return nil
	})
	return ids, err
}

// DeleteWhereAbsent removes every record for the account whose id is not in
// present, decrementing the refcounts of their media payloads. Used during
// top-of-feed reconciliation to drop items that fell out of the server's
// canonical window.
func (d *DB) DeleteWhereAbsent(_ context.Context, accountID string, present []timelinecache.StatusID) (int, error) {
	keep := make(map[timelinecache.StatusID]struct{}, len(present))
	for _, id := range present {
		keep[id] = struct{}{}
	}

	removed := 0
	prefix := accountPrefix(accountID)

	err := d.db.Update(func(tx *bbolt.Tx) error {
		statuses := tx.Bucket(bucketStatuses)
		blobs := tx.Bucket(bucketBlobsByHash)
		if statuses == nil {
			return nil
		}

		cursor := statuses.Cursor()
		for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
			_, raw := parseAccountKey(k)
			if _, ok := keep[timelinecache.StatusID(raw)]; ok {
				continue
			}

			if blobs != nil {
				d.decrementRecordRefs(blobs, v)
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting record %s: %w", raw, err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// DeleteAccount removes the account's records, markers, and cursors in one
// transaction. Media payloads lose their references and are reclaimed by the
// next reaper pass.
func (d *DB) DeleteAccount(_ context.Context, accountID string) error {
	prefix := accountPrefix(accountID)

	return d.db.Update(func(tx *bbolt.Tx) error {
		statuses := tx.Bucket(bucketStatuses)
		blobs := tx.Bucket(bucketBlobsByHash)
		if statuses != nil {
			cursor := statuses.Cursor()
			for k, v := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = cursor.Next() {
				if blobs != nil {
					d.decrementRecordRefs(blobs, v)
				}
				if err := cursor.Delete(); err != nil {
					return fmt.Errorf("deleting record: %w", err)
				}
			}
		}

		if markers := tx.Bucket(bucketMarkers); markers != nil {
			cursor := markers.Cursor()
			for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
				if err := cursor.Delete(); err != nil {
					return fmt.Errorf("deleting marker: %w", err)
				}
			}
		}

		if accounts := tx.Bucket(bucketAccounts); accounts != nil {
			if err := accounts.Delete([]byte(accountID)); err != nil {
				return fmt.Errorf("deleting account context: %w", err)
			}
		}

		return nil
	})
}

// decrementRecordRefs decrements the blob refcounts held by a raw record
// value. Decode failures are logged, not fatal: the record is being removed
// either way.
func (d *DB) decrementRecordRefs(blobs *bbolt.Bucket, val []byte) {
	var rec timelinecache.StatusRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		d.logger.Warn("skipping ref cleanup for undecodable record", "error", err)
		return
	}
	for _, ref := range rec.PayloadRefs() {
		if err := d.decrementBlobRefInTx(blobs, ref); err != nil {
			d.logger.Warn("failed to decrement blob ref", "ref", ref, "error", err)
		}
	}
}

// seekLast positions the cursor on the last key within prefix.
func seekLast(cursor *bbolt.Cursor, prefix []byte) ([]byte, []byte) {
	// Seek to the first key after the prefix range, then step back.
	next := make([]byte, len(prefix))
	copy(next, prefix)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] < 0xff {
			next[i]++
			next = next[:i+1]
			break
		}
	}

	k, _ := cursor.Seek(next)
	if k == nil {
		return cursor.Last()
	}
	return cursor.Prev()
}

// diffRefs computes added and removed refs between old and new sets.
func diffRefs(oldRefs, newRefs []string) (added, removed []string) {
	oldSet := make(map[string]struct{}, len(oldRefs))
	newSet := make(map[string]struct{}, len(newRefs))

	for _, r := range oldRefs {
		oldSet[r] = struct{}{}
	}
	for _, r := range newRefs {
		newSet[r] = struct{}{}
	}

	for _, r := range newRefs {
		if _, ok := oldSet[r]; !ok {
			added = append(added, r)
		}
	}
	for _, r := range oldRefs {
		if _, ok := newSet[r]; !ok {
			removed = append(removed, r)
		}
	}

	return added, removed
}
