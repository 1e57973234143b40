package feeddb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	timelinecache "github.com/wolfeidau/timeline-cache"
	"github.com/wolfeidau/timeline-cache/telemetry"
	"go.etcd.io/bbolt"
)

// BlobReapGrace shields just-stored blobs from the unreferenced sweep.
// PutMediaBlob commits before the batch upsert that claims the ref, so a
// zero-refcount entry younger than this may still be mid-claim.
const BlobReapGrace = time.Hour

// PutMediaBlob stores a media payload content-addressed by its hash.
// Storing the same bytes again is a no-op returning the same ref. New blobs
// start with a zero refcount; records claiming the ref raise it on upsert.
func (d *DB) PutMediaBlob(ctx context.Context, data []byte) (timelinecache.BlobRef, error) {
	ref := timelinecache.BlobRef{
		Alg:  timelinecache.AlgBLAKE3,
		Hash: timelinecache.HashBytes(data),
	}
	key := []byte(ref.String())

	isNew := false
	err := d.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		byHash := tx.Bucket(bucketBlobsByHash)
		if blobs == nil || byHash == nil {
			return fmt.Errorf("blobs bucket not found")
		}

		if byHash.Get(key) != nil {
			return nil
		}
		isNew = true

		if err := blobs.Put(key, d.codec.encode(data)); err != nil {
			return fmt.Errorf("putting blob: %w", err)
		}

		entry := BlobEntry{
			Hash:     ref.String(),
			Size:     int64(len(data)),
			CachedAt: d.now(),
		}
		val, err := json.Marshal(&entry)
		if err != nil {
			return fmt.Errorf("marshaling blob entry: %w", err)
		}
		return byHash.Put(key, val)
	})
	if err != nil {
		return timelinecache.BlobRef{}, err
	}

	telemetry.RecordBlobWrite(ctx, int64(len(data)), isNew)
	return ref, nil
}

// GetMediaBlob returns the payload behind ref.
func (d *DB) GetMediaBlob(_ context.Context, ref timelinecache.BlobRef) ([]byte, error) {
	var data []byte
	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		if bucket == nil {
			return timelinecache.ErrNotFound
		}

		framed := bucket.Get([]byte(ref.String()))
		if framed == nil {
			return timelinecache.ErrNotFound
		}

		var err error
		data, err = d.codec.decode(framed)
		return err
	})
	return data, err
}

// DeleteUnreferencedBlobs removes up to limit payloads whose refcount has
// dropped to zero, returning the number removed. Entries stored within
// BlobReapGrace are left for a later sweep.
func (d *DB) DeleteUnreferencedBlobs(_ context.Context, limit int) (int, error) {
	cutoff := d.now().Add(-BlobReapGrace)
	removed := 0
	err := d.db.Update(func(tx *bbolt.Tx) error {
		blobs := tx.Bucket(bucketBlobs)
		byHash := tx.Bucket(bucketBlobsByHash)
		if blobs == nil || byHash == nil {
			return nil
		}

		cursor := byHash.Cursor()
		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			if limit > 0 && removed >= limit {
				break
			}

			var entry BlobEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				d.logger.Warn("removing undecodable blob entry", "error", err)
			} else if entry.RefCount > 0 || entry.CachedAt.After(cutoff) {
				continue
			}

			if err := blobs.Delete(k); err != nil {
				return fmt.Errorf("deleting blob: %w", err)
			}
			if err := cursor.Delete(); err != nil {
				return fmt.Errorf("deleting blob entry: %w", err)
			}
			removed++
		}
		return nil
	})
	return removed, err
}

// incrementBlobRefInTx raises the refcount for ref. A missing entry is an
// error: records only reference blobs stored beforehand.
func (d *DB) incrementBlobRefInTx(byHash *bbolt.Bucket, ref string) error {
	key := []byte(ref)
	val := byHash.Get(key)
	if val == nil {
		return fmt.Errorf("blob entry %s not found", ref)
	}

	var entry BlobEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return fmt.Errorf("unmarshaling blob entry: %w", err)
	}
	entry.RefCount++

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshaling blob entry: %w", err)
	}
	return byHash.Put(key, data)
}

// decrementBlobRefInTx lowers the refcount for ref, flooring at zero. A
// missing entry is tolerated: the blob may have been reclaimed already.
func (d *DB) decrementBlobRefInTx(byHash *bbolt.Bucket, ref string) error {
	key := []byte(ref)
	val := byHash.Get(key)
	if val == nil {
		return nil
	}

	var entry BlobEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return fmt.Errorf("unmarshaling blob entry: %w", err)
	}
	if entry.RefCount > 0 {
		entry.RefCount--
	}

	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshaling blob entry: %w", err)
	}
	return byHash.Put(key, data)
}
