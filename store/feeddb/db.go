// Package feeddb persists the timeline cache in a single bbolt database:
// per-account status records, viewed markers, synchronization cursors, and
// content-addressed media payloads with reference counting.
package feeddb

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/timeline-cache/store"
	"go.etcd.io/bbolt"
)

// DB implements the store contracts on top of bbolt.
type DB struct {
	db     *bbolt.DB
	codec  *payloadCodec
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// Option configures a DB instance.
type Option func(*DB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) Option {
	return func(d *DB) {
		d.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) Option {
	return func(d *DB) {
		d.noSync = noSync
	}
}

// New creates a DB instance with options. Open must be called before use.
func New(opts ...Option) *DB {
	d := &DB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Open opens the database at the given path.
func (d *DB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  d.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	d.db = db

	if err := d.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	codec, err := newPayloadCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating payload codec: %w", err)
	}
	d.codec = codec

	d.logger.Debug("opened feeddb", "path", path, "noSync", d.noSync)
	return nil
}

func (d *DB) createBuckets() error {
	return d.db.Update(func(tx *bbolt.Tx) error {
		buckets := [][]byte{
			bucketStatuses,
			bucketAccounts,
			bucketMarkers,
			bucketBlobs,
			bucketBlobsByHash,
		}
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases codec resources.
func (d *DB) Close() error {
	if d.codec != nil {
		d.codec.Close()
		d.codec = nil
	}
	if d.db == nil {
		return nil
	}
	d.logger.Debug("closing feeddb")
	db := d.db
	d.db = nil
	return db.Close()
}

// BlobEntry tracks a stored media payload.
type BlobEntry struct {
	Hash     string    `json:"hash"`
	Size     int64     `json:"size"`
	CachedAt time.Time `json:"cached_at"`
	RefCount int       `json:"ref_count"`
}

// Compile-time interface check
var _ store.Store = (*DB)(nil)
