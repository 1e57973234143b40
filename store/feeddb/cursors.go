package feeddb

import (
	"context"
	"encoding/json"
	"fmt"

	timelinecache "github.com/wolfeidau/timeline-cache"
	"go.etcd.io/bbolt"
)

// cursorField selects which of the account's synchronization cursors an
// advance operation applies to.
type cursorField int

const (
	cursorLastSeen cursorField = iota
	cursorLastLoaded
	cursorLastSeenNotification
)

// AccountContext returns the account's synchronization cursors. Accounts
// that have never synchronized get a zero-valued context, not an error.
func (d *DB) AccountContext(_ context.Context, accountID string) (*timelinecache.AccountContext, error) {
	actx := &timelinecache.AccountContext{AccountID: accountID}

	err := d.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketAccounts)
		if bucket == nil {
			return nil
		}

		val := bucket.Get([]byte(accountID))
		if val == nil {
			return nil
		}
		return json.Unmarshal(val, actx)
	})
	if err != nil {
		return nil, fmt.Errorf("loading account context: %w", err)
	}

	actx.AccountID = accountID
	return actx, nil
}

// AdvanceLastSeen applies id to the account's lastSeenStatusId cursor,
// moving it only when id is strictly greater, and returns the resulting
// cursor value.
func (d *DB) AdvanceLastSeen(_ context.Context, accountID string, id timelinecache.StatusID) (timelinecache.StatusID, error) {
	var result timelinecache.StatusID
	err := d.db.Update(func(tx *bbolt.Tx) error {
		var err error
		result, err = d.advanceCursorInTx(tx, accountID, cursorLastSeen, id)
		return err
	})
	return result, err
}

// AdvanceLastSeenNotification applies id to the account's
// lastSeenNotificationId cursor under the same monotonic rule.
func (d *DB) AdvanceLastSeenNotification(_ context.Context, accountID string, id timelinecache.StatusID) (timelinecache.StatusID, error) {
	var result timelinecache.StatusID
	err := d.db.Update(func(tx *bbolt.Tx) error {
		var err error
		result, err = d.advanceCursorInTx(tx, accountID, cursorLastSeenNotification, id)
		return err
	})
	return result, err
}

// advanceCursorInTx loads the account context, applies the monotonic advance
// to the selected cursor, and writes the context back if it moved.
func (d *DB) advanceCursorInTx(tx *bbolt.Tx, accountID string, field cursorField, id timelinecache.StatusID) (timelinecache.StatusID, error) {
	bucket := tx.Bucket(bucketAccounts)
	if bucket == nil {
		return "", fmt.Errorf("accounts bucket not found")
	}

	actx := timelinecache.AccountContext{AccountID: accountID}
	if val := bucket.Get([]byte(accountID)); val != nil {
		if err := json.Unmarshal(val, &actx); err != nil {
			return "", fmt.Errorf("unmarshaling account context: %w", err)
		}
	}

	var cursor *timelinecache.StatusID
	switch field {
	case cursorLastSeen:
		cursor = &actx.LastSeenStatusID
	case cursorLastLoaded:
		cursor = &actx.LastLoadedStatusID
	case cursorLastSeenNotification:
		cursor = &actx.LastSeenNotificationID
	}

	next, moved := timelinecache.AdvanceStatusID(*cursor, id)
	if !moved {
		return *cursor, nil
	}
	*cursor = next

	data, err := json.Marshal(&actx)
	if err != nil {
		return "", fmt.Errorf("marshaling account context: %w", err)
	}
	if err := bucket.Put([]byte(accountID), data); err != nil {
		return "", fmt.Errorf("putting account context: %w", err)
	}

	return next, nil
}
