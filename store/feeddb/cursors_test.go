package feeddb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	timelinecache "github.com/wolfeidau/timeline-cache"
)

func TestAccountContextZeroedForUnknownAccount(t *testing.T) {
	db := newTestDB(t)

	actx, err := db.AccountContext(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Equal(t, "acct-1", actx.AccountID)
	require.True(t, actx.LastSeenStatusID.IsZero())
	require.True(t, actx.LastLoadedStatusID.IsZero())
	require.True(t, actx.LastSeenNotificationID.IsZero())
}

func TestAdvanceLastSeenMonotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	got, err := db.AdvanceLastSeen(ctx, "acct-1", "100")
	require.NoError(t, err)
	require.Equal(t, timelinecache.StatusID("100"), got)

	// Equal and smaller candidates are ignored.
	got, err = db.AdvanceLastSeen(ctx, "acct-1", "100")
	require.NoError(t, err)
	require.Equal(t, timelinecache.StatusID("100"), got)

	got, err = db.AdvanceLastSeen(ctx, "acct-1", "099")
	require.NoError(t, err)
	require.Equal(t, timelinecache.StatusID("100"), got)

	got, err = db.AdvanceLastSeen(ctx, "acct-1", "101")
	require.NoError(t, err)
	require.Equal(t, timelinecache.StatusID("101"), got)
}

func TestCursorsIndependent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	_, err := db.AdvanceLastSeen(ctx, "acct-1", "100")
	require.NoError(t, err)

	_, err = db.AdvanceLastSeenNotification(ctx, "acct-1", "7")
	require.NoError(t, err)

	require.NoError(t, db.UpsertBatch(ctx, "acct-1", nil, "090"))

	actx, err := db.AccountContext(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, timelinecache.StatusID("100"), actx.LastSeenStatusID)
	require.Equal(t, timelinecache.StatusID("090"), actx.LastLoadedStatusID)
	require.Equal(t, timelinecache.StatusID("7"), actx.LastSeenNotificationID)

	// Another account's cursors are separate.
	other, err := db.AccountContext(ctx, "acct-2")
	require.NoError(t, err)
	require.True(t, other.LastSeenStatusID.IsZero())
}
