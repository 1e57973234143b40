package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	timelinecache "github.com/wolfeidau/timeline-cache"
)

// fakeMarkers implements store.MarkerStore in memory, applying the same
// first-wrapper-wins rule as the real store.
type fakeMarkers struct {
	byAccount map[string]map[timelinecache.StatusID]timelinecache.ViewedMarker
}

func newFakeMarkers() *fakeMarkers {
	return &fakeMarkers{byAccount: map[string]map[timelinecache.StatusID]timelinecache.ViewedMarker{}}
}

func (f *fakeMarkers) GetMarker(_ context.Context, accountID string, id timelinecache.StatusID) (*timelinecache.ViewedMarker, error) {
	marker, ok := f.byAccount[accountID][id]
	if !ok {
		return nil, timelinecache.ErrNotFound
	}
	return &marker, nil
}

func (f *fakeMarkers) PutMarkers(_ context.Context, accountID string, markers []timelinecache.ViewedMarker) error {
	account := f.byAccount[accountID]
	if account == nil {
		account = map[timelinecache.StatusID]timelinecache.ViewedMarker{}
		f.byAccount[accountID] = account
	}
	for _, marker := range markers {
		if existing, ok := account[marker.ID]; ok {
			marker.ReblogID = existing.ReblogID
			if marker.Date.Before(existing.Date) {
				marker.Date = existing.Date
			}
		}
		account[marker.ID] = marker
	}
	return nil
}

func (f *fakeMarkers) DeleteMarkersOlderThan(_ context.Context, accountID string, cutoff time.Time) (int, error) {
	removed := 0
	for account, markers := range f.byAccount {
		if accountID != "" && account != accountID {
			continue
		}
		for id, marker := range markers {
			if marker.Date.Before(cutoff) {
				delete(markers, id)
				removed++
			}
		}
	}
	return removed, nil
}

func original(id string) timelinecache.RemoteStatus {
	return timelinecache.RemoteStatus{
		OriginalStatus: timelinecache.OriginalStatus{ID: timelinecache.StatusID(id)},
	}
}

func reblog(wrapperID, underlyingID string) timelinecache.RemoteStatus {
	return timelinecache.RemoteStatus{
		OriginalStatus: timelinecache.OriginalStatus{ID: timelinecache.StatusID(wrapperID)},
		Reblog:         &timelinecache.OriginalStatus{ID: timelinecache.StatusID(underlyingID)},
	}
}

func TestOriginalsNeverSuppressed(t *testing.T) {
	markers := newFakeMarkers()
	ledger := New(markers)
	ctx := context.Background()

	s := original("50")
	require.NoError(t, ledger.Append(ctx, "acct-1", []timelinecache.RemoteStatus{s}))

	// Even after a sighting the original itself is never a duplicate.
	shown, err := ledger.HasBeenShownRecently(ctx, "acct-1", &s)
	require.NoError(t, err)
	require.False(t, shown)
}

func TestReblogSuppressedAfterOriginalSeen(t *testing.T) {
	markers := newFakeMarkers()
	ledger := New(markers)
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, "acct-1", []timelinecache.RemoteStatus{original("50")}))

	wrapped := reblog("120", "50")
	shown, err := ledger.HasBeenShownRecently(ctx, "acct-1", &wrapped)
	require.NoError(t, err)
	require.True(t, shown)
}

func TestSecondWrapperSuppressedFirstIsNot(t *testing.T) {
	markers := newFakeMarkers()
	ledger := New(markers)
	ctx := context.Background()

	first := reblog("120", "50")
	require.NoError(t, ledger.Append(ctx, "acct-1", []timelinecache.RemoteStatus{first}))

	// Re-fetching the same feed entry is not a duplicate.
	shown, err := ledger.HasBeenShownRecently(ctx, "acct-1", &first)
	require.NoError(t, err)
	require.False(t, shown)

	// A different wrapper over the same content is.
	second := reblog("130", "50")
	shown, err = ledger.HasBeenShownRecently(ctx, "acct-1", &second)
	require.NoError(t, err)
	require.True(t, shown)
}

func TestAppendKeepsFirstWrapper(t *testing.T) {
	markers := newFakeMarkers()
	ledger := New(markers)
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, "acct-1", []timelinecache.RemoteStatus{reblog("120", "50")}))
	require.NoError(t, ledger.Append(ctx, "acct-1", []timelinecache.RemoteStatus{reblog("130", "50")}))

	// The first wrapper is still the recorded one, so it remains the only
	// wrapper that is not suppressed.
	first := reblog("120", "50")
	shown, err := ledger.HasBeenShownRecently(ctx, "acct-1", &first)
	require.NoError(t, err)
	require.False(t, shown)

	second := reblog("130", "50")
	shown, err = ledger.HasBeenShownRecently(ctx, "acct-1", &second)
	require.NoError(t, err)
	require.True(t, shown)
}

func TestUnseenReblogNotSuppressed(t *testing.T) {
	ledger := New(newFakeMarkers())

	wrapped := reblog("120", "50")
	shown, err := ledger.HasBeenShownRecently(context.Background(), "acct-1", &wrapped)
	require.NoError(t, err)
	require.False(t, shown)
}

func TestAccountsIsolated(t *testing.T) {
	markers := newFakeMarkers()
	ledger := New(markers)
	ctx := context.Background()

	require.NoError(t, ledger.Append(ctx, "acct-1", []timelinecache.RemoteStatus{original("50")}))

	wrapped := reblog("120", "50")
	shown, err := ledger.HasBeenShownRecently(ctx, "acct-2", &wrapped)
	require.NoError(t, err)
	require.False(t, shown)
}

func TestPrune(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	markers := newFakeMarkers()
	ledger := New(markers, WithNow(func() time.Time { return now }), WithRetention(30*24*time.Hour))
	ctx := context.Background()

	old := timelinecache.ViewedMarker{ID: "10", Date: now.Add(-40 * 24 * time.Hour)}
	require.NoError(t, markers.PutMarkers(ctx, "acct-1", []timelinecache.ViewedMarker{old}))
	require.NoError(t, ledger.Append(ctx, "acct-1", []timelinecache.RemoteStatus{original("50")}))

	removed, err := ledger.Prune(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = markers.GetMarker(ctx, "acct-1", "10")
	require.ErrorIs(t, err, timelinecache.ErrNotFound)
	_, err = markers.GetMarker(ctx, "acct-1", "50")
	require.NoError(t, err)
}
