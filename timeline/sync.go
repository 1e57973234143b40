// Package timeline drives synchronization between the remote feed and the
// local store: cursor-paged fetching in both directions, staleness
// reconciliation against the server's canonical window, reblog
// deduplication, and attachment download before persistence.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	timelinecache "github.com/wolfeidau/timeline-cache"
	"github.com/wolfeidau/timeline-cache/feed"
	"github.com/wolfeidau/timeline-cache/ledger"
	"github.com/wolfeidau/timeline-cache/media"
	"github.com/wolfeidau/timeline-cache/store"
	"github.com/wolfeidau/timeline-cache/telemetry"
)

// DefaultWindowSize is how many of the newest feed entries form the
// canonical window used for staleness reconciliation.
const DefaultWindowSize = 40

// Account binds a locally-authenticated account to its feed client and
// relationship filter.
type Account struct {
	// ID partitions everything the synchronizer persists.
	ID string

	// Feed fetches timeline pages for the account.
	Feed feed.Client

	// Muted reports whether statuses authored by the given account should
	// be dropped before persistence. Nil means nothing is muted.
	Muted func(authorID string) bool
}

// Synchronizer reconciles the remote feed with the local store. All
// collaborators are injected; a Synchronizer holds no per-account state
// beyond the operation gates.
type Synchronizer struct {
	store   store.Store
	ledger  *ledger.Ledger
	fetcher *media.Fetcher
	logger  *slog.Logger
	now     func() time.Time

	pageLimit  int
	windowSize int

	gates *gateSet
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) SyncOption {
	return func(s *Synchronizer) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) SyncOption {
	return func(s *Synchronizer) {
		s.now = now
	}
}

// WithPageLimit sets the page size requested from the feed.
func WithPageLimit(limit int) SyncOption {
	return func(s *Synchronizer) {
		if limit > 0 {
			s.pageLimit = limit
		}
	}
}

// WithWindowSize sets the canonical window size used for reconciliation.
func WithWindowSize(n int) SyncOption {
	return func(s *Synchronizer) {
		if n > 0 {
			s.windowSize = n
		}
	}
}

// New creates a Synchronizer over the given collaborators.
func New(st store.Store, lg *ledger.Ledger, fetcher *media.Fetcher, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		store:      st,
		ledger:     lg,
		fetcher:    fetcher,
		logger:     slog.Default(),
		now:        time.Now,
		pageLimit:  feed.DefaultPageLimit,
		windowSize: DefaultWindowSize,
		gates:      newGateSet(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadOlder extends the account's local timeline downward: it pages the feed
// below the oldest locally-held id and persists what passes the filters.
// Returns the number of statuses persisted. A no-op when the account has no
// local data yet.
func (s *Synchronizer) LoadOlder(ctx context.Context, account Account) (int, error) {
	release, err := s.gates.acquire(ctx, account.ID, classTimeline)
	if err != nil {
		return 0, &CancellationError{Op: "loadOlder", Err: err}
	}
	defer release()

	minID, err := s.store.MinID(ctx, account.ID)
	if err != nil {
		return 0, classifyPersist("loadOlder", err)
	}
	if minID.IsZero() {
		s.logger.Debug("loadOlder with empty store, nothing to page below", "account", account.ID)
		return 0, nil
	}

	statuses, err := account.Feed.FetchPage(ctx, feed.Page{MaxID: minID, Limit: s.pageLimit})
	if err != nil {
		return 0, classifyFetch("loadOlder", err)
	}

	count, err := s.persistBatch(ctx, account, statuses, "")
	if err != nil {
		return 0, err
	}

	s.logger.Info("loaded older statuses",
		"account", account.ID,
		"fetched", len(statuses),
		"persisted", count,
	)
	return count, nil
}

// LoadNewer extends the account's local timeline upward and reconciles the
// top of the cache against the server's canonical window. Returns the number
// of statuses persisted.
func (s *Synchronizer) LoadNewer(ctx context.Context, account Account) (int, error) {
	release, err := s.gates.acquire(ctx, account.ID, classTimeline)
	if err != nil {
		return 0, &CancellationError{Op: "loadNewer", Err: err}
	}
	defer release()

	return s.syncTop(ctx, account)
}

// Refresh performs the same top-of-feed synchronization as LoadNewer and
// returns the account's lastSeenStatusId so the caller can position the view.
func (s *Synchronizer) Refresh(ctx context.Context, account Account) (timelinecache.StatusID, error) {
	release, err := s.gates.acquire(ctx, account.ID, classTimeline)
	if err != nil {
		return "", &CancellationError{Op: "refresh", Err: err}
	}
	defer release()

	if _, err := s.syncTop(ctx, account); err != nil {
		return "", err
	}

	actx, err := s.store.AccountContext(ctx, account.ID)
	if err != nil {
		return "", classifyPersist("refresh", err)
	}
	return actx.LastSeenStatusID, nil
}

// MarkSeen records that the user has viewed the top of the list down to id.
// The cursor only moves forward; marking an older id is a no-op. Returns the
// resulting cursor.
func (s *Synchronizer) MarkSeen(ctx context.Context, account Account, id timelinecache.StatusID) (timelinecache.StatusID, error) {
	cursor, err := s.store.AdvanceLastSeen(ctx, account.ID, id)
	if err != nil {
		return "", classifyPersist("markSeen", err)
	}
	return cursor, nil
}

// UpdateSingle re-copies the mutable fields of a freshly fetched status onto
// its existing record and downloads any attachments not already holding
// payload bytes. Used when one post is viewed in detail and its live
// counters must refresh without a full synchronization.
// Returns timelinecache.ErrNotFound when the status was never persisted.
func (s *Synchronizer) UpdateSingle(ctx context.Context, account Account, status *timelinecache.RemoteStatus) error {
	release, err := s.gates.acquire(ctx, account.ID, classSingle)
	if err != nil {
		return &CancellationError{Op: "updateSingle", Err: err}
	}
	defer release()

	rec, err := s.store.Get(ctx, account.ID, status.ID)
	if err != nil {
		if errors.Is(err, timelinecache.ErrNotFound) {
			return err
		}
		return classifyPersist("updateSingle", err)
	}

	timelinecache.CopyMutable(rec, status)

	var reqs []media.Request
	for i := range rec.Attachments {
		att := &rec.Attachments[i]
		if !att.HasPayload() && att.URL != "" {
			reqs = append(reqs, media.Request{ID: att.ID, URL: att.URL})
		}
	}
	if len(reqs) > 0 {
		payloads, err := s.fetcher.FetchAll(ctx, reqs)
		if err != nil {
			return &CancellationError{Op: "updateSingle", Err: err}
		}
		if err := s.attachPayloads(ctx, rec, payloads); err != nil {
			return classifyPersist("updateSingle", err)
		}
	}

	if err := s.store.UpsertBatch(ctx, account.ID, []timelinecache.StatusRecord{*rec}, ""); err != nil {
		return classifyPersist("updateSingle", err)
	}

	s.logger.Debug("updated single status", "account", account.ID, "id", rec.ID)
	return nil
}

// syncTop fetches everything newer than the local maximum, persists the
// result, and then reconciles the top of the cache against the canonical
// window. Callers hold the timeline gate.
func (s *Synchronizer) syncTop(ctx context.Context, account Account) (int, error) {
	maxID, err := s.store.MaxID(ctx, account.ID)
	if err != nil {
		return 0, classifyPersist("loadNewer", err)
	}

	// The canonical window is the latest N entries regardless of cursor; on
	// first load it doubles as the "newer" page.
	window, err := account.Feed.FetchPage(ctx, feed.Page{Limit: s.windowSize})
	if err != nil {
		return 0, classifyFetch("loadNewer", err)
	}

	newer := window
	if !maxID.IsZero() {
		newer, err = account.Feed.FetchPage(ctx, feed.Page{MinID: maxID, Limit: s.pageLimit})
		if err != nil {
			return 0, classifyFetch("loadNewer", err)
		}
	}

	// Persist the union of the newer page and the window, newest first,
	// without duplicates. Window statuses already held locally still go
	// through the batch so upstream edits land.
	batch := newer
	seen := make(map[timelinecache.StatusID]struct{}, len(newer))
	for i := range newer {
		seen[newer[i].ID] = struct{}{}
	}
	for i := range window {
		if _, ok := seen[window[i].ID]; !ok {
			batch = append(batch, window[i])
		}
	}

	lastLoaded := newestID(batch)
	count, err := s.persistBatch(ctx, account, batch, lastLoaded)
	if err != nil {
		return 0, err
	}

	// Evict only after the replacement batch is on disk. A failed persist
	// leaves stale records in place rather than a hole in the timeline.
	if err := s.reconcile(ctx, account.ID, window); err != nil {
		return 0, err
	}

	if _, err := s.ledger.Prune(ctx, account.ID); err != nil {
		s.logger.Warn("pruning viewed markers failed", "account", account.ID, "error", err)
	}

	s.logger.Info("synchronized top of feed",
		"account", account.ID,
		"fetched", len(batch),
		"persisted", count,
		"last_loaded", lastLoaded,
	)
	return count, nil
}

// reconcile removes locally-held records the canonical window no longer
// contains. Only the window's span is reconciled: records older than the
// window's oldest entry are outside the server's view and are kept.
func (s *Synchronizer) reconcile(ctx context.Context, accountID string, window []timelinecache.RemoteStatus) error {
	if len(window) == 0 {
		return nil
	}

	windowMin := window[0].ID
	present := make([]timelinecache.StatusID, 0, len(window))
	for i := range window {
		present = append(present, window[i].ID)
		if window[i].ID.Less(windowMin) {
			windowMin = window[i].ID
		}
	}

	local, err := s.store.AllIDs(ctx, accountID)
	if err != nil {
		return classifyPersist("reconcile", err)
	}
	for _, id := range local {
		if id.Less(windowMin) {
			present = append(present, id)
		}
	}

	removed, err := s.store.DeleteWhereAbsent(ctx, accountID, present)
	if err != nil {
		return classifyPersist("reconcile", err)
	}
	if removed > 0 {
		s.logger.Debug("evicted stale records", "account", accountID, "removed", removed)
	}
	return nil
}

// persistBatch runs the shared persistence pipeline: mute filter, reblog
// dedup, merge with any locally-held record, fetch of payloads not already
// cached, and the atomic batch write. The raw fetched batch
// is always appended to the ledger, persisted or not, so future pages do not
// re-surface it. Returns the number of records persisted.
func (s *Synchronizer) persistBatch(ctx context.Context, account Account, statuses []timelinecache.RemoteStatus, lastLoaded timelinecache.StatusID) (int, error) {
	now := s.now()

	var keep []timelinecache.StatusRecord
	var reqs []media.Request

	for i := range statuses {
		status := &statuses[i]
		target := status.Target()

		if account.Muted != nil && account.Muted(target.Account.ID) {
			s.logger.Debug("dropping muted author", "account", account.ID, "author", target.Account.ID)
			continue
		}

		shown, err := s.ledger.HasBeenShownRecently(ctx, account.ID, status)
		if err != nil {
			return 0, classifyPersist("dedup check", err)
		}
		if shown {
			s.logger.Debug("dropping already-shown reblog", "account", account.ID, "id", status.ID)
			telemetry.RecordDedupSuppression(ctx)
			continue
		}

		// Text-only entries are out of this feed's scope.
		if len(target.Attachments) == 0 {
			continue
		}

		// Merge into the locally-held record when one exists so payloads
		// already on disk are not fetched again.
		rec, err := s.store.Get(ctx, account.ID, status.ID)
		switch {
		case err == nil:
			timelinecache.CopyMutable(rec, status)
		case errors.Is(err, timelinecache.ErrNotFound):
			flat := timelinecache.FlattenStatus(account.ID, status, now)
			rec = &flat
		default:
			return 0, classifyPersist("loading record", err)
		}

		for j := range rec.Attachments {
			att := &rec.Attachments[j]
			if !att.HasPayload() && att.URL != "" {
				reqs = append(reqs, media.Request{ID: att.ID, URL: att.URL})
			}
		}
		keep = append(keep, *rec)
	}

	payloads, err := s.fetcher.FetchAll(ctx, reqs)
	if err != nil {
		// FetchAll only errors when the fan-out was abandoned mid-flight.
		return 0, &CancellationError{Op: "attachment fetch", Err: err}
	}

	var records []timelinecache.StatusRecord
	for i := range keep {
		rec := &keep[i]
		if err := s.attachPayloads(ctx, rec, payloads); err != nil {
			return 0, classifyPersist("storing payloads", err)
		}

		got := 0
		for j := range rec.Attachments {
			if rec.Attachments[j].HasPayload() {
				got++
			}
		}
		if got == 0 {
			s.logger.Debug("dropping status with no retrievable media", "account", account.ID, "id", rec.ID)
			continue
		}

		records = append(records, *rec)
	}

	if len(records) > 0 || !lastLoaded.IsZero() {
		if err := s.store.UpsertBatch(ctx, account.ID, records, lastLoaded); err != nil {
			return 0, classifyPersist("batch write", err)
		}
	}

	// The write succeeded; record the sightings.
	if err := s.ledger.Append(ctx, account.ID, statuses); err != nil {
		return 0, classifyPersist("ledger append", err)
	}

	return len(records), nil
}

// attachPayloads stores downloaded bytes in the media blob store and wires
// the resulting refs into the record's attachments.
func (s *Synchronizer) attachPayloads(ctx context.Context, rec *timelinecache.StatusRecord, payloads map[string][]byte) error {
	for i := range rec.Attachments {
		att := &rec.Attachments[i]
		data, ok := payloads[att.ID]
		if !ok || att.HasPayload() {
			continue
		}

		ref, err := s.store.PutMediaBlob(ctx, data)
		if err != nil {
			return fmt.Errorf("storing media blob for %s: %w", att.ID, err)
		}
		att.Payload = ref
	}
	return nil
}

// newestID returns the greatest id in the batch, or a zero id for an empty
// batch.
func newestID(statuses []timelinecache.RemoteStatus) timelinecache.StatusID {
	var newest timelinecache.StatusID
	for i := range statuses {
		newest = timelinecache.MaxStatusID(newest, statuses[i].ID)
	}
	return newest
}
