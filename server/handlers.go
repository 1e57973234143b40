package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	timelinecache "github.com/wolfeidau/timeline-cache"
	"github.com/wolfeidau/timeline-cache/telemetry"
	"github.com/wolfeidau/timeline-cache/timeline"
)

// account resolves the path's account segment against the configured
// accounts, tagging the request for logging. A miss writes a 404.
func (s *Server) account(w http.ResponseWriter, r *http.Request) (timeline.Account, bool) {
	id := r.PathValue("account")
	telemetry.SetAccount(r, id)

	account, ok := s.accounts[id]
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown account %q", id))
		return timeline.Account{}, false
	}
	return account, true
}

// handleTimeline returns the account's persisted records newest first. The
// rendered response is cached briefly so a scrolling client does not hammer
// the store.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "timeline")

	account, ok := s.account(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	key := fmt.Sprintf("%s:%d", account.ID, limit)
	if body, ok := s.pages.Get(key); ok {
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		writeJSONBytes(w, body)
		return
	}
	telemetry.SetCacheResult(r, telemetry.CacheMiss)

	records, err := s.store.List(r.Context(), account.ID, limit)
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}
	if records == nil {
		records = []timelinecache.StatusRecord{}
	}

	body, err := json.Marshal(map[string]any{
		"account":  account.ID,
		"count":    len(records),
		"statuses": records,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.pages.Set(key, body)
	writeJSONBytes(w, body)
}

// handleContext returns the account's synchronization cursors.
func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "context")

	account, ok := s.account(w, r)
	if !ok {
		return
	}

	body, err := s.contexts.GetOrCompute(r.Context(), account.ID, func(ctx context.Context) ([]byte, error) {
		actx, err := s.store.AccountContext(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(actx)
	})
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}

	writeJSONBytes(w, body)
}

// handleRefresh runs a top-of-feed synchronization and returns the cursor the
// viewer last saw, so the client can position its list.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "refresh")

	account, ok := s.account(w, r)
	if !ok {
		return
	}

	start := time.Now()
	lastSeen, err := s.sync.Refresh(r.Context(), account)
	telemetry.RecordSync(r.Context(), "refresh", syncOutcome(err), 0, time.Since(start))
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}

	s.invalidate(account.ID)
	writeJSON(w, map[string]any{"last_seen_status_id": lastSeen})
}

// handleLoadNewer extends the timeline upward.
func (s *Server) handleLoadNewer(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "load-newer")
	s.handleLoad(w, r, "load_newer", s.sync.LoadNewer)
}

// handleLoadOlder extends the timeline downward.
func (s *Server) handleLoadOlder(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "load-older")
	s.handleLoad(w, r, "load_older", s.sync.LoadOlder)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request, op string, load func(context.Context, timeline.Account) (int, error)) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}

	start := time.Now()
	count, err := load(r.Context(), account)
	telemetry.RecordSync(r.Context(), op, syncOutcome(err), count, time.Since(start))
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}

	s.invalidate(account.ID)
	writeJSON(w, map[string]any{"persisted": count})
}

// handleSeen advances the viewer's last-seen cursor.
func (s *Server) handleSeen(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "seen")

	account, ok := s.account(w, r)
	if !ok {
		return
	}

	var body struct {
		ID timelinecache.StatusID `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.ID.IsZero() {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	cursor, err := s.sync.MarkSeen(r.Context(), account, body.ID)
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}

	s.invalidate(account.ID)
	writeJSON(w, map[string]any{"last_seen_status_id": cursor})
}

// statusFetcher is implemented by feed clients that can fetch one status.
type statusFetcher interface {
	FetchStatus(ctx context.Context, id timelinecache.StatusID) (*timelinecache.RemoteStatus, error)
}

// handleStatusRefresh re-fetches a single cached status from the feed and
// refreshes its mutable fields in place.
func (s *Server) handleStatusRefresh(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "status-refresh")

	account, ok := s.account(w, r)
	if !ok {
		return
	}

	fetcher, ok := account.Feed.(statusFetcher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "feed client cannot fetch single statuses")
		return
	}

	id := timelinecache.StatusID(r.PathValue("id"))
	if id.IsZero() {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	status, err := fetcher.FetchStatus(r.Context(), id)
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}

	start := time.Now()
	err = s.sync.UpdateSingle(r.Context(), account, status)
	telemetry.RecordSync(r.Context(), "update_single", syncOutcome(err), 0, time.Since(start))
	if err != nil {
		s.writeSyncError(w, r, err)
		return
	}

	s.invalidate(account.ID)
	writeJSON(w, map[string]any{"id": status.ID})
}

// handleMedia serves a cached attachment payload by its blob ref.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "media")

	ref, err := timelinecache.ParseBlobRef(r.PathValue("ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid blob ref")
		return
	}

	data, err := s.store.GetMediaBlob(r.Context(), ref)
	if err != nil {
		if errors.Is(err, timelinecache.ErrNotFound) {
			telemetry.SetCacheResult(r, telemetry.CacheMiss)
			writeError(w, http.StatusNotFound, "payload not cached")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	telemetry.SetCacheResult(r, telemetry.CacheHit)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	_, _ = w.Write(data)
}

// handleStats reports per-account record counts and cursors.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "stats")

	type accountStats struct {
		Statuses           int                    `json:"statuses"`
		LastSeenStatusID   timelinecache.StatusID `json:"last_seen_status_id,omitempty"`
		LastLoadedStatusID timelinecache.StatusID `json:"last_loaded_status_id,omitempty"`
	}

	stats := make(map[string]accountStats, len(s.accounts))
	for id := range s.accounts {
		ids, err := s.store.AllIDs(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		actx, err := s.store.AccountContext(r.Context(), id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		stats[id] = accountStats{
			Statuses:           len(ids),
			LastSeenStatusID:   actx.LastSeenStatusID,
			LastLoadedStatusID: actx.LastLoadedStatusID,
		}
	}

	writeJSON(w, map[string]any{"accounts": stats})
}

// invalidate drops cached responses for the account after a mutation.
func (s *Server) invalidate(accountID string) {
	s.contexts.Remove(accountID)
	// Rendered pages are keyed by account and limit; sweeping by prefix is
	// not supported, so they age out within PageTTL instead.
}

// writeSyncError maps the synchronizer error taxonomy onto HTTP statuses.
func (s *Server) writeSyncError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case timeline.IsCancellation(err):
		// Client went away; the status is best-effort.
		writeError(w, http.StatusServiceUnavailable, "operation cancelled")
	case errors.Is(err, timelinecache.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		var te *timeline.TransportError
		var de *timeline.DecodeError
		var se *timelinecache.StatusError
		if errors.As(err, &te) || errors.As(err, &de) || errors.As(err, &se) {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		s.logger.Error("request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// syncOutcome labels a synchronization result for metrics.
func syncOutcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case timeline.IsCancellation(err):
		return "cancelled"
	default:
		var te *timeline.TransportError
		var de *timeline.DecodeError
		var pe *timeline.PersistenceError
		switch {
		case errors.As(err, &te):
			return "transport"
		case errors.As(err, &de):
			return "decode"
		case errors.As(err, &pe):
			return "persistence"
		}
		return "error"
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONBytes(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
