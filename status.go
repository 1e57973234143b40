// Package timelinecache defines the data model and shared primitives for the
// timeline synchronization engine: remote feed statuses, flattened local
// records, viewed markers, account cursors, and content-addressed media refs.
package timelinecache

import "time"

// Visibility is the audience scope of a status.
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityUnlisted Visibility = "unlisted"
	VisibilityPrivate  Visibility = "private"
	VisibilityDirect   Visibility = "direct"
)

// AttachmentType classifies a media attachment.
type AttachmentType string

const (
	AttachmentImage   AttachmentType = "image"
	AttachmentVideo   AttachmentType = "video"
	AttachmentGifv    AttachmentType = "gifv"
	AttachmentAudio   AttachmentType = "audio"
	AttachmentUnknown AttachmentType = "unknown"
)

// ParseAttachmentType maps a wire type string to an AttachmentType.
// Unrecognised values degrade to AttachmentUnknown rather than failing decode.
func ParseAttachmentType(s string) AttachmentType {
	switch AttachmentType(s) {
	case AttachmentImage, AttachmentVideo, AttachmentGifv, AttachmentAudio:
		return AttachmentType(s)
	default:
		return AttachmentUnknown
	}
}

// RemoteAccount is the author summary embedded in a fetched status.
type RemoteAccount struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar"`
}

// RemoteAttachment is an attachment as received from the feed server.
type RemoteAttachment struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	URL        string      `json:"url"`
	PreviewURL string      `json:"preview_url"`
	Blurhash   string      `json:"blurhash"`
	Meta       *RemoteMeta `json:"meta,omitempty"`
}

// RemoteMeta carries optional pixel dimensions from the server.
type RemoteMeta struct {
	Original struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"original"`
}

// OriginalStatus is a non-reblog feed entry. It never contains another
// status, which keeps reblog handling to exactly one hop.
type OriginalStatus struct {
	ID              StatusID           `json:"id"`
	CreatedAt       time.Time          `json:"created_at"`
	Account         RemoteAccount      `json:"account"`
	Content         string             `json:"content"`
	SpoilerText     string             `json:"spoiler_text"`
	Visibility      Visibility         `json:"visibility"`
	Sensitive       bool               `json:"sensitive"`
	RepliesCount    int                `json:"replies_count"`
	ReblogsCount    int                `json:"reblogs_count"`
	FavouritesCount int                `json:"favourites_count"`
	Favourited      bool               `json:"favourited"`
	Reblogged       bool               `json:"reblogged"`
	Bookmarked      bool               `json:"bookmarked"`
	Pinned          bool               `json:"pinned"`
	Muted           bool               `json:"muted"`
	Attachments     []RemoteAttachment `json:"media_attachments"`
}

// RemoteStatus is a fetched feed entry: either an original status, or a
// reblog wrapper around one. The wrapped status is an OriginalStatus, so the
// structure cannot nest beyond one level by construction.
type RemoteStatus struct {
	OriginalStatus
	Reblog *OriginalStatus `json:"reblog,omitempty"`
}

// IsReblog reports whether the status is a reblog wrapper.
func (s *RemoteStatus) IsReblog() bool {
	return s.Reblog != nil
}

// Target returns the innermost status: the wrapped original for a reblog,
// the status itself otherwise.
func (s *RemoteStatus) Target() *OriginalStatus {
	if s.Reblog != nil {
		return s.Reblog
	}
	return &s.OriginalStatus
}

// UnderlyingID returns the id of the underlying (de-reblogged) content.
func (s *RemoteStatus) UnderlyingID() StatusID {
	return s.Target().ID
}

// ExifSummary holds capture metadata derived from a downloaded image.
type ExifSummary struct {
	Camera     string    `json:"camera,omitempty"`
	Lens       string    `json:"lens,omitempty"`
	Exposure   string    `json:"exposure,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitempty"`
}

// AttachmentRecord is the persisted form of one media attachment. It belongs
// to exactly one StatusRecord and is cascade-deleted with it. Order is an
// explicit field because attachment metadata can be refreshed independently
// of the owning status.
type AttachmentRecord struct {
	ID         string         `json:"id"`
	Order      int            `json:"order"`
	Type       AttachmentType `json:"type"`
	URL        string         `json:"url"`
	PreviewURL string         `json:"preview_url,omitempty"`
	Blurhash   string         `json:"blurhash,omitempty"`

	// Width and Height are set-once: a recorded positive dimension is never
	// overwritten by a later, possibly-stale value.
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`

	// Payload references the downloaded bytes in the media blob store.
	// Zero when the download has not succeeded yet.
	Payload BlobRef `json:"payload,omitempty"`

	Exif *ExifSummary `json:"exif,omitempty"`
}

// HasPayload reports whether downloaded bytes are recorded for the attachment.
func (a *AttachmentRecord) HasPayload() bool {
	return !a.Payload.IsZero()
}

// StatusRecord is the flattened, persisted representation of one feed entry,
// partitioned by the locally-authenticated account that fetched it. For a
// reblog the core content fields are copied from the innermost status while
// the wrapper id and reblogger author fields are kept alongside.
type StatusRecord struct {
	ID        StatusID  `json:"id"`
	AccountID string    `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	FetchedAt time.Time `json:"fetched_at"`

	AuthorID          string `json:"author_id"`
	AuthorUsername    string `json:"author_username"`
	AuthorDisplayName string `json:"author_display_name"`
	AuthorAvatarURL   string `json:"author_avatar_url"`

	Content     string     `json:"content"`
	Excerpt     string     `json:"excerpt,omitempty"`
	SpoilerText string     `json:"spoiler_text,omitempty"`
	Visibility  Visibility `json:"visibility"`
	Sensitive   bool       `json:"sensitive"`

	RepliesCount    int `json:"replies_count"`
	ReblogsCount    int `json:"reblogs_count"`
	FavouritesCount int `json:"favourites_count"`

	Favourited bool `json:"favourited"`
	Reblogged  bool `json:"reblogged"`
	Bookmarked bool `json:"bookmarked"`
	Pinned     bool `json:"pinned"`
	Muted      bool `json:"muted"`

	// Reblog wrapper fields, set only when the record was fetched as a reblog.
	RebloggedStatusID    StatusID `json:"reblogged_status_id,omitempty"`
	RebloggerID          string   `json:"reblogger_id,omitempty"`
	RebloggerUsername    string   `json:"reblogger_username,omitempty"`
	RebloggerDisplayName string   `json:"reblogger_display_name,omitempty"`
	RebloggerAvatarURL   string   `json:"reblogger_avatar_url,omitempty"`

	Attachments []AttachmentRecord `json:"attachments,omitempty"`
}

// IsReblog reports whether the record was fetched through a reblog wrapper.
func (r *StatusRecord) IsReblog() bool {
	return !r.RebloggedStatusID.IsZero()
}

// PayloadRefs returns the blob refs of all attachments holding downloaded
// bytes, in canonical string form. Used for refcount bookkeeping on upsert.
func (r *StatusRecord) PayloadRefs() []string {
	var refs []string
	for i := range r.Attachments {
		if r.Attachments[i].HasPayload() {
			refs = append(refs, r.Attachments[i].Payload.String())
		}
	}
	return refs
}

// ViewedMarker records that a piece of underlying (de-reblogged) content has
// been surfaced to an account. ID is the underlying status id; ReblogID is
// the wrapper that first surfaced it, if any.
type ViewedMarker struct {
	ID       StatusID  `json:"id"`
	ReblogID StatusID  `json:"reblog_id,omitempty"`
	Date     time.Time `json:"date"`
}

// AccountContext holds the per-account synchronization cursors. All three
// cursors are monotonic: an update is applied only if the new id compares
// greater than the stored one.
type AccountContext struct {
	AccountID              string   `json:"account_id"`
	LastSeenStatusID       StatusID `json:"last_seen_status_id,omitempty"`
	LastLoadedStatusID     StatusID `json:"last_loaded_status_id,omitempty"`
	LastSeenNotificationID StatusID `json:"last_seen_notification_id,omitempty"`
}

// FlattenStatus builds the persisted record for a fetched status, copying
// content fields from the innermost status and keeping the wrapper's identity
// and reblogger author fields alongside when the status is a reblog.
// The record id stays the wrapper id so cursor pagination remains aligned
// with the server's feed ordering.
func FlattenStatus(accountID string, s *RemoteStatus, now time.Time) StatusRecord {
	target := s.Target()

	rec := StatusRecord{
		ID:        s.ID,
		AccountID: accountID,
		CreatedAt: s.CreatedAt,
		FetchedAt: now,

		AuthorID:          target.Account.ID,
		AuthorUsername:    target.Account.Username,
		AuthorDisplayName: target.Account.DisplayName,
		AuthorAvatarURL:   target.Account.AvatarURL,

		Content:     target.Content,
		Excerpt:     ExcerptHTML(target.Content, DefaultExcerptLength),
		SpoilerText: target.SpoilerText,
		Visibility:  target.Visibility,
		Sensitive:   target.Sensitive,

		RepliesCount:    target.RepliesCount,
		ReblogsCount:    target.ReblogsCount,
		FavouritesCount: target.FavouritesCount,

		Favourited: target.Favourited,
		Reblogged:  target.Reblogged,
		Bookmarked: target.Bookmarked,
		Pinned:     target.Pinned,
		Muted:      target.Muted,
	}

	if s.IsReblog() {
		rec.RebloggedStatusID = s.Reblog.ID
		rec.RebloggerID = s.Account.ID
		rec.RebloggerUsername = s.Account.Username
		rec.RebloggerDisplayName = s.Account.DisplayName
		rec.RebloggerAvatarURL = s.Account.AvatarURL
	}

	for i, att := range target.Attachments {
		rec.Attachments = append(rec.Attachments, flattenAttachment(att, i))
	}

	return rec
}

func flattenAttachment(att RemoteAttachment, order int) AttachmentRecord {
	rec := AttachmentRecord{
		ID:         att.ID,
		Order:      order,
		Type:       ParseAttachmentType(att.Type),
		URL:        att.URL,
		PreviewURL: att.PreviewURL,
		Blurhash:   att.Blurhash,
	}
	if att.Meta != nil {
		rec.Width = att.Meta.Original.Width
		rec.Height = att.Meta.Original.Height
	}
	return rec
}

// MergeDimension applies the set-once rule for pixel dimensions: once a
// positive value is recorded it is immutable; otherwise the incoming value
// is taken.
func MergeDimension(existing, incoming int) int {
	if existing > 0 {
		return existing
	}
	return incoming
}

// MergeAttachments reconciles a freshly flattened attachment list against the
// previously stored one. Attachments are matched by id: matched entries keep
// their recorded payload ref, EXIF data, and set-once dimensions; unmatched
// incoming entries are taken as-is. Order follows the incoming list.
func MergeAttachments(existing, incoming []AttachmentRecord) []AttachmentRecord {
	byID := make(map[string]*AttachmentRecord, len(existing))
	for i := range existing {
		byID[existing[i].ID] = &existing[i]
	}

	merged := make([]AttachmentRecord, 0, len(incoming))
	for _, att := range incoming {
		if prev, ok := byID[att.ID]; ok {
			att.Width = MergeDimension(prev.Width, att.Width)
			att.Height = MergeDimension(prev.Height, att.Height)
			if att.Payload.IsZero() {
				att.Payload = prev.Payload
			}
			if att.Exif == nil {
				att.Exif = prev.Exif
			}
		}
		merged = append(merged, att)
	}
	return merged
}

// CopyMutable re-copies the live fields of a fetched status onto an existing
// record: counts, interaction flags, body, and spoiler text. Identity, author,
// and wrapper fields are left untouched. Attachments are merged with
// MergeAttachments so previously downloaded payloads and recorded dimensions
// survive the refresh.
func CopyMutable(rec *StatusRecord, s *RemoteStatus) {
	target := s.Target()

	rec.Content = target.Content
	rec.Excerpt = ExcerptHTML(target.Content, DefaultExcerptLength)
	rec.SpoilerText = target.SpoilerText
	rec.Sensitive = target.Sensitive

	rec.RepliesCount = target.RepliesCount
	rec.ReblogsCount = target.ReblogsCount
	rec.FavouritesCount = target.FavouritesCount

	rec.Favourited = target.Favourited
	rec.Reblogged = target.Reblogged
	rec.Bookmarked = target.Bookmarked
	rec.Pinned = target.Pinned
	rec.Muted = target.Muted

	var incoming []AttachmentRecord
	for i, att := range target.Attachments {
		incoming = append(incoming, flattenAttachment(att, i))
	}
	rec.Attachments = MergeAttachments(rec.Attachments, incoming)
}
