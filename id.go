package timelinecache

// StatusID is an opaque, totally-ordered status identifier issued by the
// remote feed server. Newer statuses compare greater. The server guarantees
// ids are both lexicographically and numerically monotonic, so ordering is
// byte-wise comparison without any numeric parsing.
type StatusID string

// Less reports whether id orders strictly before other.
func (id StatusID) Less(other StatusID) bool {
	return id < other
}

// IsZero reports whether the id is unset.
func (id StatusID) IsZero() bool {
	return id == ""
}

// String returns the raw id token.
func (id StatusID) String() string {
	return string(id)
}

// MaxStatusID returns the greater of two ids. An unset id loses to any set id.
func MaxStatusID(a, b StatusID) StatusID {
	if a.Less(b) {
		return b
	}
	return a
}

// AdvanceStatusID applies the monotonic cursor rule: it returns candidate only
// if it compares strictly greater than current, otherwise current. Applying an
// older or equal value is a no-op, so out-of-order completions cannot regress
// a cursor.
func AdvanceStatusID(current, candidate StatusID) (StatusID, bool) {
	if current.Less(candidate) {
		return candidate, true
	}
	return current, false
}
