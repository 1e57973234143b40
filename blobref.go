package timelinecache

import (
	"fmt"
	"strings"
)

// Algorithm identifies the hash algorithm used in a blob reference.
type Algorithm string

// AlgBLAKE3 is the only algorithm currently produced by this module.
const AlgBLAKE3 Algorithm = "blake3"

// BlobRef is a content-addressed reference to a stored media payload,
// combining an algorithm identifier with a hash digest. Attachment records
// reference their downloaded bytes through BlobRefs so that the same payload
// surfaced by several reblogs is stored once.
type BlobRef struct {
	Alg  Algorithm
	Hash Hash
}

// NewBlobRef creates a BlobRef using the default BLAKE3 algorithm.
func NewBlobRef(h Hash) BlobRef {
	return BlobRef{Alg: AlgBLAKE3, Hash: h}
}

// String returns the canonical "algorithm:hex" form.
func (r BlobRef) String() string {
	return string(r.Alg) + ":" + r.Hash.String()
}

// IsZero returns true if the ref does not point at a payload.
func (r BlobRef) IsZero() bool {
	return r.Hash.IsZero()
}

// MarshalText implements encoding.TextMarshaler.
func (r BlobRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *BlobRef) UnmarshalText(text []byte) error {
	parsed, err := ParseBlobRef(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseBlobRef parses a blob reference string in the form "algorithm:hex".
// The algorithm is case-insensitive and normalised to lowercase. Plain hex
// strings (without an algorithm prefix) are accepted and assumed to be BLAKE3.
func ParseBlobRef(s string) (BlobRef, error) {
	if s == "" {
		return BlobRef{}, fmt.Errorf("empty blob ref")
	}

	algoStr, hexStr, hasPrefix := strings.Cut(s, ":")
	if !hasPrefix {
		hexStr = algoStr
		algoStr = string(AlgBLAKE3)
	}

	if Algorithm(strings.ToLower(algoStr)) != AlgBLAKE3 {
		return BlobRef{}, fmt.Errorf("unsupported algorithm %q in blob ref %q", algoStr, s)
	}

	h, err := ParseHash(strings.ToLower(hexStr))
	if err != nil {
		return BlobRef{}, fmt.Errorf("invalid hash in blob ref %q: %w", s, err)
	}

	return BlobRef{Alg: AlgBLAKE3, Hash: h}, nil
}
