package cache

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// KeySeparator defines the delimiter used between cache key segments.
const KeySeparator = "::"

// Well known scopes used by the registry helpers.
const (
	ScopeList   = "list"
	ScopeDetail = "detail"
)

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3A")

// QueryKey is an ordered, immutable sequence of segments identifying a cached
// request. Two keys are equal when their segments are equal, regardless of how
// the descriptor that produced them was constructed.
type QueryKey struct {
	segments []string
	encoded  string
}

// KeyPrefix addresses a family of keys, e.g. every "lead list" key.
type KeyPrefix struct {
	segments []string
	encoded  string
}

func newQueryKey(segments ...string) QueryKey {
	cp := append([]string(nil), segments...)
	return QueryKey{segments: cp, encoded: encodeSegments(cp)}
}

// NewKeyPrefix builds a prefix from raw segments.
func NewKeyPrefix(segments ...string) KeyPrefix {
	cp := append([]string(nil), segments...)
	return KeyPrefix{segments: cp, encoded: encodeSegments(cp)}
}

func encodeSegments(segments []string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = segmentEscaper.Replace(s)
	}
	return strings.Join(escaped, KeySeparator)
}

// String returns the canonical encoding of the key. Segments are escaped so the
// encoding is injective and can be used as a map key.
func (k QueryKey) String() string { return k.encoded }

// IsZero reports whether the key has no segments.
func (k QueryKey) IsZero() bool { return len(k.segments) == 0 }

// Equal reports structural equality.
func (k QueryKey) Equal(other QueryKey) bool { return k.encoded == other.encoded }

// Segments returns a copy of the key segments.
func (k QueryKey) Segments() []string { return append([]string(nil), k.segments...) }

// Entity returns the first segment.
func (k QueryKey) Entity() string {
	if len(k.segments) == 0 {
		return ""
	}
	return k.segments[0]
}

// Scope returns the second segment, usually "list" or "detail".
func (k QueryKey) Scope() string {
	if len(k.segments) < 2 {
		return ""
	}
	return k.segments[1]
}

// Hash returns a 64 bit fingerprint of the key.
func (k QueryKey) Hash() uint64 { return xxhash.Sum64String(k.encoded) }

// HasPrefix reports whether the key belongs to the family addressed by p.
// Matching is done on whole segments, "lead" does not match "leads".
func (k QueryKey) HasPrefix(p KeyPrefix) bool {
	if len(p.segments) > len(k.segments) {
		return false
	}
	for i, s := range p.segments {
		if k.segments[i] != s {
			return false
		}
	}
	return true
}

// Prefix returns the prefix formed by the first n segments of the key.
func (k QueryKey) Prefix(n int) KeyPrefix {
	if n > len(k.segments) {
		n = len(k.segments)
	}
	return NewKeyPrefix(k.segments[:n]...)
}

// String returns the canonical encoding of the prefix.
func (p KeyPrefix) String() string { return p.encoded }

// Segments returns a copy of the prefix segments.
func (p KeyPrefix) Segments() []string { return append([]string(nil), p.segments...) }

// Entity returns the first segment of the prefix.
func (p KeyPrefix) Entity() string {
	if len(p.segments) == 0 {
		return ""
	}
	return p.segments[0]
}

// Matches reports whether an encoded key string belongs to the prefix.
func (p KeyPrefix) Matches(encodedKey string) bool {
	if p.encoded == "" {
		return true
	}
	if !strings.HasPrefix(encodedKey, p.encoded) {
		return false
	}
	rest := encodedKey[len(p.encoded):]
	return rest == "" || strings.HasPrefix(rest, KeySeparator)
}

// BuildKey builds a list key for entity/scope from a descriptor plus optional
// sub-resource qualifiers. It is pure: identical inputs always produce equal
// keys regardless of map insertion order or value ordering inside In filters.
func BuildKey(entity, scope string, descriptor FilterDescriptor, qualifiers ...string) QueryKey {
	segments := make([]string, 0, 3+len(qualifiers))
	segments = append(segments, entity, scope)
	segments = append(segments, normalizeQualifiers(qualifiers)...)
	segments = append(segments, descriptor.Canonical())
	return newQueryKey(segments...)
}

// DetailKey returns the key of a single record.
func DetailKey(entity, id string, qualifiers ...string) QueryKey {
	segments := make([]string, 0, 3+len(qualifiers))
	segments = append(segments, entity, ScopeDetail)
	segments = append(segments, normalizeQualifiers(qualifiers)...)
	segments = append(segments, id)
	return newQueryKey(segments...)
}

// Prefix returns the prefix addressing every key of entity under scope.
func Prefix(entity, scope string) KeyPrefix {
	return NewKeyPrefix(entity, scope)
}

// ListPrefix addresses every list key of entity.
func ListPrefix(entity string) KeyPrefix { return Prefix(entity, ScopeList) }

// EntityPrefix addresses every key of entity, lists and details.
func EntityPrefix(entity string) KeyPrefix { return NewKeyPrefix(entity) }

// qualifiers are an unordered set
func normalizeQualifiers(qualifiers []string) []string {
	if len(qualifiers) == 0 {
		return nil
	}
	out := make([]string, 0, len(qualifiers))
	seen := make(map[string]struct{}, len(qualifiers))
	for _, q := range qualifiers {
		if q == "" {
			continue
		}
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	sortStrings(out)
	return out
}
