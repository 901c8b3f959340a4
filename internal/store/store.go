package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Separator joins path segments into backend keys. Segments must not
// contain it.
const Separator = "::"

// Path identifies a stored entry, filesystem-style: an ordered, non-empty
// sequence of string segments.
type Path []string

// Key returns the serialized backend key for a path.
func (p Path) Key() string { return strings.Join(p, Separator) }

// ParsePath splits a serialized key back into its segments.
func ParsePath(key string) Path { return strings.Split(key, Separator) }

// PrefixStore layers path-segment keys, prefix scans and retention trimming
// over a flat ordered Backend. Values are arbitrary JSON documents; a write
// replaces the previous value entirely.
type PrefixStore struct {
	backend Backend
}

// New creates a PrefixStore over the given backend.
func New(backend Backend) *PrefixStore {
	return &PrefixStore{backend: backend}
}

// All returns every entry keyed by serialized path. The scan is
// all-or-nothing: a backend error mid-stream discards partial results.
func (s *PrefixStore) All() (map[string]json.RawMessage, error) {
	pairs, err := s.backend.Scan("", "")
	if err != nil {
		return nil, err
	}
	return pairsToMap(pairs), nil
}

// ByPrefix returns every entry whose path starts, segment-wise, with prefix.
// An empty prefix returns the full store. No matches returns an empty map,
// not an error.
func (s *PrefixStore) ByPrefix(prefix Path) (map[string]json.RawMessage, error) {
	if len(prefix) == 0 {
		return s.All()
	}
	out := map[string]json.RawMessage{}

	// The prefix path itself may be an entry.
	if val, err := s.backend.Get(prefix.Key()); err == nil {
		out[prefix.Key()] = json.RawMessage(val)
	} else if err != ErrNotFound {
		return nil, err
	}

	low := prefix.Key() + Separator
	pairs, err := s.backend.Scan(low, prefixSuccessor(low))
	if err != nil {
		return nil, err
	}
	for _, p := range pairs {
		out[p.Key] = json.RawMessage(p.Value)
	}
	return out, nil
}

// One returns the value stored at exactly path, or ErrNotFound.
func (s *PrefixStore) One(path Path) (json.RawMessage, error) {
	val, err := s.backend.Get(path.Key())
	if err != nil {
		return nil, err
	}
	return json.RawMessage(val), nil
}

// Decode reads the entry at path into out.
func (s *PrefixStore) Decode(path Path, out any) error {
	raw, err := s.One(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("store decode %q: %w", path.Key(), err)
	}
	return nil
}

// Put upserts value (JSON-marshalled) at path.
func (s *PrefixStore) Put(path Path, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store encode %q: %w", path.Key(), err)
	}
	return s.backend.Put(path.Key(), string(raw))
}

// Delete removes the entry at path, if present.
func (s *PrefixStore) Delete(path Path) error {
	return s.backend.Delete(path.Key())
}

// Trim bounds the retention group under prefix to its keep newest members,
// ordered by trailing path segment descending. Trailing segments are
// monotonically increasing numeric ids by convention (millisecond
// timestamps), so the comparison is numeric, not lexicographic: "999" is
// older than "1000". Trim is idempotent and a no-op on groups of keep or
// fewer members.
func (s *PrefixStore) Trim(prefix Path, keep int) error {
	if keep < 0 {
		return fmt.Errorf("store trim %q: negative keep %d", prefix.Key(), keep)
	}
	low := prefix.Key() + Separator
	pairs, err := s.backend.Scan(low, prefixSuccessor(low))
	if err != nil {
		return err
	}
	if len(pairs) <= keep {
		return nil
	}

	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	sort.Slice(keys, func(i, j int) bool {
		return trailingLess(keys[j], keys[i]) // newest first
	})
	for _, key := range keys[keep:] {
		if err := s.backend.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// trailingLess orders keys by their trailing segment: numerically when both
// parse as integers, bytewise otherwise. Non-numeric trailing segments sort
// before numeric ones and are therefore trimmed first.
func trailingLess(a, b string) bool {
	sa, sb := lastSegment(a), lastSegment(b)
	na, errA := strconv.ParseInt(sa, 10, 64)
	nb, errB := strconv.ParseInt(sb, 10, 64)
	switch {
	case errA == nil && errB == nil:
		return na < nb
	case errA == nil:
		return false
	case errB == nil:
		return true
	default:
		return sa < sb
	}
}

func pairsToMap(pairs []Pair) map[string]json.RawMessage {
	out := map[string]json.RawMessage{}
	for _, p := range pairs {
		out[p.Key] = json.RawMessage(p.Value)
	}
	return out
}

func lastSegment(key string) string {
	if i := strings.LastIndex(key, Separator); i >= 0 {
		return key[i+len(Separator):]
	}
	return key
}

// prefixSuccessor returns the smallest string that sorts after every string
// beginning with s, by incrementing its last non-0xff byte. This bounds a
// range scan without reserving a sentinel inside the key alphabet.
func prefixSuccessor(s string) string {
	buf := []byte(s)
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] != 0xff {
			buf[i]++
			return string(buf[:i+1])
		}
	}
	// All 0xff: no upper bound, scan to the end of the keyspace.
	return ""
}
