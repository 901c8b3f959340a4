package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *PrefixStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "store.db")
	backend, err := OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("failed to open store backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend)
}

func TestPutOverwritesAndOneReturnsLastWrite(t *testing.T) {
	s := newTestStore(t)
	path := Path{"slack", "settings", "token"}

	for _, v := range []string{"first", "second", "third"} {
		if err := s.Put(path, v); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	var got string
	if err := s.Decode(path, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != "third" {
		t.Fatalf("expected last write, got %q", got)
	}
}

func TestOneNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.One(Path{"missing"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestByPrefixMatchesSegmentWise(t *testing.T) {
	s := newTestStore(t)
	put := func(p Path, v any) {
		t.Helper()
		if err := s.Put(p, v); err != nil {
			t.Fatalf("put %v: %v", p, err)
		}
	}
	put(Path{"motion", "snapshot", "front-door"}, map[string]string{"name": "front-door"})
	put(Path{"motion", "snapshot", "garage"}, map[string]string{"name": "garage"})
	put(Path{"motion", "snapshots-old"}, "decoy")
	put(Path{"slack", "settings", "token"}, "tok")

	got, err := s.ByPrefix(Path{"motion", "snapshot"})
	if err != nil {
		t.Fatalf("by prefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d: %v", len(got), keysOf(got))
	}
	for _, k := range []string{"motion::snapshot::front-door", "motion::snapshot::garage"} {
		if _, ok := got[k]; !ok {
			t.Fatalf("missing key %q in %v", k, keysOf(got))
		}
	}
}

func TestByPrefixIncludesExactPathEntry(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(Path{"motion", "enabled"}, true); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.ByPrefix(Path{"motion", "enabled"})
	if err != nil {
		t.Fatalf("by prefix: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the exact entry, got %v", keysOf(got))
	}
}

func TestByPrefixEmptyPrefixReturnsAll(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(Path{"a"}, 1); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Put(Path{"b", "c"}, 2); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.ByPrefix(nil)
	if err != nil {
		t.Fatalf("by prefix: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected full store, got %v", keysOf(got))
	}
}

func TestByPrefixNoMatchesReturnsEmptyMap(t *testing.T) {
	s := newTestStore(t)
	got, err := s.ByPrefix(Path{"nothing", "here"})
	if err != nil {
		t.Fatalf("expected no error for empty prefix scan, got %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty map, got %v", keysOf(got))
	}
}

func TestTrimKeepsNewestNumeric(t *testing.T) {
	s := newTestStore(t)
	// Mixed digit counts: numeric order diverges from string order.
	stamps := []int64{999, 1000, 5, 1200, 1100, 42, 1300}
	for _, ts := range stamps {
		if err := s.Put(Path{"ipCheckHistory", fmt.Sprintf("%d", ts)}, map[string]int64{"at": ts}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	if err := s.Trim(Path{"ipCheckHistory"}, 5); err != nil {
		t.Fatalf("trim: %v", err)
	}

	got, err := s.ByPrefix(Path{"ipCheckHistory"})
	if err != nil {
		t.Fatalf("by prefix: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 survivors, got %d: %v", len(got), keysOf(got))
	}
	for _, kept := range []string{"42", "999", "1000", "1100", "1200", "1300"} {
		key := "ipCheckHistory::" + kept
		_, ok := got[key]
		wantKept := kept != "5" && kept != "42"
		if ok != wantKept {
			t.Fatalf("key %q kept=%v, want %v (survivors: %v)", key, ok, wantKept, keysOf(got))
		}
	}
}

func TestTrimIdempotent(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 8; i++ {
		if err := s.Put(Path{"slack", "activity", fmt.Sprintf("%d", 1000+i)}, i); err != nil {
			t.Fatalf("put: %v", err)
		}
	}

	if err := s.Trim(Path{"slack", "activity"}, 5); err != nil {
		t.Fatalf("first trim: %v", err)
	}
	first, err := s.ByPrefix(Path{"slack", "activity"})
	if err != nil {
		t.Fatalf("by prefix: %v", err)
	}

	if err := s.Trim(Path{"slack", "activity"}, 5); err != nil {
		t.Fatalf("second trim: %v", err)
	}
	second, err := s.ByPrefix(Path{"slack", "activity"})
	if err != nil {
		t.Fatalf("by prefix: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("trim not idempotent: %d then %d entries", len(first), len(second))
	}
	for k := range first {
		if _, ok := second[k]; !ok {
			t.Fatalf("second trim removed %q", k)
		}
	}
}

func TestTrimSmallGroupIsNoOp(t *testing.T) {
	s := newTestStore(t)
	if err := s.Put(Path{"slack", "activity", "1"}, "only"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Trim(Path{"slack", "activity"}, 5); err != nil {
		t.Fatalf("trim: %v", err)
	}
	got, err := s.ByPrefix(Path{"slack", "activity"})
	if err != nil {
		t.Fatalf("by prefix: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected untouched group, got %v", keysOf(got))
	}
}

func TestDeleteThenOneNotFound(t *testing.T) {
	s := newTestStore(t)
	path := Path{"slack", "settings", "notify"}
	if err := s.Put(path, "general"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(path); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.One(path); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func keysOf(m map[string]json.RawMessage) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
