package namestore

import "testing"

func TestInternNodeIdempotent(t *testing.T) {
	s := New()
	a := s.InternNode("src/main.c")
	b := s.InternNode("src/main.c")
	if a != b {
		t.Fatalf("interning the same path twice returned different ids: %d != %d", a, b)
	}
	c := s.InternNode("src/other.c")
	if a == c {
		t.Fatalf("distinct paths must not share an id")
	}
}

func TestLookupRoundTrip(t *testing.T) {
	s := New()
	id := s.InternNode("a/b/c.o")
	path, ok := s.LookupNode(id)
	if !ok || path != "a/b/c.o" {
		t.Fatalf("LookupNode(%d) = (%q, %v), want (a/b/c.o, true)", id, path, ok)
	}
}

func TestDirOf(t *testing.T) {
	s := New()
	id := s.InternNode("a/b/c.o")
	dir := s.DirOf(id)
	path, ok := s.LookupNode(dir)
	if !ok || path != "a/b" {
		t.Fatalf("DirOf(a/b/c.o) = %q, want a/b", path)
	}
}

func TestMatchSuffixSegmentAligned(t *testing.T) {
	s := New()
	s.InternNode("a/b/foo.c")
	s.InternNode("x/yfoo.c") // not segment-aligned, must not match
	s.InternNode("z/foo.c")

	matches := s.MatchSuffix("foo.c")
	if len(matches) != 2 {
		t.Fatalf("MatchSuffix(foo.c) returned %d matches, want 2", len(matches))
	}
	for _, id := range matches {
		p, _ := s.LookupNode(id)
		if p == "x/yfoo.c" {
			t.Fatalf("matched non-segment-aligned suffix %q", p)
		}
	}
}

func TestMatchSuffixDeterministicOrder(t *testing.T) {
	s := New()
	s.InternNode("b/foo.c")
	s.InternNode("a/foo.c")
	s.InternNode("c/foo.c")

	first := s.MatchSuffix("foo.c")
	second := s.MatchSuffix("foo.c")
	if len(first) != len(second) {
		t.Fatalf("match count changed between calls")
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("match order is not stable across calls")
		}
	}
}

func TestInternJobSeparateNamespace(t *testing.T) {
	s := New()
	s.InternNode("out.o")
	jobID := s.InternJob("out.o#compile")
	path, ok := s.LookupJob(jobID)
	if !ok || path != "out.o#compile" {
		t.Fatalf("LookupJob round trip failed: (%q, %v)", path, ok)
	}
}
