package gather

import (
	"testing"

	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
)

func TestNewAccessMergeKeepsEarliestRead(t *testing.T) {
	g := New()
	g.NewAccess(100, "a.txt", crc.Reg, recstore.FlagStatic, recstore.DepValue{}, false, "")
	g.NewAccess(50, "a.txt", crc.Reg, recstore.FlagStatic, recstore.DepValue{}, false, "")

	entries := g.Reorder(false)
	if len(entries) != 1 || entries[0].FirstRead != 50 {
		t.Fatalf("expected earliest read time 50, got %+v", entries)
	}
}

func TestWriteEarliestReadLatestInvariant(t *testing.T) {
	g := New()
	// A read and a write reported with ambiguous (equal) timestamps.
	g.NewAccess(100, "a.txt", crc.Reg, 0, recstore.DepValue{}, false, "")
	g.NewTarget(90, "a.txt", recstore.DepValue{}) // write recorded at an earlier time than read

	entries := g.Reorder(false)
	if len(entries) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(entries))
	}
	ai := entries[0]
	if ai.FirstRead > ai.FirstWrite {
		t.Fatalf("law violated: first_read (%d) > first_write (%d)", ai.FirstRead, ai.FirstWrite)
	}
}

func TestReorderAtEndDropsPathsSupersededByTarget(t *testing.T) {
	g := New()
	g.NewAccess(10, "out.txt", crc.Reg, recstore.FlagStatic, recstore.DepValue{}, false, "")
	g.NewTarget(5, "out.txt", recstore.DepValue{})

	atEnd := g.Reorder(true)
	for _, ai := range atEnd {
		if ai.Path == "out.txt" {
			t.Fatalf("out.txt should have been superseded by its earlier target declaration")
		}
	}

	notAtEnd := g.Reorder(false)
	if len(notAtEnd) != 1 {
		t.Fatalf("Reorder(false) should still include every entry, got %d", len(notAtEnd))
	}
}

func TestDigestSeparatesDepsFromTargets(t *testing.T) {
	g := New()
	g.NewAccess(10, "in.txt", crc.Reg, recstore.FlagStatic, recstore.DepValue{}, false, "")
	g.NewTarget(20, "out.txt", recstore.DepValue{CRC: crc.OfFile([]byte("x")), IsCRC: true})

	deps, targets, _, _ := g.Digest()
	if len(deps) != 1 || deps[0].Path != "in.txt" {
		t.Fatalf("expected exactly in.txt in deps, got %+v", deps)
	}
	if _, ok := targets["out.txt"]; !ok {
		t.Fatalf("expected out.txt in targets map, got %+v", targets)
	}
}

func TestBuildDepVectorGroupsParallelDeps(t *testing.T) {
	deps := []DepObservation{
		{Path: "a", Accesses: crc.Reg, ParallelGroup: 1},
		{Path: "b", Accesses: crc.Reg, ParallelGroup: 1},
		{Path: "c", Accesses: crc.Stat, ParallelGroup: 2},
	}
	ids := map[string]namestore.NodeId{"a": 1, "b": 2, "c": 3}
	v := BuildDepVector(deps, func(int) bool { return false }, func(p string) namestore.NodeId { return ids[p] })

	if v.Len() != 3 || v.ChunkCount() != 2 {
		t.Fatalf("expected 3 logical deps in 2 chunks, got Len=%d ChunkCount=%d", v.Len(), v.ChunkCount())
	}
}
