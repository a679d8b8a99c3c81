package recstore

import (
	"testing"

	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/namestore"
)

func TestDepVectorIterateRoundTrip(t *testing.T) {
	var v DepVector
	v.AppendChunk(crc.Reg, FlagCritical, false,
		namestore.NodeId(1), DepValue{IsCRC: true, CRC: crc.OfFile([]byte("a"))},
		[]BareEntry{
			NewBareEntry(namestore.NodeId(2), DepValue{IsCRC: true, CRC: crc.OfFile([]byte("b"))}),
			NewBareEntry(namestore.NodeId(3), DepValue{IsCRC: true, CRC: crc.OfFile([]byte("c"))}),
		})
	v.AppendChunk(crc.Stat, 0, true,
		namestore.NodeId(4), DepValue{Date: 42},
		nil)

	flat := v.ToSlice()
	if len(flat) != 4 {
		t.Fatalf("expected 4 logical deps, got %d", len(flat))
	}
	if v.Len() != 4 || v.ChunkCount() != 2 {
		t.Fatalf("Len/ChunkCount mismatch: Len=%d ChunkCount=%d", v.Len(), v.ChunkCount())
	}

	// Invariant: bare slots inherit the chunk header's accesses/flags/parallel.
	for i := 0; i < 3; i++ {
		if flat[i].Accesses != crc.Reg || flat[i].Flags != FlagCritical || flat[i].Parallel != false {
			t.Fatalf("dep %d did not inherit chunk header attrs: %+v", i, flat[i])
		}
	}
	if flat[3].Node != namestore.NodeId(4) || flat[3].Accesses != crc.Stat {
		t.Fatalf("second chunk header dep wrong: %+v", flat[3])
	}
}

func TestDepVectorTruncateTo(t *testing.T) {
	var v DepVector
	v.AppendChunk(crc.Reg, FlagCritical, false, namestore.NodeId(1), DepValue{},
		[]BareEntry{NewBareEntry(namestore.NodeId(2), DepValue{}), NewBareEntry(namestore.NodeId(3), DepValue{})})
	v.AppendChunk(crc.Stat, 0, false, namestore.NodeId(4), DepValue{}, nil)

	v.TruncateTo(2)
	if v.Len() != 2 {
		t.Fatalf("TruncateTo(2): Len() = %d, want 2", v.Len())
	}
	flat := v.ToSlice()
	if flat[0].Node != namestore.NodeId(1) || flat[1].Node != namestore.NodeId(2) {
		t.Fatalf("TruncateTo kept wrong deps: %+v", flat)
	}
}

func TestCriticalSections(t *testing.T) {
	var v DepVector
	// section 1: critical A, non-critical B (same chunk attrs differ so two chunks)
	v.AppendChunk(crc.Reg, FlagCritical, false, namestore.NodeId(1), DepValue{}, nil)
	v.AppendChunk(crc.Reg, 0, false, namestore.NodeId(2), DepValue{}, nil)
	// section 2: critical C
	v.AppendChunk(crc.Reg, FlagCritical, false, namestore.NodeId(3), DepValue{}, nil)

	sections := v.CriticalSections()
	if len(sections) != 2 {
		t.Fatalf("expected 2 critical sections, got %d: %+v", len(sections), sections)
	}
	if len(sections[0].Deps) != 2 || len(sections[1].Deps) != 1 {
		t.Fatalf("unexpected section sizes: %+v", sections)
	}
	if !sections[0].Critical || !sections[1].Critical {
		t.Fatalf("both sections should be marked critical (they start with a critical dep)")
	}
}
