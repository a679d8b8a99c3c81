package recstore

import "github.com/tracemake/tracemake/internal/namestore"
import "github.com/tracemake/tracemake/internal/crc"

// DepFlag is a bit in a Dep's flags field.
type DepFlag uint8

const (
	FlagCritical DepFlag = 1 << iota
	FlagEssential
	FlagIgnoreError
	FlagRequired
	FlagStatic
)

func (f DepFlag) Has(bit DepFlag) bool { return f&bit != 0 }

// DepValue is the discriminated crc-or-date payload of a single dep.
// Invariant (spec.md §3 invariant 2): a dep must never carry IsCRC=true
// together with a CRC that has not actually been verified against the
// node's current signature — callers construct DepValue only through the
// resolution helpers in internal/depdigest, never by hand.
type DepValue struct {
	IsCRC bool
	CRC   crc.CRC
	Date  int64 // unix nanoseconds; meaningful only when !IsCRC
}

// depAttrs are the attributes shared by every bare-node slot in a chunk:
// accesses, flags, and the parallel bit. Per spec.md §3 invariant 4, bare
// slots never carry their own copy of these — only their own DepValue,
// since content naturally differs node to node.
type depAttrs struct {
	Accesses crc.Access
	Flags    DepFlag
	Parallel bool
}

type bareDep struct {
	Node  namestore.NodeId
	Value DepValue
}

// BareEntry is the public-facing shape callers outside this package build
// to append a bare (non-header) dep slot to a chunk, via NewBareEntry.
type BareEntry struct {
	Node  namestore.NodeId
	Value DepValue
}

// NewBareEntry constructs a BareEntry.
func NewBareEntry(node namestore.NodeId, value DepValue) BareEntry {
	return BareEntry{Node: node, Value: value}
}

// depChunk is one maximal run of deps sharing accesses/flags/parallel. The
// chunk's own header dep (HeaderNode/HeaderValue) is logically the first
// dep of the chunk; Bare holds the remaining sz deps. A chunk therefore
// encodes sz+1 logical deps in O(1) header + O(sz) node ids, instead of
// sz+1 full dep records.
type depChunk struct {
	Attrs       depAttrs
	HeaderNode  namestore.NodeId
	HeaderValue DepValue
	Bare        []bareDep
}

// LogicalDep is what DepVector.Iterate yields: a fully expanded, flat dep
// as if chunking had never happened.
type LogicalDep struct {
	Node     namestore.NodeId
	Accesses crc.Access
	Flags    DepFlag
	Parallel bool
	Value    DepValue
}

// DepVector is the append-only, logically-concatenated sequence of Dep
// chunks that make up a Job's static (and, during analysis, discovered)
// dependency list.
type DepVector struct {
	chunks []depChunk
}

// Len returns the number of logical deps (not chunks).
func (v *DepVector) Len() int {
	n := 0
	for _, c := range v.chunks {
		n += 1 + len(c.Bare)
	}
	return n
}

// ChunkCount returns the number of physical chunks, for tests and metrics.
func (v *DepVector) ChunkCount() int { return len(v.chunks) }

// AppendChunk appends a new chunk to the vector. header is the chunk's own
// dep; bare are additional deps sharing header's accesses/flags/parallel.
func (v *DepVector) AppendChunk(accesses crc.Access, flags DepFlag, parallel bool, headerNode namestore.NodeId, headerValue DepValue, bare []BareEntry) {
	c := depChunk{
		Attrs:       depAttrs{Accesses: accesses, Flags: flags, Parallel: parallel},
		HeaderNode:  headerNode,
		HeaderValue: headerValue,
	}
	for _, b := range bare {
		c.Bare = append(c.Bare, bareDep{Node: b.Node, Value: b.Value})
	}
	v.chunks = append(v.chunks, c)
}

// Iterate expands every chunk into its logical deps, in declaration order.
// This is the only way callers should walk a DepVector: it is the contract
// that makes the chunked encoding transparent (spec.md §8 law 4: chunked
// deps round-trip).
func (v *DepVector) Iterate(fn func(LogicalDep) bool) {
	for _, c := range v.chunks {
		header := LogicalDep{
			Node:     c.HeaderNode,
			Accesses: c.Attrs.Accesses,
			Flags:    c.Attrs.Flags,
			Parallel: c.Attrs.Parallel,
			Value:    c.HeaderValue,
		}
		if !fn(header) {
			return
		}
		for _, b := range c.Bare {
			ld := LogicalDep{
				Node:     b.Node,
				Accesses: c.Attrs.Accesses,
				Flags:    c.Attrs.Flags,
				Parallel: c.Attrs.Parallel,
				Value:    b.Value,
			}
			if !fn(ld) {
				return
			}
		}
	}
}

// ToSlice materializes the vector into a flat slice, for convenience in
// tests and in the places the make engine needs random access.
func (v *DepVector) ToSlice() []LogicalDep {
	out := make([]LogicalDep, 0, v.Len())
	v.Iterate(func(d LogicalDep) bool {
		out = append(out, d)
		return true
	})
	return out
}

// ShortenBy drops the last n logical deps, splitting or dropping chunks as
// needed. Used for speculative truncation when a dep walk must back out
// deps it tentatively appended.
func (v *DepVector) ShortenBy(n int) {
	for n > 0 && len(v.chunks) > 0 {
		last := &v.chunks[len(v.chunks)-1]
		if len(last.Bare) >= n {
			last.Bare = last.Bare[:len(last.Bare)-n]
			return
		}
		n -= len(last.Bare) + 1 // + 1 for the header dep itself
		v.chunks = v.chunks[:len(v.chunks)-1]
	}
}

// TruncateTo keeps only the first n logical deps, discarding the rest. Used
// by the make engine when a critical section ends with a modified dep and
// every subsequent section must be discarded (spec.md §4.H).
func (v *DepVector) TruncateTo(n int) {
	if n < 0 {
		n = 0
	}
	total := v.Len()
	if n >= total {
		return
	}
	v.ShortenBy(total - n)
}

// CriticalSections splits the vector into maximal runs starting with a
// critical dep, per spec.md §4.H: "A critical section is a maximal run
// starting with a critical dep." Deps before the first critical dep form
// an implicit leading (non-critical) section with index -1 semantics: they
// are returned as section 0 with critical=false, so callers can treat the
// result uniformly.
type Section struct {
	Critical bool
	Deps     []LogicalDep
}

func (v *DepVector) CriticalSections() []Section {
	flat := v.ToSlice()
	var sections []Section
	var cur *Section
	for _, d := range flat {
		startsNew := d.Flags.Has(FlagCritical)
		if cur == nil || startsNew {
			sections = append(sections, Section{Critical: startsNew})
			cur = &sections[len(sections)-1]
		}
		cur.Deps = append(cur.Deps, d)
	}
	return sections
}
