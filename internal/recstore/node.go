package recstore

import (
	"sync"

	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/namestore"
)

// Buildable classifies how a node can be produced. Modeled as a
// discriminated union via a plain enum rather than subclass polymorphism,
// per spec.md §9 Design Notes.
type Buildable uint8

const (
	BuildableUnknown Buildable = iota
	BuildableSrc               // a source file, never produced by a job
	BuildableAnti              // an anti-dependency marker: must NOT exist
	BuildablePlain             // produced by exactly one matching job
	BuildableDecode            // produced via a codec decode rule
	BuildableEncode            // produced via a codec encode rule
	BuildableSubSrc            // a source file living under a source subdirectory
	BuildableSrcDir            // a source directory
	BuildableNo                // statically known unbuildable
	BuildableYes               // statically known buildable, rule not yet resolved
)

// Status is a node's current classification, set by the make engine as it
// resolves what (if anything) produces the node.
type Status uint8

const (
	StatusNone      Status = iota // never analyzed
	StatusPlain                   // produced by exactly actual_job
	StatusMulti                   // matched by more than one rule, ambiguous
	StatusSrc                     // a source file
	StatusUphill                  // produced by a job in an ancestor directory
	StatusTransient                // symlink whose target is still resolving; never cached by CRC
)

// NodeRecord is the mutable state the engine keeps for one abstract file
// path. Canonical name is recoverable through the namestore, never stored
// here redundantly (namestore is the single authority for identity).
type NodeRecord struct {
	CRC       crc.CRC
	Sig       crc.FileSig
	Buildable Buildable
	Status    Status

	// ActualJob is the job whose outputs last wrote this node. Spec.md §3
	// invariant 1: non-zero ActualJob implies that job's targets include
	// this node, or the job is frozen/special. Maintained explicitly by the
	// make engine; recstore does not enforce it (recstore only stores).
	ActualJob namestore.JobId

	// RuleTgts and JobTgts are candidate producers ordered by priority,
	// valid only while MatchGen == the store's global match generation
	// (spec.md §3 invariant 3).
	RuleTgts []string // rule ids, highest priority first
	JobTgts  []namestore.JobId

	MatchGen uint64
}

// Arena is a slice-backed store of typed records indexed by a small integer
// handle, with a single RWMutex guarding the whole arena: allocation and Pop
// take the write lock, Get and iteration take the read lock. This matches
// the single-writer discipline the engine as a whole follows (spec.md §5)
// applied down to the record-store layer instead of to a SQL connection.
type NodeArena struct {
	mu      sync.RWMutex
	records []NodeRecord // index 0 unused
	free    []namestore.NodeId
	matchGen uint64
}

// NewNodeArena creates an empty arena.
func NewNodeArena() *NodeArena {
	return &NodeArena{records: []NodeRecord{{}}}
}

// Allocate creates a fresh record for id, growing the arena if needed. It
// is a no-op (returns the existing record unmodified) if id was already
// allocated — node creation is lazy and idempotent per spec.md §3
// ("created lazily on first mention").
func (a *NodeArena) Allocate(id namestore.NodeId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.growLocked(id)
}

func (a *NodeArena) growLocked(id namestore.NodeId) {
	for int(id) >= len(a.records) {
		a.records = append(a.records, NodeRecord{})
	}
}

// Get returns a copy of the record for id, with the store's current global
// match generation so callers can check invariant 3 themselves.
func (a *NodeArena) Get(id namestore.NodeId) (NodeRecord, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(id) >= len(a.records) {
		return NodeRecord{}, a.matchGen
	}
	return a.records[id], a.matchGen
}

// Update applies fn to the record for id under the write lock.
func (a *NodeArena) Update(id namestore.NodeId, fn func(*NodeRecord)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.growLocked(id)
	fn(&a.records[id])
}

// GlobalMatchGen returns the store-wide generation counter, read without a
// lock per spec.md §5 ("generation counters... monotonic, read without
// lock") — callers that need a consistent snapshot should instead read it
// via Get, which returns it under the same critical section as the record.
func (a *NodeArena) GlobalMatchGen() uint64 {
	return a.matchGen
}

// BumpMatchGeneration increments the global match generation, invalidating
// every node's cached match results (spec.md §3 invariant 3, §9 glossary
// "Match generation"). Called once per rule-set reload.
func (a *NodeArena) BumpMatchGeneration() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.matchGen++
	return a.matchGen
}

// ForEach iterates every allocated, live record. The callback must not call
// back into the arena (it is invoked under the read lock).
func (a *NodeArena) ForEach(fn func(namestore.NodeId, NodeRecord)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	freeSet := make(map[namestore.NodeId]bool, len(a.free))
	for _, id := range a.free {
		freeSet[id] = true
	}
	for i := 1; i < len(a.records); i++ {
		id := namestore.NodeId(i)
		if freeSet[id] {
			continue
		}
		fn(id, a.records[i])
	}
}

// Pop marks id free. Nodes are, per spec.md §3, "never physically destroyed
// during a session" in the ordinary course of a build — Pop exists for the
// rare case of an explicit session reset or test teardown, not for normal
// rule-edit aging (which instead bumps MatchGen and leaves the record live
// but "old", per the node lifecycle note).
func (a *NodeArena) Pop(id namestore.NodeId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[id] = NodeRecord{}
	a.free = append(a.free, id)
}
