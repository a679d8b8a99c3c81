// Package namestore is the single authority for identity: a bijection
// between filesystem paths and dense small integers, in two separate
// namespaces (nodes and jobs), plus a suffix trie used to answer "which
// rule/job targets could match this path" queries for star-target matching.
//
// The on-disk key/value table format a production engine would use to back
// this store is explicitly out of scope (see spec.md §1); this package is a
// plain in-memory arena. Prefix sharing between paths is a performance
// concern only, implemented here as a simple map-of-children trie rather
// than a packed radix structure.
package namestore

import (
	"sort"
	"strings"
	"sync"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// NodeId is a dense small-integer handle into the node namespace.
// The zero value is never a valid allocated id (ids start at 1) so a
// zero-valued NodeId reliably means "no node" in optional fields.
type NodeId int32

// JobId is a dense small-integer handle into the job namespace.
type JobId int32

// Separator is the path-component separator. Paths are arbitrary printable
// bytes; only this one byte carries separator meaning, matching the
// "POSIX-like paths" ambition of spec.md §1's non-goals (no attempt to
// model drive letters, UNC paths, or other non-POSIX conventions).
const Separator = '/'

type trieNode struct {
	children map[string]*trieNode
	nodeID   NodeId // set iff a path terminates exactly here
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// Store is the bidirectional path<->id mapping for both namespaces.
type Store struct {
	mu sync.RWMutex

	nodePaths []string // index 0 unused, NodeId(i) -> path
	nodeIdx   map[string]NodeId
	nodeTrie  *trieNode // segment-by-segment, for suffix/star-target queries

	jobPaths []string // index 0 unused, JobId(i) -> job-suffixed path
	jobIdx   map[string]JobId
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		nodePaths: []string{""},
		nodeIdx:   make(map[string]NodeId),
		nodeTrie:  newTrieNode(),
		jobPaths:  []string{""},
		jobIdx:    make(map[string]JobId),
	}
}

// InternNode returns the NodeId for path, allocating a new one if this is
// the first time path has been mentioned. Idempotent: repeated calls with
// the same path return the same id.
func (s *Store) InternNode(path string) NodeId {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.nodeIdx[path]; ok {
		return id
	}

	id := NodeId(len(s.nodePaths))
	s.nodePaths = append(s.nodePaths, path)
	s.nodeIdx[path] = id
	s.insertTrie(path, id)
	return id
}

// LookupNode recovers the canonical path for a NodeId. Returns false if the
// id was never allocated by this store.
func (s *Store) LookupNode(id NodeId) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id <= 0 || int(id) >= len(s.nodePaths) {
		return "", false
	}
	return s.nodePaths[id], true
}

// DirOf returns the NodeId of path's parent directory, interning it if
// necessary. DirOf of a top-level path returns the root ("").
func (s *Store) DirOf(id NodeId) NodeId {
	path, ok := s.LookupNode(id)
	if !ok {
		return 0
	}
	idx := strings.LastIndexByte(path, Separator)
	if idx < 0 {
		return s.InternNode("")
	}
	return s.InternNode(path[:idx])
}

// InternJob returns the JobId for a job-suffixed path (the full target path
// suffixed with a rule discriminator, per spec.md §3 Job identity), creating
// one if needed.
func (s *Store) InternJob(suffixedPath string) JobId {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.jobIdx[suffixedPath]; ok {
		return id
	}
	id := JobId(len(s.jobPaths))
	s.jobPaths = append(s.jobPaths, suffixedPath)
	s.jobIdx[suffixedPath] = id
	return id
}

// LookupJob recovers the job-suffixed path for a JobId.
func (s *Store) LookupJob(id JobId) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id <= 0 || int(id) >= len(s.jobPaths) {
		return "", false
	}
	return s.jobPaths[id], true
}

// insertTrie indexes path, segment by segment, into the suffix trie.
// Must be called with s.mu held for writing.
func (s *Store) insertTrie(path string, id NodeId) {
	segs := splitSegments(path)
	cur := s.nodeTrie
	for _, seg := range segs {
		child, ok := cur.children[seg]
		if !ok {
			child = newTrieNode()
			cur.children[seg] = child
		}
		cur = child
	}
	cur.nodeID = id
}

func splitSegments(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(strings.Trim(path, string(Separator)), string(Separator))
}

// MatchSuffix returns every interned node whose path ends with the given
// suffix path (segment-aligned — a suffix match never splits a segment in
// the middle). Results are ordered using a locale-stable collator so star-
// target candidate iteration order is reproducible across machines, rather
// than depending on Go's randomized map iteration order.
func (s *Store) MatchSuffix(suffix string) []NodeId {
	suffixSegs := splitSegments(suffix)
	if len(suffixSegs) == 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []NodeId
	for path, id := range s.nodeIdx {
		segs := splitSegments(path)
		if hasSuffix(segs, suffixSegs) {
			matches = append(matches, id)
		}
	}

	paths := make([]string, len(matches))
	byPath := make(map[string]NodeId, len(matches))
	for i, id := range matches {
		p := s.nodePaths[id]
		paths[i] = p
		byPath[p] = id
	}
	col := collate.New(language.Und)
	sort.Slice(paths, func(i, j int) bool {
		return col.CompareString(paths[i], paths[j]) < 0
	})

	ordered := make([]NodeId, len(paths))
	for i, p := range paths {
		ordered[i] = byPath[p]
	}
	return ordered
}

func hasSuffix(segs, suffixSegs []string) bool {
	if len(suffixSegs) > len(segs) {
		return false
	}
	offset := len(segs) - len(suffixSegs)
	for i, s := range suffixSegs {
		if segs[offset+i] != s {
			return false
		}
	}
	return true
}
