// Package request implements the Req entity (spec.md §4.G): the root of a
// user command, owning per-node/per-job ephemeral state, an ETA estimate
// among concurrently open requests, and a resource-token budget.
package request

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracemake/tracemake/internal/namestore"
)

// Goal is the level a ReqInfo is driven towards, per spec.md §4.G.
type Goal uint8

const (
	GoalNone Goal = iota
	GoalMakable
	GoalStatus
	GoalDsk
)

// IDGenerator produces Request ids. Implemented by UUIDv7Generator
// (production, time-sortable so audit trace ordering matches ETA-heap
// ordering) and a fixed generator for tests (internal/testutil).
type IDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 Request ids: the
// timestamp in the most significant bits means ids sort the same way the
// ETA heap and audit log do.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// WakeFunc is offered to every watcher of a node/job when it completes.
type WakeFunc func()

// ReqInfo is the per-node or per-job ephemeral state a Req tracks: current
// goal, current done level, and the watcher fan-out list (spec.md §4.G).
type ReqInfo struct {
	mu        sync.Mutex
	Goal      Goal
	DoneLevel Goal
	watchers  []WakeFunc
}

// RaiseGoal sets Goal to the max of its current value and g. Raising the
// goal is the only way DoneLevel may need to "go backwards" relative to it
// (spec.md §3 invariant 5: "done_level ≤ requested_goal monotonically,
// except on explicit reset when goal is raised").
func (ri *ReqInfo) RaiseGoal(g Goal) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if g > ri.Goal {
		ri.Goal = g
	}
}

// AdvanceDone moves DoneLevel forward, never past the current Goal and
// never backward (spec.md §3 invariant 5, §8 invariant 1).
func (ri *ReqInfo) AdvanceDone(level Goal) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if level > ri.Goal {
		level = ri.Goal
	}
	if level > ri.DoneLevel {
		ri.DoneLevel = level
	}
}

// IsDone reports whether DoneLevel has reached the current Goal.
func (ri *ReqInfo) IsDone() bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.DoneLevel >= ri.Goal
}

// AddWatcher registers fn to be called exactly once, the next time this
// entity completes (i.e. reaches its current Goal).
func (ri *ReqInfo) AddWatcher(fn WakeFunc) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.watchers = append(ri.watchers, fn)
}

// WakeWatchers calls and clears every registered watcher. Per spec.md §5
// ordering guarantees, callers must make the entity's own done_ state
// visible (e.g. via AdvanceDone) before calling WakeWatchers, so a woken
// watcher that immediately re-checks IsDone observes the update.
func (ri *ReqInfo) WakeWatchers() {
	ri.mu.Lock()
	watchers := ri.watchers
	ri.watchers = nil
	ri.mu.Unlock()

	for _, w := range watchers {
		w()
	}
}

// Stats are the per-Req counters spec.md §4.G requires for audit.
type Stats struct {
	mu          sync.Mutex
	JobsRun     int
	CacheHits   int
	CacheMisses int
	Errors      int
}

func (s *Stats) IncJobsRun()     { s.mu.Lock(); s.JobsRun++; s.mu.Unlock() }
func (s *Stats) IncCacheHit()    { s.mu.Lock(); s.CacheHits++; s.mu.Unlock() }
func (s *Stats) IncCacheMiss()   { s.mu.Lock(); s.CacheMisses++; s.mu.Unlock() }
func (s *Stats) IncErrors()      { s.mu.Lock(); s.Errors++; s.mu.Unlock() }

// Snapshot returns a copy of the counters, safe to read concurrently with
// further increments.
func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{JobsRun: s.JobsRun, CacheHits: s.CacheHits, CacheMisses: s.CacheMisses, Errors: s.Errors}
}

// Req is a user-initiated build invocation (spec.md §3 entity "Request").
type Req struct {
	ID      string
	RootJob namestore.JobId

	mu       sync.RWMutex
	nodeInfo map[namestore.NodeId]*ReqInfo
	jobInfo  map[namestore.JobId]*ReqInfo

	Stats Stats
	Eta   time.Time

	tokens *TokenBucket

	zombieMu sync.Mutex
	zombie   bool

	clashMu    sync.Mutex
	clashNodes map[namestore.NodeId]bool

	Audit chan AuditEvent
}

// MarkClash records that id was observed written by two overlapping jobs
// (spec.md §4.H clash detection: "the target is inserted into the
// Request's clash_nodes set").
func (r *Req) MarkClash(id namestore.NodeId) {
	r.clashMu.Lock()
	defer r.clashMu.Unlock()
	if r.clashNodes == nil {
		r.clashNodes = make(map[namestore.NodeId]bool)
	}
	r.clashNodes[id] = true
}

// IsClash reports whether id has ever been marked as clashing within this
// Req.
func (r *Req) IsClash(id namestore.NodeId) bool {
	r.clashMu.Lock()
	defer r.clashMu.Unlock()
	return r.clashNodes[id]
}

// ClashNodes returns a snapshot of every node currently marked as clashing.
func (r *Req) ClashNodes() []namestore.NodeId {
	r.clashMu.Lock()
	defer r.clashMu.Unlock()
	out := make([]namestore.NodeId, 0, len(r.clashNodes))
	for id := range r.clashNodes {
		out = append(out, id)
	}
	return out
}

// AuditEvent is one entry on a Req's audit channel; internal/audit
// consumes these to persist the durable event log.
type AuditEvent struct {
	Time    time.Time
	Kind    string
	NodeID  namestore.NodeId
	JobID   namestore.JobId
	Detail  string
}

// New opens a Req with the given root job and a resource-token budget of
// nTokens concurrently-running jobs.
func New(gen IDGenerator, rootJob namestore.JobId, nTokens int) *Req {
	return &Req{
		ID:       gen.Generate(),
		RootJob:  rootJob,
		nodeInfo: make(map[namestore.NodeId]*ReqInfo),
		jobInfo:  make(map[namestore.JobId]*ReqInfo),
		tokens:   NewTokenBucket(nTokens),
		Audit:    make(chan AuditEvent, 256),
	}
}

// NodeInfo returns (creating if necessary) the ReqInfo for a node.
func (r *Req) NodeInfo(id namestore.NodeId) *ReqInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ri, ok := r.nodeInfo[id]
	if !ok {
		ri = &ReqInfo{}
		r.nodeInfo[id] = ri
	}
	return ri
}

// JobInfo returns (creating if necessary) the ReqInfo for a job.
func (r *Req) JobInfo(id namestore.JobId) *ReqInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	ri, ok := r.jobInfo[id]
	if !ok {
		ri = &ReqInfo{}
		r.jobInfo[id] = ri
	}
	return ri
}

// Kill sets the zombie flag: spec.md §5 cancellation semantics — the engine
// must still fold any in-flight job-end statistics for this Req, but never
// propagate them to audit once zombie.
func (r *Req) Kill() {
	r.zombieMu.Lock()
	defer r.zombieMu.Unlock()
	r.zombie = true
}

// IsZombie reports whether Kill has been called.
func (r *Req) IsZombie() bool {
	r.zombieMu.Lock()
	defer r.zombieMu.Unlock()
	return r.zombie
}

// Tokens returns the Req's resource-token bucket, used by the make engine
// to gate how many of this Req's jobs may be Queued/Exec concurrently.
func (r *Req) Tokens() *TokenBucket { return r.tokens }

// TokenBucket is a blocking counting semaphore: spec.md §4.H's
// speculative-execution token concept generalized from the teacher's
// QuotaEnforcer hard cap into a concurrency limiter that blocks rather
// than errors when exhausted.
type TokenBucket struct {
	ch chan struct{}
}

// NewTokenBucket creates a bucket with n tokens. n<=0 means unlimited
// (Acquire never blocks).
func NewTokenBucket(n int) *TokenBucket {
	if n <= 0 {
		return &TokenBucket{}
	}
	ch := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		ch <- struct{}{}
	}
	return &TokenBucket{ch: ch}
}

// Acquire blocks until a token is available or ctx is cancelled.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	if b.ch == nil {
		return nil
	}
	select {
	case <-b.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a token to the bucket.
func (b *TokenBucket) Release() {
	if b.ch == nil {
		return
	}
	select {
	case b.ch <- struct{}{}:
	default:
		// Over-release is a caller bug, not a reason to deadlock or panic.
	}
}

// RemainingPerRule is the ETA-formula input for one rule in a Req's
// critical path: exec_time per job, jobs still remaining (Dep or Queued
// level, per the original_source-supplemented note in SPEC_FULL.md §4.G),
// and the rule's concurrency token count.
type RemainingPerRule struct {
	ExecTime      time.Duration
	JobsRemaining int
	Tokens        int
}

// ComputeETA implements spec.md §4.G's formula:
// `eta = now + Σ over rules in critical path (exec_time × n_jobs_remaining / n_tokens)`.
// Tokens<=0 is treated as 1 to avoid division by zero for an
// unthrottled rule.
func ComputeETA(now time.Time, criticalPath []RemainingPerRule) time.Time {
	var total time.Duration
	for _, r := range criticalPath {
		tokens := r.Tokens
		if tokens <= 0 {
			tokens = 1
		}
		total += time.Duration(int64(r.ExecTime) * int64(r.JobsRemaining) / int64(tokens))
	}
	return now.Add(total)
}

// Heap is a min-heap of open Reqs ordered by ETA (spec.md §4.G: "a global
// min-heap of requests by ETA is maintained so that backends can prioritize
// jobs"). OnReorder, if set, is called whenever the heap's root changes,
// matching "ETA recompute... triggers a backend notification only when the
// order among open requests changes".
type Heap struct {
	mu        sync.Mutex
	items     reqHeap
	OnReorder func(newFront *Req)
}

// NewHeap creates an empty Heap.
func NewHeap() *Heap { return &Heap{} }

// Push adds r to the heap.
func (h *Heap) Push(r *Req) {
	h.mu.Lock()
	prevFront := h.frontLocked()
	heap.Push(&h.items, r)
	h.notifyIfReorderedLocked(prevFront)
	h.mu.Unlock()
}

// Remove removes r from the heap, if present.
func (h *Heap) Remove(r *Req) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prevFront := h.frontLocked()
	for i, item := range h.items {
		if item == r {
			heap.Remove(&h.items, i)
			break
		}
	}
	h.notifyIfReorderedLocked(prevFront)
}

// UpdateETA recomputes r's position after its ETA field changed.
func (h *Heap) UpdateETA(r *Req) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prevFront := h.frontLocked()
	for i, item := range h.items {
		if item == r {
			heap.Fix(&h.items, i)
			break
		}
	}
	h.notifyIfReorderedLocked(prevFront)
}

// Front returns the Req with the earliest ETA, or nil if the heap is empty.
func (h *Heap) Front() *Req {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.frontLocked()
}

func (h *Heap) frontLocked() *Req {
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *Heap) notifyIfReorderedLocked(prevFront *Req) {
	if h.OnReorder == nil {
		return
	}
	if newFront := h.frontLocked(); newFront != prevFront {
		h.OnReorder(newFront)
	}
}

// Len returns the number of open requests tracked by the heap.
func (h *Heap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}

type reqHeap []*Req

func (h reqHeap) Len() int            { return len(h) }
func (h reqHeap) Less(i, j int) bool  { return h[i].Eta.Before(h[j].Eta) }
func (h reqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *reqHeap) Push(x interface{}) { *h = append(*h, x.(*Req)) }
func (h *reqHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
