// Package gather is the per-job observer that aggregates autodep reports
// into an ordered access record (spec.md §4.F). One Gather exists per
// running job; it implements internal/autodep.Handler so it can sit
// directly behind a job's autodep connection.
package gather

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tracemake/tracemake/internal/autodep"
	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
)

// WriteState summarizes what a path's write history looks like so far, per
// spec.md §4.F's AccessDigest `{write ∈ {No, Maybe, Yes}}`.
type WriteState uint8

const (
	WriteNo WriteState = iota
	WriteMaybe
	WriteYes
)

// AccessDigest is the compact per-path summary spec.md §4.F describes:
// `{write ∈ {No, Maybe, Yes}, accesses, flags}`.
type AccessDigest struct {
	Write    WriteState
	Accesses crc.Access
	Flags    recstore.DepFlag
}

// AccessInfo is the full per-path merge state spec.md §4.F lists: first
// occurrence times for each access kind, plus the initial crc-or-date
// snapshot and parallel grouping.
type AccessInfo struct {
	Path string

	// FirstRead/FirstWrite/FirstTarget/FirstSeenExisting are unix
	// nanosecond timestamps; zero means "never observed".
	FirstRead         int64
	hasRead           bool
	FirstWrite        int64
	hasWrite          bool
	FirstTarget       int64
	hasTarget         bool
	FirstSeenExisting int64
	hasSeenExisting   bool

	Initial       recstore.DepValue // crc-or-date snapshot at first observation
	ParallelGroup int
	Digest        AccessDigest
	Comment       string
}

// merge folds a new observation of the same path into ai, applying the
// "write earliest, read latest" policy of spec.md §4.E/§4.F: a later read
// never loses to an earlier write, but when the relative order of a read
// and a write is ambiguous (this call observes both for the first time, or
// the new write's timestamp would otherwise land before an already-recorded
// read), the merged record is adjusted so FirstRead <= FirstWrite holds —
// i.e. we assume the write happened first and the job legitimately read
// its own freshly written content, rather than flag a phantom hazard.
func (ai *AccessInfo) merge(kind accessKind, t int64) {
	switch kind {
	case kindRead:
		if !ai.hasRead || t < ai.FirstRead {
			ai.FirstRead = t
			ai.hasRead = true
		}
	case kindWrite:
		if !ai.hasWrite || t < ai.FirstWrite {
			ai.FirstWrite = t
			ai.hasWrite = true
		}
	case kindTarget:
		if !ai.hasTarget || t < ai.FirstTarget {
			ai.FirstTarget = t
			ai.hasTarget = true
		}
	case kindSeenExisting:
		if !ai.hasSeenExisting || t < ai.FirstSeenExisting {
			ai.FirstSeenExisting = t
			ai.hasSeenExisting = true
		}
	}

	// Resolve ambiguous ordering: first_read <= first_write always holds in
	// the merged record (spec.md §8 law "Autodep ordering").
	if ai.hasRead && ai.hasWrite && ai.FirstWrite < ai.FirstRead {
		ai.FirstWrite = ai.FirstRead
	}
}

type accessKind uint8

const (
	kindRead accessKind = iota
	kindWrite
	kindTarget
	kindSeenExisting
)

// ExecTime is the exec-time breakdown spec.md §4.F says a Gather produces
// at job end: cpu, wall-in-job, wall-total, rss.
type ExecTime struct {
	CPU       time.Duration
	WallInJob time.Duration
	WallTotal time.Duration
	RSS       int64
}

// TargetInfo is one entry of the targets map a Gather produces at job end:
// the target's content CRC and the union of every access kind observed
// against it while the job ran.
type TargetInfo struct {
	CRC      crc.CRC
	Accesses crc.Access
}

// Gather aggregates autodep reports for exactly one running job.
type Gather struct {
	mu            sync.Mutex
	entries       map[string]*AccessInfo
	parallelGroup int
	inParallelRun bool

	stderr []byte
	exec   ExecTime
}

// New creates an empty Gather.
func New() *Gather {
	return &Gather{entries: make(map[string]*AccessInfo)}
}

func (g *Gather) entry(path string) *AccessInfo {
	ai, ok := g.entries[path]
	if !ok {
		ai = &AccessInfo{Path: path}
		g.entries[path] = ai
	}
	return ai
}

// NewAccess merges one observation into the gather, per spec.md §4.F. kind
// selects which first-occurrence timestamp this observation updates; value
// is recorded as the path's initial crc-or-date snapshot the first time the
// path is ever seen.
func (g *Gather) NewAccess(t int64, path string, accesses crc.Access, flags recstore.DepFlag, value recstore.DepValue, parallel bool, comment string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ai := g.entry(path)
	if ai.Comment == "" {
		ai.Comment = comment
	}
	if !ai.hasRead && !ai.hasWrite && !ai.hasTarget && !ai.hasSeenExisting {
		ai.Initial = value
	}
	ai.Digest.Accesses |= accesses
	ai.Digest.Flags |= flags

	if !parallel {
		g.parallelGroup++
	}
	ai.ParallelGroup = g.parallelGroup

	ai.merge(kindRead, t)
}

// NewDeps records a fire-and-forget Deps report: a pure read observation of
// every listed path.
func (g *Gather) NewDeps(t int64, paths []string, accesses crc.Access, parallel bool, comment string) {
	for _, p := range paths {
		g.NewAccess(t, p, accesses, recstore.FlagStatic, recstore.DepValue{}, parallel, comment)
	}
}

// NewTarget records a Targets report: path was written as a job output.
func (g *Gather) NewTarget(t int64, path string, value recstore.DepValue) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ai := g.entry(path)
	ai.merge(kindWrite, t)
	ai.merge(kindTarget, t)
	ai.Digest.Write = WriteYes
	ai.Initial = value
}

// NewUnlnk records an Unlinks report: path was deleted by the job.
func (g *Gather) NewUnlnk(t int64, path string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ai := g.entry(path)
	ai.merge(kindWrite, t)
	if ai.Digest.Write == WriteNo {
		ai.Digest.Write = WriteMaybe
	}
}

// NewExec records the exec-time breakdown the backend reports at job end.
func (g *Gather) NewExec(exec ExecTime) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.exec = exec
}

// AppendStderr appends to the job's captured stderr buffer.
func (g *Gather) AppendStderr(b []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stderr = append(g.stderr, b...)
}

// Reorder sorts entries by first-read-time and discards entries superseded
// by a later target declaration for the same path, per spec.md §4.F
// `reorder(at_end)`. atEnd additionally drops entries whose only access was
// a read that a later target write fully supersedes (the path's identity as
// a dep is moot once the job itself produces it).
func (g *Gather) Reorder(atEnd bool) []AccessInfo {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]AccessInfo, 0, len(g.entries))
	for _, ai := range g.entries {
		if atEnd && ai.hasTarget && ai.hasRead && ai.FirstTarget <= ai.FirstRead {
			// The job declared this a target before (or at) the point it
			// was read: it is an output, not an input dependency, even
			// though a read was also observed.
			continue
		}
		out = append(out, *ai)
	}

	sort.Slice(out, func(i, j int) bool {
		ti, tj := readTimeFor(out[i]), readTimeFor(out[j])
		if ti != tj {
			return ti < tj
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func readTimeFor(ai AccessInfo) int64 {
	if ai.hasRead {
		return ai.FirstRead
	}
	if ai.hasWrite {
		return ai.FirstWrite
	}
	return ai.FirstTarget
}

// DepObservation is one path-level dependency ready to be interned and
// chunked into a recstore.DepVector. Gather stays free of a namestore
// dependency by stopping here; BuildDepVector does the interning.
type DepObservation struct {
	Path          string
	Accesses      crc.Access
	Flags         recstore.DepFlag
	Value         recstore.DepValue
	ParallelGroup int
}

// Digest assembles the end-of-job outputs spec.md §4.F names: an ordered
// list of dep observations (ready to chunk by parallel group), a targets
// map, the stderr buffer, and the exec-time breakdown.
func (g *Gather) Digest() (deps []DepObservation, targets map[string]TargetInfo, stderr []byte, exec ExecTime) {
	entries := g.Reorder(true)

	targets = make(map[string]TargetInfo)
	g.mu.Lock()
	stderr = append([]byte(nil), g.stderr...)
	exec = g.exec
	g.mu.Unlock()

	for _, ai := range entries {
		if ai.hasTarget {
			targets[ai.Path] = TargetInfo{CRC: ai.Initial.CRC, Accesses: ai.Digest.Accesses}
			continue
		}
		deps = append(deps, DepObservation{
			Path:          ai.Path,
			Accesses:      ai.Digest.Accesses,
			Flags:         ai.Digest.Flags,
			Value:         ai.Initial,
			ParallelGroup: ai.ParallelGroup,
		})
	}
	return deps, targets, stderr, exec
}

// BuildDepVector chunks an ordered DepObservation list into a
// recstore.DepVector, grouping consecutive observations that share a
// parallel group into a single chunk (spec.md §3 "Encoding invariant": a
// chunk header carries flags and shared attributes, subsequent slots
// inherit them). intern resolves each path to its namestore.NodeId. The
// chunk's own Parallel bit is true when the group's first member was
// itself opened in parallel with whatever preceded it.
func BuildDepVector(deps []DepObservation, parallel func(group int) bool, intern func(string) namestore.NodeId) recstore.DepVector {
	var v recstore.DepVector
	i := 0
	for i < len(deps) {
		j := i + 1
		group := deps[i].ParallelGroup
		for j < len(deps) && deps[j].ParallelGroup == group {
			j++
		}
		chunk := deps[i:j]
		header := chunk[0]

		var bare []recstore.BareEntry
		for _, d := range chunk[1:] {
			bare = append(bare, recstore.NewBareEntry(intern(d.Path), d.Value))
		}

		v.AppendChunk(header.Accesses, header.Flags, parallel(group), intern(header.Path), header.Value, bare)
		i = j
	}
	return v
}

// Handle implements autodep.Handler, routing each wire message kind to the
// matching Gather entry point. Synchronous kinds (DepCrcs, ChkDeps) are not
// resolved here — Gather only observes fire-and-forget reports; makeengine
// wraps Gather in depQueryHandler to answer those two from the live node
// store instead of returning a bare, kindless reply.
func (g *Gather) Handle(ctx context.Context, m autodep.Message) autodep.Message {
	switch m.Kind {
	case autodep.KindDeps:
		g.NewDeps(m.Date, filePaths(m.Files), crc.Access(m.Accesses), false, m.Comment)
	case autodep.KindUpdates:
		for _, f := range m.Files {
			g.NewAccess(m.Date, f.Path, crc.Access(m.Accesses), recstore.FlagStatic, dateValue(f), false, m.Comment)
			g.NewTarget(m.Date, f.Path, dateValue(f))
		}
	case autodep.KindTargets:
		for _, f := range m.Files {
			g.NewTarget(m.Date, f.Path, dateValue(f))
		}
	case autodep.KindUnlinks:
		for _, f := range m.Files {
			g.NewUnlnk(m.Date, f.Path)
		}
	case autodep.KindHeartbeat, autodep.KindCriticalBarrier, autodep.KindTmp:
		// No per-path state to merge; makeengine observes these directly
		// off the Conn if it needs to react (e.g. CriticalBarrier ordering,
		// Tmp cleanup scheduling).
	}
	return autodep.Message{}
}

func filePaths(files []autodep.FileEntry) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}

func dateValue(f autodep.FileEntry) recstore.DepValue {
	if f.Absent {
		return recstore.DepValue{IsCRC: true, CRC: crc.NoneCRC}
	}
	return recstore.DepValue{Date: f.Date}
}
