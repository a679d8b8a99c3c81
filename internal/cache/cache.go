// Package cache implements the content-addressed, LRU job-output cache
// (spec.md §4.I). An entry is keyed by {rule, stems, dep-crcs} and holds a
// job's end digest plus its target files, laid out on disk exactly as
// spec.md §6 "Persisted layout (cache)" describes:
//
//	<cache_root>/LMAKE/lru                     # head record
//	<cache_root>/<sanitized-job-name>/<repo>/lru
//	<cache_root>/<sanitized-job-name>/<repo>/data
//	<cache_root>/<sanitized-job-name>/<repo>/deps
//	<cache_root>/<sanitized-job-name>/<repo>/<target-index>
//
// A job-key (spec.md's "sanitized-job-name") can hold several sibling
// <repo> entries at once: two uploads of the same rule+stems whose actual
// dep set came out different (a dep-crcs generation change) land in
// distinct entries rather than one overwriting the other, exactly as
// original_source/src/lmakeserver/caches/dir_cache.cc's DirCache::match
// walks every sibling under a job's directory (lst_dir) looking for a Hit
// or intersecting their unresolved-dep sets. <repo> there additionally
// distinguished machines/checkouts sharing one physical cache; this engine
// has no such multi-machine config, so the sub-entry id is instead the
// content hash of the entry's own deps blob — the only source of distinct
// siblings a single-repo instance of this engine can produce.
//
// Locking follows spec.md §4.I exactly: Download takes a shared lock on the
// entry then (to move it to MRU) the global exclusive lock; Upload takes
// the global exclusive lock *first*, then the entry exclusive lock, always
// in that order, to avoid deadlock with concurrent Downloads/Uploads of
// different entries.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
)

// Key names a job's cache bucket: a content hash of {rule, stems}. A bucket
// can hold several sibling entries (see EntryID) — one per distinct dep
// generation that rule+stems combination has ever produced.
type Key string

// KeyOf computes the cache key for a job from its rule id and stems,
// sanitized into a safe directory-name component.
func KeyOf(ruleID string, stems map[string]string) Key {
	keys := make([]string, 0, len(stems))
	for k := range stems {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(ruleID)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(stems[k])
	}
	h := sha256.Sum256([]byte(b.String()))
	return Key(hex.EncodeToString(h[:]))
}

// EntryID names one on-disk entry: a bucket (Key) plus a Sub id
// distinguishing it from any sibling entry sharing that bucket. The zero
// value (both fields empty) is used as the LRU list's "no neighbor"
// sentinel, matching the previous single-entry design's use of "".
type EntryID struct {
	Key Key    `json:"key"`
	Sub string `json:"sub"`
}

func (id EntryID) empty() bool { return id.Key == "" && id.Sub == "" }

// subIDFor derives an entry's Sub id from its deps blob, so re-uploading
// the same job with the same resolved deps lands on the same entry
// (idempotent overwrite) while a dep-crcs generation change produces a
// fresh sibling.
func subIDFor(deps []CachedDep) string {
	data, _ := json.Marshal(deps)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])[:16]
}

// CachedDep is one entry of the on-disk "deps" blob: the dependency's path
// (resolved back to a NodeId by the caller's namestore at match time),
// the access mask/flags it was opened under, and its recorded crc-or-date
// value at the time this job ran.
type CachedDep struct {
	Path     string            `json:"path"`
	Accesses crc.Access        `json:"accesses"`
	Flags    recstore.DepFlag  `json:"flags"`
	Value    recstore.DepValue `json:"value"`
}

// JobInfo is the serialized "data" blob: the job's start+end record.
type JobInfo struct {
	RuleID    string            `json:"rule_id"`
	Stems     map[string]string `json:"stems"`
	StartDate int64             `json:"start_date"`
	EndDate   int64             `json:"end_date"`
	EndStatus string            `json:"end_status"`
	Targets   []string          `json:"targets"` // ordered, indexes into the <i> files
}

// lruRecord is the on-disk shape of an "lru" file: {prev, next, size}
// (spec.md §4.I). The head's own lru file additionally tracks the
// total size under the same "sz" field, per spec.md §3 invariant 6.
type lruRecord struct {
	Prev EntryID `json:"prev"`
	Next EntryID `json:"next"`
	Size int64   `json:"size"`
}

// Outcome is Match's result classification (spec.md §4.I).
type Outcome uint8

const (
	Miss Outcome = iota
	Hit
	Maybe
)

func (o Outcome) String() string {
	switch o {
	case Hit:
		return "Hit"
	case Maybe:
		return "Maybe"
	default:
		return "Miss"
	}
}

// MatchResult is what Match returns for one job key.
type MatchResult struct {
	Outcome Outcome
	Entry   EntryID  // meaningful when Outcome == Hit
	NewDeps []string // meaningful when Outcome == Maybe: deps the caller must resolve before re-matching
}

// DepState is the make engine's classification of one cached dep's current
// standing against the live node store, fed into Match via a DepLookup.
type DepState uint8

const (
	// DepStateUnknown means the node has not been analyzed to Status level
	// this session yet — the dep is a "new dep to investigate" (spec.md
	// §4.I).
	DepStateUnknown DepState = iota
	DepStateMatches
	DepStateDiffers
)

// DepLookup reports the current standing of one cached dependency.
type DepLookup func(path string, accesses crc.Access, cached recstore.DepValue) DepState

// Cache is the LRU content-addressed job-output store.
type Cache struct {
	root     string
	capacity int64

	mu       sync.Mutex // the "global exclusive lock" of spec.md §4.I
	headNext EntryID
	headPrev EntryID
	headSize int64

	entryLocks sync.Map // EntryID -> *sync.RWMutex, the per-entry lock
}

// Open opens (creating if necessary) a cache rooted at dir with the given
// byte capacity, loading the head record if present.
func Open(dir string, capacity int64) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "LMAKE"), 0o755); err != nil {
		return nil, fmt.Errorf("cache: create admin dir: %w", err)
	}

	c := &Cache{root: dir, capacity: capacity}

	headPath := filepath.Join(dir, "LMAKE", "lru")
	if data, err := os.ReadFile(headPath); err == nil {
		var rec lruRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("cache: corrupt head record: %w", err)
		}
		c.headNext, c.headPrev, c.headSize = rec.Next, rec.Prev, rec.Size
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cache: read head record: %w", err)
	}

	return c, nil
}

func (c *Cache) entryLock(id EntryID) *sync.RWMutex {
	v, _ := c.entryLocks.LoadOrStore(id, &sync.RWMutex{})
	return v.(*sync.RWMutex)
}

func (c *Cache) bucketDir(key Key) string {
	return filepath.Join(c.root, sanitize(string(key)))
}

func (c *Cache) entryDir(id EntryID) string {
	return filepath.Join(c.bucketDir(id.Key), sanitize(id.Sub))
}

func sanitize(s string) string {
	return strings.ReplaceAll(s, string(filepath.Separator), "_")
}

// Match scans every sibling entry under key's bucket directory, per
// spec.md §4.I. An entry with a dep that DepLookup reports as Differs is
// dismissed outright. An entry whose every dep Matches is an immediate
// Hit. Otherwise the entry is a still-viable candidate blocked on its
// unresolved (DepStateUnknown) deps; once every sibling has been scanned
// without a Hit, the deps common to every candidate (the intersection) are
// returned as NewDeps for the caller to resolve before re-matching —
// mirroring DirCache::match's walk over lst_dir(dir_fd,name) and its
// per-entry new_deps intersection.
func (c *Cache) Match(key Key, lookup DepLookup) (MatchResult, error) {
	entries, err := os.ReadDir(c.bucketDir(key))
	if os.IsNotExist(err) {
		return MatchResult{Outcome: Miss}, nil
	}
	if err != nil {
		return MatchResult{}, fmt.Errorf("cache: list entries: %w", err)
	}

	var newDeps []string
	haveCandidate := false
	sawCandidate := false

	for _, de := range entries {
		if !de.IsDir() {
			continue
		}
		id := EntryID{Key: key, Sub: de.Name()}

		data, err := os.ReadFile(filepath.Join(c.entryDir(id), "deps"))
		if err != nil {
			continue // entry mid-write or otherwise unreadable: skip, not a candidate
		}
		var deps []CachedDep
		if err := json.Unmarshal(data, &deps); err != nil {
			return MatchResult{}, fmt.Errorf("cache: corrupt deps blob for %s/%s: %w", key, de.Name(), err)
		}

		var unresolved []string
		differs := false
		for _, d := range deps {
			switch lookup(d.Path, d.Accesses, d.Value) {
			case DepStateDiffers:
				differs = true
			case DepStateUnknown:
				unresolved = append(unresolved, d.Path)
			}
			if differs {
				break
			}
		}
		if differs {
			continue
		}
		if len(unresolved) == 0 {
			return MatchResult{Outcome: Hit, Entry: id}, nil
		}

		sawCandidate = true
		if !haveCandidate {
			newDeps = unresolved
			haveCandidate = true
		} else {
			newDeps = intersectPaths(newDeps, unresolved)
		}
	}

	if !sawCandidate {
		return MatchResult{Outcome: Miss}, nil
	}
	return MatchResult{Outcome: Maybe, NewDeps: newDeps}, nil
}

// intersectPaths returns the elements of a that also appear in b,
// preserving a's order.
func intersectPaths(a, b []string) []string {
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if in[s] {
			out = append(out, s)
		}
	}
	return out
}

// Download copies every target of entry id into the workspace under
// targetDirs (index i -> destination path), recomputing each target's file
// signature after copy, then moves the entry to MRU position under the
// global lock (spec.md §4.I "Download").
func (c *Cache) Download(id EntryID, targetDirs []string) (JobInfo, []crc.FileSig, error) {
	lock := c.entryLock(id)
	lock.RLock()
	defer lock.RUnlock()

	dir := c.entryDir(id)
	info, err := c.readJobInfo(dir)
	if err != nil {
		return JobInfo{}, nil, err
	}
	if len(targetDirs) != len(info.Targets) {
		return JobInfo{}, nil, fmt.Errorf("cache: download: expected %d targets, got %d destinations", len(info.Targets), len(targetDirs))
	}

	sigs := make([]crc.FileSig, len(targetDirs))
	for i, dest := range targetDirs {
		src := filepath.Join(dir, fmt.Sprintf("%d", i))
		if err := copyFile(src, dest); err != nil {
			return JobInfo{}, nil, fmt.Errorf("cache: copy target %d: %w", i, err)
		}
		sig, err := signatureOf(dest)
		if err != nil {
			return JobInfo{}, nil, fmt.Errorf("cache: signature target %d: %w", i, err)
		}
		sigs[i] = sig
	}

	c.mu.Lock()
	c.moveToMRULocked(id)
	if err := c.persistHeadLocked(); err != nil {
		c.mu.Unlock()
		return JobInfo{}, nil, err
	}
	c.mu.Unlock()

	return info, sigs, nil
}

// Upload writes a new cache entry for key: JobInfo, the deps blob, and the
// target files at targetSrcs (index i -> source path in the workspace),
// evicting LRU-tail entries first to make room. The entry's Sub id is
// derived from deps (subIDFor), so uploading the same job with the same
// resolved deps overwrites its existing entry while a different dep
// generation lands in a fresh sibling under the same bucket (spec.md §4.I
// "Upload"). Each copied target's signature is verified against
// expectedSigs (what the caller observed right after the job ran); a
// mismatch aborts the whole upload rather than risk a corrupt, silently
// wrong cache entry.
func (c *Cache) Upload(key Key, info JobInfo, deps []CachedDep, targetSrcs []string, expectedSigs []crc.FileSig) (EntryID, error) {
	if len(targetSrcs) != len(expectedSigs) || len(targetSrcs) != len(info.Targets) {
		return EntryID{}, fmt.Errorf("cache: upload: target count mismatch (srcs=%d sigs=%d info=%d)", len(targetSrcs), len(expectedSigs), len(info.Targets))
	}

	size, err := estimateSize(targetSrcs)
	if err != nil {
		return EntryID{}, fmt.Errorf("cache: estimate upload size: %w", err)
	}

	id := EntryID{Key: key, Sub: subIDFor(deps)}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.evictUntilFitsLocked(size, id); err != nil {
		return EntryID{}, err
	}

	lock := c.entryLock(id)
	lock.Lock()
	defer lock.Unlock()

	dir := c.entryDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return EntryID{}, fmt.Errorf("cache: create entry dir: %w", err)
	}

	if err := writeJSON(filepath.Join(dir, "data"), info); err != nil {
		return EntryID{}, fmt.Errorf("cache: write data blob: %w", err)
	}
	if err := writeJSON(filepath.Join(dir, "deps"), deps); err != nil {
		return EntryID{}, fmt.Errorf("cache: write deps blob: %w", err)
	}

	for i, src := range targetSrcs {
		dest := filepath.Join(dir, fmt.Sprintf("%d", i))
		if err := copyFile(src, dest); err != nil {
			return EntryID{}, fmt.Errorf("cache: copy target %d into entry: %w", i, err)
		}
		sig, err := signatureOf(dest)
		if err != nil {
			return EntryID{}, fmt.Errorf("cache: signature target %d: %w", i, err)
		}
		if !sig.Equal(expectedSigs[i]) {
			// Abort: the file changed between the caller observing it and
			// this upload copying it, so the entry would be unreliable.
			os.RemoveAll(dir)
			return EntryID{}, fmt.Errorf("cache: upload aborted: target %d signature changed mid-upload", i)
		}
	}

	c.linkAsMRULocked(id, size)
	return id, c.persistHeadLocked()
}

// evictUntilFitsLocked unlinks entries from the LRU tail until
// head.sz+newSize <= capacity, never evicting keep (the entry this Upload
// is about to (re)write, already re-linked at MRU by the time eviction
// would otherwise reach it, but checked explicitly since it may still be
// at the tail on a cache holding exactly one entry). Must be called with
// c.mu held.
func (c *Cache) evictUntilFitsLocked(newSize int64, keep EntryID) error {
	if c.capacity <= 0 {
		return nil // unlimited capacity
	}
	for c.headSize+newSize > c.capacity && !c.headPrev.empty() && c.headPrev != keep {
		victim := c.headPrev
		victimDir := c.entryDir(victim)
		rec, err := c.readEntryLRU(victimDir)
		if err != nil {
			return fmt.Errorf("cache: evict: read victim lru: %w", err)
		}

		lock := c.entryLock(victim)
		lock.Lock()
		if err := os.RemoveAll(victimDir); err != nil {
			lock.Unlock()
			return fmt.Errorf("cache: evict: remove %v: %w", victim, err)
		}
		lock.Unlock()

		c.headSize -= rec.Size
		c.headPrev = rec.Prev
		if !rec.Prev.empty() {
			if err := c.relinkNeighborNext(rec.Prev, EntryID{}); err != nil {
				return err
			}
		} else {
			c.headNext = EntryID{}
		}
	}
	return nil
}

func (c *Cache) relinkNeighborNext(id EntryID, next EntryID) error {
	dir := c.entryDir(id)
	rec, err := c.readEntryLRU(dir)
	if err != nil {
		return fmt.Errorf("cache: relink: read %v: %w", id, err)
	}
	rec.Next = next
	return writeJSON(filepath.Join(dir, "lru"), rec)
}

// moveToMRULocked unlinks id from its current position (if present) and
// relinks it at the front (most-recently-used). Must be called with c.mu
// held.
func (c *Cache) moveToMRULocked(id EntryID) {
	dir := c.entryDir(id)
	rec, err := c.readEntryLRU(dir)
	if err != nil {
		return // entry has no lru record yet (first Download before any Upload wrote it) — nothing to move
	}

	if c.headNext == id {
		return // already MRU
	}

	// Unlink.
	if !rec.Prev.empty() {
		_ = c.relinkNeighborNext(rec.Prev, rec.Next)
	} else {
		c.headNext = rec.Next
	}
	if !rec.Next.empty() {
		c.relinkNeighborPrev(rec.Next, rec.Prev)
	} else {
		c.headPrev = rec.Prev
	}

	c.linkAsMRULocked(id, rec.Size)
}

func (c *Cache) relinkNeighborPrev(id EntryID, prev EntryID) {
	dir := c.entryDir(id)
	rec, err := c.readEntryLRU(dir)
	if err != nil {
		return
	}
	rec.Prev = prev
	_ = writeJSON(filepath.Join(dir, "lru"), rec)
}

// linkAsMRULocked inserts id at the front of the list with the given
// size, rewriting its own lru record and its new next-neighbor's prev
// pointer. Must be called with c.mu held.
func (c *Cache) linkAsMRULocked(id EntryID, size int64) {
	rec := lruRecord{Prev: EntryID{}, Next: c.headNext, Size: size}
	_ = writeJSON(filepath.Join(c.entryDir(id), "lru"), rec)

	if !c.headNext.empty() {
		c.relinkNeighborPrev(c.headNext, id)
	} else {
		c.headPrev = id
	}
	c.headSize += size
	c.headNext = id
}

func (c *Cache) persistHeadLocked() error {
	rec := lruRecord{Next: c.headNext, Prev: c.headPrev, Size: c.headSize}
	return writeJSON(filepath.Join(c.root, "LMAKE", "lru"), rec)
}

func (c *Cache) readEntryLRU(dir string) (lruRecord, error) {
	data, err := os.ReadFile(filepath.Join(dir, "lru"))
	if err != nil {
		return lruRecord{}, err
	}
	var rec lruRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return lruRecord{}, err
	}
	return rec, nil
}

func (c *Cache) readJobInfo(dir string) (JobInfo, error) {
	data, err := os.ReadFile(filepath.Join(dir, "data"))
	if err != nil {
		return JobInfo{}, fmt.Errorf("cache: read data blob: %w", err)
	}
	var info JobInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return JobInfo{}, fmt.Errorf("cache: corrupt data blob: %w", err)
	}
	return info, nil
}

// HeadSize reports the total size currently counted in the LRU head, for
// spec.md §8 invariant 5 (LRU integrity) tests.
func (c *Cache) HeadSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headSize
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func signatureOf(path string) (crc.FileSig, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return crc.NoneSig, err
	}
	tag := crc.TagReg
	if fi.Mode()&os.ModeSymlink != 0 {
		tag = crc.TagLnk
	} else if fi.Size() == 0 {
		tag = crc.TagEmpty
	}
	return crc.FileSig{Mtime: fi.ModTime().UnixNano(), Tag: tag}, nil
}

func estimateSize(paths []string) (int64, error) {
	var total int64
	for _, p := range paths {
		fi, err := os.Lstat(p)
		if err != nil {
			return 0, err
		}
		total += fi.Size()
	}
	return total, nil
}

// InternDeps resolves a CachedDep slice's paths back to NodeIds via store,
// for callers (the make engine) that need recstore.LogicalDep-shaped
// values rather than bare paths.
func InternDeps(store *namestore.Store, deps []CachedDep) []recstore.LogicalDep {
	out := make([]recstore.LogicalDep, len(deps))
	for i, d := range deps {
		out[i] = recstore.LogicalDep{
			Node:     store.InternNode(d.Path),
			Accesses: d.Accesses,
			Flags:    d.Flags,
			Value:    d.Value,
		}
	}
	return out
}
