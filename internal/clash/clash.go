// Package clash implements target washing and concurrent-write clash
// detection (spec.md §4.J): before a job runs, its declared targets are
// unlinked and required target directories created; after two jobs end,
// overlapping exec intervals over a shared target are flagged.
package clash

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/tracemake/tracemake/internal/namestore"
)

// TargetFlag mirrors the extra target flags spec.md §3 lists for wash
// decisions specifically (Ignore/SourceOk/Allow/Wash), kept separate from
// recstore's general target-flag set since wash only ever consults these.
type TargetFlag uint8

const (
	FlagIncremental TargetFlag = 1 << iota
	FlagWashSuppressed
	FlagWarning
	// FlagCrc marks a target whose content hash matters enough that a
	// clash on it (spec.md §4.H) must force a rerun, rather than merely
	// being recorded as an overlapping-write warning.
	FlagCrc
)

func (f TargetFlag) Has(bit TargetFlag) bool { return f&bit != 0 }

// WashTarget is one target a job declares, as input to Wash.
type WashTarget struct {
	Path  string
	Flags TargetFlag
}

// WashResult records what Wash actually did, so the make engine can later
// undo empty directories it created (spec.md §4.J step 2: "track the
// created set so that after-run cleanup can undo empty ones").
type WashResult struct {
	Unlinked    []string
	CreatedDirs []string
	Warnings    []string
}

// ClaimChecker reports whether another job currently claims path as its
// target, used to decide whether an unlink deserves a user warning
// (spec.md §4.J step 1).
type ClaimChecker func(path string) (claimedByOther bool, claimant namestore.JobId)

// Washer washes target directories before a job runs, tracking a
// per-directory reference count so concurrent jobs sharing an
// intermediate directory do not race on mkdir/rmdir (spec.md §4.J step 3,
// §5 "target_dirs map: shared mutex, writers only on wash entry/exit").
type Washer struct {
	mu       sync.Mutex
	dirRefs  map[string]int
}

// NewWasher creates an empty Washer.
func NewWasher() *Washer {
	return &Washer{dirRefs: make(map[string]int)}
}

// Wash unlinks existing non-incremental, non-suppressed targets and
// creates any missing target directories, per spec.md §4.J:
//
//  1. for each target that exists, is not Incremental, and is not
//     Wash-suppressed: unlink it; if Warning is set and another job
//     currently claims it, emit a warning.
//  2. for each target directory that must exist, mkdir -p, skipping any
//     directory that contains a preserved (non-deleted) file.
//  3. bump the per-directory reference count for every directory touched,
//     so a concurrent Unwash on another job sharing the directory cannot
//     remove it out from under this one.
func (w *Washer) Wash(targets []WashTarget, checkClaim ClaimChecker) (WashResult, error) {
	var result WashResult

	for _, t := range targets {
		if t.Flags.Has(FlagIncremental) || t.Flags.Has(FlagWashSuppressed) {
			continue
		}
		if _, err := os.Lstat(t.Path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return result, fmt.Errorf("clash: wash: stat %s: %w", t.Path, err)
		}

		if t.Flags.Has(FlagWarning) {
			if claimed, by := checkClaim(t.Path); claimed {
				result.Warnings = append(result.Warnings, fmt.Sprintf("%s is currently claimed by job %d", t.Path, by))
			}
		}

		if err := os.Remove(t.Path); err != nil && !os.IsNotExist(err) {
			return result, fmt.Errorf("clash: wash: unlink %s: %w", t.Path, err)
		}
		result.Unlinked = append(result.Unlinked, t.Path)
	}

	dirsNeeded := make(map[string]bool)
	for _, t := range targets {
		dirsNeeded[filepath.Dir(t.Path)] = true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for dir := range dirsNeeded {
		if preserved, err := hasPreservedFile(dir); err != nil {
			return result, fmt.Errorf("clash: wash: scan %s: %w", dir, err)
		} else if preserved {
			w.dirRefs[dir]++
			continue
		}

		if _, err := os.Stat(dir); os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return result, fmt.Errorf("clash: wash: mkdir %s: %w", dir, err)
			}
			result.CreatedDirs = append(result.CreatedDirs, dir)
		}
		w.dirRefs[dir]++
	}

	return result, nil
}

// Unwash releases this job's reference on every directory Wash created for
// it, removing a directory once its ref count reaches zero and it is
// still empty (spec.md §4.J "after-run cleanup can undo empty ones").
func (w *Washer) Unwash(result WashResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, dir := range result.CreatedDirs {
		w.dirRefs[dir]--
		if w.dirRefs[dir] > 0 {
			continue
		}
		delete(w.dirRefs, dir)

		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("clash: unwash: read %s: %w", dir, err)
		}
		if len(entries) == 0 {
			if err := os.Remove(dir); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("clash: unwash: rmdir %s: %w", dir, err)
			}
		}
	}
	return nil
}

func hasPreservedFile(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return len(entries) > 0, nil
}

// ExecInterval is a job's observed [start,end) execution window, used by
// Detect to test for overlap (spec.md §4.H clash detection).
type ExecInterval struct {
	Job       namestore.JobId
	StartDate int64
	EndDate   int64
}

func (a ExecInterval) overlaps(b ExecInterval) bool {
	return a.StartDate < b.EndDate && b.StartDate < a.EndDate
}

// Detect reports whether two jobs' exec intervals overlap over a shared
// target, meaning both wrote the same file concurrently (spec.md §4.H:
// "if a target's actual_job is another job whose observed end-date
// overlaps with this job's start-date, both jobs wrote the same file
// concurrently").
func Detect(a, b ExecInterval) bool {
	if a.Job == b.Job {
		return false
	}
	return a.overlaps(b)
}
