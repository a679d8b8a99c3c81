package recstore

import (
	"sync"
	"time"

	"github.com/tracemake/tracemake/internal/namestore"
)

// RunStatus precludes a job from running at all (spec.md §7).
type RunStatus uint8

const (
	RunStatusNone RunStatus = iota
	RunStatusComplete
	RunStatusNoDep
	RunStatusNoFile
	RunStatusTargetErr
	RunStatusDepErr
	RunStatusRsrcsErr
)

func (s RunStatus) String() string {
	switch s {
	case RunStatusComplete:
		return "Complete"
	case RunStatusNoDep:
		return "NoDep"
	case RunStatusNoFile:
		return "NoFile"
	case RunStatusTargetErr:
		return "TargetErr"
	case RunStatusDepErr:
		return "DepErr"
	case RunStatusRsrcsErr:
		return "RsrcsErr"
	default:
		return "None"
	}
}

// EndStatus is the terminal classification of a job execution, stable
// across the wire per spec.md §6. Ordering matters: EndStatus values
// satisfy "<=Killed means killed", "<=Garbage means did not run
// reliably", ">=Err means error" — see IsKilled/DidNotRunReliably/IsError.
type EndStatus uint8

const (
	EndStatusNew EndStatus = iota
	EndStatusLost
	EndStatusKilled
	EndStatusChkDeps
	EndStatusGarbage
	EndStatusOk
	EndStatusFrozen
	EndStatusErr
	EndStatusErrFrozen
	EndStatusTimeout
	EndStatusSystemErr
)

func (s EndStatus) IsKilled() bool             { return s <= EndStatusKilled }
func (s EndStatus) DidNotRunReliably() bool    { return s <= EndStatusGarbage }
func (s EndStatus) IsError() bool              { return s >= EndStatusErr }

func (s EndStatus) String() string {
	switch s {
	case EndStatusNew:
		return "New"
	case EndStatusLost:
		return "Lost"
	case EndStatusKilled:
		return "Killed"
	case EndStatusChkDeps:
		return "ChkDeps"
	case EndStatusGarbage:
		return "Garbage"
	case EndStatusOk:
		return "Ok"
	case EndStatusFrozen:
		return "Frozen"
	case EndStatusErr:
		return "Err"
	case EndStatusErrFrozen:
		return "ErrFrozen"
	case EndStatusTimeout:
		return "Timeout"
	case EndStatusSystemErr:
		return "SystemErr"
	default:
		return "Invalid"
	}
}

// Max returns the more severe of two statuses, by the wire ordering. Used
// by the make engine's status-demotion rule (spec.md §4.H): "max(observed,
// Err) if any analysis error exists".
func Max(a, b EndStatus) EndStatus {
	if a > b {
		return a
	}
	return b
}

// Min returns the less severe of two statuses, used for "min(observed,
// Garbage) if any local reason exists".
func Min(a, b EndStatus) EndStatus {
	if a < b {
		return a
	}
	return b
}

// JobRecord is the mutable state the engine keeps for one rule instantiated
// on concrete stems.
type JobRecord struct {
	RuleID      string
	StaticDeps  DepVector
	StarTargets []namestore.NodeId

	RunStatus RunStatus
	EndStatus EndStatus

	LastDBDate   int64 // unix nanoseconds of the last end-processing
	LastExecTime time.Duration

	CmdGeneration   uint64
	RsrcsGeneration uint64
}

// JobArena is the job-record analogue of NodeArena: slice-backed, single
// RWMutex, lazy allocation, free-list Pop.
type JobArena struct {
	mu      sync.RWMutex
	records []JobRecord // index 0 unused
	free    []namestore.JobId
}

func NewJobArena() *JobArena {
	return &JobArena{records: []JobRecord{{}}}
}

func (a *JobArena) Allocate(id namestore.JobId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.growLocked(id)
}

func (a *JobArena) growLocked(id namestore.JobId) {
	for int(id) >= len(a.records) {
		a.records = append(a.records, JobRecord{})
	}
}

func (a *JobArena) Get(id namestore.JobId) JobRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if int(id) >= len(a.records) {
		return JobRecord{}
	}
	return a.records[id]
}

func (a *JobArena) Update(id namestore.JobId, fn func(*JobRecord)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.growLocked(id)
	fn(&a.records[id])
}

func (a *JobArena) ForEach(fn func(namestore.JobId, JobRecord)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	freeSet := make(map[namestore.JobId]bool, len(a.free))
	for _, id := range a.free {
		freeSet[id] = true
	}
	for i := 1; i < len(a.records); i++ {
		id := namestore.JobId(i)
		if freeSet[id] {
			continue
		}
		fn(id, a.records[i])
	}
}

// Pop marks id free, used when a rule-set edit makes a job permanently
// unreachable (no rule matches it anymore).
func (a *JobArena) Pop(id namestore.JobId) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[id] = JobRecord{}
	a.free = append(a.free, id)
}
