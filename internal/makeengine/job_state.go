package makeengine

import (
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
)

// JobReqState is the per-(Job,Req) state the engine drives through
// Level.None…Level.Done (spec.md §4.H). One instance exists per job that a
// Req has touched; it is allocated lazily the first time the job enters
// make for that Req, matching the node/job lazy-creation discipline
// elsewhere in this repo.
type JobReqState struct {
	Level     Level
	Goal      RunGoal
	Speculate Speculate
	Reasons   []Reason

	// DepLvl is how many logical deps of the job's StaticDeps have been
	// fully analyzed and found ok at the current criticality level.
	DepLvl int

	// critSection indexes the current critical section being walked, per
	// recstore.DepVector.CriticalSections.
	critSection int

	StartDate int64 // unix nanoseconds; set on Queued->Exec
	EndDate   int64 // unix nanoseconds; set on Exec->End

	RunStatus recstore.RunStatus
	EndStatus recstore.EndStatus
}

// addReason appends reason if not already present — reasons are a set in
// spirit (spec.md §4.H: "kept on the Job so the final audit mentions
// them"), and the audit should not repeat the same reason twice.
func (s *JobReqState) addReason(r Reason) {
	for _, existing := range s.Reasons {
		if existing == r {
			return
		}
	}
	s.Reasons = append(s.Reasons, r)
}

// hasLocalReason reports whether any reason forcing a rerun has been
// recorded — used by the status-demotion rule.
func (s *JobReqState) hasLocalReason() bool {
	return len(s.Reasons) > 0
}

// jobReqKey identifies one (Job,Req) pair as a map key.
type jobReqKey struct {
	job namestore.JobId
	req string // request.Req.ID; Reqs compare by id, not pointer identity
}
