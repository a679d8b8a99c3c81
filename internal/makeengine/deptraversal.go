package makeengine

import "github.com/tracemake/tracemake/internal/recstore"

// DepStatus is the outcome of checking one logical dep against the node
// store, as computed by the caller (who has access to the NodeArena and
// depdigest.Resolve) before handing the result here.
type DepStatus uint8

const (
	DepStatusOk DepStatus = iota
	DepStatusModified
	DepStatusNotReady
	DepStatusError
)

// DepResultKind is the outcome of one call to AdvanceDeps.
type DepResultKind uint8

const (
	// DepResultWaiting means a dep is not yet resolved; the caller must
	// request resolution and re-call AdvanceDeps once it completes.
	DepResultWaiting DepResultKind = iota
	// DepResultRestart means a critical section ended with a modified dep;
	// everything from the start of that section onward must be truncated
	// and dep traversal restarted at level 0 with RunGoalRun.
	DepResultRestart
	// DepResultSatisfied means every dep up to the end of the vector was
	// found ok.
	DepResultSatisfied
)

// DepOutcome is AdvanceDeps' result.
type DepOutcome struct {
	Kind          DepResultKind
	NewDepLvl     int // meaningful for Waiting/Satisfied: how far traversal reached
	TruncateToLvl int // meaningful for Restart: logical-dep count to keep
	Reasons       []Reason
	Speculate     Speculate
}

// AdvanceDeps implements spec.md §4.H's dep traversal algorithm over a
// flattened, in-order dep list with parallel status-per-dep:
//
//   - deps are grouped into maximal critical sections (a section starts at
//     a critical dep and runs until the next critical dep or the vector's
//     end);
//   - within a section, every dep's status is inspected — parallel deps
//     are analyzed speculatively, so a modified dep does not stop the rest
//     of the section from being checked;
//   - if any dep in the section is NotReady, traversal halts there
//     (DepResultWaiting) since the section's outcome cannot yet be
//     determined;
//   - otherwise, if any dep in the section was modified, traversal
//     restarts: everything from the section's first dep onward is
//     truncated, because rerunning the job may open a different set of
//     non-critical deps (DepResultRestart);
//   - once every section is clean, traversal is DepResultSatisfied.
func AdvanceDeps(deps []recstore.LogicalDep, statuses []DepStatus, startLvl int) DepOutcome {
	sections := splitSections(deps)

	lvl := 0
	var reasons []Reason
	speculate := SpeculateYes

	for _, sec := range sections {
		sectionStart := lvl
		sawNotReady := false
		sawModified := false
		sawError := false

		for range sec {
			st := statuses[lvl]
			switch st {
			case DepStatusNotReady:
				sawNotReady = true
			case DepStatusModified:
				sawModified = true
			case DepStatusError:
				sawError = true
				reasons = append(reasons, ReasonDepErr)
			}
			lvl++
		}

		if sawNotReady {
			speculate = speculate.Decrease(SpeculateNo)
			return DepOutcome{Kind: DepResultWaiting, NewDepLvl: max(startLvl, sectionStart), Reasons: reasons, Speculate: speculate}
		}
		if sawError {
			speculate = speculate.Decrease(SpeculateMaybe)
		}
		if sawModified {
			return DepOutcome{Kind: DepResultRestart, TruncateToLvl: sectionStart, Reasons: reasons, Speculate: speculate}
		}
	}

	return DepOutcome{Kind: DepResultSatisfied, NewDepLvl: lvl, Reasons: reasons, Speculate: speculate}
}

// splitSections groups deps into maximal runs starting with a critical
// dep, mirroring recstore.DepVector.CriticalSections but operating on an
// already-flattened slice so AdvanceDeps stays independent of DepVector's
// internal chunk representation.
func splitSections(deps []recstore.LogicalDep) [][]recstore.LogicalDep {
	var sections [][]recstore.LogicalDep
	var cur []recstore.LogicalDep
	for _, d := range deps {
		if d.Flags.Has(recstore.FlagCritical) || cur == nil {
			if cur != nil {
				sections = append(sections, cur)
			}
			cur = nil
		}
		cur = append(cur, d)
	}
	if cur != nil {
		sections = append(sections, cur)
	}
	return sections
}
