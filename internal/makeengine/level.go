package makeengine

// Level is a Job's progress through the state machine for one Req
// (spec.md §4.H): None → Dep → Queued → Exec → End → Done.
type Level uint8

const (
	LevelNone Level = iota
	LevelDep
	LevelQueued
	LevelExec
	LevelEnd
	LevelDone
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "None"
	case LevelDep:
		return "Dep"
	case LevelQueued:
		return "Queued"
	case LevelExec:
		return "Exec"
	case LevelEnd:
		return "End"
	case LevelDone:
		return "Done"
	default:
		return "Invalid"
	}
}

// RunGoal is whether a Job is known to merely need checking, or to need an
// actual execution (spec.md §4.H: "if forced or cmd changed set reason,
// goal=Run"). Distinct from request.Goal, which is the Req-wide target
// level (Makable/Status/Dsk) — RunGoal is per-(Job,Req) state the dep
// traversal itself sets.
type RunGoal uint8

const (
	RunGoalNone RunGoal = iota
	RunGoalRun
)

// Speculate is the optimism level under which a dep is traversed
// (spec.md §4.H). It is monotone: a JobReqState's Speculate value can only
// move from Yes towards No, never back, and that pessimism propagates to
// watchers. Ordered so that a smaller value is more pessimistic, making
// "decrease" in the spec prose literally `min(cur, new)`.
type Speculate uint8

const (
	SpeculateNo    Speculate = iota // previous deps not ready
	SpeculateMaybe                  // previous deps in error; likely won't need to run
	SpeculateYes                    // previous deps OK
)

func (s Speculate) String() string {
	switch s {
	case SpeculateYes:
		return "Yes"
	case SpeculateMaybe:
		return "Maybe"
	case SpeculateNo:
		return "No"
	default:
		return "Invalid"
	}
}

// Decrease returns the more pessimistic of s and other, implementing the
// monotone-decrease rule (spec.md §4.H: "speculate is monotone: it can
// only decrease").
func (s Speculate) Decrease(other Speculate) Speculate {
	if other < s {
		return other
	}
	return s
}
