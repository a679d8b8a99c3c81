package makeengine

import (
	"errors"
	"fmt"

	"github.com/tracemake/tracemake/internal/namestore"
)

// Reason is a code attached to a Job/node explaining why it must rerun or
// why analysis could not complete (spec.md §4.H, §7). Unlike RunStatus
// (recstore.RunStatus, which precludes running at all) and EndStatus
// (recstore.EndStatus, the terminal classification of a completed
// execution), a Reason is an engine-level bookkeeping note that survives
// until the final audit even after the job that raised it has finished.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonDepErr           Reason = "DepErr"
	ReasonDepOverwritten   Reason = "DepOverwritten"
	ReasonDepNotReady      Reason = "DepNotReady"
	ReasonStaticDepMissing Reason = "StaticDepMissing"
	ReasonClashTarget      Reason = "ClashTarget"
	ReasonForced           Reason = "Forced"
	ReasonCmdChanged       Reason = "CmdChanged"
	// ReasonRsrcsChanged forces goal=Run when a rule's declared resource
	// map changes between runs (spec.md §4.H goal=Run on a rsrcs_generation
	// bump), without by itself invalidating a cache hit — the cache key
	// embeds the cmd-hash but not the resource map.
	ReasonRsrcsChanged Reason = "RsrcsChanged"
)

// SystemErrorCode categorizes a SystemError, the same way
// engine.RuntimeErrorCode does for the teacher's RuntimeError.
type SystemErrorCode string

const (
	ErrCodeCycleDetected   SystemErrorCode = "CYCLE_DETECTED"
	ErrCodeAutodepMalformed SystemErrorCode = "AUTODEP_MALFORMED"
	ErrCodeCacheCorrupt    SystemErrorCode = "CACHE_CORRUPT"
	ErrCodeBackendFailure  SystemErrorCode = "BACKEND_FAILURE"
)

// SystemError is an engine-level failure that is not a property of any one
// job's run (a malformed autodep frame, a cycle in the static dep graph, a
// corrupt cache entry) — generalized from the teacher's
// RuntimeError{Code,Message,...} (internal/engine/errors.go).
type SystemError struct {
	Code    SystemErrorCode
	Message string
	JobID   namestore.JobId
	NodeID  namestore.NodeId
	ReqID   string
	Details map[string]string
}

func (e *SystemError) Error() string {
	switch {
	case e.JobID != 0 && e.ReqID != "":
		return fmt.Sprintf("%s: %s (job=%d, req=%s)", e.Code, e.Message, e.JobID, e.ReqID)
	case e.JobID != 0:
		return fmt.Sprintf("%s: %s (job=%d)", e.Code, e.Message, e.JobID)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsCycleError reports whether err is a SystemError raised by cycle
// detection, unwrapping via errors.As like engine.IsCycleError does.
func IsCycleError(err error) bool {
	var se *SystemError
	if errors.As(err, &se) {
		return se.Code == ErrCodeCycleDetected
	}
	return false
}

// NewCycleError builds a SystemError for a detected dependency cycle.
func NewCycleError(path []namestore.JobId) *SystemError {
	return &SystemError{
		Code:    ErrCodeCycleDetected,
		Message: "cyclic job dependency detected",
		Details: map[string]string{"path_len": fmt.Sprintf("%d", len(path))},
	}
}
