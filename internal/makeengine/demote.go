package makeengine

import "github.com/tracemake/tracemake/internal/recstore"

// demoteStatus implements spec.md §4.H's status-demotion rule: "Final
// status is min(observed, Garbage) if any local reason exists, max(observed,
// Err) if any analysis error exists, else the observed status." The two
// conditions are independent and both may apply; local-reason demotion is
// applied first since it is the stronger guard ("protects against marking
// a job Ok while a reason-to-rerun is still outstanding").
func demoteStatus(observed recstore.EndStatus, hasLocalReason, hasAnalysisError bool) recstore.EndStatus {
	status := observed
	if hasLocalReason {
		status = recstore.Min(status, recstore.EndStatusGarbage)
	}
	if hasAnalysisError {
		status = recstore.Max(status, recstore.EndStatusErr)
	}
	return status
}
