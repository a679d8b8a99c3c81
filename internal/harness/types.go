package harness

import "github.com/tracemake/tracemake/internal/audit"

// Result is the outcome of running a scenario: every lifecycle event the
// audit log recorded for the request that built it, whether the scenario's
// assertions held against that trace, and any failure messages.
type Result struct {
	// Pass indicates overall test success: true if every assertion passed
	// and no build error occurred.
	Pass bool `json:"pass"`

	// Trace holds every job/node lifecycle event recorded during the run,
	// in sequence order. Used by trace_contains/trace_count assertions and
	// golden file comparison.
	Trace []audit.Event `json:"trace"`

	// JobEnds holds the terminal classification recorded for each job that
	// reached an end state. Used by job_status assertions.
	JobEnds []audit.JobEnd `json:"job_ends"`

	// Clashes holds every concurrent-write clash detected during the run.
	// Used by clash_count assertions.
	Clashes []audit.Clash `json:"clashes"`

	// Errors contains assertion failure and build error messages. Empty if
	// Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true}
}

// AddError records a failure message and marks the result as failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
