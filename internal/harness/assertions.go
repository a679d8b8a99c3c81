package harness

import (
	"fmt"

	"github.com/tracemake/tracemake/internal/audit"
	"github.com/tracemake/tracemake/internal/namestore"
)

// AssertionError is returned when an assertion fails. It includes enough
// context to debug the failure without re-running the scenario.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("assertion failed: %s\n  expected: %s\n  actual:   %s", e.Type, e.Expected, e.Actual)
}

// AssertionContext resolves a scenario's job-name assertions against the
// namestore used to load its rule set, so YAML files can name jobs by rule
// id instead of the dense JobId the engine assigned at runtime.
type AssertionContext struct {
	Names *namestore.Store
}

// jobIDFor resolves a rule id to the JobId namestore assigned it. Rule ids
// are interned exactly once per namestore, so this returns the same id the
// rule set and engine used, without needing a second lookup table.
func (actx *AssertionContext) jobIDFor(ruleID string) namestore.JobId {
	return actx.Names.InternJob(ruleID)
}

// EvaluateAssertions evaluates all assertions against a scenario's result.
// Returns one error message per failed assertion.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errs []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertJobStatus:
			err = assertJobStatus(result.JobEnds, assertion, actx)
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion, actx)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion, actx)
		case AssertClashCount:
			err = assertClashCount(result.Clashes, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}

	return errs
}

func assertJobStatus(jobEnds []audit.JobEnd, a Assertion, actx *AssertionContext) error {
	want := actx.jobIDFor(a.Job)
	for _, je := range jobEnds {
		if je.JobID == int64(want) {
			if je.EndStatus == a.Status {
				return nil
			}
			return &AssertionError{
				Type:     "job_status",
				Expected: fmt.Sprintf("job %q ends in status %s", a.Job, a.Status),
				Actual:   fmt.Sprintf("job %q ended in status %s", a.Job, je.EndStatus),
			}
		}
	}
	return &AssertionError{
		Type:     "job_status",
		Expected: fmt.Sprintf("job %q to have ended", a.Job),
		Actual:   "job never reached an end state",
	}
}

func assertTraceContains(trace []audit.Event, a Assertion, actx *AssertionContext) error {
	for _, e := range trace {
		if e.Kind != a.Kind {
			continue
		}
		if a.Job != "" && e.JobID != int64(actx.jobIDFor(a.Job)) {
			continue
		}
		return nil
	}
	return &AssertionError{
		Type:     "trace_contains",
		Expected: fmt.Sprintf("an event of kind %q%s", a.Kind, jobSuffix(a.Job)),
		Actual:   "not found in trace",
	}
}

func assertTraceCount(trace []audit.Event, a Assertion, actx *AssertionContext) error {
	count := 0
	for _, e := range trace {
		if e.Kind != a.Kind {
			continue
		}
		if a.Job != "" && e.JobID != int64(actx.jobIDFor(a.Job)) {
			continue
		}
		count++
	}
	if count != a.Count {
		return &AssertionError{
			Type:     "trace_count",
			Expected: fmt.Sprintf("%d occurrences of kind %q%s", a.Count, a.Kind, jobSuffix(a.Job)),
			Actual:   fmt.Sprintf("%d occurrences", count),
		}
	}
	return nil
}

func assertClashCount(clashes []audit.Clash, a Assertion) error {
	if len(clashes) != a.Count {
		return &AssertionError{
			Type:     "clash_count",
			Expected: fmt.Sprintf("%d clashes", a.Count),
			Actual:   fmt.Sprintf("%d clashes", len(clashes)),
		}
	}
	return nil
}

func jobSuffix(job string) string {
	if job == "" {
		return ""
	}
	return fmt.Sprintf(" for job %q", job)
}
