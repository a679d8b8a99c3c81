package harness

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// traceSnapshot captures the part of a scenario's result worth pinning in a
// golden file: the event trace, job ends and clashes, but not Pass/Errors,
// since those are derived from the scenario's own assertions rather than
// being an independent fact about the run.
type traceSnapshot struct {
	ScenarioName string        `json:"scenario_name"`
	Trace        []interface{} `json:"trace"`
	JobEnds      []interface{} `json:"job_ends"`
	Clashes      []interface{} `json:"clashes"`
}

func newTraceSnapshot(scenarioName string, result *Result) traceSnapshot {
	trace := make([]interface{}, len(result.Trace))
	for i, e := range result.Trace {
		trace[i] = e
	}
	jobEnds := make([]interface{}, len(result.JobEnds))
	for i, je := range result.JobEnds {
		jobEnds[i] = je
	}
	clashes := make([]interface{}, len(result.Clashes))
	for i, c := range result.Clashes {
		clashes[i] = c
	}
	return traceSnapshot{ScenarioName: scenarioName, Trace: trace, JobEnds: jobEnds, Clashes: clashes}
}

func (s traceSnapshot) marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Snapshot serializes result's trace, job ends, and clashes the same way
// AssertGolden does, for callers (e.g. the CLI's test command) that need to
// write or compare golden files outside of a *testing.T.
func Snapshot(scenarioName string, result *Result) ([]byte, error) {
	return newTraceSnapshot(scenarioName, result).marshal()
}

// RunWithGolden executes a scenario and compares its trace against a golden
// file stored at testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return err
	}

	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an already-computed result's trace against a golden
// file, without re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := newTraceSnapshot(scenarioName, result).marshal()
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)

	return nil
}
