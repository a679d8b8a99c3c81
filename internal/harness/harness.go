// Package harness provides a conformance testing framework for the build
// engine: it loads a directory of rule files, drives every declared target
// through a real makeengine.Engine, and asserts on the resulting audit
// trail.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	rules_dir: ./rules
//	targets:
//	  - out/app
//	assertions:
//	  - type: job_status
//	    job: build-app
//	    status: Ok
//	  - type: trace_contains
//	    kind: Exec
//	    job: build-app
//	  - type: clash_count
//	    count: 0
//
// # Assertion Types
//
//   - job_status: a named job ended in the given recstore.EndStatus
//   - trace_contains: an event of the given kind appears in the trace
//   - trace_count: an event kind appears exactly Count times
//   - clash_count: exactly Count clashes were detected
//
// # Deterministic Testing
//
// Every run uses a fresh in-memory audit log (audit.Open(":memory:")), a
// deterministic logical clock in place of wall-clock time
// (testutil.DeterministicClock), and a fixed request id
// (testutil.FixedFlowGenerator) so two runs of the same scenario against
// the same rule files produce byte-identical traces, suitable for golden
// file comparison.
package harness

import (
	"context"
	"fmt"
	"os"

	"github.com/tracemake/tracemake/internal/audit"
	"github.com/tracemake/tracemake/internal/backend"
	"github.com/tracemake/tracemake/internal/clash"
	"github.com/tracemake/tracemake/internal/makeengine"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
	"github.com/tracemake/tracemake/internal/request"
	"github.com/tracemake/tracemake/internal/ruleschema"
	"github.com/tracemake/tracemake/internal/ruleset"
	"github.com/tracemake/tracemake/internal/testutil"
)

// Run loads scenario.RulesDir into a fresh rule set, builds every target
// through a real makeengine.Engine, and evaluates scenario's assertions
// against the resulting audit trail.
//
// Each scenario runs against a fresh namestore/node/job arena and an
// in-memory audit log, so scenarios never interfere with each other.
func Run(scenario *Scenario) (*Result, error) {
	validator, err := ruleschema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("harness: build schema validator: %w", err)
	}

	names := namestore.New()
	nodes := recstore.NewNodeArena()
	jobs := recstore.NewJobArena()

	rules, loadErrs := ruleset.Load(scenario.RulesDir, names, jobs, validator)
	if len(loadErrs) > 0 {
		return nil, fmt.Errorf("harness: load rules from %s: %w", scenario.RulesDir, loadErrs[0])
	}

	auditLog, err := audit.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("harness: open audit log: %w", err)
	}
	defer auditLog.Close()

	socketDir, err := os.MkdirTemp("", "tracemake-harness-")
	if err != nil {
		return nil, fmt.Errorf("harness: create autodep socket dir: %w", err)
	}
	defer os.RemoveAll(socketDir)

	heap := request.NewHeap()
	eng := makeengine.New(names, nodes, jobs, rules, backend.NewLocalBackend(), nil, clash.NewWasher(), auditLog, heap, socketDir)
	clock := testutil.NewDeterministicClock()
	eng.Clock = clock

	gen := testutil.NewFixedFlowGenerator(scenario.FlowToken)
	req := request.New(gen, 0, 4)
	heap.Push(req)
	defer heap.Remove(req)

	ctx := context.Background()
	if err := auditLog.OpenRequest(ctx, req.ID, 0, clock.NowNano()); err != nil {
		return nil, fmt.Errorf("harness: open request: %w", err)
	}

	result := NewResult()
	for _, target := range scenario.Targets {
		node := names.InternNode(target)
		job, ok := rules.ProducerOf(node)
		if !ok {
			result.AddError(fmt.Sprintf("no rule produces target %q", target))
			continue
		}
		if status, err := eng.Make(ctx, req, job, scenario.Force); err != nil {
			result.AddError(fmt.Sprintf("building %q: %v", target, err))
		} else if status.IsError() {
			result.AddError(fmt.Sprintf("building %q ended in status %s", target, status))
		}
	}

	_ = auditLog.CloseRequest(ctx, req.ID, clock.NowNano(), req.IsZombie())

	state, err := auditLog.GetRequestState(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("harness: recover request state: %w", err)
	}
	events, err := auditLog.TraceEvents(ctx, req.ID)
	if err != nil {
		return nil, fmt.Errorf("harness: read trace events: %w", err)
	}

	result.Trace = events
	result.JobEnds = state.JobEnds
	result.Clashes = state.Clashes

	actx := &AssertionContext{Names: names}
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(errMsg)
	}

	return result, nil
}
