package harness

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// ruleSpec is the minimal shape harness_test writes to disk; it mirrors
// internal/ruleset's on-disk rule file format.
type ruleSpec struct {
	ID         string                 `json:"id"`
	CmdHash    string                 `json:"cmdHash"`
	StaticDeps []map[string]any       `json:"staticDeps"`
	Targets    []map[string]any       `json:"targets"`
	Argv       []string               `json:"argv"`
	Dir        string                 `json:"dir"`
}

func writeRuleFile(t *testing.T, dir, name string, rule ruleSpec) {
	t.Helper()
	data, err := json.Marshal(rule)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0644))
}

// touchRule builds a rule that runs a shell command creating outPath (an
// absolute path) when built, declaring target as its logical target name.
func touchRule(workDir, id, target, outPath string) ruleSpec {
	return ruleSpec{
		ID:      id,
		CmdHash: "h-" + id,
		StaticDeps: []map[string]any{},
		Targets: []map[string]any{
			{"path": target, "flags": []string{"Target"}},
		},
		Argv: []string{"sh", "-c", "mkdir -p \"$(dirname \"" + outPath + "\")\" && touch \"" + outPath + "\""},
		Dir:  workDir,
	}
}

func TestRun_SimpleBuildSucceeds(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rulesDir, 0755))

	outPath := filepath.Join(dir, "out", "app")
	writeRuleFile(t, rulesDir, "build-app.json", touchRule(dir, "build-app", "out/app", outPath))

	scenario := &Scenario{
		Name:        "simple-build",
		Description: "builds out/app via a real subprocess",
		RulesDir:    rulesDir,
		Targets:     []string{"out/app"},
		Assertions: []Assertion{
			{Type: AssertJobStatus, Job: "build-app", Status: "Ok"},
			{Type: AssertTraceContains, Kind: "Exec", Job: "build-app"},
			{Type: AssertClashCount, Count: 0},
		},
		FlowToken: "fixed-test-flow",
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.True(t, result.Pass, "unexpected failures: %v", result.Errors)

	_, statErr := os.Stat(outPath)
	require.NoError(t, statErr, "rule command should have created the target file")
}

func TestRun_AssertionFailureReported(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rulesDir, 0755))

	outPath := filepath.Join(dir, "out", "app")
	writeRuleFile(t, rulesDir, "build-app.json", touchRule(dir, "build-app", "out/app", outPath))

	scenario := &Scenario{
		Name:        "wrong-status",
		Description: "expects a status the job will not reach",
		RulesDir:    rulesDir,
		Targets:     []string{"out/app"},
		Assertions: []Assertion{
			{Type: AssertJobStatus, Job: "build-app", Status: "Err"},
		},
		FlowToken: "fixed-test-flow",
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.False(t, result.Pass)
	require.NotEmpty(t, result.Errors)
}

func TestRun_UnknownTargetRecordsBuildError(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rulesDir, 0755))

	outPath := filepath.Join(dir, "out", "app")
	writeRuleFile(t, rulesDir, "build-app.json", touchRule(dir, "build-app", "out/app", outPath))

	scenario := &Scenario{
		Name:        "no-producer",
		Description: "targets a path no rule produces",
		RulesDir:    rulesDir,
		Targets:     []string{"out/missing"},
		Assertions: []Assertion{
			{Type: AssertClashCount, Count: 0},
		},
		FlowToken: "fixed-test-flow",
	}

	result, err := Run(scenario)
	require.NoError(t, err)
	require.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
}

func TestRun_DeterministicAcrossRuns(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rulesDir, 0755))

	outPath := filepath.Join(dir, "out", "app")
	writeRuleFile(t, rulesDir, "build-app.json", touchRule(dir, "build-app", "out/app", outPath))

	scenario := &Scenario{
		Name:        "determinism-check",
		Description: "same scenario run twice yields identical traces",
		RulesDir:    rulesDir,
		Targets:     []string{"out/app"},
		Assertions: []Assertion{
			{Type: AssertJobStatus, Job: "build-app", Status: "Ok"},
		},
		FlowToken: "fixed-test-flow",
	}

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	firstData, err := newTraceSnapshot(scenario.Name, first).marshal()
	require.NoError(t, err)
	secondData, err := newTraceSnapshot(scenario.Name, second).marshal()
	require.NoError(t, err)

	require.Equal(t, string(firstData), string(secondData))
}
