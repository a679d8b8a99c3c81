package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scenario defines a conformance test scenario: a rule set, the targets to
// build from it, and a set of assertions against the resulting audit trail.
type Scenario struct {
	// Name uniquely identifies this scenario.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// RulesDir is the directory of rule JSON files to load, resolved
	// relative to the scenario file's location unless absolute.
	RulesDir string `yaml:"rules_dir"`

	// Targets lists the paths to build, in order.
	Targets []string `yaml:"targets"`

	// Force rebuilds every target regardless of up-to-date status, the
	// scenario-file equivalent of the run command's --force flag.
	Force bool `yaml:"force,omitempty"`

	// Assertions validate the resulting trace, job ends, and clashes.
	// Supported types: job_status, trace_contains, trace_count, clash_count.
	Assertions []Assertion `yaml:"assertions"`

	// FlowToken is an optional fixed request id for deterministic tests.
	// If empty, defaults to "test-flow-default".
	FlowToken string `yaml:"flow_token,omitempty"`
}

// Assertion validates some aspect of a scenario's resulting trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "job_status": the named job ended in the given status
	// - "trace_contains": an event of the given kind appears in the trace
	// - "trace_count": an event kind appears exactly Count times
	// - "clash_count": exactly Count clashes were detected
	Type string `yaml:"type"`

	// Job is a rule id (used by job_status, and optionally trace_contains/
	// trace_count to scope the event to one job).
	Job string `yaml:"job,omitempty"`

	// Status is the expected recstore.EndStatus string (used by job_status).
	Status string `yaml:"status,omitempty"`

	// Kind is the expected event kind, e.g. "Queued", "Exec", "Done" (used
	// by trace_contains, trace_count).
	Kind string `yaml:"kind,omitempty"`

	// Count is the expected occurrence count (used by trace_count,
	// clash_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertJobStatus     = "job_status"
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertClashCount    = "clash_count"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	return LoadScenarioWithBasePath(path, "")
}

// LoadScenarioWithBasePath reads and parses a scenario YAML file, resolving
// rules_dir relative to basePath when it isn't already absolute. This is
// useful when scenario files reference rule directories using relative
// paths from a shared fixtures root.
func LoadScenarioWithBasePath(path, basePath string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // reject unknown fields (catches typos)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if basePath != "" && scenario.RulesDir != "" && !filepath.IsAbs(scenario.RulesDir) {
		scenario.RulesDir = filepath.Join(basePath, scenario.RulesDir)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.RulesDir == "" {
		return fmt.Errorf("rules_dir is required")
	}
	if _, err := os.Stat(s.RulesDir); os.IsNotExist(err) {
		return fmt.Errorf("rules_dir not found: %s", s.RulesDir)
	}
	if len(s.Targets) == 0 {
		return fmt.Errorf("targets list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertJobStatus:
		if a.Job == "" {
			return fmt.Errorf("assertions[%d]: job is required for job_status", index)
		}
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for job_status", index)
		}
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertClashCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for clash_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
