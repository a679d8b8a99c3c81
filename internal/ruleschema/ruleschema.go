// Package ruleschema validates the *shape* of a rule's static target/dep
// declaration — the data structure an out-of-scope rule-language front end
// hands across the boundary into this engine (spec.md §1: "Rule language
// parsing and user-facing configuration" is out of scope; only the
// resulting static target/dep shape is this package's concern).
//
// Validation is schema-driven CUE, the same way the teacher's
// internal/cli/loader.go and validate.go use cuelang.org/go to validate
// spec-shaped CUE input before compiling it.
package ruleschema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// schema constrains one rule declaration: a rule id, a command-hash used
// for cmd-generation detection, an ordered list of static deps (each with
// a path and an accesses/flags shape), and a list of targets (each with a
// path pattern and target flags). This is deliberately looser than a full
// rule language: it only pins down the fields the make engine actually
// reads off a Job record (spec.md §3 "Job"/"Target" entities).
const schema = `
#Dep: {
	path:     string
	accesses: [...("Stat" | "Lnk" | "Reg")]
	flags:    [...("Critical" | "Essential" | "IgnoreError" | "Required" | "Static")]
	parallel: bool | *false
}

#Target: {
	path:    string
	flags:   [...("Essential" | "Incremental" | "NoUniquify" | "NoWarning" | "Phony" | "Static" | "Target" | "Ignore" | "SourceOk" | "Allow" | "Wash" | "Crc")]
	isStar:  bool | *false
}

#Rule: {
	id:         string
	cmdHash:    string
	staticDeps: [...#Dep]
	targets:    [...#Target] & [_, ...] // at least one target
	stems?: [string]: string
	rsrcs?: [string]: string
}
`

// ValidationError is one schema violation, positioned the way
// cuelang.org/go reports it.
type ValidationError struct {
	Path    string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// Validator compiles the embedded schema once and validates rule
// declarations against it.
type Validator struct {
	ctx    *cue.Context
	ruleDef cue.Value
}

// NewValidator compiles the schema. Returns an error only if the embedded
// schema itself fails to compile (a programming error in this package, not
// a user input error).
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	schemaVal := ctx.CompileString(schema)
	if err := schemaVal.Err(); err != nil {
		return nil, fmt.Errorf("ruleschema: embedded schema is invalid: %w", err)
	}
	return &Validator{ctx: ctx, ruleDef: schemaVal.LookupPath(cue.ParsePath("#Rule"))}, nil
}

// Validate checks that ruleJSON (a JSON document describing one rule's
// static target/dep declarations) conforms to #Rule, returning every
// violation found rather than stopping at the first (matching the
// teacher's ValidationResult "collect all" posture in internal/cli's
// validate command).
func (v *Validator) Validate(ruleJSON []byte) []ValidationError {
	val := v.ctx.CompileBytes(ruleJSON)
	if err := val.Err(); err != nil {
		return []ValidationError{{Path: "$", Message: err.Error()}}
	}

	unified := v.ruleDef.Unify(val)
	if err := unified.Validate(cue.Concrete(true), cue.All()); err != nil {
		return errorsFromCUE(err)
	}
	return nil
}

// errorsFromCUE flattens a CUE validation error into one ValidationError
// per underlying cause, if the error aggregates several (as
// cuelang.org/go/cue/errors.Error does), else a single entry.
func errorsFromCUE(err error) []ValidationError {
	if agg, ok := err.(interface{ Errors() []error }); ok {
		var out []ValidationError
		for _, e := range agg.Errors() {
			out = append(out, ValidationError{Path: "$", Message: e.Error()})
		}
		return out
	}
	return []ValidationError{{Path: "$", Message: err.Error()}}
}
