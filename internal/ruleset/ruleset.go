// Package ruleset loads a directory of rule JSON files into a
// makeengine.RuleProvider, validating each rule's static target/dep shape
// against internal/ruleschema. Both internal/cli and internal/harness
// build their engine wiring from this package so the CLI's `run`/`validate`
// commands and the conformance harness load rules identically.
package ruleset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tracemake/tracemake/internal/clash"
	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/makeengine"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
	"github.com/tracemake/tracemake/internal/ruleschema"
)

// ruleFile is the on-disk JSON shape of one rule. The first five fields
// are exactly what internal/ruleschema validates; argv/dir/timeoutNs/env
// are execution-only fields the engine reads but that ruleschema's #Rule
// definition deliberately does not pin down (it only covers the static
// target/dep shape).
type ruleFile struct {
	ID         string            `json:"id"`
	CmdHash    string            `json:"cmdHash"`
	StaticDeps []depDecl         `json:"staticDeps"`
	Targets    []targetDecl      `json:"targets"`
	Stems      map[string]string `json:"stems,omitempty"`
	Rsrcs      map[string]string `json:"rsrcs,omitempty"`

	Argv      []string `json:"argv"`
	Dir       string   `json:"dir"`
	TimeoutNS int64    `json:"timeoutNs,omitempty"`
	Env       []string `json:"env,omitempty"`
}

type depDecl struct {
	Path     string   `json:"path"`
	Accesses []string `json:"accesses"`
	Flags    []string `json:"flags"`
	Parallel bool     `json:"parallel,omitempty"`
}

type targetDecl struct {
	Path   string   `json:"path"`
	Flags  []string `json:"flags"`
	IsStar bool     `json:"isStar,omitempty"`
}

// schemaSubset returns just the fields ruleschema.Validator checks, so a
// full rule file (which also carries the execution-only argv/dir/env/
// timeout fields #Rule does not mention) still validates against its
// closed schema.
func (rf ruleFile) schemaSubset() ([]byte, error) {
	subset := struct {
		ID         string            `json:"id"`
		CmdHash    string            `json:"cmdHash"`
		StaticDeps []depDecl         `json:"staticDeps"`
		Targets    []targetDecl      `json:"targets"`
		Stems      map[string]string `json:"stems,omitempty"`
		Rsrcs      map[string]string `json:"rsrcs,omitempty"`
	}{rf.ID, rf.CmdHash, rf.StaticDeps, rf.Targets, rf.Stems, rf.Rsrcs}
	return json.Marshal(subset)
}

// starRule is a target declared with isStar: any node whose path ends in
// suffix is presumed produced by job, the suffix-matching analogue of the
// original's "%"-stem star targets, built on namestore's existing
// MatchSuffix trie instead of a second path-matching structure.
type starRule struct {
	suffix string
	job    namestore.JobId
}

// RuleSet is a makeengine.RuleProvider loaded from a directory of rule
// JSON files: one file per job, statically instantiated (no stem
// expansion at load time — a rule file already names one concrete job).
type RuleSet struct {
	names *namestore.Store

	mu        sync.RWMutex
	rules     map[namestore.JobId]makeengine.Rule
	producers map[namestore.NodeId]namestore.JobId
	stars     []starRule
}

func newRuleSet(names *namestore.Store) *RuleSet {
	return &RuleSet{
		names:     names,
		rules:     make(map[namestore.JobId]makeengine.Rule),
		producers: make(map[namestore.NodeId]namestore.JobId),
	}
}

// RuleFor implements makeengine.RuleProvider.
func (rs *RuleSet) RuleFor(job namestore.JobId) (makeengine.Rule, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	r, ok := rs.rules[job]
	return r, ok
}

// ProducerOf implements makeengine.RuleProvider: a static target lookup
// first, falling back to suffix-matched star rules.
func (rs *RuleSet) ProducerOf(node namestore.NodeId) (namestore.JobId, bool) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	if job, ok := rs.producers[node]; ok {
		return job, true
	}
	path, ok := rs.names.LookupNode(node)
	if !ok {
		return 0, false
	}
	for _, sr := range rs.stars {
		if strings.HasSuffix(path, sr.suffix) {
			return sr.job, true
		}
	}
	return 0, false
}

// Load reads every *.json rule file under dir, validates its static
// target/dep shape against ruleschema, and materializes the resulting jobs
// into names/jobs. Returns every validation/IO error found rather than
// stopping at the first, matching ruleschema.Validate's collect-all
// posture.
func Load(dir string, names *namestore.Store, jobs *recstore.JobArena, validator *ruleschema.Validator) (*RuleSet, []error) {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, []error{fmt.Errorf("ruleset: walk %s: %w", dir, err)}
	}
	sort.Strings(paths) // deterministic load order regardless of directory iteration

	rs := newRuleSet(names)
	var errs []error

	for _, path := range paths {
		if err := rs.loadFile(path, jobs, validator); err != nil {
			errs = append(errs, err)
		}
	}
	return rs, errs
}

func (rs *RuleSet) loadFile(path string, jobs *recstore.JobArena, validator *ruleschema.Validator) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ruleset: read %s: %w", path, err)
	}

	var rf ruleFile
	if err := json.Unmarshal(data, &rf); err != nil {
		return fmt.Errorf("ruleset: parse %s: %w", path, err)
	}

	subset, err := rf.schemaSubset()
	if err != nil {
		return fmt.Errorf("ruleset: %s: %w", path, err)
	}
	if verrs := validator.Validate(subset); len(verrs) > 0 {
		msgs := make([]string, len(verrs))
		for i, v := range verrs {
			msgs[i] = v.Error()
		}
		return fmt.Errorf("ruleset: %s: %s", path, strings.Join(msgs, "; "))
	}

	job := rs.names.InternJob(rf.ID)
	jobs.Allocate(job)

	var depVec recstore.DepVector
	for _, d := range rf.StaticDeps {
		node := rs.names.InternNode(d.Path)
		depVec.AppendChunk(parseAccesses(d.Accesses), parseDepFlags(d.Flags), d.Parallel, node, recstore.DepValue{}, nil)
	}
	jobs.Update(job, func(j *recstore.JobRecord) {
		j.RuleID = rf.ID
		j.StaticDeps = depVec
	})

	washTargets := make([]clash.WashTarget, 0, len(rf.Targets))
	rs.mu.Lock()
	for _, t := range rf.Targets {
		node := rs.names.InternNode(t.Path)
		washTargets = append(washTargets, clash.WashTarget{Path: t.Path, Flags: parseTargetFlags(t.Flags)})
		if t.IsStar {
			rs.stars = append(rs.stars, starRule{suffix: t.Path, job: job})
		} else {
			rs.producers[node] = job
		}
	}
	rs.rules[job] = makeengine.Rule{
		ID:        rf.ID,
		Stems:     rf.Stems,
		Argv:      rf.Argv,
		Dir:       rf.Dir,
		Targets:   washTargets,
		TimeoutNS: rf.TimeoutNS,
		Rsrcs:     rf.Rsrcs,
	}
	rs.mu.Unlock()

	return nil
}

func parseAccesses(vals []string) crc.Access {
	var out crc.Access
	for _, v := range vals {
		switch v {
		case "Stat":
			out |= crc.Stat
		case "Lnk":
			out |= crc.Lnk
		case "Reg":
			out |= crc.Reg
		}
	}
	return out
}

// parseDepFlags maps ruleschema's dep-flag vocabulary directly onto
// recstore.DepFlag: the two enumerations were defined to match 1:1.
func parseDepFlags(vals []string) recstore.DepFlag {
	var out recstore.DepFlag
	for _, v := range vals {
		switch v {
		case "Critical":
			out |= recstore.FlagCritical
		case "Essential":
			out |= recstore.FlagEssential
		case "IgnoreError":
			out |= recstore.FlagIgnoreError
		case "Required":
			out |= recstore.FlagRequired
		case "Static":
			out |= recstore.FlagStatic
		}
	}
	return out
}

// parseTargetFlags narrows ruleschema's eleven-flag #Target vocabulary
// down to the four bits clash.Washer and clash detection actually consult.
// Warning defaults on (a washed-away target that another job currently
// claims is worth reporting) unless NoWarning says otherwise; Ignore
// suppresses washing outright, matching a target a rule declares but
// never wants touched by the wash step; Crc marks a target whose clash
// must force a rerun rather than merely being recorded (spec.md §4.H).
// Essential/NoUniquify/Phony/Static/Target/SourceOk/Allow describe target
// semantics the wash step itself has no opinion on (they govern whether a
// target must appear, how stems uniquify, or whether a source file may
// stand in for it — all make-engine/dep-resolution concerns handled
// elsewhere), so they fall through unused here.
func parseTargetFlags(vals []string) clash.TargetFlag {
	out := clash.FlagWarning
	for _, v := range vals {
		switch v {
		case "Incremental":
			out |= clash.FlagIncremental
		case "NoWarning":
			out &^= clash.FlagWarning
		case "Ignore", "Wash":
			out |= clash.FlagWashSuppressed
		case "Crc":
			out |= clash.FlagCrc
		}
	}
	return out
}
