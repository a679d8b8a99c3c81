package makeengine

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tracemake/tracemake/internal/audit"
	"github.com/tracemake/tracemake/internal/autodep"
	"github.com/tracemake/tracemake/internal/backend"
	"github.com/tracemake/tracemake/internal/cache"
	"github.com/tracemake/tracemake/internal/clash"
	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/depdigest"
	"github.com/tracemake/tracemake/internal/gather"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
	"github.com/tracemake/tracemake/internal/request"
)

// Rule is the static shape an out-of-scope rule-language front end
// resolves for one job: its command line, working directory, declared
// targets and their washing flags, and (optionally) a per-job timeout.
// Rule-language parsing itself stays outside this repo (spec.md §1
// Non-goals); the engine only ever consumes the result.
type Rule struct {
	ID        string
	Stems     map[string]string
	Argv      []string
	Dir       string
	Targets   []clash.WashTarget
	TimeoutNS int64
	// Rsrcs is the rule's declared resource map (e.g. cpu/mem tokens an
	// out-of-scope scheduler front end would read); the engine itself only
	// hashes it to detect a resource-map edit between runs (spec.md §4.H,
	// §3 rsrcs-generation).
	Rsrcs map[string]string
}

// RuleProvider resolves jobs to rules and nodes to the job that is
// statically known to produce them. Star-target matching, priority
// ordering among candidate rules, and rule-file parsing all live on the
// other side of this interface.
type RuleProvider interface {
	RuleFor(job namestore.JobId) (Rule, bool)
	// ProducerOf reports the job that produces node, if any rule claims
	// it as a target. Returns false for source files and anti-deps.
	ProducerOf(node namestore.NodeId) (namestore.JobId, bool)
}

// Clock abstracts wall-clock time so tests can drive the engine with a
// fixed generator the same way internal/testutil does for request IDs.
type Clock interface {
	NowNano() int64
}

type systemClock struct{}

func (systemClock) NowNano() int64 { return time.Now().UnixNano() }

// jobRun is the in-flight record for one (Job,Req) pair: the first caller
// to reach a given key runs the state machine to completion; every later
// caller for the same key blocks on done instead of redoing the work. This
// plays the role the teacher's engine.eventQueue single-writer loop plays,
// but expressed as per-key synchronization rather than a single goroutine
// draining one global queue — multiple independent (Job,Req) pairs still
// make progress concurrently, bounded by each Req's token bucket.
type jobRun struct {
	done   chan struct{}
	state  *JobReqState
	status recstore.EndStatus
	err    error
}

// Engine drives Jobs through the None->Dep->Queued->Exec->End->Done state
// machine (spec.md §4.H) against a shared node/job store, an execution
// backend, an optional content cache, and a durable audit log.
type Engine struct {
	Names   *namestore.Store
	Nodes   *recstore.NodeArena
	Jobs    *recstore.JobArena
	Rules   RuleProvider
	Backend backend.Backend
	Cache   *cache.Cache // nil disables the content cache entirely
	Washer  *clash.Washer
	Audit   *audit.Log // nil disables durable event recording
	Heap    *request.Heap
	Clock   Clock

	SocketDir string // directory autodep Unix sockets are created under

	mu   sync.Mutex
	runs map[jobReqKey]*jobRun

	clashMu  sync.Mutex
	lastExec map[namestore.NodeId]clash.ExecInterval
}

// New builds an Engine. backend/cache/washer/audit may be swapped for
// fakes in tests; socketDir defaults to os.TempDir() if empty.
func New(names *namestore.Store, nodes *recstore.NodeArena, jobs *recstore.JobArena, rules RuleProvider, be backend.Backend, c *cache.Cache, washer *clash.Washer, log *audit.Log, heap *request.Heap, socketDir string) *Engine {
	if socketDir == "" {
		socketDir = os.TempDir()
	}
	return &Engine{
		Names:     names,
		Nodes:     nodes,
		Jobs:      jobs,
		Rules:     rules,
		Backend:   be,
		Cache:     c,
		Washer:    washer,
		Audit:     log,
		Heap:      heap,
		Clock:     systemClock{},
		SocketDir: socketDir,
		runs:      make(map[jobReqKey]*jobRun),
		lastExec:  make(map[namestore.NodeId]clash.ExecInterval),
	}
}

// Make drives job to request.GoalDsk for req, recursively making every
// static dependency first. forced bypasses the cmd/content comparison the
// same way a user's `--force` flag does in the teacher's CLI.
func (e *Engine) Make(ctx context.Context, req *request.Req, job namestore.JobId, forced bool) (recstore.EndStatus, error) {
	return e.make(ctx, req, job, forced, nil)
}

func (e *Engine) make(ctx context.Context, req *request.Req, job namestore.JobId, forced bool, visiting []namestore.JobId) (recstore.EndStatus, error) {
	for _, v := range visiting {
		if v == job {
			path := append(append([]namestore.JobId{}, visiting...), job)
			return recstore.EndStatusSystemErr, NewCycleError(path)
		}
	}
	visiting = append(visiting, job)

	key := jobReqKey{job: job, req: req.ID}

	e.mu.Lock()
	run, exists := e.runs[key]
	if !exists {
		run = &jobRun{done: make(chan struct{}), state: &JobReqState{}}
		e.runs[key] = run
	}
	e.mu.Unlock()

	if exists {
		select {
		case <-run.done:
			return run.status, run.err
		case <-ctx.Done():
			return recstore.EndStatusNew, ctx.Err()
		}
	}

	e.runJob(ctx, req, job, forced, visiting, run)
	return run.status, run.err
}

// runJob executes the full state machine for a freshly-claimed (job,req)
// pair and publishes its outcome on run.done.
func (e *Engine) runJob(ctx context.Context, req *request.Req, job namestore.JobId, forced bool, visiting []namestore.JobId, run *jobRun) {
	st := run.state
	defer func() {
		st.Level = LevelDone
		e.recordEvent(ctx, req, job, "Done", st.RunStatus.String()+"/"+run.status.String())
		ri := req.JobInfo(job)
		ri.AdvanceDone(request.GoalDsk)
		ri.WakeWatchers()
		close(run.done)
	}()

	ri := req.JobInfo(job)
	ri.RaiseGoal(request.GoalDsk)

	rule, ok := e.Rules.RuleFor(job)
	if !ok {
		run.status = recstore.EndStatusSystemErr
		run.err = fmt.Errorf("makeengine: no rule resolves job %d", job)
		return
	}

	// None: classify forced/cmd-changed (spec.md §4.H).
	st.Level = LevelNone
	jr := e.Jobs.Get(job)
	newCmdGen := cmdGeneration(rule.Argv)
	cmdChanged := jr.CmdGeneration == 0 || jr.CmdGeneration != newCmdGen
	if forced {
		st.addReason(ReasonForced)
		st.Goal = RunGoalRun
	}
	if cmdChanged {
		st.addReason(ReasonCmdChanged)
		st.Goal = RunGoalRun
	}
	newRsrcsGen := rsrcsGeneration(rule.Rsrcs)
	if jr.RsrcsGeneration != 0 && jr.RsrcsGeneration != newRsrcsGen {
		// A resource-map edit forces re-submission scheduling but, unlike
		// a cmd-hash change, never by itself invalidates a cache hit — the
		// cache key does not embed the resource map.
		st.addReason(ReasonRsrcsChanged)
		st.Goal = RunGoalRun
	}

	// Dep: walk static deps, recursing into each dep's producing job.
	st.Level = LevelDep
	if err := e.resolveDeps(ctx, req, job, st, visiting); err != nil {
		run.status = recstore.EndStatusSystemErr
		run.err = err
		return
	}
	st.RunStatus = runStatusFromReasons(st.Reasons)
	e.Jobs.Update(job, func(j *recstore.JobRecord) { j.RunStatus = st.RunStatus })

	if st.Goal != RunGoalRun && !st.hasLocalReason() {
		// Already up to date: nothing to run, just adopt the last
		// recorded terminal status.
		run.status = demoteStatus(jr.EndStatus, st.hasLocalReason(), false)
		st.EndStatus = run.status
		e.recordJobEnd(ctx, req, job, st, jr.LastDBDate, jr.LastDBDate, 0)
		return
	}

	if st.RunStatus != recstore.RunStatusComplete {
		// Precluded from running at all (spec.md §7): a static dep is
		// missing or in error, so there is nothing to submit.
		run.status = recstore.EndStatusErr
		st.EndStatus = run.status
		e.recordJobEnd(ctx, req, job, st, jr.LastDBDate, jr.LastDBDate, 0)
		return
	}

	if e.staticTargetIsSource(rule) {
		st.RunStatus = recstore.RunStatusTargetErr
		e.Jobs.Update(job, func(j *recstore.JobRecord) { j.RunStatus = st.RunStatus })
		run.status = recstore.EndStatusErr
		st.EndStatus = run.status
		e.recordJobEnd(ctx, req, job, st, jr.LastDBDate, jr.LastDBDate, 0)
		return
	}

	// Queued: acquire a resource token before this job may occupy a slot.
	st.Level = LevelQueued
	if err := req.Tokens().Acquire(ctx); err != nil {
		run.status = recstore.EndStatusKilled
		run.err = err
		return
	}
	defer req.Tokens().Release()
	e.recordEvent(ctx, req, job, "Queued", "")

	targetPaths := targetPaths(rule)

	if e.Cache != nil {
		result, err := e.probeCache(ctx, req, job, rule, visiting)
		if err == nil && result.Outcome == cache.Hit {
			if e.applyCacheHit(ctx, req, job, st, rule, result.Entry, targetPaths) {
				req.Stats.IncCacheHit()
				e.incCacheStat(ctx, req, true)
				run.status = st.EndStatus
				return
			}
		}
		req.Stats.IncCacheMiss()
		e.incCacheStat(ctx, req, false)
	}

	// Exec -> End: actually run the job.
	st.Level = LevelExec
	status, err := e.execute(ctx, req, job, st, rule, targetPaths)
	if err != nil {
		run.status = recstore.EndStatusSystemErr
		run.err = err
		return
	}
	run.status = status
}

// resolveDeps implements the Dep-level traversal loop, recursing into each
// dep's producing job synchronously in place of an async watcher wakeup —
// the recursive call itself blocks until that job reaches Done for this
// Req, so by the time AdvanceDeps re-checks a dep, its producer's node
// state is final.
func (e *Engine) resolveDeps(ctx context.Context, req *request.Req, job namestore.JobId, st *JobReqState, visiting []namestore.JobId) error {
	for {
		jr := e.Jobs.Get(job)
		deps := jr.StaticDeps.ToSlice()
		if st.DepLvl > len(deps) {
			st.DepLvl = len(deps)
		}

		statuses := make([]DepStatus, len(deps))
		for i := 0; i < st.DepLvl; i++ {
			statuses[i] = DepStatusOk
		}

		hardMissing := false
		for i := st.DepLvl; i < len(deps); i++ {
			s, err := e.ensureDepReady(ctx, req, deps[i], visiting)
			if err != nil {
				return err
			}
			if s == DepStatusNotReady {
				hardMissing = true
				s = DepStatusError
			}
			statuses[i] = s
		}

		outcome := AdvanceDeps(deps, statuses, st.DepLvl)
		for _, r := range outcome.Reasons {
			st.addReason(r)
		}
		st.Speculate = st.Speculate.Decrease(outcome.Speculate)

		switch outcome.Kind {
		case DepResultRestart:
			e.Jobs.Update(job, func(j *recstore.JobRecord) {
				j.StaticDeps.TruncateTo(outcome.TruncateToLvl)
			})
			st.DepLvl = 0
			st.Goal = RunGoalRun
			continue
		case DepResultWaiting:
			if hardMissing {
				st.addReason(ReasonStaticDepMissing)
			} else {
				st.addReason(ReasonDepNotReady)
			}
			st.DepLvl = outcome.NewDepLvl
			return nil
		default: // DepResultSatisfied
			st.DepLvl = outcome.NewDepLvl
			return nil
		}
	}
}

// ensureDepReady makes a dep's producing job (if any is statically known)
// and then reclassifies the dep against the now-current node store.
func (e *Engine) ensureDepReady(ctx context.Context, req *request.Req, d recstore.LogicalDep, visiting []namestore.JobId) (DepStatus, error) {
	rec, _ := e.Nodes.Get(d.Node)

	if rec.ActualJob == 0 {
		if prod, ok := e.Rules.ProducerOf(d.Node); ok {
			e.Nodes.Update(d.Node, func(n *recstore.NodeRecord) {
				n.ActualJob = prod
				n.Status = recstore.StatusPlain
			})
			rec.ActualJob = prod
		}
	}

	if rec.ActualJob != 0 {
		if _, err := e.make(ctx, req, rec.ActualJob, false, visiting); err != nil && IsCycleError(err) {
			return DepStatusError, err
		}
	}

	return CheckDep(e.Nodes, e.Jobs, d), nil
}

// probeCache resolves a Match Maybe outcome by making whatever producing
// jobs stand behind its unresolved deps, re-matching until the outcome
// settles to Hit or Miss.
func (e *Engine) probeCache(ctx context.Context, req *request.Req, job namestore.JobId, rule Rule, visiting []namestore.JobId) (cache.MatchResult, error) {
	key := cache.KeyOf(rule.ID, rule.Stems)
	for {
		result, err := e.Cache.Match(key, e.cacheDepLookup())
		if err != nil {
			return cache.MatchResult{Outcome: cache.Miss}, nil
		}
		if result.Outcome != cache.Maybe {
			return result, nil
		}
		for _, path := range result.NewDeps {
			node := e.Names.InternNode(path)
			if prod, ok := e.Rules.ProducerOf(node); ok {
				if _, err := e.make(ctx, req, prod, false, visiting); err != nil && IsCycleError(err) {
					return cache.MatchResult{Outcome: cache.Miss}, nil
				}
			}
		}
	}
}

func (e *Engine) cacheDepLookup() cache.DepLookup {
	return func(path string, accesses crc.Access, cached recstore.DepValue) cache.DepState {
		node := e.Names.InternNode(path)
		rec, _ := e.Nodes.Get(node)
		isSource := rec.Buildable == recstore.BuildableSrc || rec.Buildable == recstore.BuildableSubSrc || rec.Buildable == recstore.BuildableSrcDir
		if rec.Status == recstore.StatusNone && !isSource {
			return cache.DepStateUnknown
		}
		if valueMatchesNode(cached, accesses, rec.CRC, rec.Sig) {
			return cache.DepStateMatches
		}
		return cache.DepStateDiffers
	}
}

// applyCacheHit downloads a matched cache entry's targets into the
// workspace and updates every target node's record. Returns false (never
// touching st) if the download itself fails, so the caller falls back to
// an ordinary Miss/execute.
func (e *Engine) applyCacheHit(ctx context.Context, req *request.Req, job namestore.JobId, st *JobReqState, rule Rule, entry cache.EntryID, targetPaths []string) bool {
	info, sigs, err := e.Cache.Download(entry, targetPaths)
	if err != nil {
		return false
	}

	for i, tp := range targetPaths {
		data, rerr := os.ReadFile(tp)
		var c crc.CRC
		if rerr == nil {
			c = crc.OfFile(data)
		}
		e.Nodes.Update(e.Names.InternNode(tp), func(n *recstore.NodeRecord) {
			n.CRC = c
			n.Sig = sigs[i]
			n.ActualJob = job
			n.Status = recstore.StatusPlain
		})
	}

	status := parseEndStatus(info.EndStatus)
	st.StartDate = info.StartDate
	st.EndDate = info.EndDate
	st.EndStatus = demoteStatus(status, st.hasLocalReason(), false)

	e.Jobs.Update(job, func(j *recstore.JobRecord) {
		j.EndStatus = st.EndStatus
		j.LastDBDate = info.EndDate
		j.CmdGeneration = cmdGeneration(rule.Argv)
		j.RsrcsGeneration = rsrcsGeneration(rule.Rsrcs)
		j.RunStatus = recstore.RunStatusComplete
	})
	e.recordJobEnd(ctx, req, job, st, info.StartDate, info.EndDate, 0)
	return true
}

// execute washes targets, submits the job to the backend, gathers its
// autodep reports, and performs full end-processing: dep resolution,
// clash detection, status demotion, cache upload, and audit recording.
func (e *Engine) execute(ctx context.Context, req *request.Req, job namestore.JobId, st *JobReqState, rule Rule, targetPaths []string) (recstore.EndStatus, error) {
	washResult, err := e.Washer.Wash(rule.Targets, e.claimChecker(req))
	if err != nil {
		return recstore.EndStatusSystemErr, fmt.Errorf("makeengine: wash job %d: %w", job, err)
	}
	defer e.Washer.Unwash(washResult)

	sockPath := filepath.Join(e.SocketDir, fmt.Sprintf("tracemake-%d-%s.sock", job, strconv.FormatInt(e.Clock.NowNano(), 36)))
	os.Remove(sockPath)
	ln, err := autodep.Listen(sockPath)
	if err != nil {
		return recstore.EndStatusSystemErr, fmt.Errorf("makeengine: listen autodep socket: %w", err)
	}
	defer ln.Close()
	defer os.Remove(sockPath)

	g := gather.New()
	handler := &depQueryHandler{Gather: g, engine: e}
	serveCtx, cancelServe := context.WithCancel(ctx)
	go ln.Serve(serveCtx, func() autodep.Handler { return handler })

	timeout := rule.TimeoutNS
	spec := backend.JobSpec{
		JobID:         int64(job),
		Argv:          rule.Argv,
		Dir:           rule.Dir,
		Env:           append(append([]string{}, os.Environ()...), autodep.EnvVar+"="+autodep.EncodeEnv(sockPath)),
		AutodepSocket: sockPath,
		Timeout:       timeout,
	}

	st.StartDate = e.Clock.NowNano()
	handle, err := e.Backend.Submit(ctx, spec)
	if err != nil {
		cancelServe()
		return recstore.EndStatusSystemErr, fmt.Errorf("makeengine: submit job %d: %w", job, err)
	}
	e.recordEvent(ctx, req, job, "Exec", "")

	report, err := e.Backend.Wait(ctx, handle)
	cancelServe()
	st.EndDate = e.Clock.NowNano()
	if err != nil {
		return recstore.EndStatusSystemErr, fmt.Errorf("makeengine: wait job %d: %w", job, err)
	}

	st.Level = LevelEnd
	g.AppendStderr(report.Stderr)
	g.NewExec(gather.ExecTime{WallTotal: time.Duration(st.EndDate - st.StartDate)})

	depObs, gatheredTargets, _, _ := g.Digest()

	endStatus := classifyEndStatus(report)
	hasAnalysisErr := false

	// Resolve every observed dep into a permanent DepValue and fold the
	// result onto the job's static dep vector.
	resolvedDeps := make([]recstore.LogicalDep, 0, len(depObs))
	cachedDeps := make([]cache.CachedDep, 0, len(depObs))
	for _, d := range depObs {
		node := e.Names.InternNode(d.Path)
		rec, _ := e.Nodes.Get(node)
		digest := depdigest.Digest{
			Path:     d.Path,
			Date:     d.Value.Date,
			Accesses: d.Accesses,
			Flags:    d.Flags,
			IsCRC:    d.Value.IsCRC,
			CRC:      d.Value.CRC,
		}
		res, rerr := depdigest.Resolve(node, digest, rec.Sig, rec.CRC, false)
		if rerr != nil {
			hasAnalysisErr = true
			continue
		}
		if res.Reason == depdigest.ReasonStaticDepMissing {
			st.addReason(ReasonStaticDepMissing)
		}
		resolvedDeps = append(resolvedDeps, recstore.LogicalDep{Node: node, Accesses: d.Accesses, Flags: d.Flags, Value: res.Value})
		cachedDeps = append(cachedDeps, cache.CachedDep{Path: d.Path, Accesses: d.Accesses, Flags: d.Flags, Value: res.Value})
	}
	e.Jobs.Update(job, func(j *recstore.JobRecord) {
		j.StaticDeps = gather.BuildDepVector(depObs, func(int) bool { return false }, e.Names.InternNode)
		j.CmdGeneration = cmdGeneration(rule.Argv)
		j.RsrcsGeneration = rsrcsGeneration(rule.Rsrcs)
		j.RunStatus = recstore.RunStatusComplete
	})

	// Targets: update node records, detect concurrent-write clashes.
	sigs := make([]crc.FileSig, len(targetPaths))
	for i, tp := range targetPaths {
		info, ok := gatheredTargets[tp]
		var c crc.CRC
		if ok && info.CRC.Kind() != crc.Unknown {
			c = info.CRC
		} else if data, rerr := os.ReadFile(tp); rerr == nil {
			c = crc.OfFile(data)
		} else {
			c = crc.NoneCRC
		}
		sig, serr := fileSig(tp)
		if serr != nil {
			sig = crc.NoneSig
		}
		sigs[i] = sig

		node := e.Names.InternNode(tp)
		if e.checkClash(req, node, job, st.StartDate, st.EndDate, rule.Targets[i].Flags) {
			st.addReason(ReasonClashTarget)
		}
		e.Nodes.Update(node, func(n *recstore.NodeRecord) {
			n.CRC = c
			n.Sig = sig
			n.ActualJob = job
			n.Status = recstore.StatusPlain
		})
	}

	finalStatus := demoteStatus(endStatus, st.hasLocalReason(), hasAnalysisErr)
	st.EndStatus = finalStatus

	e.Jobs.Update(job, func(j *recstore.JobRecord) {
		j.EndStatus = finalStatus
		j.LastDBDate = st.EndDate
		j.LastExecTime = time.Duration(st.EndDate - st.StartDate)
	})

	if e.Cache != nil && !finalStatus.IsError() && !finalStatus.DidNotRunReliably() {
		key := cache.KeyOf(rule.ID, rule.Stems)
		info := cache.JobInfo{
			RuleID:    rule.ID,
			Stems:     rule.Stems,
			StartDate: st.StartDate,
			EndDate:   st.EndDate,
			EndStatus: finalStatus.String(),
			Targets:   targetPaths,
		}
		_, _ = e.Cache.Upload(key, info, cachedDeps, targetPaths, sigs)
	}

	e.recordJobEnd(ctx, req, job, st, st.StartDate, st.EndDate, len(report.Stderr))
	req.Stats.IncJobsRun()
	if finalStatus.IsError() {
		req.Stats.IncErrors()
	}

	return finalStatus, nil
}

// checkClash compares job's just-observed exec interval for node against
// the last interval recorded for that node; an overlap with a different
// job's interval is a concurrent-write clash (spec.md §4.H). The clash is
// only acted on — Request.clash_nodes insertion and the ClashTarget
// reason — if either job's rule declares the Crc flag on this target,
// matching the original engine's flags[Flag::Crc]/aj_flags[Flag::Crc]
// gate; an overlap on a non-Crc target is otherwise ignored.
func (e *Engine) checkClash(req *request.Req, node namestore.NodeId, job namestore.JobId, start, end int64, flags clash.TargetFlag) bool {
	e.clashMu.Lock()
	defer e.clashMu.Unlock()

	cur := clash.ExecInterval{Job: job, StartDate: start, EndDate: end}
	prev, ok := e.lastExec[node]
	e.lastExec[node] = cur

	if !ok {
		return false
	}
	if !clash.Detect(prev, cur) {
		return false
	}
	if !flags.Has(clash.FlagCrc) && !e.targetFlagsFor(prev.Job, node).Has(clash.FlagCrc) {
		return false
	}

	req.MarkClash(node)
	if e.Audit != nil {
		_ = e.Audit.RecordClash(context.Background(), req.ID, int64(node), int64(prev.Job), int64(job), end)
	}
	return true
}

// targetFlagsFor looks up the target flags a job's rule declared for node,
// used by checkClash to check the clashing job's own Crc flag rather than
// only the currently-ending job's.
func (e *Engine) targetFlagsFor(job namestore.JobId, node namestore.NodeId) clash.TargetFlag {
	rule, ok := e.Rules.RuleFor(job)
	if !ok {
		return 0
	}
	path, ok := e.Names.LookupNode(node)
	if !ok {
		return 0
	}
	for _, t := range rule.Targets {
		if t.Path == path {
			return t.Flags
		}
	}
	return 0
}

// claimChecker reports whether another job's still-open Req claims path as
// its own target, for Washer's unlink-warning decision.
func (e *Engine) claimChecker(req *request.Req) clash.ClaimChecker {
	return func(path string) (bool, namestore.JobId) {
		node := e.Names.InternNode(path)
		rec, _ := e.Nodes.Get(node)
		if rec.ActualJob != 0 {
			return true, rec.ActualJob
		}
		return false, 0
	}
}

func (e *Engine) recordEvent(ctx context.Context, req *request.Req, job namestore.JobId, kind, detail string) {
	if e.Audit == nil {
		return
	}
	_ = e.Audit.RecordEvent(ctx, req.ID, int64(job), 0, kind, detail, e.Clock.NowNano())
}

func (e *Engine) recordJobEnd(ctx context.Context, req *request.Req, job namestore.JobId, st *JobReqState, start, end int64, stderrLen int) {
	if e.Audit == nil {
		return
	}
	reasons := make([]string, len(st.Reasons))
	for i, r := range st.Reasons {
		reasons[i] = string(r)
	}
	_ = e.Audit.RecordJobEnd(ctx, req.ID, int64(job), st.EndStatus.String(), strings.Join(reasons, ","), start, end, stderrLen)
}

func (e *Engine) incCacheStat(ctx context.Context, req *request.Req, hit bool) {
	if e.Audit == nil {
		return
	}
	if hit {
		_ = e.Audit.IncCacheHit(ctx, req.ID)
	} else {
		_ = e.Audit.IncCacheMiss(ctx, req.ID)
	}
}

// targetPaths returns a rule's target destinations in declaration order —
// the same order must be used for both cache Upload and Download so index
// i always names the same target.
func targetPaths(rule Rule) []string {
	paths := make([]string, len(rule.Targets))
	for i, t := range rule.Targets {
		paths[i] = t.Path
	}
	return paths
}

// cmdGeneration hashes a job's command line into a uint64, stored on
// recstore.JobRecord.CmdGeneration to detect a rule's command changing
// between runs without keeping the full argv around.
func cmdGeneration(argv []string) uint64 {
	h := crc.OfDepKey([]byte(strings.Join(argv, "\x00")))
	b, err := hex.DecodeString(h[:16])
	if err != nil || len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// runStatusFromReasons classifies the Dep-level outcome into a
// recstore.RunStatus (spec.md §4.H: "switch(dep_state) ... run_status =
// ..."): a missing static dep takes precedence over a dep that merely
// errored, since rerunning cannot help until the missing dep exists.
func runStatusFromReasons(reasons []Reason) recstore.RunStatus {
	status := recstore.RunStatusComplete
	for _, r := range reasons {
		switch r {
		case ReasonStaticDepMissing:
			return recstore.RunStatusNoDep
		case ReasonDepErr, ReasonDepOverwritten:
			status = recstore.RunStatusDepErr
		}
	}
	return status
}

// staticTargetIsSource reports whether any of rule's declared targets is
// already classified as a source node — a job can never produce a file the
// node/job store considers a source, the Go analogue of the original
// engine's manual/source static-target check (spec.md §7 RunStatus
// TargetErr).
func (e *Engine) staticTargetIsSource(rule Rule) bool {
	for _, t := range rule.Targets {
		node := e.Names.InternNode(t.Path)
		rec, _ := e.Nodes.Get(node)
		switch rec.Buildable {
		case recstore.BuildableSrc, recstore.BuildableSubSrc, recstore.BuildableSrcDir:
			return true
		}
	}
	return false
}

// rsrcsGeneration hashes a rule's resource map into a uint64, stored on
// recstore.JobRecord.RsrcsGeneration to detect a resource-map edit between
// runs independently of CmdGeneration (SPEC_FULL.md §3: "rsrcs_generation
// and cmd_generation are independent").
func rsrcsGeneration(rsrcs map[string]string) uint64 {
	keys := make([]string, 0, len(rsrcs))
	for k := range rsrcs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(rsrcs[k])
		b.WriteByte(0)
	}
	h := crc.OfDepKey([]byte(b.String()))
	raw, err := hex.DecodeString(h[:16])
	if err != nil || len(raw) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(raw)
}

func fileSig(path string) (crc.FileSig, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return crc.NoneSig, err
	}
	tag := crc.TagReg
	if fi.Mode()&os.ModeSymlink != 0 {
		tag = crc.TagLnk
	} else if fi.Size() == 0 {
		tag = crc.TagEmpty
	}
	return crc.FileSig{Mtime: fi.ModTime().UnixNano(), Tag: tag}, nil
}

func classifyEndStatus(report backend.EndReport) recstore.EndStatus {
	switch {
	case report.Killed:
		return recstore.EndStatusKilled
	case report.TimedOut:
		return recstore.EndStatusTimeout
	case report.ExitCode == 0:
		return recstore.EndStatusOk
	default:
		return recstore.EndStatusErr
	}
}

func parseEndStatus(s string) recstore.EndStatus {
	for st := recstore.EndStatusNew; st <= recstore.EndStatusSystemErr; st++ {
		if st.String() == s {
			return st
		}
	}
	return recstore.EndStatusGarbage
}
