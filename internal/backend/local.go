package backend

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/tracemake/tracemake/internal/autodep"
)

// LocalBackend runs jobs as local subprocesses under os/exec, wiring each
// job's autodep socket via the TRACEMAKE_AUTODEP environment variable.
// It is the one concrete Backend this repo ships — enough to drive the
// engine end-to-end in tests and the CLI's run/invoke commands, without
// reimplementing a sandboxed executor (ptrace/LD_PRELOAD injection is out
// of scope per spec.md §1).
type LocalBackend struct {
	mu      sync.Mutex
	running map[int64]*runningJob
}

type runningJob struct {
	cmd       *exec.Cmd
	startDate int64
	done      chan EndReport
}

// NewLocalBackend creates an empty LocalBackend.
func NewLocalBackend() *LocalBackend {
	return &LocalBackend{running: make(map[int64]*runningJob)}
}

// Submit starts spec.Argv as a subprocess. The autodep socket path (plus
// any options already encoded into spec.AutodepSocket's caller-provided
// option flags) is exposed to the child via autodep.EnvVar.
func (b *LocalBackend) Submit(ctx context.Context, spec JobSpec) (JobHandle, error) {
	if len(spec.Argv) == 0 {
		return JobHandle{}, fmt.Errorf("backend: empty argv for job %d", spec.JobID)
	}

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = spec.Dir
	cmd.Env = append(append([]string{}, spec.Env...), autodep.EnvVar+"="+spec.AutodepSocket)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return JobHandle{}, fmt.Errorf("backend: start job %d: %w", spec.JobID, err)
	}

	h := JobHandle{JobID: spec.JobID, PID: cmd.Process.Pid}
	rj := &runningJob{cmd: cmd, startDate: timeNow(), done: make(chan EndReport, 1)}

	b.mu.Lock()
	b.running[spec.JobID] = rj
	b.mu.Unlock()

	go b.waitForExit(h, rj, stderr.Bytes, spec.Timeout)

	return h, nil
}

func (b *LocalBackend) waitForExit(h JobHandle, rj *runningJob, stderr func() []byte, timeout int64) {
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(time.Duration(timeout), func() { _ = rj.cmd.Process.Kill() })
	}

	err := rj.cmd.Wait()
	if timer != nil {
		timer.Stop()
	}

	report := EndReport{
		Handle:    h,
		StartDate: rj.startDate,
		EndDate:   timeNow(),
		Stderr:    stderr(),
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			report.ExitCode = exitErr.ExitCode()
			report.Killed = exitErr.ExitCode() < 0
		} else {
			report.ExitCode = -1
		}
	}
	rj.done <- report
}

// Wait blocks until the job finishes or ctx is cancelled.
func (b *LocalBackend) Wait(ctx context.Context, h JobHandle) (EndReport, error) {
	b.mu.Lock()
	rj, ok := b.running[h.JobID]
	b.mu.Unlock()
	if !ok {
		return EndReport{}, fmt.Errorf("backend: unknown job %d", h.JobID)
	}

	select {
	case report := <-rj.done:
		b.mu.Lock()
		delete(b.running, h.JobID)
		b.mu.Unlock()
		return report, nil
	case <-ctx.Done():
		return EndReport{}, ctx.Err()
	}
}

// Kill forcibly terminates the job's process.
func (b *LocalBackend) Kill(h JobHandle) error {
	b.mu.Lock()
	rj, ok := b.running[h.JobID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("backend: unknown job %d", h.JobID)
	}
	return rj.cmd.Process.Kill()
}

// timeNow is a thin indirection so tests could swap in a fixed clock; kept
// as plain time.Now for production use.
func timeNow() int64 { return time.Now().UnixNano() }
