// Package backend defines the abstract job-submission boundary
// (spec.md §6, §1 Non-goals: sandboxed execution via ptrace/LD_PRELOAD
// injection is out of scope) and one concrete implementation, LocalBackend,
// enough to drive the engine end-to-end against real shell scripts.
package backend

import (
	"context"
)

// JobSpec is everything a Backend needs to start one job: the command to
// run, its working directory, and the autodep socket path the job's
// environment must point at so gather reports flow back to the engine.
type JobSpec struct {
	JobID      int64
	Argv       []string
	Dir        string
	Env        []string
	AutodepSocket string
	Timeout    int64 // nanoseconds; 0 means no per-job timeout
}

// JobHandle identifies a submitted, running job to its Backend.
type JobHandle struct {
	JobID int64
	PID   int
}

// EndReport is what a Backend delivers once a job finishes, independent of
// whatever autodep reported — this is the backend's own view (exit code,
// wall time), which the engine combines with the job's gather digest.
type EndReport struct {
	Handle    JobHandle
	ExitCode  int
	TimedOut  bool
	Killed    bool
	StartDate int64
	EndDate   int64
	Stderr    []byte
}

// Backend abstracts "what actually runs a job" away from the make engine's
// "what the engine decides" (spec.md §1, §6) — exactly the split the
// teacher's executeThen/queue.Enqueue boundary draws between deciding to
// fire an invocation and whatever consumes the resulting Event.
type Backend interface {
	// Submit starts spec running and returns immediately with a handle;
	// the job's completion is reported asynchronously via Wait.
	Submit(ctx context.Context, spec JobSpec) (JobHandle, error)
	// Wait blocks until the job identified by h finishes, or ctx is
	// cancelled.
	Wait(ctx context.Context, h JobHandle) (EndReport, error)
	// Kill forcibly terminates a running job (spec.md §5 cancellation via
	// zombie flag + Kill forwarding).
	Kill(h JobHandle) error
}
