package backend

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestLocalBackendSubmitAndWaitSuccess(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	h, err := b.Submit(ctx, JobSpec{JobID: 1, Argv: []string{"true"}, Dir: os.TempDir()})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	report, err := b.Wait(ctx, h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if report.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %d", report.ExitCode)
	}
	if report.EndDate < report.StartDate {
		t.Fatalf("EndDate (%d) should not precede StartDate (%d)", report.EndDate, report.StartDate)
	}
}

func TestLocalBackendSubmitAndWaitFailure(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	h, err := b.Submit(ctx, JobSpec{JobID: 2, Argv: []string{"false"}, Dir: os.TempDir()})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	report, err := b.Wait(ctx, h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if report.ExitCode == 0 {
		t.Fatalf("expected non-zero exit code")
	}
}

func TestLocalBackendKill(t *testing.T) {
	b := NewLocalBackend()
	ctx := context.Background()

	h, err := b.Submit(ctx, JobSpec{JobID: 3, Argv: []string{"sleep", "5"}, Dir: os.TempDir()})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if err := b.Kill(h); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	report, err := b.Wait(ctx, h)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if report.ExitCode == 0 {
		t.Fatalf("expected killed job to report non-zero exit")
	}
}

func TestLocalBackendWaitUnknownJob(t *testing.T) {
	b := NewLocalBackend()
	_, err := b.Wait(context.Background(), JobHandle{JobID: 999})
	if err == nil {
		t.Fatalf("expected error for unknown job")
	}
}
