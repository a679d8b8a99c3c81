package request

import (
	"context"
	"testing"
	"time"

	"github.com/tracemake/tracemake/internal/namestore"
)

type fixedGen struct{ id string }

func (g fixedGen) Generate() string { return g.id }

func TestNewAssignsIDAndTokenBucket(t *testing.T) {
	r := New(fixedGen{"req-1"}, namestore.JobId(1), 2)
	if r.ID != "req-1" {
		t.Fatalf("expected fixed id, got %q", r.ID)
	}
	ctx := context.Background()
	if err := r.Tokens().Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := r.Tokens().Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	acquired := make(chan error, 1)
	go func() {
		acquired <- r.Tokens().Acquire(ctx)
	}()

	select {
	case <-acquired:
		t.Fatalf("third Acquire should have blocked with no tokens available")
	case <-time.After(20 * time.Millisecond):
	}

	r.Tokens().Release()
	select {
	case err := <-acquired:
		if err != nil {
			t.Fatalf("Acquire after Release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Acquire did not unblock after Release")
	}
}

func TestTokenBucketUnlimitedNeverBlocks(t *testing.T) {
	b := NewTokenBucket(0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := b.Acquire(ctx); err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	}
}

func TestTokenBucketAcquireRespectsContextCancel(t *testing.T) {
	b := NewTokenBucket(1)
	ctx := context.Background()
	if err := b.Acquire(ctx); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	cctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Acquire(cctx); err == nil {
		t.Fatalf("expected context-cancelled error, got nil")
	}
}

func TestReqInfoGoalAndDoneLevel(t *testing.T) {
	ri := &ReqInfo{}
	ri.RaiseGoal(GoalStatus)
	if ri.Goal != GoalStatus {
		t.Fatalf("expected Goal=GoalStatus, got %v", ri.Goal)
	}

	ri.AdvanceDone(GoalDsk) // above current goal, must clamp
	if ri.DoneLevel != GoalStatus {
		t.Fatalf("AdvanceDone must clamp to Goal, got %v", ri.DoneLevel)
	}
	if !ri.IsDone() {
		t.Fatalf("expected IsDone once DoneLevel reaches Goal")
	}

	// Raising the goal again must not retroactively mark done.
	ri.RaiseGoal(GoalDsk)
	if ri.IsDone() {
		t.Fatalf("raising goal past done level must make IsDone false again")
	}
}

func TestReqInfoWatchersFireOnce(t *testing.T) {
	ri := &ReqInfo{}
	fired := 0
	ri.AddWatcher(func() { fired++ })
	ri.AddWatcher(func() { fired++ })

	ri.WakeWatchers()
	if fired != 2 {
		t.Fatalf("expected both watchers to fire, got %d", fired)
	}

	ri.WakeWatchers()
	if fired != 2 {
		t.Fatalf("watchers must not fire twice, got %d", fired)
	}
}

func TestComputeETASumsCriticalPath(t *testing.T) {
	now := time.Unix(1000, 0)
	eta := ComputeETA(now, []RemainingPerRule{
		{ExecTime: 10 * time.Second, JobsRemaining: 4, Tokens: 2}, // 20s
		{ExecTime: 5 * time.Second, JobsRemaining: 3, Tokens: 0},  // tokens<=0 -> 1: 15s
	})
	want := now.Add(35 * time.Second)
	if !eta.Equal(want) {
		t.Fatalf("expected eta %v, got %v", want, eta)
	}
}

func TestHeapOrdersByETAAndNotifiesOnReorder(t *testing.T) {
	h := NewHeap()
	var notified []*Req
	h.OnReorder = func(front *Req) { notified = append(notified, front) }

	r1 := New(fixedGen{"r1"}, namestore.JobId(1), 0)
	r1.Eta = time.Unix(200, 0)
	r2 := New(fixedGen{"r2"}, namestore.JobId(2), 0)
	r2.Eta = time.Unix(100, 0)

	h.Push(r1)
	h.Push(r2)

	if h.Front() != r2 {
		t.Fatalf("expected r2 (earlier ETA) at front")
	}
	if len(notified) != 2 {
		t.Fatalf("expected a reorder notification for each push that changed the front, got %d", len(notified))
	}

	r1.Eta = time.Unix(50, 0)
	h.UpdateETA(r1)
	if h.Front() != r1 {
		t.Fatalf("expected r1 at front after ETA update")
	}

	h.Remove(r1)
	if h.Front() != r2 {
		t.Fatalf("expected r2 at front after removing r1")
	}
	if h.Len() != 1 {
		t.Fatalf("expected 1 item left, got %d", h.Len())
	}
}

func TestUUIDv7GeneratorProducesDistinctIDs(t *testing.T) {
	gen := UUIDv7Generator{}
	a := gen.Generate()
	b := gen.Generate()
	if a == "" || b == "" {
		t.Fatalf("expected non-empty ids")
	}
	if a == b {
		t.Fatalf("expected distinct ids, got %q twice", a)
	}
}
