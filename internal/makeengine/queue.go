package makeengine

import (
	"sync"

	"github.com/tracemake/tracemake/internal/depdigest"
	"github.com/tracemake/tracemake/internal/gather"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
	"github.com/tracemake/tracemake/internal/request"
)

// EventKind distinguishes the inbound events the engine's single-writer
// loop processes. Per SPEC_FULL.md §5, every source of work — a socket
// report, a backend callback, or a worker goroutine finishing a hash —
// funnels through exactly this one kind of channel into the engine.
type EventKind int

const (
	EventEnterMake EventKind = iota + 1
	EventDepResolved
	EventBackendAccepted
	EventJobEnd
)

// EnterMakePayload carries the classification a caller has already done
// before asking a job to enter make for a Req (spec.md §4.H "None" state:
// "classify exec_ok, cmd_ok; if forced or cmd changed set reason,
// goal=Run").
type EnterMakePayload struct {
	Forced     bool
	CmdChanged bool
}

// DepResolvedPayload carries a worker goroutine's resolution of one dep
// back into the single-writer loop.
type DepResolvedPayload struct {
	Node namestore.NodeId
	Res  depdigest.Resolution
}

// JobEndPayload carries a finished execution's gather digest back into the
// single-writer loop for end-processing (spec.md §4.H "End" state).
type JobEndPayload struct {
	EndStatus recstore.EndStatus
	StartDate int64
	EndDate   int64
	Deps      []gather.DepObservation
	Targets   map[string]gather.TargetInfo
}

// Event wraps one unit of work for the engine's event queue. Generalized
// from engine.Event (which wraps *ir.Invocation/*ir.Completion) into a
// job/node-shaped union of payloads.
type Event struct {
	Kind EventKind
	Job  namestore.JobId
	Req  *request.Req

	EnterMake   *EnterMakePayload
	DepResolved *DepResolvedPayload
	JobEnd      *JobEndPayload
}

// eventQueue is a thread-safe, unbounded FIFO queue of Events. Ported
// near-verbatim from engine.eventQueue (internal/engine/queue.go):
// Enqueue is safe from any goroutine, TryDequeue+Wait() give the Run loop
// context-cancellable blocking without busy polling.
type eventQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{
		events: make([]Event, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds ev to the back of the queue. Returns false if the queue is
// closed.
func (q *eventQueue) Enqueue(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, ev)

	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
func (q *eventQueue) TryDequeue() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}

	ev := q.events[0]
	q.events[0] = Event{} // let GC collect the payload pointers
	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return ev, true
}

// Wait returns a channel that signals when events may be available.
func (q *eventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *eventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued, waking any blocked
// waiter.
func (q *eventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
