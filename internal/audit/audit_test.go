package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestOpenRequestIdempotent(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.OpenRequest(ctx, "req-1", 42, 1000))
	require.NoError(t, l.OpenRequest(ctx, "req-1", 42, 1000))

	state, err := l.GetRequestState(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(42), state.RootJob)
	assert.False(t, state.Closed)
}

func TestCloseRequestMarksZombie(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.OpenRequest(ctx, "req-1", 1, 0))
	require.NoError(t, l.CloseRequest(ctx, "req-1", 500, true))

	state, err := l.GetRequestState(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, state.Closed)
	assert.True(t, state.Zombie)
	assert.Equal(t, int64(500), state.ClosedAt)
}

func TestRecordJobEndUpsert(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.OpenRequest(ctx, "req-1", 1, 0))

	require.NoError(t, l.RecordJobEnd(ctx, "req-1", 7, "Garbage", "DepErr", 1, 2, 10))
	require.NoError(t, l.RecordJobEnd(ctx, "req-1", 7, "Ok", "", 1, 3, 0))

	state, err := l.GetRequestState(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, state.JobEnds, 1)
	assert.Equal(t, "Ok", state.JobEnds[0].EndStatus)
	assert.Equal(t, int64(3), state.JobEnds[0].EndDate)
}

func TestRecordClashNormalizesJobOrder(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.OpenRequest(ctx, "req-1", 1, 0))

	require.NoError(t, l.RecordClash(ctx, "req-1", 9, 5, 3, 100))
	require.NoError(t, l.RecordClash(ctx, "req-1", 9, 3, 5, 100))

	state, err := l.GetRequestState(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, state.Clashes, 1)
	assert.Equal(t, int64(3), state.Clashes[0].JobA)
	assert.Equal(t, int64(5), state.Clashes[0].JobB)
}

func TestCacheStats(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.OpenRequest(ctx, "req-1", 1, 0))

	require.NoError(t, l.IncCacheHit(ctx, "req-1"))
	require.NoError(t, l.IncCacheHit(ctx, "req-1"))
	require.NoError(t, l.IncCacheMiss(ctx, "req-1"))

	state, err := l.GetRequestState(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, 2, state.CacheHits)
	assert.Equal(t, 1, state.CacheMisses)
}

func TestTraceEventsOrderedBySeq(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.OpenRequest(ctx, "req-1", 1, 0))

	require.NoError(t, l.RecordEvent(ctx, "req-1", 1, 0, "Queued", "", 10))
	require.NoError(t, l.RecordEvent(ctx, "req-1", 1, 0, "Exec", "", 11))
	require.NoError(t, l.RecordEvent(ctx, "req-1", 1, 0, "End", "Ok", 12))

	events, err := l.TraceEvents(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "Queued", events[0].Kind)
	assert.Equal(t, "End", events[2].Kind)
	assert.Equal(t, "Ok", events[2].Detail)
}

func TestOpenRequestIDsListsUnclosed(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	require.NoError(t, l.OpenRequest(ctx, "req-open", 1, 0))
	require.NoError(t, l.OpenRequest(ctx, "req-closed", 1, 0))
	require.NoError(t, l.CloseRequest(ctx, "req-closed", 5, false))

	ids, err := l.OpenRequestIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-open"}, ids)
}
