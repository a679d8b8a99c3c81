package makeengine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracemake/tracemake/internal/backend"
	"github.com/tracemake/tracemake/internal/cache"
	"github.com/tracemake/tracemake/internal/clash"
	"github.com/tracemake/tracemake/internal/namestore"
	"github.com/tracemake/tracemake/internal/recstore"
	"github.com/tracemake/tracemake/internal/request"
)

type fixedIDGen struct{ id string }

func (g fixedIDGen) Generate() string { return g.id }

type fakeRules struct {
	rules     map[namestore.JobId]Rule
	producers map[namestore.NodeId]namestore.JobId
}

func newFakeRules() *fakeRules {
	return &fakeRules{rules: make(map[namestore.JobId]Rule), producers: make(map[namestore.NodeId]namestore.JobId)}
}

func (f *fakeRules) RuleFor(job namestore.JobId) (Rule, bool) {
	r, ok := f.rules[job]
	return r, ok
}

func (f *fakeRules) ProducerOf(node namestore.NodeId) (namestore.JobId, bool) {
	j, ok := f.producers[node]
	return j, ok
}

func newTestEngine(rules *fakeRules, c *cache.Cache) (*Engine, *namestore.Store, *recstore.NodeArena, *recstore.JobArena) {
	names := namestore.New()
	nodes := recstore.NewNodeArena()
	jobs := recstore.NewJobArena()
	e := New(names, nodes, jobs, rules, backend.NewLocalBackend(), c, clash.NewWasher(), nil, request.NewHeap(), "")
	return e, names, nodes, jobs
}

func TestMakeRunsJobAndRecordsTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")

	rules := newFakeRules()
	rules.rules[1] = Rule{
		ID:      "echo",
		Argv:    []string{"/bin/sh", "-c", fmt.Sprintf("echo hi > %s", target)},
		Dir:     dir,
		Targets: []clash.WashTarget{{Path: target}},
	}

	e, names, nodes, _ := newTestEngine(rules, nil)
	req := request.New(fixedIDGen{"req-1"}, 1, 0)

	status, err := e.Make(context.Background(), req, 1, false)
	require.NoError(t, err)
	assert.Equal(t, recstore.EndStatusOk, status)

	node := names.InternNode(target)
	rec, _ := nodes.Get(node)
	assert.Equal(t, namestore.JobId(1), rec.ActualJob)
	assert.True(t, rec.CRC.IsKnown())
}

type panicBackend struct{}

func (panicBackend) Submit(context.Context, backend.JobSpec) (backend.JobHandle, error) {
	return backend.JobHandle{}, fmt.Errorf("backend: must not be invoked on a cache hit")
}
func (panicBackend) Wait(context.Context, backend.JobHandle) (backend.EndReport, error) {
	return backend.EndReport{}, fmt.Errorf("backend: must not be invoked on a cache hit")
}
func (panicBackend) Kill(backend.JobHandle) error { return nil }

func TestMakeServesSecondSessionFromCache(t *testing.T) {
	workDir := t.TempDir()
	cacheDir := t.TempDir()
	target := filepath.Join(workDir, "out.txt")

	c, err := cache.Open(cacheDir, 0)
	require.NoError(t, err)

	rules := newFakeRules()
	rules.rules[1] = Rule{
		ID:      "echo",
		Argv:    []string{"/bin/sh", "-c", fmt.Sprintf("echo hi > %s", target)},
		Dir:     workDir,
		Targets: []clash.WashTarget{{Path: target}},
	}

	e1, _, _, _ := newTestEngine(rules, c)
	req1 := request.New(fixedIDGen{"req-1"}, 1, 0)
	status, err := e1.Make(context.Background(), req1, 1, false)
	require.NoError(t, err)
	assert.Equal(t, recstore.EndStatusOk, status)

	require.NoError(t, os.Remove(target))

	// Simulate a fresh process: new arenas/namestore, same cache directory,
	// a backend that errors if actually invoked.
	names2 := namestore.New()
	nodes2 := recstore.NewNodeArena()
	jobs2 := recstore.NewJobArena()
	e2 := New(names2, nodes2, jobs2, rules, panicBackend{}, c, clash.NewWasher(), nil, request.NewHeap(), "")
	req2 := request.New(fixedIDGen{"req-2"}, 1, 0)

	status2, err := e2.Make(context.Background(), req2, 1, false)
	require.NoError(t, err)
	assert.Equal(t, recstore.EndStatusOk, status2)

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", string(data))
}

func TestMakeDetectsStaticDepCycle(t *testing.T) {
	rules := newFakeRules()
	e, names, _, jobs := newTestEngine(rules, nil)

	nodeA := names.InternNode("a.out")
	nodeB := names.InternNode("b.out")

	rules.rules[1] = Rule{ID: "a", Argv: []string{"/bin/true"}, Targets: []clash.WashTarget{{Path: "a.out"}}}
	rules.rules[2] = Rule{ID: "b", Argv: []string{"/bin/true"}, Targets: []clash.WashTarget{{Path: "b.out"}}}
	rules.producers[nodeA] = 1
	rules.producers[nodeB] = 2

	var depOnB recstore.DepVector
	depOnB.AppendChunk(0, recstore.FlagStatic, false, nodeB, recstore.DepValue{}, nil)
	jobs.Update(1, func(j *recstore.JobRecord) { j.StaticDeps = depOnB })

	var depOnA recstore.DepVector
	depOnA.AppendChunk(0, recstore.FlagStatic, false, nodeA, recstore.DepValue{}, nil)
	jobs.Update(2, func(j *recstore.JobRecord) { j.StaticDeps = depOnA })

	req := request.New(fixedIDGen{"req-cycle"}, 1, 0)
	_, err := e.Make(context.Background(), req, 1, false)
	require.Error(t, err)
	assert.True(t, IsCycleError(err))
}
