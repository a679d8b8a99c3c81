package clash

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracemake/tracemake/internal/namestore"
)

func noClaim(string) (bool, namestore.JobId) { return false, 0 }

func TestWashUnlinksExistingTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(target, []byte("stale"), 0o644))

	w := NewWasher()
	result, err := w.Wash([]WashTarget{{Path: target}}, noClaim)
	require.NoError(t, err)
	assert.Equal(t, []string{target}, result.Unlinked)

	_, err = os.Stat(target)
	assert.True(t, os.IsNotExist(err))
}

func TestWashSkipsIncrementalTarget(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(target, []byte("keep"), 0o644))

	w := NewWasher()
	result, err := w.Wash([]WashTarget{{Path: target, Flags: FlagIncremental}}, noClaim)
	require.NoError(t, err)
	assert.Empty(t, result.Unlinked)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(content))
}

func TestWashCreatesMissingTargetDir(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "sub", "out.txt")

	w := NewWasher()
	result, err := w.Wash([]WashTarget{{Path: target}}, noClaim)
	require.NoError(t, err)
	assert.Contains(t, result.CreatedDirs, filepath.Dir(target))

	info, err := os.Stat(filepath.Dir(target))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestWashSkipsDirWithPreservedFile(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "keepme"), []byte("x"), 0o644))

	w := NewWasher()
	result, err := w.Wash([]WashTarget{{Path: filepath.Join(sub, "out.txt")}}, noClaim)
	require.NoError(t, err)
	assert.NotContains(t, result.CreatedDirs, sub)
}

func TestUnwashRemovesEmptyDirOnLastRef(t *testing.T) {
	dir := t.TempDir()
	targetA := filepath.Join(dir, "sub", "a.txt")
	targetB := filepath.Join(dir, "sub", "b.txt")

	w := NewWasher()
	resultA, err := w.Wash([]WashTarget{{Path: targetA}}, noClaim)
	require.NoError(t, err)
	resultB, err := w.Wash([]WashTarget{{Path: targetB}}, noClaim)
	require.NoError(t, err)

	require.NoError(t, w.Unwash(resultA))
	_, err = os.Stat(filepath.Dir(targetA))
	assert.NoError(t, err, "dir must survive while job B still references it")

	require.NoError(t, w.Unwash(resultB))
	_, err = os.Stat(filepath.Dir(targetA))
	assert.True(t, os.IsNotExist(err), "dir must be removed once both jobs unwash")
}

func TestDetectOverlappingIntervalsClash(t *testing.T) {
	a := ExecInterval{Job: 1, StartDate: 0, EndDate: 10}
	b := ExecInterval{Job: 2, StartDate: 5, EndDate: 15}
	assert.True(t, Detect(a, b))
}

func TestDetectNonOverlappingIntervalsNoClash(t *testing.T) {
	a := ExecInterval{Job: 1, StartDate: 0, EndDate: 10}
	b := ExecInterval{Job: 2, StartDate: 10, EndDate: 15}
	assert.False(t, Detect(a, b))
}

func TestDetectSameJobNeverClashes(t *testing.T) {
	a := ExecInterval{Job: 1, StartDate: 0, EndDate: 10}
	b := ExecInterval{Job: 1, StartDate: 5, EndDate: 15}
	assert.False(t, Detect(a, b))
}
