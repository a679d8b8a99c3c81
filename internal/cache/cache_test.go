package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracemake/tracemake/internal/crc"
	"github.com/tracemake/tracemake/internal/recstore"
)

func writeTempFile(t *testing.T, dir, name string, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestKeyOfIsStableRegardlessOfStemOrder(t *testing.T) {
	a := KeyOf("rule1", map[string]string{"x": "1", "y": "2"})
	b := KeyOf("rule1", map[string]string{"y": "2", "x": "1"})
	assert.Equal(t, a, b)
}

func TestUploadThenMatchHits(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 0)
	require.NoError(t, err)

	workDir := t.TempDir()
	target := writeTempFile(t, workDir, "out.txt", "hello")
	sig, err := signatureOf(target)
	require.NoError(t, err)

	key := KeyOf("cp", map[string]string{"name": "a"})
	info := JobInfo{RuleID: "cp", EndStatus: "Ok", Targets: []string{"out.txt"}}
	deps := []CachedDep{{Path: "in.txt", Value: recstore.DepValue{IsCRC: true, CRC: crc.OfFile([]byte("input"))}}}

	_, err = c.Upload(key, info, deps, []string{target}, []crc.FileSig{sig})
	require.NoError(t, err)

	result, err := c.Match(key, func(path string, accesses crc.Access, cached recstore.DepValue) DepState {
		if path == "in.txt" {
			return DepStateMatches
		}
		return DepStateUnknown
	})
	require.NoError(t, err)
	assert.Equal(t, Hit, result.Outcome)
}

func TestMatchMissesOnDifferingDep(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 0)
	require.NoError(t, err)

	workDir := t.TempDir()
	target := writeTempFile(t, workDir, "out.txt", "hello")
	sig, err := signatureOf(target)
	require.NoError(t, err)

	key := KeyOf("cp", map[string]string{"name": "a"})
	info := JobInfo{RuleID: "cp", Targets: []string{"out.txt"}}
	deps := []CachedDep{{Path: "in.txt", Value: recstore.DepValue{IsCRC: true, CRC: crc.OfFile([]byte("input"))}}}
	_, err = c.Upload(key, info, deps, []string{target}, []crc.FileSig{sig})
	require.NoError(t, err)

	result, err := c.Match(key, func(path string, accesses crc.Access, cached recstore.DepValue) DepState {
		return DepStateDiffers
	})
	require.NoError(t, err)
	assert.Equal(t, Miss, result.Outcome)
}

func TestMatchReturnsNewDepsWhenUnknown(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 0)
	require.NoError(t, err)

	workDir := t.TempDir()
	target := writeTempFile(t, workDir, "out.txt", "hello")
	sig, err := signatureOf(target)
	require.NoError(t, err)

	key := KeyOf("cp", map[string]string{"name": "a"})
	info := JobInfo{RuleID: "cp", Targets: []string{"out.txt"}}
	deps := []CachedDep{
		{Path: "hidden.cfg", Flags: recstore.FlagCritical, Value: recstore.DepValue{IsCRC: true, CRC: crc.OfFile([]byte("cfg"))}},
	}
	_, err = c.Upload(key, info, deps, []string{target}, []crc.FileSig{sig})
	require.NoError(t, err)

	result, err := c.Match(key, func(path string, accesses crc.Access, cached recstore.DepValue) DepState {
		return DepStateUnknown
	})
	require.NoError(t, err)
	assert.Equal(t, Maybe, result.Outcome)
	assert.Equal(t, []string{"hidden.cfg"}, result.NewDeps)
}

func TestMatchMissingEntryIsMiss(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 0)
	require.NoError(t, err)

	result, err := c.Match(KeyOf("cp", nil), func(string, crc.Access, recstore.DepValue) DepState {
		return DepStateMatches
	})
	require.NoError(t, err)
	assert.Equal(t, Miss, result.Outcome)
}

func TestDownloadCopiesTargetsAndMovesToMRU(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 0)
	require.NoError(t, err)

	srcDir := t.TempDir()
	target := writeTempFile(t, srcDir, "out.txt", "payload")
	sig, err := signatureOf(target)
	require.NoError(t, err)

	key := KeyOf("cp", map[string]string{"name": "a"})
	info := JobInfo{RuleID: "cp", Targets: []string{"out.txt"}}
	entry, err := c.Upload(key, info, nil, []string{target}, []crc.FileSig{sig})
	require.NoError(t, err)

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "copied.txt")
	gotInfo, sigs, err := c.Download(entry, []string{dest})
	require.NoError(t, err)
	assert.Equal(t, "cp", gotInfo.RuleID)
	require.Len(t, sigs, 1)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestMatchIntersectsNewDepsAcrossSiblingEntries(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 0)
	require.NoError(t, err)

	srcDir := t.TempDir()
	target := writeTempFile(t, srcDir, "out.txt", "hello")
	sig, err := signatureOf(target)
	require.NoError(t, err)

	key := KeyOf("cp", map[string]string{"name": "a"})
	info := JobInfo{RuleID: "cp", Targets: []string{"out.txt"}}

	// Two dep generations of the same job-key: each upload must land in its
	// own sibling entry under the bucket rather than overwrite the other.
	depsGen1 := []CachedDep{{Path: "gen1.cfg", Value: recstore.DepValue{IsCRC: true, CRC: crc.OfFile([]byte("1"))}}}
	entry1, err := c.Upload(key, info, depsGen1, []string{target}, []crc.FileSig{sig})
	require.NoError(t, err)

	depsGen2 := []CachedDep{{Path: "gen2.cfg", Value: recstore.DepValue{IsCRC: true, CRC: crc.OfFile([]byte("2"))}}}
	entry2, err := c.Upload(key, info, depsGen2, []string{target}, []crc.FileSig{sig})
	require.NoError(t, err)

	assert.NotEqual(t, entry1, entry2, "distinct dep generations must land in distinct sibling entries")

	siblings, err := os.ReadDir(c.bucketDir(key))
	require.NoError(t, err)
	assert.Len(t, siblings, 2, "both entries must be readable as siblings under the job's bucket")

	// Neither dep is known to this caller, so both entries remain viable
	// candidates; each names a dep unique to itself, so the cross-entry
	// intersection is empty.
	result, err := c.Match(key, func(string, crc.Access, recstore.DepValue) DepState {
		return DepStateUnknown
	})
	require.NoError(t, err)
	assert.Equal(t, Maybe, result.Outcome)
	assert.Empty(t, result.NewDeps)
}

func TestMatchHitsOnMatchingSiblingEvenWhenAnotherDiffers(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 0)
	require.NoError(t, err)

	srcDir := t.TempDir()
	target := writeTempFile(t, srcDir, "out.txt", "hello")
	sig, err := signatureOf(target)
	require.NoError(t, err)

	key := KeyOf("cp", map[string]string{"name": "a"})
	info := JobInfo{RuleID: "cp", Targets: []string{"out.txt"}}

	staleDeps := []CachedDep{{Path: "stale.cfg", Value: recstore.DepValue{IsCRC: true, CRC: crc.OfFile([]byte("stale"))}}}
	_, err = c.Upload(key, info, staleDeps, []string{target}, []crc.FileSig{sig})
	require.NoError(t, err)

	freshDeps := []CachedDep{{Path: "fresh.cfg", Value: recstore.DepValue{IsCRC: true, CRC: crc.OfFile([]byte("fresh"))}}}
	_, err = c.Upload(key, info, freshDeps, []string{target}, []crc.FileSig{sig})
	require.NoError(t, err)

	result, err := c.Match(key, func(path string, accesses crc.Access, cached recstore.DepValue) DepState {
		if path == "fresh.cfg" {
			return DepStateMatches
		}
		return DepStateDiffers
	})
	require.NoError(t, err)
	assert.Equal(t, Hit, result.Outcome)
}

func TestEvictionDropsLRUTail(t *testing.T) {
	dir := t.TempDir()
	// Capacity of 12 bytes: two 8-byte entries cannot both fit, forcing the
	// second upload to evict the first (spec.md §8 scenario 6).
	c, err := Open(dir, 12)
	require.NoError(t, err)

	srcDir := t.TempDir()
	fileA := writeTempFile(t, srcDir, "a.bin", "AAAAAAAA") // 8 bytes
	sigA, err := signatureOf(fileA)
	require.NoError(t, err)
	keyA := KeyOf("ruleA", nil)
	entryA, err := c.Upload(keyA, JobInfo{Targets: []string{"a"}}, nil, []string{fileA}, []crc.FileSig{sigA})
	require.NoError(t, err)

	fileB := writeTempFile(t, srcDir, "b.bin", "BBBBBBBB") // 8 bytes
	sigB, err := signatureOf(fileB)
	require.NoError(t, err)
	keyB := KeyOf("ruleB", nil)
	entryB, err := c.Upload(keyB, JobInfo{Targets: []string{"b"}}, nil, []string{fileB}, []crc.FileSig{sigB})
	require.NoError(t, err)

	assert.Equal(t, int64(8), c.HeadSize())

	_, err = os.Stat(c.entryDir(entryA))
	assert.True(t, os.IsNotExist(err), "entry A should have been evicted")

	_, err = os.Stat(c.entryDir(entryB))
	assert.NoError(t, err, "entry B should still be present")
}

func TestUploadAbortsOnSignatureMismatch(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, 0)
	require.NoError(t, err)

	srcDir := t.TempDir()
	target := writeTempFile(t, srcDir, "out.txt", "v1")
	staleSig := crc.FileSig{Mtime: 1, Tag: crc.TagReg} // deliberately wrong

	key := KeyOf("cp", nil)
	_, err = c.Upload(key, JobInfo{Targets: []string{"out"}}, nil, []string{target}, []crc.FileSig{staleSig})
	assert.Error(t, err)

	siblings, err := os.ReadDir(c.bucketDir(key))
	if err == nil {
		assert.Empty(t, siblings, "aborted upload must not leave a partial entry")
	} else {
		assert.True(t, os.IsNotExist(err))
	}
}
