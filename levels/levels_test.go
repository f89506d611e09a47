package levels

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintdb/flint/compressors"
	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/sstable"
)

// buildTable writes a small table covering [firstKey, lastKey] and opens it.
func buildTable(t *testing.T, dir string, id uint64, firstKey, lastKey string) *sstable.SSTable {
	t.Helper()

	w, err := sstable.NewWriter(sstable.WriterOptions{
		DataDir:                      dir,
		ID:                           id,
		EstimatedKeys:                4,
		BloomFilterFalsePositiveRate: 0.01,
		Compressor:                   compressors.NewNoCompression(),
	})
	require.NoError(t, err)
	require.NoError(t, w.Add([]byte(firstKey), []byte("v"), core.EntryTypePut, id*10))
	if lastKey != firstKey {
		require.NoError(t, w.Add([]byte(lastKey), []byte("v"), core.EntryTypePut, id*10+1))
	}
	require.NoError(t, w.Finish())

	table, err := sstable.Open(sstable.OpenOptions{
		FilePath: filepath.Join(dir, fmt.Sprintf("%d.sst", id)),
		ID:       id,
	})
	require.NoError(t, err)
	t.Cleanup(func() { table.Unref() })
	return table
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(Options{MaxLevels: 4, MaxL0Files: 3, BaseTargetSize: 1024})
	require.NoError(t, err)
	return m
}

func TestManager_L0OrderNewestFirst(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	require.NoError(t, m.AddTable(0, buildTable(t, dir, 1, "a", "m")))
	require.NoError(t, m.AddTable(0, buildTable(t, dir, 2, "b", "n")))
	require.NoError(t, m.AddTable(0, buildTable(t, dir, 3, "c", "o")))

	tables := m.TablesForLevel(0)
	require.Len(t, tables, 3)
	assert.Equal(t, uint64(3), tables[0].ID())
	assert.Equal(t, uint64(2), tables[1].ID())
	assert.Equal(t, uint64(1), tables[2].ID())
}

func TestManager_L1SortedByMinKey(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	require.NoError(t, m.AddTable(1, buildTable(t, dir, 1, "m", "r")))
	require.NoError(t, m.AddTable(1, buildTable(t, dir, 2, "a", "f")))
	require.NoError(t, m.AddTable(1, buildTable(t, dir, 3, "s", "z")))

	tables := m.TablesForLevel(1)
	require.Len(t, tables, 3)
	assert.Equal(t, []byte("a"), tables[0].MinKey())
	assert.Equal(t, []byte("m"), tables[1].MinKey())
	assert.Equal(t, []byte("s"), tables[2].MinKey())
	assert.Empty(t, m.VerifyConsistency())
}

func TestManager_DuplicateTableRejected(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	table := buildTable(t, dir, 1, "a", "b")
	require.NoError(t, m.AddTable(0, table))
	assert.Error(t, m.AddTable(0, table))
}

func TestManager_NeedsL0Compaction(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	require.NoError(t, m.AddTable(0, buildTable(t, dir, 1, "a", "b")))
	require.NoError(t, m.AddTable(0, buildTable(t, dir, 2, "c", "d")))
	assert.False(t, m.NeedsL0Compaction())

	require.NoError(t, m.AddTable(0, buildTable(t, dir, 3, "e", "f")))
	assert.True(t, m.NeedsL0Compaction())
}

func TestManager_NeedsLevelNCompaction(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Options{MaxLevels: 4, MaxL0Files: 3, BaseTargetSize: 1})
	require.NoError(t, err)

	assert.False(t, m.NeedsLevelNCompaction(1))
	require.NoError(t, m.AddTable(1, buildTable(t, dir, 1, "a", "b")))
	// Any real table exceeds a one-byte target.
	assert.True(t, m.NeedsLevelNCompaction(1))

	// The deepest level never compacts further down.
	require.NoError(t, m.AddTable(3, buildTable(t, dir, 2, "c", "d")))
	assert.False(t, m.NeedsLevelNCompaction(3))
}

func TestManager_TargetSizeGrowsGeometrically(t *testing.T) {
	m, err := NewManager(Options{BaseTargetSize: 100, SizeMultiplier: 10})
	require.NoError(t, err)

	assert.Equal(t, int64(100), m.TargetSizeForLevel(1))
	assert.Equal(t, int64(1000), m.TargetSizeForLevel(2))
	assert.Equal(t, int64(10000), m.TargetSizeForLevel(3))
}

func TestManager_OverlappingTablesL1(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	require.NoError(t, m.AddTable(1, buildTable(t, dir, 1, "a", "f")))
	require.NoError(t, m.AddTable(1, buildTable(t, dir, 2, "g", "m")))
	require.NoError(t, m.AddTable(1, buildTable(t, dir, 3, "n", "z")))

	overlap := m.OverlappingTables(1, []byte("h"), []byte("p"))
	require.Len(t, overlap, 2)
	assert.Equal(t, uint64(2), overlap[0].ID())
	assert.Equal(t, uint64(3), overlap[1].ID())

	assert.Empty(t, m.OverlappingTables(1, []byte("aa"), []byte("ab")))
	assert.Len(t, m.OverlappingTables(1, nil, nil), 3)
}

func TestManager_OverlappingTablesL0(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	require.NoError(t, m.AddTable(0, buildTable(t, dir, 1, "a", "m")))
	require.NoError(t, m.AddTable(0, buildTable(t, dir, 2, "k", "z")))

	assert.Len(t, m.OverlappingTables(0, []byte("l"), []byte("l")), 2)
	assert.Len(t, m.OverlappingTables(0, []byte("x"), []byte("y")), 1)
}

func TestManager_PickCompactionCandidate(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	// Table 1 overlaps two L2 tables, table 2 overlaps one. Table 2 is the
	// cheaper compaction.
	require.NoError(t, m.AddTable(1, buildTable(t, dir, 1, "a", "m")))
	require.NoError(t, m.AddTable(1, buildTable(t, dir, 2, "p", "t")))
	require.NoError(t, m.AddTable(2, buildTable(t, dir, 3, "a", "e")))
	require.NoError(t, m.AddTable(2, buildTable(t, dir, 4, "f", "k")))
	require.NoError(t, m.AddTable(2, buildTable(t, dir, 5, "q", "s")))

	candidate := m.PickCompactionCandidate(1)
	require.NotNil(t, candidate)
	assert.Equal(t, uint64(2), candidate.ID())
}

func TestManager_PickCompactionCandidateZeroOverlapFallsBackToOldest(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	require.NoError(t, m.AddTable(1, buildTable(t, dir, 7, "a", "b")))
	require.NoError(t, m.AddTable(1, buildTable(t, dir, 4, "x", "z")))

	candidate := m.PickCompactionCandidate(1)
	require.NotNil(t, candidate)
	assert.Equal(t, uint64(4), candidate.ID())
}

func TestManager_ApplyCompactionResults(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	l0a := buildTable(t, dir, 1, "a", "m")
	l0b := buildTable(t, dir, 2, "h", "z")
	l1old := buildTable(t, dir, 3, "c", "k")
	require.NoError(t, m.AddTable(0, l0a))
	require.NoError(t, m.AddTable(0, l0b))
	require.NoError(t, m.AddTable(1, l1old))

	merged := buildTable(t, dir, 4, "a", "z")
	require.NoError(t, m.ApplyCompactionResults(0, 1,
		[]*sstable.SSTable{merged},
		[]*sstable.SSTable{l0a, l0b, l1old}))

	assert.Empty(t, m.TablesForLevel(0))
	tables := m.TablesForLevel(1)
	require.Len(t, tables, 1)
	assert.Equal(t, uint64(4), tables[0].ID())
	assert.Empty(t, m.VerifyConsistency())
}

func TestManager_ApplyCompactionResultsUnknownInput(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	phantom := buildTable(t, dir, 9, "a", "b")
	err := m.ApplyCompactionResults(0, 1, nil, []*sstable.SSTable{phantom})
	assert.Error(t, err)
}

func TestManager_LevelsForRead(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	require.NoError(t, m.AddTable(0, buildTable(t, dir, 1, "a", "b")))

	states, unlock := m.LevelsForRead()
	require.Len(t, states, 4)
	assert.Equal(t, 1, states[0].Len())
	unlock()
}

func TestManager_RemoveTables(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)

	require.NoError(t, m.AddTable(0, buildTable(t, dir, 1, "a", "b")))
	require.NoError(t, m.AddTable(0, buildTable(t, dir, 2, "c", "d")))

	require.NoError(t, m.RemoveTables(0, []uint64{1}))
	tables := m.TablesForLevel(0)
	require.Len(t, tables, 1)
	assert.Equal(t, uint64(2), tables[0].ID())
	assert.Error(t, m.RemoveTables(0, []uint64{99}))
}

func TestManager_TotalTableCount(t *testing.T) {
	dir := t.TempDir()
	m := newTestManager(t)
	assert.Equal(t, 0, m.TotalTableCount())

	require.NoError(t, m.AddTable(0, buildTable(t, dir, 1, "a", "b")))
	require.NoError(t, m.AddTable(2, buildTable(t, dir, 2, "c", "d")))
	assert.Equal(t, 2, m.TotalTableCount())
	assert.Equal(t, map[int]int{0: 1, 1: 0, 2: 1, 3: 0}, m.TableCounts())
}
