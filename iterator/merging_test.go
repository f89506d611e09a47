package iterator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintdb/flint/core"
)

type sliceEntry struct {
	key       string
	value     string
	entryType core.EntryType
	seqNum    uint64
}

// sliceIterator serves pre-sorted entries from memory. Entries must already
// be ordered by key ascending, sequence number descending.
type sliceIterator struct {
	entries []sliceEntry
	pos     int
	closed  bool
}

func newSliceIterator(entries []sliceEntry) *sliceIterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) At() ([]byte, []byte, core.EntryType, uint64) {
	e := it.entries[it.pos]
	return []byte(e.key), []byte(e.value), e.entryType, e.seqNum
}

func (it *sliceIterator) Error() error { return nil }
func (it *sliceIterator) Close() error {
	it.closed = true
	return nil
}

func collect(t *testing.T, it core.Iterator) []sliceEntry {
	t.Helper()
	var out []sliceEntry
	for it.Next() {
		key, value, entryType, seqNum := it.At()
		out = append(out, sliceEntry{string(key), string(value), entryType, seqNum})
	}
	require.NoError(t, it.Error())
	return out
}

func TestMergingIterator_MergesSortedSources(t *testing.T) {
	a := newSliceIterator([]sliceEntry{
		{"apple", "1", core.EntryTypePut, 10},
		{"cherry", "3", core.EntryTypePut, 12},
	})
	b := newSliceIterator([]sliceEntry{
		{"banana", "2", core.EntryTypePut, 11},
		{"date", "4", core.EntryTypePut, 13},
	})

	mi, err := NewMergingIterator(MergingIteratorParams{Iters: []core.Iterator{a, b}})
	require.NoError(t, err)
	defer mi.Close()

	got := collect(t, mi)
	require.Len(t, got, 4)
	assert.Equal(t, "apple", got[0].key)
	assert.Equal(t, "banana", got[1].key)
	assert.Equal(t, "cherry", got[2].key)
	assert.Equal(t, "date", got[3].key)
}

func TestMergingIterator_NewestVersionWins(t *testing.T) {
	// Key "k" exists in both sources; the version with the higher
	// sequence number must shadow the other.
	newer := newSliceIterator([]sliceEntry{
		{"k", "new", core.EntryTypePut, 20},
	})
	older := newSliceIterator([]sliceEntry{
		{"k", "old", core.EntryTypePut, 5},
		{"z", "tail", core.EntryTypePut, 6},
	})

	mi, err := NewMergingIterator(MergingIteratorParams{Iters: []core.Iterator{older, newer}})
	require.NoError(t, err)
	defer mi.Close()

	got := collect(t, mi)
	require.Len(t, got, 2)
	assert.Equal(t, "k", got[0].key)
	assert.Equal(t, "new", got[0].value)
	assert.Equal(t, uint64(20), got[0].seqNum)
	assert.Equal(t, "z", got[1].key)
}

func TestMergingIterator_MultipleVersionsWithinOneSource(t *testing.T) {
	src := newSliceIterator([]sliceEntry{
		{"k", "v3", core.EntryTypePut, 30},
		{"k", "v2", core.EntryTypePut, 20},
		{"k", "v1", core.EntryTypePut, 10},
	})

	mi, err := NewMergingIterator(MergingIteratorParams{Iters: []core.Iterator{src}})
	require.NoError(t, err)
	defer mi.Close()

	got := collect(t, mi)
	require.Len(t, got, 1)
	assert.Equal(t, "v3", got[0].value)
	assert.Equal(t, uint64(30), got[0].seqNum)
}

func TestMergingIterator_TombstoneShadowsOlderPut(t *testing.T) {
	newer := newSliceIterator([]sliceEntry{
		{"k", "", core.EntryTypeDelete, 15},
	})
	older := newSliceIterator([]sliceEntry{
		{"k", "stale", core.EntryTypePut, 3},
	})

	mi, err := NewMergingIterator(MergingIteratorParams{Iters: []core.Iterator{newer, older}})
	require.NoError(t, err)
	defer mi.Close()

	got := collect(t, mi)
	require.Len(t, got, 1)
	assert.Equal(t, core.EntryTypeDelete, got[0].entryType)
	assert.Equal(t, uint64(15), got[0].seqNum)
}

func TestMergingIterator_Bounds(t *testing.T) {
	src := newSliceIterator([]sliceEntry{
		{"a", "1", core.EntryTypePut, 1},
		{"b", "2", core.EntryTypePut, 2},
		{"c", "3", core.EntryTypePut, 3},
		{"d", "4", core.EntryTypePut, 4},
	})

	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters:    []core.Iterator{src},
		StartKey: []byte("b"),
		EndKey:   []byte("d"),
	})
	require.NoError(t, err)
	defer mi.Close()

	got := collect(t, mi)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].key)
	assert.Equal(t, "c", got[1].key)
}

func TestMergingIterator_EmptySources(t *testing.T) {
	mi, err := NewMergingIterator(MergingIteratorParams{
		Iters: []core.Iterator{newSliceIterator(nil), newSliceIterator(nil)},
	})
	require.NoError(t, err)
	defer mi.Close()

	assert.False(t, mi.Next())
	key, value, _, _ := mi.At()
	assert.Nil(t, key)
	assert.Nil(t, value)
}

func TestMergingIterator_CloseClosesAllSources(t *testing.T) {
	a := newSliceIterator([]sliceEntry{{"a", "1", core.EntryTypePut, 1}})
	b := newSliceIterator(nil)

	mi, err := NewMergingIterator(MergingIteratorParams{Iters: []core.Iterator{a, b}})
	require.NoError(t, err)
	require.NoError(t, mi.Close())

	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestSkippingIterator_DropsTombstones(t *testing.T) {
	src := newSliceIterator([]sliceEntry{
		{"a", "1", core.EntryTypePut, 1},
		{"b", "", core.EntryTypeDelete, 2},
		{"c", "3", core.EntryTypePut, 3},
	})

	it := NewSkippingIterator(src)
	defer it.Close()

	got := collect(t, it)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].key)
	assert.Equal(t, "c", got[1].key)
}

func TestEmptyIterator(t *testing.T) {
	it := NewEmptyIterator()
	assert.False(t, it.Next())
	assert.NoError(t, it.Error())
	assert.NoError(t, it.Close())
}
