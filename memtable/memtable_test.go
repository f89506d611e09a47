package memtable

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintdb/flint/core"
)

func TestMemtable_PutGet(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	require.NoError(t, mt.Put([]byte("a"), []byte("1"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("b"), []byte("2"), core.EntryTypePut, 2))

	val, typ, found := mt.Get([]byte("a"))
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)
	assert.Equal(t, core.EntryTypePut, typ)

	_, _, found = mt.Get([]byte("missing"))
	assert.False(t, found)
}

func TestMemtable_NewestVersionWins(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	require.NoError(t, mt.Put([]byte("k"), []byte("old"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("k"), []byte("new"), core.EntryTypePut, 5))
	require.NoError(t, mt.Put([]byte("k"), []byte("mid"), core.EntryTypePut, 3))

	val, _, found := mt.Get([]byte("k"))
	require.True(t, found)
	assert.Equal(t, []byte("new"), val)
	// All three versions are retained until flush.
	assert.Equal(t, 3, mt.Len())
}

func TestMemtable_PutCopiesCallerBuffers(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	key := []byte("key")
	value := []byte("value")
	require.NoError(t, mt.Put(key, value, core.EntryTypePut, 1))

	// The caller is free to reuse its buffers after Put returns.
	key[0] = 'x'
	value[0] = 'x'

	got, _, found := mt.Get([]byte("key"))
	require.True(t, found)
	assert.Equal(t, []byte("value"), got)

	_, _, found = mt.Get([]byte("xey"))
	assert.False(t, found)
}

func TestMemtable_TombstoneShadowsPut(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	require.NoError(t, mt.Put([]byte("k"), []byte("v"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("k"), nil, core.EntryTypeDelete, 2))

	val, typ, found := mt.Get([]byte("k"))
	require.True(t, found, "tombstone must be visible as a found entry")
	assert.Nil(t, val)
	assert.Equal(t, core.EntryTypeDelete, typ)
}

func TestMemtable_SizeAndIsFull(t *testing.T) {
	mt := NewMemtable(64, nil)
	defer mt.Close()

	assert.False(t, mt.IsFull())
	require.NoError(t, mt.Put([]byte("key-1"), []byte("some-value-long-enough"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("key-2"), []byte("some-value-long-enough"), core.EntryTypePut, 2))
	assert.Greater(t, mt.Size(), int64(0))
	assert.True(t, mt.IsFull())
}

func TestMemtable_Freeze(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	require.NoError(t, mt.Put([]byte("a"), []byte("1"), core.EntryTypePut, 1))
	mt.Freeze()
	assert.True(t, mt.IsFrozen())

	err := mt.Put([]byte("b"), []byte("2"), core.EntryTypePut, 2)
	assert.ErrorIs(t, err, core.ErrMemtableFrozen)

	// Reads still work on a frozen memtable.
	val, _, found := mt.Get([]byte("a"))
	require.True(t, found)
	assert.Equal(t, []byte("1"), val)
}

func TestMemtable_IteratorOrder(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	for i := 9; i >= 0; i-- {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, mt.Put([]byte(key), []byte("v"), core.EntryTypePut, uint64(10-i)))
	}

	iter := mt.NewIterator(nil, nil)
	defer iter.Close()

	var keys []string
	for iter.Next() {
		key, _, _, _ := iter.At()
		keys = append(keys, string(key))
	}
	require.NoError(t, iter.Error())
	require.Len(t, keys, 10)
	for i := 1; i < len(keys); i++ {
		assert.Less(t, keys[i-1], keys[i], "iterator must yield keys in ascending order")
	}
}

func TestMemtable_IteratorDeduplicatesVersions(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	require.NoError(t, mt.Put([]byte("k"), []byte("v1"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("k"), []byte("v2"), core.EntryTypePut, 2))
	require.NoError(t, mt.Put([]byte("other"), []byte("x"), core.EntryTypePut, 3))

	iter := mt.NewIterator(nil, nil)
	defer iter.Close()

	type seen struct {
		key    string
		value  string
		seqNum uint64
	}
	var got []seen
	for iter.Next() {
		key, value, _, seqNum := iter.At()
		got = append(got, seen{string(key), string(value), seqNum})
	}
	require.Len(t, got, 2)
	assert.Equal(t, seen{"k", "v2", 2}, got[0])
	assert.Equal(t, seen{"other", "x", 3}, got[1])
}

func TestMemtable_IteratorRange(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, mt.Put([]byte(key), []byte("v"), core.EntryTypePut, uint64(i+1)))
	}

	iter := mt.NewIterator([]byte("key-3"), []byte("key-7"))
	defer iter.Close()

	var keys []string
	for iter.Next() {
		key, _, _, _ := iter.At()
		keys = append(keys, string(key))
	}
	assert.Equal(t, []string{"key-3", "key-4", "key-5", "key-6"}, keys)
}

func TestMemtable_IteratorIsSnapshot(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	require.NoError(t, mt.Put([]byte("a"), []byte("v"), core.EntryTypePut, 1))
	iter := mt.NewIterator(nil, nil)
	defer iter.Close()

	// Writes after iterator creation are not visible to it.
	require.NoError(t, mt.Put([]byte("b"), []byte("v"), core.EntryTypePut, 2))

	var keys []string
	for iter.Next() {
		key, _, _, _ := iter.At()
		keys = append(keys, string(key))
	}
	assert.Equal(t, []string{"a"}, keys)
}

func TestMemtable_IteratorEmpty(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	iter := mt.NewIterator(nil, nil)
	defer iter.Close()
	assert.False(t, iter.Next())
}

type collectingTarget struct {
	keys    []string
	seqNums []uint64
}

func (c *collectingTarget) Add(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	c.keys = append(c.keys, string(key))
	c.seqNums = append(c.seqNums, seqNum)
	return nil
}

func TestMemtable_FlushToWritesAllVersions(t *testing.T) {
	mt := NewMemtable(1<<20, nil)
	defer mt.Close()

	require.NoError(t, mt.Put([]byte("a"), []byte("1"), core.EntryTypePut, 1))
	require.NoError(t, mt.Put([]byte("a"), []byte("2"), core.EntryTypePut, 4))
	require.NoError(t, mt.Put([]byte("b"), nil, core.EntryTypeDelete, 2))

	target := &collectingTarget{}
	require.NoError(t, mt.FlushTo(target))

	// Key ascending, sequence number descending within a key.
	assert.Equal(t, []string{"a", "a", "b"}, target.keys)
	assert.Equal(t, []uint64{4, 1, 2}, target.seqNums)
}
