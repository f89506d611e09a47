package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintdb/flint/core"
)

func openTestWAL(t *testing.T, dir string, opts Options) (*WAL, []core.Entry) {
	t.Helper()
	opts.Dir = dir
	w, recovered, err := Open(opts)
	require.NoError(t, err)
	return w, recovered
}

func putEntry(key, value string, seqNum uint64) core.Entry {
	return core.Entry{
		Key:    []byte(key),
		Value:  []byte(value),
		Type:   core.EntryTypePut,
		SeqNum: seqNum,
	}
}

func TestWAL_AppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	w, recovered := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	assert.Empty(t, recovered)

	require.NoError(t, w.Append(putEntry("a", "1", 1)))
	require.NoError(t, w.Append(putEntry("b", "2", 2)))
	require.NoError(t, w.Append(core.Entry{Key: []byte("a"), Type: core.EntryTypeDelete, SeqNum: 3}))
	require.NoError(t, w.Close())

	w2, recovered := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	defer w2.Close()

	require.Len(t, recovered, 3)
	assert.Equal(t, []byte("a"), recovered[0].Key)
	assert.Equal(t, []byte("1"), recovered[0].Value)
	assert.Equal(t, uint64(1), recovered[0].SeqNum)
	assert.Equal(t, core.EntryTypeDelete, recovered[2].Type)
	assert.Equal(t, uint64(3), recovered[2].SeqNum)
}

func TestWAL_AppendBatchAtomicRecovery(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways})

	batch := []core.Entry{
		putEntry("x", "1", 1),
		putEntry("y", "2", 2),
		putEntry("z", "3", 3),
	}
	require.NoError(t, w.AppendBatch(batch))
	require.NoError(t, w.Close())

	w2, recovered := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	defer w2.Close()

	require.Len(t, recovered, 3)
	assert.Equal(t, []byte("y"), recovered[1].Key)
	assert.Equal(t, uint64(3), recovered[2].SeqNum)
}

func TestWAL_ReopenStartsNewSegment(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	require.NoError(t, w.Append(putEntry("a", "1", 1)))
	firstIndex := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	w2, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	defer w2.Close()
	assert.Greater(t, w2.ActiveSegmentIndex(), firstIndex,
		"reopening after writes must start a fresh segment")
}

func TestWAL_TruncatedTailRecovery(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways})

	const fullRecords = 750
	for i := 1; i <= fullRecords; i++ {
		require.NoError(t, w.Append(putEntry(fmt.Sprintf("key-%04d", i), "v", uint64(i))))
	}
	require.NoError(t, w.Append(putEntry("key-0751", "v", 751)))
	segIndex := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	// Cut the last record in half to simulate a crash mid-write.
	path := filepath.Join(dir, FormatSegmentFileName(segIndex))
	stat, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, stat.Size()-10))

	w2, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err, "a torn tail must not fail recovery")
	defer w2.Close()

	require.Len(t, recovered, fullRecords)
	assert.Equal(t, uint64(fullRecords), recovered[len(recovered)-1].SeqNum)
}

func TestWAL_CorruptedRecordChecksum(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	require.NoError(t, w.Append(putEntry("a", "value-one", 1)))
	require.NoError(t, w.Append(putEntry("b", "value-two", 2)))
	segIndex := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	// Corrupt a byte inside the first record's payload.
	path := filepath.Join(dir, FormatSegmentFileName(segIndex))
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(core.FileHeaderSize)+6)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// Corruption on the newest segment is treated like a torn tail: the
	// records before the damage are recovered, nothing after it is.
	_, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways})
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestWAL_SegmentRotationBySize(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways, MaxSegmentSize: 256})
	defer w.Close()

	for i := 1; i <= 50; i++ {
		require.NoError(t, w.Append(putEntry(fmt.Sprintf("key-%04d", i), "some-padding-value", uint64(i))))
	}
	assert.Greater(t, w.ActiveSegmentIndex(), uint64(1), "small segments must have rotated")

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(files), 1)
}

func TestWAL_RecoveryAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways, MaxSegmentSize: 256})
	const n = 40
	for i := 1; i <= n; i++ {
		require.NoError(t, w.Append(putEntry(fmt.Sprintf("key-%04d", i), "some-padding-value", uint64(i))))
	}
	require.NoError(t, w.Close())

	w2, recovered := openTestWAL(t, dir, Options{SyncMode: SyncAlways, MaxSegmentSize: 256})
	defer w2.Close()

	require.Len(t, recovered, n)
	for i, e := range recovered {
		assert.Equal(t, uint64(i+1), e.SeqNum, "entries must replay in write order")
	}
}

func TestWAL_Purge(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways, MaxSegmentSize: 256})
	defer w.Close()

	for i := 1; i <= 50; i++ {
		require.NoError(t, w.Append(putEntry(fmt.Sprintf("key-%04d", i), "some-padding-value", uint64(i))))
	}
	active := w.ActiveSegmentIndex()
	require.Greater(t, active, uint64(2))

	require.NoError(t, w.Purge(active-1))

	files, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, f := range files {
		idx, err := ParseSegmentFileName(f.Name())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, idx, active, "purged segment %s still present", f.Name())
	}
}

func TestWAL_PurgeKeepsActiveSegment(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	defer w.Close()

	require.NoError(t, w.Append(putEntry("a", "1", 1)))
	active := w.ActiveSegmentIndex()

	require.NoError(t, w.Purge(active))
	_, err := os.Stat(filepath.Join(dir, FormatSegmentFileName(active)))
	assert.NoError(t, err, "active segment must survive a purge")
}

func TestWAL_StartRecoveryIndexSkipsSegments(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways, MaxSegmentSize: 256})
	for i := 1; i <= 40; i++ {
		require.NoError(t, w.Append(putEntry(fmt.Sprintf("key-%04d", i), "some-padding-value", uint64(i))))
	}
	active := w.ActiveSegmentIndex()
	require.NoError(t, w.Close())

	_, recovered, err := Open(Options{Dir: dir, SyncMode: SyncAlways, StartRecoveryIndex: active - 1})
	require.NoError(t, err)
	// Fewer entries than the full set, and only from the newest segments.
	assert.NotEmpty(t, recovered)
	assert.Less(t, len(recovered), 40)
}

func TestWAL_AppendAfterClose(t *testing.T) {
	dir := t.TempDir()
	w, _ := openTestWAL(t, dir, Options{SyncMode: SyncAlways})
	require.NoError(t, w.Close())
	assert.Error(t, w.Append(putEntry("a", "1", 1)))
}

func TestSegment_FileNameRoundTrip(t *testing.T) {
	name := FormatSegmentFileName(42)
	assert.Equal(t, "00000042.wal", name)
	idx, err := ParseSegmentFileName(name)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), idx)

	_, err = ParseSegmentFileName("not-a-segment.txt")
	assert.Error(t, err)
}
