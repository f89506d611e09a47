package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestManifest(t *testing.T, dir string) (*Manifest, *Version) {
	t.Helper()
	m, v, err := Open(dir, nil, nil)
	require.NoError(t, err)
	return m, v
}

func TestManifest_OpenEmptyDir(t *testing.T) {
	m, v := openTestManifest(t, t.TempDir())
	defer m.Close()

	assert.Equal(t, uint64(0), v.LastSeqNum)
	assert.Equal(t, uint64(1), v.NextFileID)
	for level := 0; level < MaxLevels; level++ {
		assert.Empty(t, v.Files(level))
	}
}

func TestManifest_AppendAndReload(t *testing.T) {
	dir := t.TempDir()
	m, v := openTestManifest(t, dir)

	edit := &VersionEdit{
		AddedFiles: []*FileMetadata{
			{ID: 1, Level: 0, MinKey: []byte("a"), MaxKey: []byte("m"), EntryCount: 100, Size: 4096},
			{ID: 2, Level: 0, MinKey: []byte("k"), MaxKey: []byte("z"), EntryCount: 50, Size: 2048},
		},
		LastSeqNum: 150,
		NextFileID: 3,
	}
	require.NoError(t, m.Append(edit))
	require.NoError(t, v.Apply(edit))
	require.NoError(t, m.Close())

	m2, v2 := openTestManifest(t, dir)
	defer m2.Close()

	require.Len(t, v2.Files(0), 2)
	assert.Equal(t, uint64(1), v2.Files(0)[0].ID)
	assert.Equal(t, []byte("a"), v2.Files(0)[0].MinKey)
	assert.Equal(t, uint64(100), v2.Files(0)[0].EntryCount)
	assert.Equal(t, uint64(150), v2.LastSeqNum)
	assert.Equal(t, uint64(3), v2.NextFileID)
}

func TestManifest_CompactionEditMovesFiles(t *testing.T) {
	dir := t.TempDir()
	m, v := openTestManifest(t, dir)

	flush := &VersionEdit{
		AddedFiles: []*FileMetadata{
			{ID: 1, Level: 0, MinKey: []byte("a"), MaxKey: []byte("m")},
			{ID: 2, Level: 0, MinKey: []byte("h"), MaxKey: []byte("z")},
		},
		LastSeqNum: 10,
	}
	require.NoError(t, m.Append(flush))
	require.NoError(t, v.Apply(flush))

	compaction := &VersionEdit{
		AddedFiles: []*FileMetadata{
			{ID: 3, Level: 1, MinKey: []byte("n"), MaxKey: []byte("z")},
			{ID: 4, Level: 1, MinKey: []byte("a"), MaxKey: []byte("m")},
		},
		DeletedFiles: []DeletedFileEntry{
			{Level: 0, ID: 1},
			{Level: 0, ID: 2},
		},
	}
	require.NoError(t, m.Append(compaction))
	require.NoError(t, v.Apply(compaction))
	require.NoError(t, m.Close())

	_, v2 := openTestManifest(t, dir)
	assert.Empty(t, v2.Files(0))
	require.Len(t, v2.Files(1), 2)
	// Level 1 is sorted by MinKey regardless of append order.
	assert.Equal(t, uint64(4), v2.Files(1)[0].ID)
	assert.Equal(t, uint64(3), v2.Files(1)[1].ID)
	assert.Equal(t, uint64(5), v2.NextFileID)
}

func TestManifest_TornTailRecordDiscarded(t *testing.T) {
	dir := t.TempDir()
	m, v := openTestManifest(t, dir)

	good := &VersionEdit{
		AddedFiles: []*FileMetadata{{ID: 1, Level: 0, MinKey: []byte("a"), MaxKey: []byte("b")}},
		LastSeqNum: 5,
	}
	require.NoError(t, m.Append(good))
	require.NoError(t, v.Apply(good))

	torn := &VersionEdit{
		AddedFiles: []*FileMetadata{{ID: 2, Level: 0, MinKey: []byte("c"), MaxKey: []byte("d")}},
		LastSeqNum: 6,
	}
	require.NoError(t, m.Append(torn))
	require.NoError(t, m.Close())

	// Chop bytes off the final record to simulate a crash mid-append.
	path := filepath.Join(dir, FileName)
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-7))

	m2, v2 := openTestManifest(t, dir)
	defer m2.Close()

	require.Len(t, v2.Files(0), 1)
	assert.Equal(t, uint64(1), v2.Files(0)[0].ID)
	assert.Equal(t, uint64(5), v2.LastSeqNum)

	// The manifest must remain appendable after the tail was dropped.
	again := &VersionEdit{
		AddedFiles: []*FileMetadata{{ID: 2, Level: 0, MinKey: []byte("c"), MaxKey: []byte("d")}},
		LastSeqNum: 6,
	}
	require.NoError(t, m2.Append(again))
	require.NoError(t, m2.Close())

	_, v3 := openTestManifest(t, dir)
	require.Len(t, v3.Files(0), 2)
	assert.Equal(t, uint64(6), v3.LastSeqNum)
}

func TestManifest_CorruptedTailChecksumDiscarded(t *testing.T) {
	dir := t.TempDir()
	m, v := openTestManifest(t, dir)

	good := &VersionEdit{
		AddedFiles: []*FileMetadata{{ID: 1, Level: 0, MinKey: []byte("a"), MaxKey: []byte("b")}},
		LastSeqNum: 5,
	}
	require.NoError(t, m.Append(good))
	require.NoError(t, v.Apply(good))
	require.NoError(t, m.Append(&VersionEdit{
		AddedFiles: []*FileMetadata{{ID: 2, Level: 0, MinKey: []byte("c"), MaxKey: []byte("d")}},
		LastSeqNum: 6,
	}))
	require.NoError(t, m.Close())

	// Flip a payload byte inside the final record.
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	m2, v2 := openTestManifest(t, dir)
	defer m2.Close()

	require.Len(t, v2.Files(0), 1)
	assert.Equal(t, uint64(5), v2.LastSeqNum)
}

func TestManifest_InvalidMagicRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte("not a manifest at all"), 0o644))

	_, _, err := Open(dir, nil, nil)
	require.Error(t, err)
}

func TestManifest_AppendAfterClose(t *testing.T) {
	m, _ := openTestManifest(t, t.TempDir())
	require.NoError(t, m.Close())
	assert.Error(t, m.Append(&VersionEdit{LastSeqNum: 1}))
}

func TestVersionEdit_EncodeDecode(t *testing.T) {
	edit := &VersionEdit{
		AddedFiles: []*FileMetadata{
			{ID: 7, Level: 2, MinKey: []byte("aa"), MaxKey: []byte("zz"),
				EntryCount: 123, TombstoneCount: 4, Size: 9999},
		},
		DeletedFiles: []DeletedFileEntry{{Level: 1, ID: 3}, {Level: 1, ID: 4}},
		LastSeqNum:   42,
		NextFileID:   8,
	}

	data, err := edit.Encode()
	require.NoError(t, err)

	decoded, err := DecodeVersionEdit(data)
	require.NoError(t, err)
	assert.Equal(t, edit.LastSeqNum, decoded.LastSeqNum)
	assert.Equal(t, edit.NextFileID, decoded.NextFileID)
	require.Len(t, decoded.AddedFiles, 1)
	assert.Equal(t, *edit.AddedFiles[0], *decoded.AddedFiles[0])
	assert.Equal(t, edit.DeletedFiles, decoded.DeletedFiles)
}

func TestVersion_ApplyDeleteUnknownFile(t *testing.T) {
	v := NewVersion(nil)
	err := v.Apply(&VersionEdit{DeletedFiles: []DeletedFileEntry{{Level: 0, ID: 99}}})
	assert.Error(t, err)
}

func TestVersion_CheckConsistency(t *testing.T) {
	v := NewVersion(nil)
	require.NoError(t, v.Apply(&VersionEdit{AddedFiles: []*FileMetadata{
		{ID: 1, Level: 1, MinKey: []byte("a"), MaxKey: []byte("f")},
		{ID: 2, Level: 1, MinKey: []byte("g"), MaxKey: []byte("p")},
	}}))
	require.NoError(t, v.CheckConsistency())

	// Introduce an overlap directly; Apply keeps things sorted so this is
	// the only way to exercise the check.
	v.Levels[1][1].MinKey = []byte("e")
	assert.Error(t, v.CheckConsistency())
}

func TestVersion_LiveFileIDs(t *testing.T) {
	v := NewVersion(nil)
	require.NoError(t, v.Apply(&VersionEdit{AddedFiles: []*FileMetadata{
		{ID: 1, Level: 0, MinKey: []byte("a"), MaxKey: []byte("b")},
		{ID: 5, Level: 3, MinKey: []byte("c"), MaxKey: []byte("d")},
	}}))

	ids := v.LiveFileIDs()
	assert.Len(t, ids, 2)
	assert.Contains(t, ids, uint64(1))
	assert.Contains(t, ids, uint64(5))
}
