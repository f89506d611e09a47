package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// DeletedFileEntry identifies one file removed from a level by an edit.
type DeletedFileEntry struct {
	Level int
	ID    uint64
}

// VersionEdit is one atomic transition of the version set: files added by a
// flush or compaction, files retired by a compaction, and updated counters.
// Edits are persisted to the manifest before they are applied in memory.
type VersionEdit struct {
	AddedFiles   []*FileMetadata
	DeletedFiles []DeletedFileEntry
	LastSeqNum   uint64
	NextFileID   uint64
}

// Encode serializes the edit.
// Layout (little endian):
//
//	lastSeqNum uint64
//	nextFileID uint64
//	addedCount uint32, then per file:
//	  id uint64 | level uint32 | entryCount uint64 | tombstoneCount uint64 |
//	  size int64 | minKeyLen uint32 | minKey | maxKeyLen uint32 | maxKey
//	deletedCount uint32, then per file: level uint32 | id uint64
func (e *VersionEdit) Encode() ([]byte, error) {
	var buf bytes.Buffer

	if err := binary.Write(&buf, binary.LittleEndian, e.LastSeqNum); err != nil {
		return nil, err
	}
	if err := binary.Write(&buf, binary.LittleEndian, e.NextFileID); err != nil {
		return nil, err
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(e.AddedFiles))); err != nil {
		return nil, err
	}
	for _, meta := range e.AddedFiles {
		if err := binary.Write(&buf, binary.LittleEndian, meta.ID); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint32(meta.Level)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, meta.EntryCount); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, meta.TombstoneCount); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, meta.Size); err != nil {
			return nil, err
		}
		if err := writeKey(&buf, meta.MinKey); err != nil {
			return nil, err
		}
		if err := writeKey(&buf, meta.MaxKey); err != nil {
			return nil, err
		}
	}

	if err := binary.Write(&buf, binary.LittleEndian, uint32(len(e.DeletedFiles))); err != nil {
		return nil, err
	}
	for _, del := range e.DeletedFiles {
		if err := binary.Write(&buf, binary.LittleEndian, uint32(del.Level)); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, del.ID); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeVersionEdit parses an encoded edit.
func DecodeVersionEdit(data []byte) (*VersionEdit, error) {
	r := bytes.NewReader(data)
	edit := &VersionEdit{}

	if err := binary.Read(r, binary.LittleEndian, &edit.LastSeqNum); err != nil {
		return nil, fmt.Errorf("failed to read edit lastSeqNum: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &edit.NextFileID); err != nil {
		return nil, fmt.Errorf("failed to read edit nextFileID: %w", err)
	}

	var addedCount uint32
	if err := binary.Read(r, binary.LittleEndian, &addedCount); err != nil {
		return nil, fmt.Errorf("failed to read edit added count: %w", err)
	}
	for i := uint32(0); i < addedCount; i++ {
		meta := &FileMetadata{}
		var level uint32
		if err := binary.Read(r, binary.LittleEndian, &meta.ID); err != nil {
			return nil, fmt.Errorf("failed to read added file id: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return nil, fmt.Errorf("failed to read added file level: %w", err)
		}
		meta.Level = int(level)
		if err := binary.Read(r, binary.LittleEndian, &meta.EntryCount); err != nil {
			return nil, fmt.Errorf("failed to read added file entry count: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &meta.TombstoneCount); err != nil {
			return nil, fmt.Errorf("failed to read added file tombstone count: %w", err)
		}
		if err := binary.Read(r, binary.LittleEndian, &meta.Size); err != nil {
			return nil, fmt.Errorf("failed to read added file size: %w", err)
		}
		var err error
		if meta.MinKey, err = readKey(r); err != nil {
			return nil, fmt.Errorf("failed to read added file min key: %w", err)
		}
		if meta.MaxKey, err = readKey(r); err != nil {
			return nil, fmt.Errorf("failed to read added file max key: %w", err)
		}
		edit.AddedFiles = append(edit.AddedFiles, meta)
	}

	var deletedCount uint32
	if err := binary.Read(r, binary.LittleEndian, &deletedCount); err != nil {
		return nil, fmt.Errorf("failed to read edit deleted count: %w", err)
	}
	for i := uint32(0); i < deletedCount; i++ {
		var del DeletedFileEntry
		var level uint32
		if err := binary.Read(r, binary.LittleEndian, &level); err != nil {
			return nil, fmt.Errorf("failed to read deleted file level: %w", err)
		}
		del.Level = int(level)
		if err := binary.Read(r, binary.LittleEndian, &del.ID); err != nil {
			return nil, fmt.Errorf("failed to read deleted file id: %w", err)
		}
		edit.DeletedFiles = append(edit.DeletedFiles, del)
	}

	return edit, nil
}

func writeKey(buf *bytes.Buffer, key []byte) error {
	if err := binary.Write(buf, binary.LittleEndian, uint32(len(key))); err != nil {
		return err
	}
	_, err := buf.Write(key)
	return err
}

func readKey(r *bytes.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, err
	}
	if int(length) > r.Len() {
		return nil, io.ErrUnexpectedEOF
	}
	key := make([]byte, length)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}
