// Package checkpoint persists the index of the last WAL segment whose data
// is fully contained in SSTables. Recovery skips segments at or below it.
package checkpoint

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flintdb/flint/core"
)

const (
	// FileName is the checkpoint file name inside the data directory.
	FileName = "CHECKPOINT"
	tempName = FileName + ".tmp"
)

// Checkpoint records the highest WAL segment index that is safe to skip
// during recovery.
type Checkpoint struct {
	LastSafeSegmentIndex uint64
}

// Write atomically replaces the checkpoint file using write-and-rename. The
// temp file is fsynced and closed before the rename so a crash leaves either
// the old checkpoint or the new one, never a torn file.
func Write(dir string, cp Checkpoint) error {
	tempPath := filepath.Join(dir, tempName)
	file, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint file: %w", err)
	}

	if err := binary.Write(file, binary.LittleEndian, core.CheckpointMagicNumber); err != nil {
		file.Close()
		return fmt.Errorf("failed to write checkpoint magic number: %w", err)
	}
	if err := binary.Write(file, binary.LittleEndian, cp.LastSafeSegmentIndex); err != nil {
		file.Close()
		return fmt.Errorf("failed to write last safe segment index: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("failed to sync temp checkpoint file: %w", err)
	}
	// Close before rename; renaming an open file fails on some platforms.
	if err := file.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint file: %w", err)
	}

	if err := os.Rename(tempPath, filepath.Join(dir, FileName)); err != nil {
		return fmt.Errorf("failed to rename temp checkpoint file: %w", err)
	}
	return nil
}

// Read loads the checkpoint. The boolean reports whether the file existed; a
// missing checkpoint is not an error.
func Read(dir string) (Checkpoint, bool, error) {
	file, err := os.Open(filepath.Join(dir, FileName))
	if err != nil {
		if os.IsNotExist(err) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var magic uint32
	if err := binary.Read(file, binary.LittleEndian, &magic); err != nil {
		return Checkpoint{}, true, fmt.Errorf("failed to read checkpoint magic number: %w", err)
	}
	if magic != core.CheckpointMagicNumber {
		return Checkpoint{}, true, fmt.Errorf("invalid checkpoint magic number (got %x, want %x): %w",
			magic, core.CheckpointMagicNumber, core.ErrCorrupted)
	}

	var cp Checkpoint
	if err := binary.Read(file, binary.LittleEndian, &cp.LastSafeSegmentIndex); err != nil {
		return Checkpoint{}, true, fmt.Errorf("failed to read last safe segment index: %w", err)
	}
	return cp, true, nil
}
