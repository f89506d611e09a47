package manifest

import (
	"fmt"
	"sort"

	"github.com/flintdb/flint/core"
)

// MaxLevels bounds the number of levels tracked by a Version.
const MaxLevels = 7

// FileMetadata describes one live SSTable as recorded in the manifest.
type FileMetadata struct {
	ID             uint64
	Level          int
	MinKey         []byte
	MaxKey         []byte
	EntryCount     uint64
	TombstoneCount uint64
	Size           int64
}

// Version is the set of live SSTables per level, reconstructed by replaying
// manifest edits. Level 0 files may overlap and are kept in order of
// creation (newest file last). Levels 1 and up are range-disjoint and kept
// sorted by MinKey.
type Version struct {
	Levels     [MaxLevels][]*FileMetadata
	LastSeqNum uint64
	NextFileID uint64

	cmp core.Comparator
}

// NewVersion returns an empty version. cmp orders the per-level file lists
// and must match the comparator the tables were written with; nil means
// core.BytesComparator.
func NewVersion(cmp core.Comparator) *Version {
	if cmp == nil {
		cmp = core.BytesComparator
	}
	return &Version{NextFileID: 1, cmp: cmp}
}

// Clone copies the version. File metadata pointers are shared; the per-level
// slices are not.
func (v *Version) Clone() *Version {
	clone := &Version{
		LastSeqNum: v.LastSeqNum,
		NextFileID: v.NextFileID,
		cmp:        v.cmp,
	}
	for level, files := range v.Levels {
		clone.Levels[level] = append([]*FileMetadata(nil), files...)
	}
	return clone
}

// Apply mutates the version with one edit: deletions first, then additions,
// then the counters. Level 1+ file lists are re-sorted by MinKey.
func (v *Version) Apply(edit *VersionEdit) error {
	for _, del := range edit.DeletedFiles {
		if del.Level < 0 || del.Level >= MaxLevels {
			return fmt.Errorf("version edit deletes file %d at invalid level %d", del.ID, del.Level)
		}
		files := v.Levels[del.Level]
		found := false
		for i, f := range files {
			if f.ID == del.ID {
				v.Levels[del.Level] = append(files[:i], files[i+1:]...)
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("version edit deletes unknown file %d at level %d", del.ID, del.Level)
		}
	}

	for _, meta := range edit.AddedFiles {
		if meta.Level < 0 || meta.Level >= MaxLevels {
			return fmt.Errorf("version edit adds file %d at invalid level %d", meta.ID, meta.Level)
		}
		v.Levels[meta.Level] = append(v.Levels[meta.Level], meta)
		if meta.Level > 0 {
			sort.Slice(v.Levels[meta.Level], func(i, j int) bool {
				return v.cmp.Compare(v.Levels[meta.Level][i].MinKey, v.Levels[meta.Level][j].MinKey) < 0
			})
		}
		if meta.ID >= v.NextFileID {
			v.NextFileID = meta.ID + 1
		}
	}

	if edit.LastSeqNum > v.LastSeqNum {
		v.LastSeqNum = edit.LastSeqNum
	}
	if edit.NextFileID > v.NextFileID {
		v.NextFileID = edit.NextFileID
	}
	return nil
}

// Files returns the file list for a level. The returned slice must not be
// mutated.
func (v *Version) Files(level int) []*FileMetadata {
	if level < 0 || level >= MaxLevels {
		return nil
	}
	return v.Levels[level]
}

// LiveFileIDs returns the set of SSTable ids referenced by the version.
// Startup garbage collection diffs the data directory against this set.
func (v *Version) LiveFileIDs() map[uint64]struct{} {
	ids := make(map[uint64]struct{})
	for _, files := range v.Levels {
		for _, f := range files {
			ids[f.ID] = struct{}{}
		}
	}
	return ids
}

// CheckConsistency validates the invariants replay must preserve: sorted,
// pairwise-disjoint key ranges within every level above 0.
func (v *Version) CheckConsistency() error {
	for level := 1; level < MaxLevels; level++ {
		files := v.Levels[level]
		for i := 1; i < len(files); i++ {
			prev, cur := files[i-1], files[i]
			if v.cmp.Compare(prev.MinKey, cur.MinKey) > 0 {
				return fmt.Errorf("level %d files out of order (file %d before file %d)", level, prev.ID, cur.ID)
			}
			if v.cmp.Compare(prev.MaxKey, cur.MinKey) >= 0 {
				return fmt.Errorf("level %d files %d and %d have overlapping key ranges", level, prev.ID, cur.ID)
			}
		}
	}
	return nil
}
