package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/flintdb/flint/checkpoint"
	"github.com/flintdb/flint/manifest"
	"github.com/flintdb/flint/memtable"
	"github.com/flintdb/flint/sstable"
	"github.com/flintdb/flint/wal"
)

// load rebuilds the in-memory state from disk. It must only be called from
// Open, before any background worker starts.
func (e *storageEngine) load() error {
	m, version, err := manifest.Open(e.opts.DataDir, e.opts.Comparator, e.logger)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	e.manifest = m

	if err := e.openLiveTables(version); err != nil {
		return err
	}
	if err := e.removeOrphanedFiles(version); err != nil {
		return err
	}

	e.nextFileID.Store(version.NextFileID)
	e.sequenceNumber.Store(version.LastSeqNum)

	cp, found, err := checkpoint.Read(e.opts.DataDir)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var startIndex uint64
	if found {
		startIndex = cp.LastSafeSegmentIndex
	}

	w, recovered, err := wal.Open(wal.Options{
		Dir:                e.walDir,
		SyncMode:           e.opts.WALSyncMode,
		MaxSegmentSize:     e.opts.WALMaxSegmentSize,
		BytesWritten:       e.metrics.WALBytesWritten,
		EntriesWritten:     e.metrics.WALEntriesWritten,
		Logger:             e.logger,
		StartRecoveryIndex: startIndex,
	})
	if err != nil {
		return fmt.Errorf("failed to open wal: %w", err)
	}
	e.wal = w

	e.mutableMemtable = memtable.NewMemtable(e.opts.MemtableThreshold, e.opts.Comparator)

	// Entries at or below the manifest's sequence number are already in
	// SSTables; replaying them again would be harmless but wasteful.
	replayed := 0
	for _, entry := range recovered {
		if entry.SeqNum <= version.LastSeqNum {
			continue
		}
		if err := e.mutableMemtable.Put(entry.Key, entry.Value, entry.Type, entry.SeqNum); err != nil {
			return fmt.Errorf("failed to replay wal entry: %w", err)
		}
		if entry.SeqNum > e.sequenceNumber.Load() {
			e.sequenceNumber.Store(entry.SeqNum)
		}
		replayed++
		if e.mutableMemtable.IsFull() {
			e.swapMemtableLocked()
		}
	}
	if replayed > 0 {
		e.logger.Info("wal replay complete",
			"entries_replayed", replayed,
			"entries_skipped", len(recovered)-replayed)
	}
	return nil
}

// openLiveTables opens every file the manifest references and registers it
// with the levels manager. Tables within a level open concurrently; a single
// unreadable file fails the whole startup.
func (e *storageEngine) openLiveTables(version *manifest.Version) error {
	for level, files := range version.Levels {
		if len(files) == 0 {
			continue
		}
		tables := make([]*sstable.SSTable, len(files))
		var g errgroup.Group
		for i, meta := range files {
			i, meta := i, meta
			g.Go(func() error {
				sst, err := sstable.Open(sstable.OpenOptions{
					FilePath:   filepath.Join(e.sstDir, fmt.Sprintf("%d.sst", meta.ID)),
					ID:         meta.ID,
					BlockCache: e.blockCache,
					Comparator: e.opts.Comparator,
					Logger:     e.logger,
				})
				if err != nil {
					return fmt.Errorf("failed to open sstable %d at level %d: %w", meta.ID, level, err)
				}
				tables[i] = sst
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			for _, sst := range tables {
				if sst != nil {
					sst.Unref()
				}
			}
			return err
		}
		if err := e.levels.AddTables(level, tables); err != nil {
			return err
		}
	}
	return nil
}

// removeOrphanedFiles deletes SSTable files in the data directory that the
// manifest does not reference. These are leftovers of flushes or compactions
// that crashed between writing the file and committing the manifest edit.
func (e *storageEngine) removeOrphanedFiles(version *manifest.Version) error {
	entries, err := os.ReadDir(e.sstDir)
	if err != nil {
		return fmt.Errorf("failed to read sstable directory: %w", err)
	}
	live := version.LiveFileIDs()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		remove := false
		switch {
		case strings.HasSuffix(name, ".tmp"):
			remove = true
		case strings.HasSuffix(name, ".sst"):
			var id uint64
			if _, err := fmt.Sscanf(name, "%d.sst", &id); err != nil {
				e.logger.Warn("unrecognized file in sstable directory", "file", name)
				continue
			}
			_, isLive := live[id]
			remove = !isLive
		default:
			continue
		}
		if remove {
			path := filepath.Join(e.sstDir, name)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove orphaned file %s: %w", path, err)
			}
			e.logger.Info("removed orphaned file", "file", name)
		}
	}
	return nil
}
