package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/flintdb/flint/checkpoint"
	"github.com/flintdb/flint/manifest"
	"github.com/flintdb/flint/memtable"
	"github.com/flintdb/flint/sstable"
)

const (
	maxFlushRetries       = 3
	initialFlushRetryWait = 1 * time.Second
	maxFlushRetryWait     = 30 * time.Second
)

// flushLoop drains the immutable memtable queue in the background. It wakes
// on flushChan signals and exits when shutdownChan closes; Close performs a
// final synchronous drain afterwards.
func (e *storageEngine) flushLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.flushChan:
			e.processImmutableMemtables()
		case <-e.shutdownChan:
			return
		}
	}
}

// processImmutableMemtables flushes queued memtables oldest first. A failed
// flush is retried with a doubling delay; after maxFlushRetries the memtable
// stays queued and the failure is surfaced through Health until a later
// attempt succeeds.
func (e *storageEngine) processImmutableMemtables() {
	for {
		e.mu.RLock()
		var mem *memtable.Memtable
		if len(e.immutableMemtables) > 0 {
			mem = e.immutableMemtables[0]
		}
		e.mu.RUnlock()
		if mem == nil {
			return
		}

		if mem.FlushRetries > 0 && time.Now().Before(mem.NextAttemptAt) {
			// Not yet due for retry. Re-arm the signal so the loop comes
			// back instead of spinning.
			time.AfterFunc(time.Until(mem.NextAttemptAt), func() {
				select {
				case e.flushChan <- struct{}{}:
				default:
				}
			})
			return
		}

		if err := e.flushMemtableToTable(mem); err != nil {
			e.metrics.FlushErrorsTotal.Add(1)
			e.flushFailures.Add(1)
			e.lastFlushError.Store(err.Error())

			mem.FlushRetries++
			if mem.NextRetryDelay == 0 {
				mem.NextRetryDelay = initialFlushRetryWait
			} else if mem.NextRetryDelay < maxFlushRetryWait {
				mem.NextRetryDelay *= 2
			}
			mem.NextAttemptAt = time.Now().Add(mem.NextRetryDelay)
			e.logger.Error("memtable flush failed",
				"error", err,
				"retries", mem.FlushRetries,
				"next_delay", mem.NextRetryDelay)
			if mem.FlushRetries >= maxFlushRetries {
				// Keep the memtable so its data stays readable; writes
				// continue into newer memtables and the WAL keeps the data
				// durable. Retry again after the capped delay.
				e.logger.Error("memtable flush exhausted retries, data held in memory",
					"retries", mem.FlushRetries)
			}
			time.AfterFunc(mem.NextRetryDelay, func() {
				select {
				case e.flushChan <- struct{}{}:
				default:
				}
			})
			return
		}

		e.flushFailures.Store(0)
		e.lastFlushError.Store("")

		e.mu.Lock()
		e.immutableMemtables = e.immutableMemtables[1:]
		e.mu.Unlock()
		mem.Close()

		e.compactor.Trigger()
	}
}

// flushMemtableToTable writes one memtable to an L0 SSTable. Commit order is
// table on disk first, then the manifest edit, then the in-memory level
// state, then the checkpoint that allows WAL purging. A crash between any
// two steps leaves either an orphaned file (removed at next startup) or
// replayable WAL segments, never lost data.
func (e *storageEngine) flushMemtableToTable(mem *memtable.Memtable) (err error) {
	if mem.Len() == 0 {
		// Nothing to persist, but the WAL segments backing it are still
		// consumed below so purging can advance.
		return e.advanceCheckpoint(mem.LastWALSegmentIndex)
	}

	_, span := e.tracer.Start(context.Background(), "engine.flushMemtableToTable")
	defer span.End()
	span.SetAttributes(
		attribute.Int("memtable.entries", mem.Len()),
		attribute.Int64("memtable.size_bytes", mem.Size()),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "flush failed")
		}
	}()

	fileID := e.nextFileID.Add(1) - 1
	writer, err := sstable.NewWriter(sstable.WriterOptions{
		DataDir:                      e.sstDir,
		ID:                           fileID,
		EstimatedKeys:                uint64(mem.Len()),
		BloomFilterFalsePositiveRate: e.opts.BloomFilterFalsePositiveRate,
		BlockSize:                    e.opts.BlockSize,
		Compressor:                   e.opts.Compressor,
		Comparator:                   e.opts.Comparator,
		Logger:                       e.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create sstable writer: %w", err)
	}

	maxSeq := mem.MaxSeqNum()
	if err := mem.FlushTo(writer); err != nil {
		writer.Abort()
		return fmt.Errorf("failed to write memtable contents: %w", err)
	}
	if err := writer.Finish(); err != nil {
		writer.Abort()
		return fmt.Errorf("failed to finish sstable %d: %w", fileID, err)
	}

	sst, err := sstable.Open(sstable.OpenOptions{
		FilePath:   filepath.Join(e.sstDir, fmt.Sprintf("%d.sst", fileID)),
		ID:         fileID,
		BlockCache: e.blockCache,
		Comparator: e.opts.Comparator,
		Logger:     e.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to reopen flushed sstable %d: %w", fileID, err)
	}

	edit := manifest.VersionEdit{
		AddedFiles: []*manifest.FileMetadata{{
			ID:             sst.ID(),
			Level:          0,
			MinKey:         sst.MinKey(),
			MaxKey:         sst.MaxKey(),
			EntryCount:     sst.KeyCount(),
			TombstoneCount: sst.TombstoneCount(),
			Size:           sst.Size(),
		}},
		LastSeqNum: maxSeq,
		NextFileID: e.nextFileID.Load(),
	}
	if err := e.manifest.Append(&edit); err != nil {
		sst.MarkObsolete()
		sst.Unref()
		return fmt.Errorf("failed to commit flush to manifest: %w", err)
	}
	if err := e.levels.AddTable(0, sst); err != nil {
		return fmt.Errorf("failed to register flushed sstable: %w", err)
	}

	e.metrics.FlushTotal.Add(1)
	e.metrics.FlushBytesTotal.Add(sst.Size())
	e.logger.Info("memtable flushed",
		"sstable_id", sst.ID(),
		"entries", sst.KeyCount(),
		"size_bytes", sst.Size(),
		"max_seq_num", maxSeq)

	return e.advanceCheckpoint(mem.LastWALSegmentIndex)
}

// advanceCheckpoint records that every WAL segment at or below index is now
// covered by SSTables, then purges segments older than the retention margin.
// Checkpoint and purge failures are logged rather than returned: the flush
// itself is committed and replaying extra segments at startup is only
// wasted work.
func (e *storageEngine) advanceCheckpoint(index uint64) error {
	if index == 0 {
		return nil
	}
	cp := checkpoint.Checkpoint{LastSafeSegmentIndex: index}
	if err := checkpoint.Write(e.opts.DataDir, cp); err != nil {
		e.logger.Warn("failed to write checkpoint", "error", err)
		return nil
	}
	keep := uint64(e.opts.WALPurgeKeepSegments)
	if index <= keep {
		return nil
	}
	if err := e.wal.Purge(index - keep); err != nil {
		e.logger.Warn("failed to purge wal segments", "error", err, "up_to", index-keep)
	}
	return nil
}

// flushRemainingMemtables drains the queue synchronously during Close. The
// active memtable is frozen and flushed too so a clean shutdown needs no WAL
// replay on the next start.
func (e *storageEngine) flushRemainingMemtables() error {
	e.mu.Lock()
	if e.mutableMemtable.Len() > 0 {
		e.swapMemtableLocked()
	}
	pending := make([]*memtable.Memtable, len(e.immutableMemtables))
	copy(pending, e.immutableMemtables)
	e.mu.Unlock()

	for _, mem := range pending {
		if err := e.flushMemtableToTable(mem); err != nil {
			return fmt.Errorf("failed to flush memtable during shutdown: %w", err)
		}
		e.mu.Lock()
		e.immutableMemtables = e.immutableMemtables[1:]
		e.mu.Unlock()
		mem.Close()
	}
	return nil
}
