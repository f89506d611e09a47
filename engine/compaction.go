package engine

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/semaphore"

	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/iterator"
	"github.com/flintdb/flint/manifest"
	"github.com/flintdb/flint/sstable"
)

// A failing level sits out with a doubling delay before it becomes eligible
// again, up to the cap.
const (
	initialParkDuration = 5 * time.Second
	maxParkDuration     = 2 * time.Minute
)

// compactionManager runs the leveled compaction policy in the background.
// L0 compactions run on the manager's own goroutine because L0 tables
// overlap and must move together; deeper-level compactions touch disjoint
// key ranges and run concurrently under a semaphore.
type compactionManager struct {
	engine *storageEngine
	logger *slog.Logger

	lnSem *semaphore.Weighted

	triggerChan  chan struct{}
	shutdownChan chan struct{}
	wg           sync.WaitGroup

	failures atomic.Int64

	parkedMu sync.Mutex
	parked   map[int]parkState
}

type parkState struct {
	until    time.Time
	failures int
}

func newCompactionManager(e *storageEngine) *compactionManager {
	return &compactionManager{
		engine:       e,
		logger:       e.logger.With("component", "compaction"),
		lnSem:        semaphore.NewWeighted(int64(e.opts.MaxConcurrentCompactions)),
		triggerChan:  make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
		parked:       make(map[int]parkState),
	}
}

func (cm *compactionManager) Start() {
	cm.wg.Add(1)
	go cm.run()
}

func (cm *compactionManager) Stop() {
	close(cm.shutdownChan)
	cm.wg.Wait()
}

// Trigger requests a compaction check outside the regular interval. It never
// blocks; a pending trigger absorbs further ones.
func (cm *compactionManager) Trigger() {
	select {
	case cm.triggerChan <- struct{}{}:
	default:
	}
}

func (cm *compactionManager) run() {
	defer cm.wg.Done()
	ticker := time.NewTicker(time.Duration(cm.engine.opts.CompactionIntervalSeconds) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.performCompactionCycle()
		case <-cm.triggerChan:
			cm.performCompactionCycle()
		case <-cm.shutdownChan:
			return
		}
	}
}

// performCompactionCycle checks every level once, L0 first. L0 work compacts
// inline; LN work fans out under the semaphore and the cycle waits for all
// of it so manifest edits from one cycle never interleave with the next.
func (cm *compactionManager) performCompactionCycle() {
	lm := cm.engine.levels

	if lm.NeedsL0Compaction() && !cm.isParked(0) {
		if err := cm.compactL0ToL1(); err != nil {
			cm.recordFailure(0, err)
		} else {
			cm.clearParked(0)
		}
	}

	// Two waves of alternating levels. Jobs within a wave touch disjoint
	// (source, target) level pairs, so they can run concurrently without two
	// compactions claiming the same table.
	for _, parity := range []int{1, 0} {
		var wg sync.WaitGroup
		for level := 1; level < lm.MaxLevels()-1; level++ {
			if level%2 != parity {
				continue
			}
			if !lm.NeedsLevelNCompaction(level) || cm.isParked(level) {
				continue
			}
			level := level
			if err := cm.lnSem.Acquire(context.Background(), 1); err != nil {
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer cm.lnSem.Release(1)
				if err := cm.compactLevelN(level); err != nil {
					cm.recordFailure(level, err)
				} else {
					cm.clearParked(level)
				}
			}()
		}
		wg.Wait()
	}
}

func (cm *compactionManager) recordFailure(level int, err error) {
	cm.engine.metrics.CompactionErrorsTotal.Add(1)
	cm.failures.Add(1)

	cm.parkedMu.Lock()
	state := cm.parked[level]
	state.failures++
	delay := initialParkDuration << (state.failures - 1)
	if delay > maxParkDuration || delay <= 0 {
		delay = maxParkDuration
	}
	state.until = time.Now().Add(delay)
	cm.parked[level] = state
	cm.parkedMu.Unlock()

	cm.logger.Error("compaction failed, level parked",
		"level", level,
		"error", err,
		"consecutive_failures", state.failures,
		"park_duration", delay)
}

// isParked reports whether level is still sitting out a failure delay. The
// failure count is kept past expiry so the next failure doubles further; it
// resets only on success via clearParked.
func (cm *compactionManager) isParked(level int) bool {
	cm.parkedMu.Lock()
	defer cm.parkedMu.Unlock()
	state, ok := cm.parked[level]
	if !ok {
		return false
	}
	return time.Now().Before(state.until)
}

func (cm *compactionManager) clearParked(level int) {
	cm.parkedMu.Lock()
	delete(cm.parked, level)
	cm.parkedMu.Unlock()
}

func (cm *compactionManager) parkedLevels() []int {
	cm.parkedMu.Lock()
	defer cm.parkedMu.Unlock()
	var out []int
	now := time.Now()
	for level, state := range cm.parked {
		if now.Before(state.until) {
			out = append(out, level)
		}
	}
	sort.Ints(out)
	return out
}

// compactL0ToL1 merges every L0 table with the L1 tables they overlap. All
// of L0 moves at once because L0 tables may overlap each other.
func (cm *compactionManager) compactL0ToL1() error {
	lm := cm.engine.levels
	cmp := cm.engine.opts.Comparator

	l0Tables := lm.TablesForLevel(0)
	if len(l0Tables) == 0 {
		return nil
	}

	minKey, maxKey := l0Tables[0].MinKey(), l0Tables[0].MaxKey()
	for _, t := range l0Tables[1:] {
		if cmp.Compare(t.MinKey(), minKey) < 0 {
			minKey = t.MinKey()
		}
		if cmp.Compare(t.MaxKey(), maxKey) > 0 {
			maxKey = t.MaxKey()
		}
	}
	l1Overlap := lm.OverlappingTables(1, minKey, maxKey)

	inputs := append(append([]*sstable.SSTable{}, l0Tables...), l1Overlap...)
	return cm.compactTables(0, 1, l0Tables, l1Overlap, inputs)
}

// compactLevelN moves one table from level into level+1 together with the
// next-level tables it overlaps.
func (cm *compactionManager) compactLevelN(level int) error {
	lm := cm.engine.levels

	candidate := lm.PickCompactionCandidate(level)
	if candidate == nil {
		return nil
	}
	overlap := lm.OverlappingTables(level+1, candidate.MinKey(), candidate.MaxKey())

	sources := []*sstable.SSTable{candidate}
	inputs := append([]*sstable.SSTable{candidate}, overlap...)
	return cm.compactTables(level, level+1, sources, overlap, inputs)
}

// compactTables merges the input tables and installs the outputs at
// targetLevel. Commit order: output files on disk, manifest edit, in-memory
// level state, then obsolete-marking of the inputs. A crash before the
// manifest edit leaves orphaned outputs that startup deletes.
func (cm *compactionManager) compactTables(sourceLevel, targetLevel int, sources, targetOverlap, inputs []*sstable.SSTable) (err error) {
	if len(inputs) == 0 {
		return nil
	}

	_, span := cm.engine.tracer.Start(context.Background(), "engine.compactTables")
	defer span.End()
	span.SetAttributes(
		attribute.Int("compaction.source_level", sourceLevel),
		attribute.Int("compaction.target_level", targetLevel),
		attribute.Int("compaction.input_tables", len(inputs)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "compaction failed")
		}
	}()

	iters := make([]core.Iterator, 0, len(inputs))
	for _, t := range inputs {
		it, err := t.NewIterator(nil, nil, cm.engine.readSem)
		if err != nil {
			closeAll(iters)
			return fmt.Errorf("failed to open iterator for table %d: %w", t.ID(), err)
		}
		iters = append(iters, it)
	}
	merged, err := iterator.NewMergingIterator(iterator.MergingIteratorParams{
		Iters:      iters,
		Comparator: cm.engine.opts.Comparator,
	})
	if err != nil {
		return err
	}

	dropTombstones := cm.isBottomMostOverlap(targetLevel, inputs)
	outputs, err := cm.writeMergedTables(merged, dropTombstones, estimateKeysPerOutput(inputs, cm.engine.opts.TargetSSTableSize))
	merged.Close()
	if err != nil {
		for _, sst := range outputs {
			sst.MarkObsolete()
			sst.Unref()
		}
		return err
	}

	edit := manifest.VersionEdit{NextFileID: cm.engine.nextFileID.Load()}
	for _, sst := range outputs {
		edit.AddedFiles = append(edit.AddedFiles, &manifest.FileMetadata{
			ID:             sst.ID(),
			Level:          targetLevel,
			MinKey:         sst.MinKey(),
			MaxKey:         sst.MaxKey(),
			EntryCount:     sst.KeyCount(),
			TombstoneCount: sst.TombstoneCount(),
			Size:           sst.Size(),
		})
	}
	for _, t := range sources {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFileEntry{Level: sourceLevel, ID: t.ID()})
	}
	for _, t := range targetOverlap {
		edit.DeletedFiles = append(edit.DeletedFiles, manifest.DeletedFileEntry{Level: targetLevel, ID: t.ID()})
	}

	if err := cm.engine.manifest.Append(&edit); err != nil {
		for _, sst := range outputs {
			sst.MarkObsolete()
			sst.Unref()
		}
		return fmt.Errorf("failed to commit compaction to manifest: %w", err)
	}
	if err := cm.engine.levels.ApplyCompactionResults(sourceLevel, targetLevel, outputs, inputs); err != nil {
		return fmt.Errorf("failed to apply compaction results: %w", err)
	}
	// Drop the level-state references. Files delete once the last reader
	// (an open scan may still hold one) releases its reference.
	for _, t := range inputs {
		t.MarkObsolete()
		if err := t.Unref(); err != nil {
			cm.logger.Warn("failed to release compacted table", "table_id", t.ID(), "error", err)
		}
	}

	cm.engine.metrics.CompactionTotal.Add(1)
	cm.engine.metrics.TablesMergedTotal.Add(int64(len(inputs)))
	cm.logger.Info("compaction complete",
		"source_level", sourceLevel,
		"target_level", targetLevel,
		"input_tables", len(inputs),
		"output_tables", len(outputs),
		"tombstones_dropped", dropTombstones)
	return nil
}

// isBottomMostOverlap reports whether no level below targetLevel holds data
// in the inputs' key range. Only then can tombstones be dropped: a dropped
// tombstone with a live older version below would resurrect the key.
func (cm *compactionManager) isBottomMostOverlap(targetLevel int, inputs []*sstable.SSTable) bool {
	cmp := cm.engine.opts.Comparator
	minKey, maxKey := inputs[0].MinKey(), inputs[0].MaxKey()
	for _, t := range inputs[1:] {
		if cmp.Compare(t.MinKey(), minKey) < 0 {
			minKey = t.MinKey()
		}
		if cmp.Compare(t.MaxKey(), maxKey) > 0 {
			maxKey = t.MaxKey()
		}
	}
	for level := targetLevel + 1; level < cm.engine.levels.MaxLevels(); level++ {
		if len(cm.engine.levels.OverlappingTables(level, minKey, maxKey)) > 0 {
			return false
		}
	}
	return true
}

// estimateKeysPerOutput sizes the bloom filter of each output table from the
// inputs' key counts and the expected number of outputs. An overestimate only
// costs filter bytes, so rounding is generous.
func estimateKeysPerOutput(inputs []*sstable.SSTable, targetSize int64) uint64 {
	var totalKeys uint64
	var totalSize int64
	for _, t := range inputs {
		totalKeys += t.KeyCount()
		totalSize += t.Size()
	}
	expectedOutputs := uint64(totalSize/targetSize) + 1
	return totalKeys/expectedOutputs + 1
}

// writeMergedTables drains the merged stream into one or more target-level
// tables, starting a new one whenever the current table reaches the
// configured target size.
func (cm *compactionManager) writeMergedTables(merged core.Iterator, dropTombstones bool, keysPerOutput uint64) ([]*sstable.SSTable, error) {
	e := cm.engine
	var outputs []*sstable.SSTable
	var writer *sstable.Writer
	var writerID uint64

	finishCurrent := func() error {
		if writer == nil {
			return nil
		}
		if err := writer.Finish(); err != nil {
			writer.Abort()
			return fmt.Errorf("failed to finish sstable %d: %w", writerID, err)
		}
		sst, err := sstable.Open(sstable.OpenOptions{
			FilePath:   filepath.Join(e.sstDir, fmt.Sprintf("%d.sst", writerID)),
			ID:         writerID,
			BlockCache: e.blockCache,
			Comparator: e.opts.Comparator,
			Logger:     e.logger,
		})
		if err != nil {
			return fmt.Errorf("failed to reopen sstable %d: %w", writerID, err)
		}
		outputs = append(outputs, sst)
		writer = nil
		return nil
	}

	for merged.Next() {
		key, value, entryType, seqNum := merged.At()
		if dropTombstones && entryType == core.EntryTypeDelete {
			continue
		}
		if writer == nil {
			writerID = e.nextFileID.Add(1) - 1
			var err error
			writer, err = sstable.NewWriter(sstable.WriterOptions{
				DataDir:                      e.sstDir,
				ID:                           writerID,
				EstimatedKeys:                keysPerOutput,
				BloomFilterFalsePositiveRate: e.opts.BloomFilterFalsePositiveRate,
				BlockSize:                    e.opts.BlockSize,
				Compressor:                   e.opts.Compressor,
				Comparator:                   e.opts.Comparator,
				Logger:                       e.logger,
			})
			if err != nil {
				return outputs, fmt.Errorf("failed to create sstable writer: %w", err)
			}
		}
		if err := writer.Add(key, value, entryType, seqNum); err != nil {
			writer.Abort()
			return outputs, fmt.Errorf("failed to write merged entry: %w", err)
		}
		if writer.CurrentSize() >= e.opts.TargetSSTableSize {
			if err := finishCurrent(); err != nil {
				return outputs, err
			}
		}
	}
	if err := merged.Error(); err != nil {
		if writer != nil {
			writer.Abort()
		}
		return outputs, fmt.Errorf("merge iteration failed: %w", err)
	}
	if err := finishCurrent(); err != nil {
		return outputs, err
	}
	return outputs, nil
}
