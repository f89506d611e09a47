// Package engine wires the write-ahead log, memtables, SSTable levels, the
// manifest, and background flush/compaction into a single key-value store.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/semaphore"

	"github.com/flintdb/flint/cache"
	"github.com/flintdb/flint/checkpoint"
	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/internal/lockfile"
	"github.com/flintdb/flint/iterator"
	"github.com/flintdb/flint/levels"
	"github.com/flintdb/flint/manifest"
	"github.com/flintdb/flint/memtable"
	"github.com/flintdb/flint/sstable"
	"github.com/flintdb/flint/wal"
)

// Engine is the public surface of the store.
//
// Writes are durable once Put or Delete returns (subject to the configured
// WAL sync mode). Get returns core.ErrNotFound for absent or deleted keys.
// Scan yields live entries in ascending key order; startKey is inclusive and
// endKey exclusive, nil meaning unbounded.
type Engine interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Get(key []byte) ([]byte, error)
	Scan(startKey, endKey []byte) (core.Iterator, error)
	Close() error
	Health() Health
}

// Health reports the state of the background workers. The engine keeps
// serving reads and writes off the last good version while a background
// failure persists.
type Health struct {
	FlushFailures      int64
	LastFlushError     string
	CompactionFailures int64
	ParkedLevels       []int
}

// OK reports whether no background work is failing.
func (h Health) OK() bool {
	return h.FlushFailures == 0 && h.CompactionFailures == 0 && len(h.ParkedLevels) == 0
}

type storageEngine struct {
	opts    Options
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	// mu serializes the write path (sequence number, WAL append, memtable
	// insert) and guards the memtable pointers for readers.
	mu                 sync.RWMutex
	mutableMemtable    *memtable.Memtable
	immutableMemtables []*memtable.Memtable

	sequenceNumber atomic.Uint64
	nextFileID     atomic.Uint64

	lock       *lockfile.Lock
	wal        *wal.WAL
	manifest   *manifest.Manifest
	levels     *levels.Manager
	blockCache cache.Interface
	readSem    *semaphore.Weighted

	compactor *compactionManager

	flushChan    chan struct{}
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	isClosing    atomic.Bool
	closeOnce    sync.Once

	flushFailures  atomic.Int64
	lastFlushError atomic.Value // string

	sstDir string
	walDir string
}

// Open creates or reopens a store at opts.DataDir. Recovery order: load the
// manifest, open the live tables, delete orphaned files the manifest does
// not know about, then replay WAL segments newer than the last checkpoint
// into a fresh memtable.
func Open(opts Options) (Engine, error) {
	if opts.DataDir == "" {
		return nil, fmt.Errorf("data directory must be specified")
	}
	opts = opts.withDefaults()

	e := &storageEngine{
		opts:         opts,
		logger:       opts.Logger.With("component", "engine"),
		metrics:      opts.Metrics,
		flushChan:    make(chan struct{}, 1),
		shutdownChan: make(chan struct{}),
		sstDir:       filepath.Join(opts.DataDir, "sst"),
		walDir:       filepath.Join(opts.DataDir, "wal"),
		readSem:      semaphore.NewWeighted(opts.MaxConcurrentBlockReads),
	}
	e.lastFlushError.Store("")
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer("github.com/flintdb/flint/engine")
	} else {
		e.tracer = noop.NewTracerProvider().Tracer("")
	}

	for _, dir := range []string{opts.DataDir, e.sstDir, e.walDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	var err error
	e.lock, err = lockfile.Acquire(opts.DataDir)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			e.lock.Release()
		}
	}()

	e.blockCache = e.newBlockCache()

	e.levels, err = levels.NewManager(levels.Options{
		MaxLevels:      opts.MaxLevels,
		MaxL0Files:     opts.MaxL0Files,
		BaseTargetSize: opts.BaseTargetSize,
		SizeMultiplier: opts.LevelSizeMultiplier,
		Comparator:     opts.Comparator,
		Logger:         e.logger,
	})
	if err != nil {
		return nil, err
	}

	if err = e.load(); err != nil {
		return nil, err
	}

	e.compactor = newCompactionManager(e)
	e.compactor.Start()

	e.wg.Add(1)
	go e.flushLoop()

	if opts.WALSyncMode == wal.SyncInterval {
		e.wg.Add(1)
		go e.walSyncLoop()
	}

	e.logger.Info("engine opened",
		"data_dir", opts.DataDir,
		"last_seq_num", e.sequenceNumber.Load(),
		"live_tables", e.levels.TotalTableCount())
	return e, nil
}

// walSyncLoop periodically makes buffered WAL appends durable. It runs only
// in interval sync mode; without it an acknowledged write could sit in the
// segment's write buffer until rotation or close.
func (e *storageEngine) walSyncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.WALSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.wal.Sync(); err != nil {
				e.logger.Warn("periodic wal sync failed", "error", err)
			}
		case <-e.shutdownChan:
			return
		}
	}
}

func (e *storageEngine) newBlockCache() cache.Interface {
	c := cache.NewLRUCache(e.opts.BlockCacheCapacity, nil)
	c.SetMetrics(e.metrics.BlockCacheHits, e.metrics.BlockCacheMisses)
	return c
}

// Put stores a key-value pair.
func (e *storageEngine) Put(key, value []byte) error {
	e.metrics.PutTotal.Add(1)
	return e.write(key, value, core.EntryTypePut)
}

// Delete writes a tombstone for key. Deleting an absent key succeeds.
func (e *storageEngine) Delete(key []byte) error {
	e.metrics.DeleteTotal.Add(1)
	return e.write(key, nil, core.EntryTypeDelete)
}

func (e *storageEngine) write(key, value []byte, entryType core.EntryType) error {
	if len(key) == 0 {
		return core.ErrEmptyKey
	}
	if e.isClosing.Load() {
		return core.ErrShuttingDown
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seqNum := e.sequenceNumber.Add(1)
	entry := core.Entry{Key: key, Value: value, Type: entryType, SeqNum: seqNum}
	if err := e.wal.Append(entry); err != nil {
		return fmt.Errorf("wal append failed: %w", err)
	}
	if err := e.mutableMemtable.Put(key, value, entryType, seqNum); err != nil {
		return fmt.Errorf("memtable insert failed: %w", err)
	}

	if e.mutableMemtable.IsFull() {
		e.swapMemtableLocked()
	}
	return nil
}

// swapMemtableLocked freezes the mutable memtable, queues it for flushing,
// and installs a fresh one. The WAL is rotated so the frozen memtable's data
// is fully contained in segments at or below its recorded index.
func (e *storageEngine) swapMemtableLocked() {
	full := e.mutableMemtable
	full.LastWALSegmentIndex = e.wal.ActiveSegmentIndex()
	if err := e.wal.Rotate(); err != nil {
		// The swap still proceeds; the WAL just cannot be purged past this
		// segment until a later rotation succeeds.
		e.logger.Warn("wal rotation failed during memtable swap", "error", err)
	}
	full.Freeze()
	e.immutableMemtables = append(e.immutableMemtables, full)
	e.mutableMemtable = memtable.NewMemtable(e.opts.MemtableThreshold, e.opts.Comparator)

	select {
	case e.flushChan <- struct{}{}:
	default:
	}
}

// Get returns the newest value for key. The search order mirrors write
// recency: active memtable, then frozen memtables newest first, then L0
// tables newest first, then one range-matching table per deeper level.
func (e *storageEngine) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, core.ErrEmptyKey
	}
	e.metrics.GetTotal.Add(1)

	e.mu.RLock()
	mutable := e.mutableMemtable
	immutables := make([]*memtable.Memtable, len(e.immutableMemtables))
	copy(immutables, e.immutableMemtables)
	e.mu.RUnlock()

	if value, entryType, found := mutable.Get(key); found {
		return e.resolveEntry(value, entryType)
	}
	for i := len(immutables) - 1; i >= 0; i-- {
		if value, entryType, found := immutables[i].Get(key); found {
			return e.resolveEntry(value, entryType)
		}
	}

	states, unlock := e.levels.LevelsForRead()
	defer unlock()
	for _, state := range states {
		for _, table := range state.Tables() {
			if !e.keyInTableRange(table, key) || !table.MightContain(key) {
				continue
			}
			value, entryType, err := table.Get(key)
			if err == nil {
				return e.resolveEntry(value, entryType)
			}
			if errors.Is(err, core.ErrNotFound) {
				if entryType == core.EntryTypeDelete {
					e.metrics.GetMisses.Add(1)
					return nil, core.ErrNotFound
				}
				continue
			}
			return nil, err
		}
	}

	e.metrics.GetMisses.Add(1)
	return nil, core.ErrNotFound
}

func (e *storageEngine) resolveEntry(value []byte, entryType core.EntryType) ([]byte, error) {
	if entryType == core.EntryTypeDelete {
		e.metrics.GetMisses.Add(1)
		return nil, core.ErrNotFound
	}
	return value, nil
}

func (e *storageEngine) keyInTableRange(table *sstable.SSTable, key []byte) bool {
	cmp := e.opts.Comparator
	return cmp.Compare(key, table.MinKey()) >= 0 && cmp.Compare(key, table.MaxKey()) <= 0
}

// Scan returns an ascending iterator over live entries in [startKey,
// endKey). The iterator holds references on the tables it reads; closing it
// releases them, so a concurrent compaction can never delete a file out from
// under an open scan.
func (e *storageEngine) Scan(startKey, endKey []byte) (core.Iterator, error) {
	if e.isClosing.Load() {
		return nil, core.ErrShuttingDown
	}
	e.metrics.ScanTotal.Add(1)

	e.mu.RLock()
	iters := []core.Iterator{e.mutableMemtable.NewIterator(startKey, endKey)}
	for i := len(e.immutableMemtables) - 1; i >= 0; i-- {
		iters = append(iters, e.immutableMemtables[i].NewIterator(startKey, endKey))
	}
	e.mu.RUnlock()

	states, unlock := e.levels.LevelsForRead()
	for _, state := range states {
		for _, table := range e.overlappingInState(state, startKey, endKey) {
			table.Ref()
			tableIter, err := table.NewIterator(startKey, endKey, e.readSem)
			if err != nil {
				table.Unref()
				unlock()
				closeAll(iters)
				return nil, fmt.Errorf("failed to open iterator for table %d: %w", table.ID(), err)
			}
			iters = append(iters, &refReleasingIterator{Iterator: tableIter, table: table})
		}
	}
	unlock()

	merged, err := iterator.NewMergingIterator(iterator.MergingIteratorParams{
		Iters:      iters,
		Comparator: e.opts.Comparator,
		StartKey:   startKey,
		EndKey:     endKey,
	})
	if err != nil {
		return nil, err
	}
	return iterator.NewSkippingIterator(merged), nil
}

func (e *storageEngine) overlappingInState(state *levels.LevelState, startKey, endKey []byte) []*sstable.SSTable {
	var out []*sstable.SSTable
	cmp := e.opts.Comparator
	for _, table := range state.Tables() {
		if startKey != nil && cmp.Compare(table.MaxKey(), startKey) < 0 {
			continue
		}
		// endKey is exclusive, so a table starting at or past it is out.
		if endKey != nil && cmp.Compare(table.MinKey(), endKey) >= 0 {
			continue
		}
		out = append(out, table)
	}
	return out
}

func closeAll(iters []core.Iterator) {
	for _, it := range iters {
		it.Close()
	}
}

// refReleasingIterator pairs a table iterator with the reference taken for
// it; Close drops both.
type refReleasingIterator struct {
	core.Iterator
	table *sstable.SSTable
}

func (it *refReleasingIterator) Close() error {
	err := it.Iterator.Close()
	if uerr := it.table.Unref(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Health returns a snapshot of background-worker state.
func (e *storageEngine) Health() Health {
	h := Health{
		FlushFailures:  e.flushFailures.Load(),
		LastFlushError: e.lastFlushError.Load().(string),
	}
	if e.compactor != nil {
		h.CompactionFailures = e.compactor.failures.Load()
		h.ParkedLevels = e.compactor.parkedLevels()
	}
	return h
}

// Close flushes all pending memtables synchronously, writes a final
// checkpoint, and releases every file handle. Close is idempotent.
func (e *storageEngine) Close() error {
	var closeErr error
	e.closeOnce.Do(func() {
		e.isClosing.Store(true)
		close(e.shutdownChan)
		e.compactor.Stop()
		e.wg.Wait()

		var errs []error
		flushErr := e.flushRemainingMemtables()
		errs = append(errs, flushErr)

		// The final checkpoint covers every segment, so a clean shutdown
		// replays nothing on the next start. Skipped if any memtable could
		// not be flushed; its WAL segments must stay replayable.
		if lastSegment := e.wal.ActiveSegmentIndex(); flushErr == nil && lastSegment > 0 {
			cp := checkpoint.Checkpoint{LastSafeSegmentIndex: lastSegment}
			if err := checkpoint.Write(e.opts.DataDir, cp); err != nil {
				errs = append(errs, fmt.Errorf("failed to write final checkpoint: %w", err))
			}
		}

		errs = append(errs, e.wal.Close())
		errs = append(errs, e.manifest.Close())
		errs = append(errs, e.levels.Close())
		e.blockCache.Clear()
		errs = append(errs, e.lock.Release())

		closeErr = errors.Join(errs...)
		if closeErr == nil {
			e.logger.Info("engine closed", "data_dir", e.opts.DataDir)
		}
	})
	return closeErr
}
