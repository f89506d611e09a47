// Package wal implements the write-ahead log as a directory of append-only
// segment files. Every write is logged before it reaches the memtable, and
// recovery replays the segments in order after a restart.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/flintdb/flint/core"
)

// SyncMode defines how frequently the WAL is synced to disk.
type SyncMode string

const (
	SyncAlways   SyncMode = "always"   // sync after every append, highest durability
	SyncInterval SyncMode = "interval" // the engine syncs periodically
	SyncDisabled SyncMode = "disabled" // no sync, for testing and benchmarks
)

// WAL provides durability by logging operations before they are applied to
// the memtable. It manages a directory of segment files.
type WAL struct {
	dir  string
	mu   sync.Mutex
	opts Options

	activeSegment  *SegmentWriter
	segmentIndexes []uint64

	metricsBytesWritten   *expvar.Int
	metricsEntriesWritten *expvar.Int

	logger *slog.Logger
}

// Options holds configuration for the WAL.
type Options struct {
	Dir            string
	SyncMode       SyncMode
	MaxSegmentSize int64
	BytesWritten   *expvar.Int
	EntriesWritten *expvar.Int
	Logger         *slog.Logger
	// StartRecoveryIndex skips segments with an index at or below this value
	// during recovery. The engine sets it to the newest segment already
	// covered by flushed SSTables.
	StartRecoveryIndex uint64
}

// Open creates or opens a WAL directory. It replays existing segments and
// returns the recovered entries in write order, then prepares a fresh
// segment for appending so a possibly torn tail is never appended to.
//
// A truncated tail on the newest segment is tolerated: the complete records
// before it are recovered and the torn record is dropped. Corruption in any
// older segment is returned as an error.
func Open(opts Options) (*WAL, []core.Entry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "wal")
	} else {
		opts.Logger = opts.Logger.With("component", "wal")
	}
	if opts.MaxSegmentSize == 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create WAL directory %s: %w", opts.Dir, err)
	}

	w := &WAL{
		dir:                   opts.Dir,
		opts:                  opts,
		logger:                opts.Logger,
		metricsBytesWritten:   opts.BytesWritten,
		metricsEntriesWritten: opts.EntriesWritten,
	}

	if err := w.loadSegments(); err != nil {
		return nil, nil, fmt.Errorf("failed to load WAL segments: %w", err)
	}

	recoveredEntries, recoveryErr := w.recover(opts.StartRecoveryIndex)
	if recoveryErr != nil {
		return nil, recoveredEntries, recoveryErr
	}

	if err := w.openForAppend(); err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("failed to open WAL for appending: %w", err)
	}

	return w, recoveredEntries, nil
}

// loadSegments scans the WAL directory and populates segmentIndexes.
func (w *WAL) loadSegments() error {
	files, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read WAL directory %s: %w", w.dir, err)
	}

	w.segmentIndexes = make([]uint64, 0, len(files))
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		index, err := ParseSegmentFileName(file.Name())
		if err == nil {
			w.segmentIndexes = append(w.segmentIndexes, index)
		}
	}
	sort.Slice(w.segmentIndexes, func(i, j int) bool {
		return w.segmentIndexes[i] < w.segmentIndexes[j]
	})
	return nil
}

// Append writes a single entry to the log.
func (w *WAL) Append(entry core.Entry) error {
	return w.AppendBatch([]core.Entry{entry})
}

// AppendBatch writes a slice of entries as a single atomic record: either
// every entry in the batch is recovered or none of them are.
func (w *WAL) AppendBatch(entries []core.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return errors.New("wal is closed or not open for writing")
	}

	var payload bytes.Buffer
	if len(entries) == 1 {
		if err := encodeEntryData(&payload, &entries[0]); err != nil {
			return fmt.Errorf("failed to encode entry: %w", err)
		}
	} else {
		if err := payload.WriteByte(byte(core.EntryTypeBatch)); err != nil {
			return fmt.Errorf("failed to write batch entry type: %w", err)
		}
		if err := binary.Write(&payload, binary.LittleEndian, uint32(len(entries))); err != nil {
			return fmt.Errorf("failed to write batch entry count: %w", err)
		}
		for i := range entries {
			if err := encodeEntryData(&payload, &entries[i]); err != nil {
				return fmt.Errorf("failed to encode entry %d of batch: %w", i, err)
			}
		}
	}

	payloadBytes := payload.Bytes()
	newRecordSize := int64(len(payloadBytes)) + 8 // +4 length, +4 checksum

	// Rotate before writing if the segment already holds records and this
	// one would push it past the limit. A single oversized record is still
	// allowed into an empty segment.
	currentSize, err := w.activeSegment.Size()
	if err != nil {
		return fmt.Errorf("could not get active segment size: %w", err)
	}
	if currentSize > int64(core.FileHeaderSize) && currentSize+newRecordSize > w.opts.MaxSegmentSize {
		w.logger.Debug("rotating WAL segment",
			"current_size", currentSize, "record_size", newRecordSize, "max_size", w.opts.MaxSegmentSize)
		if err := w.rotateLocked(); err != nil {
			return fmt.Errorf("failed to rotate WAL segment: %w", err)
		}
	}

	if err := w.activeSegment.WriteRecord(payloadBytes); err != nil {
		return err
	}

	if w.metricsBytesWritten != nil {
		w.metricsBytesWritten.Add(newRecordSize)
	}
	if w.metricsEntriesWritten != nil {
		w.metricsEntriesWritten.Add(int64(len(entries)))
	}

	if w.opts.SyncMode == SyncAlways {
		return w.activeSegment.Sync()
	}
	return nil
}

// Sync flushes buffered data of the active segment to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return nil
	}
	if err := w.activeSegment.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Rotate closes the active segment and opens a new one for writing.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rotateLocked()
}

// Close flushes and closes the active segment.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.activeSegment == nil {
		return nil
	}
	closeErr := w.activeSegment.Close()
	w.activeSegment = nil
	if closeErr != nil {
		w.logger.Error("error during WAL close", "error", closeErr)
	}
	return closeErr
}

// Purge deletes segment files with an index at or below upToIndex. The
// active segment is never purged.
func (w *WAL) Purge(upToIndex uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var remainingIndexes []uint64
	var purgedCount int
	for _, index := range w.segmentIndexes {
		if index <= upToIndex {
			if w.activeSegment != nil && w.activeSegment.index == index {
				w.logger.Warn("skipping purge of active WAL segment", "index", index)
				remainingIndexes = append(remainingIndexes, index)
				continue
			}
			path := filepath.Join(w.dir, FormatSegmentFileName(index))
			if err := os.Remove(path); err != nil {
				w.logger.Error("failed to purge WAL segment", "path", path, "error", err)
			} else {
				purgedCount++
			}
		} else {
			remainingIndexes = append(remainingIndexes, index)
		}
	}
	w.segmentIndexes = remainingIndexes
	if purgedCount > 0 {
		w.logger.Info("purged WAL segments", "count", purgedCount, "up_to_index", upToIndex)
	}
	return nil
}

// Path returns the directory path of the WAL.
func (w *WAL) Path() string {
	return w.dir
}

// ActiveSegmentIndex returns the index of the active segment, or 0 when the
// WAL is closed.
func (w *WAL) ActiveSegmentIndex() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.activeSegment == nil {
		return 0
	}
	return w.activeSegment.index
}

// rotateLocked creates a new segment for writing. Caller holds w.mu.
func (w *WAL) rotateLocked() error {
	var nextIndex uint64 = 1
	if len(w.segmentIndexes) > 0 {
		nextIndex = w.segmentIndexes[len(w.segmentIndexes)-1] + 1
	}

	newSegment, err := CreateSegment(w.dir, nextIndex)
	if err != nil {
		return err
	}

	if w.activeSegment != nil {
		if err := w.activeSegment.Close(); err != nil {
			w.logger.Error("failed to close active segment during rotation", "path", w.activeSegment.path, "error", err)
		}
	}

	w.activeSegment = newSegment
	w.segmentIndexes = append(w.segmentIndexes, nextIndex)
	w.logger.Info("rotated to new WAL segment", "index", nextIndex, "path", newSegment.path)
	return nil
}

// encodeEntryData serializes a single entry:
// type (byte) | seqnum (uint64 LE) | key len (uvarint) | key | value len (uvarint) | value.
func encodeEntryData(w io.Writer, entry *core.Entry) error {
	if err := binary.Write(w, binary.LittleEndian, byte(entry.Type)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, entry.SeqNum); err != nil {
		return err
	}

	lenBuf := make([]byte, binary.MaxVarintLen32)
	n := binary.PutUvarint(lenBuf, uint64(len(entry.Key)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	if _, err := w.Write(entry.Key); err != nil {
		return err
	}

	n = binary.PutUvarint(lenBuf, uint64(len(entry.Value)))
	if _, err := w.Write(lenBuf[:n]); err != nil {
		return err
	}
	_, err := w.Write(entry.Value)
	return err
}

// decodeEntryData deserializes a single entry written by encodeEntryData.
func decodeEntryData(r *bytes.Reader) (*core.Entry, error) {
	entry := &core.Entry{}
	typeByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("failed to read entry type: %w", err)
	}
	entry.Type = core.EntryType(typeByte)

	if err := binary.Read(r, binary.LittleEndian, &entry.SeqNum); err != nil {
		return nil, fmt.Errorf("failed to read sequence number: %w", err)
	}

	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read key length: %w", err)
	}
	entry.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, entry.Key); err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}

	valLen, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read value length: %w", err)
	}
	if valLen > 0 {
		entry.Value = make([]byte, valLen)
		if _, err := io.ReadFull(r, entry.Value); err != nil {
			return nil, fmt.Errorf("failed to read value: %w", err)
		}
	}

	return entry, nil
}

// decodeRecord turns one record payload into its entries. Batch records
// carry a count prefix; anything else is a single entry.
func decodeRecord(recordData []byte) ([]core.Entry, error) {
	payloadReader := bytes.NewReader(recordData)
	typeByte, err := payloadReader.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("error reading entry type from WAL record: %w", err)
	}

	if core.EntryType(typeByte) == core.EntryTypeBatch {
		var numEntries uint32
		if err := binary.Read(payloadReader, binary.LittleEndian, &numEntries); err != nil {
			return nil, fmt.Errorf("error reading batch entry count: %w", err)
		}
		entries := make([]core.Entry, 0, numEntries)
		for i := 0; i < int(numEntries); i++ {
			entry, err := decodeEntryData(payloadReader)
			if err != nil {
				return nil, fmt.Errorf("error decoding entry %d in batch: %w", i, err)
			}
			entries = append(entries, *entry)
		}
		return entries, nil
	}

	entry, err := decodeEntryData(bytes.NewReader(recordData))
	if err != nil {
		return nil, fmt.Errorf("error decoding WAL entry: %w", err)
	}
	return []core.Entry{*entry}, nil
}

// recover replays all known segments in order. A torn tail on the newest
// segment is dropped; damage anywhere else aborts recovery with an error.
func (w *WAL) recover(startRecoveryIndex uint64) ([]core.Entry, error) {
	var allEntries []core.Entry
	for i, index := range w.segmentIndexes {
		if index <= startRecoveryIndex {
			continue
		}
		isLastSegment := i == len(w.segmentIndexes)-1
		path := filepath.Join(w.dir, FormatSegmentFileName(index))
		entries, err := recoverFromSegment(path, w.logger)
		allEntries = append(allEntries, entries...)
		if err == nil || err == io.EOF {
			continue
		}
		if isLastSegment && (errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, core.ErrCorrupted)) {
			w.logger.Warn("dropping torn tail of newest WAL segment",
				"index", index, "recovered_entries", len(entries), "error", err)
			return allEntries, nil
		}
		return allEntries, fmt.Errorf("wal recovery failed on segment %d: %w", index, err)
	}
	return allEntries, nil
}

// recoverFromSegment reads all complete records from a single segment file.
func recoverFromSegment(filePath string, logger *slog.Logger) ([]core.Entry, error) {
	reader, err := OpenSegmentForRead(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("WAL segment does not exist, nothing to recover", "path", filePath)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open WAL segment for reading %s: %w", filePath, err)
	}
	defer reader.Close()

	var entries []core.Entry
	for {
		recordData, err := reader.ReadRecord()
		if err != nil {
			return entries, err
		}
		recordEntries, err := decodeRecord(recordData)
		if err != nil {
			return entries, err
		}
		entries = append(entries, recordEntries...)
	}
}

// openForAppend prepares a segment for new writes. To avoid appending to a
// potentially torn file after a crash, a non-empty last segment is left
// alone and a fresh one is started.
func (w *WAL) openForAppend() error {
	if len(w.segmentIndexes) == 0 {
		return w.rotateLocked()
	}

	lastIndex := w.segmentIndexes[len(w.segmentIndexes)-1]
	path := filepath.Join(w.dir, FormatSegmentFileName(lastIndex))

	stat, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat last segment %s: %w", path, err)
	}
	if stat.Size() > int64(core.FileHeaderSize) {
		return w.rotateLocked()
	}

	// The last segment holds no records; recreate and reuse it.
	seg, err := CreateSegment(w.dir, lastIndex)
	if err != nil {
		return fmt.Errorf("failed to reuse segment %d: %w", lastIndex, err)
	}
	w.activeSegment = seg
	return nil
}
