package sstable

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/flintdb/flint/cache"
	"github.com/flintdb/flint/compressors"
	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/filter"
)

// reader.go: Opens and serves a finished SSTable: footer parsing, bloom
// filter and index loading, point lookups through the block cache, and
// reference-counted lifetime so compaction can retire tables that readers
// still hold.

// SSTable represents an immutable, sorted table file on disk.
type SSTable struct {
	file     *os.File
	mu       sync.RWMutex // Protects the file handle
	filePath string
	id       uint64

	index  *Index
	filter filter.Filter
	minKey []byte
	maxKey []byte
	size   int64
	cmp    core.Comparator

	keyCount       uint64
	tombstoneCount uint64

	// dataEndOffset is where the data blocks end and the metadata sections
	// begin.
	dataEndOffset int64
	blockCache    cache.Interface
	logger        *slog.Logger

	closed atomic.Bool

	// refs counts active users of this table. Open sets it to 1; the table
	// is closed when it drops to zero, and the file is also removed if
	// MarkObsolete was called.
	refs     atomic.Int32
	obsolete atomic.Bool
}

// OpenOptions holds all parameters for opening an SSTable.
type OpenOptions struct {
	FilePath   string
	ID         uint64
	BlockCache cache.Interface
	// Comparator must match the comparator the table was written with.
	// Defaults to core.BytesComparator.
	Comparator core.Comparator
	Logger     *slog.Logger
}

// Open loads an SSTable from disk. It validates the header and footer and
// loads the index and bloom filter into memory. The returned table holds one
// reference owned by the caller.
func Open(opts OpenOptions) (sst *SSTable, err error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default().With("component", "sstable")
	} else {
		opts.Logger = opts.Logger.With("sstable_id", opts.ID)
	}
	if opts.Comparator == nil {
		opts.Comparator = core.BytesComparator
	}

	file, err := os.Open(opts.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sstable file %s: %w", opts.FilePath, err)
	}
	defer func() {
		if err != nil {
			file.Close()
		}
	}()

	headerBytes := make([]byte, core.FileHeaderSize)
	if _, err = io.ReadFull(file, headerBytes); err != nil {
		return nil, fmt.Errorf("failed to read sstable header from %s: %w", opts.FilePath, err)
	}
	var header core.FileHeader
	if err = binary.Read(bytes.NewReader(headerBytes), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to parse sstable header: %w", err)
	}
	if header.Magic != core.SSTableMagicNumber {
		return nil, fmt.Errorf("invalid sstable magic number in %s (got %x, want %x): %w", opts.FilePath, header.Magic, core.SSTableMagicNumber, core.ErrCorrupted)
	}
	if header.Version != core.FormatVersion {
		return nil, fmt.Errorf("unsupported sstable version in %s (got %d, want %d)", opts.FilePath, header.Version, core.FormatVersion)
	}

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat sstable file %s: %w", opts.FilePath, err)
	}
	fileSize := stat.Size()

	minValidSize := int64(header.Size() + FooterSize)
	if fileSize < minValidSize {
		return nil, fmt.Errorf("sstable file %s is too small to be valid (size: %d, min: %d): %w", opts.FilePath, fileSize, minValidSize, core.ErrCorrupted)
	}

	magicBytes := make([]byte, MagicStringLen)
	if _, err = file.ReadAt(magicBytes, fileSize-int64(MagicStringLen)); err != nil {
		return nil, fmt.Errorf("failed to read magic string from %s: %w", opts.FilePath, err)
	}
	if string(magicBytes) != MagicString {
		return nil, fmt.Errorf("invalid magic string in sstable file %s (got %q): %w", opts.FilePath, string(magicBytes), core.ErrCorrupted)
	}

	footerFixedBytes := make([]byte, FooterFixedComponentSize)
	if _, err = file.ReadAt(footerFixedBytes, fileSize-int64(FooterSize)); err != nil {
		return nil, fmt.Errorf("failed to read footer from %s: %w", opts.FilePath, err)
	}

	footerReader := bytes.NewReader(footerFixedBytes)
	var indexOffset, bloomFilterOffset, minKeyOffset, maxKeyOffset uint64
	var indexLen, bloomFilterLen, minKeyLen, maxKeyLen uint32
	var keyCount, tombstoneCount uint64

	binary.Read(footerReader, binary.LittleEndian, &indexOffset)
	binary.Read(footerReader, binary.LittleEndian, &indexLen)
	binary.Read(footerReader, binary.LittleEndian, &bloomFilterOffset)
	binary.Read(footerReader, binary.LittleEndian, &bloomFilterLen)
	binary.Read(footerReader, binary.LittleEndian, &minKeyOffset)
	binary.Read(footerReader, binary.LittleEndian, &minKeyLen)
	binary.Read(footerReader, binary.LittleEndian, &maxKeyOffset)
	binary.Read(footerReader, binary.LittleEndian, &maxKeyLen)
	binary.Read(footerReader, binary.LittleEndian, &keyCount)
	binary.Read(footerReader, binary.LittleEndian, &tombstoneCount)

	bloomFilterData := make([]byte, bloomFilterLen)
	if _, err = file.ReadAt(bloomFilterData, int64(bloomFilterOffset)); err != nil {
		return nil, fmt.Errorf("failed to read bloom filter data from %s: %w", opts.FilePath, err)
	}
	var tableFilter filter.Filter
	if tableFilter, err = DeserializeBloomFilter(bloomFilterData); err != nil {
		return nil, fmt.Errorf("failed to deserialize filter from %s: %w", opts.FilePath, err)
	}

	// The index data is preceded on disk by its checksum.
	checksumOffset := int64(indexOffset) - int64(core.ChecksumSize)
	if checksumOffset < int64(header.Size()) {
		return nil, fmt.Errorf("invalid index offset in %s: %w", opts.FilePath, core.ErrCorrupted)
	}
	checksumBytes := make([]byte, core.ChecksumSize)
	if _, err = file.ReadAt(checksumBytes, checksumOffset); err != nil {
		return nil, fmt.Errorf("failed to read index checksum from %s: %w", opts.FilePath, err)
	}
	indexChecksum := binary.LittleEndian.Uint32(checksumBytes)

	indexData := make([]byte, indexLen)
	if _, err = file.ReadAt(indexData, int64(indexOffset)); err != nil {
		return nil, fmt.Errorf("failed to read index data from %s: %w", opts.FilePath, err)
	}
	var idx *Index
	if idx, err = DeserializeIndex(indexData, indexChecksum); err != nil {
		return nil, fmt.Errorf("failed to deserialize index from %s: %w", opts.FilePath, err)
	}

	minKey := make([]byte, minKeyLen)
	if _, err = file.ReadAt(minKey, int64(minKeyOffset)); err != nil {
		return nil, fmt.Errorf("failed to read min key from %s: %w", opts.FilePath, err)
	}
	maxKey := make([]byte, maxKeyLen)
	if _, err = file.ReadAt(maxKey, int64(maxKeyOffset)); err != nil {
		return nil, fmt.Errorf("failed to read max key from %s: %w", opts.FilePath, err)
	}

	sst = &SSTable{
		file:           file,
		filePath:       opts.FilePath,
		id:             opts.ID,
		index:          idx,
		filter:         tableFilter,
		minKey:         minKey,
		maxKey:         maxKey,
		size:           fileSize,
		cmp:            opts.Comparator,
		keyCount:       keyCount,
		tombstoneCount: tombstoneCount,
		dataEndOffset:  int64(indexOffset),
		blockCache:     opts.BlockCache,
		logger:         opts.Logger,
	}
	sst.refs.Store(1)

	return sst, nil
}

// Ref adds a reference to the table. Every Ref must be paired with an Unref.
func (s *SSTable) Ref() {
	s.refs.Add(1)
}

// Unref drops a reference. When the count reaches zero the file handle is
// closed, and if the table was marked obsolete the file is removed from disk.
func (s *SSTable) Unref() error {
	n := s.refs.Add(-1)
	if n > 0 {
		return nil
	}
	if n < 0 {
		return fmt.Errorf("sstable %d: unref below zero", s.id)
	}
	err := s.closeFile()
	if s.obsolete.Load() {
		if rmErr := os.Remove(s.filePath); rmErr != nil && !os.IsNotExist(rmErr) {
			s.logger.Warn("failed to remove obsolete sstable", "path", s.filePath, "error", rmErr)
			if err == nil {
				err = rmErr
			}
		} else {
			s.logger.Debug("removed obsolete sstable", "path", s.filePath)
		}
	}
	return err
}

// MarkObsolete requests deletion of the underlying file once the last
// reference is dropped.
func (s *SSTable) MarkObsolete() {
	s.obsolete.Store(true)
}

func (s *SSTable) closeFile() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}

// Get retrieves the value for a key. It checks the key range, consults the
// sparse index, and searches the candidate block through the cache.
// Returns core.ErrNotFound for absent keys and for keys whose newest entry
// is a tombstone.
func (s *SSTable) Get(key []byte) (value []byte, entryType core.EntryType, err error) {
	if s.closed.Load() {
		return nil, 0, core.ErrClosed
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.file == nil {
		return nil, 0, core.ErrClosed
	}
	if s.index == nil || len(s.index.entries) == 0 {
		return nil, 0, core.ErrNotFound
	}

	// The bloom filter check is performed by the caller via MightContain so
	// the engine can account for false positives.

	if s.cmp.Compare(key, s.minKey) < 0 || s.cmp.Compare(key, s.maxKey) > 0 {
		return nil, 0, core.ErrNotFound
	}

	blockMeta, found := s.index.Find(key, s.cmp)
	if !found {
		return nil, 0, core.ErrNotFound
	}

	block, err := s.readBlock(blockMeta.BlockOffset, blockMeta.BlockLength, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read block for key %q: %w", string(key), err)
	}

	val, typ, _, err := block.Find(key, s.cmp)
	if err != nil {
		// A tombstone reports ErrNotFound but keeps its entry type so the
		// caller can stop searching older tables for this key.
		if errors.Is(err, core.ErrNotFound) && typ == core.EntryTypeDelete {
			return nil, typ, err
		}
		return nil, 0, err
	}
	return val, typ, nil
}

// MightContain checks the bloom filter. A missing filter returns true to
// force the disk read.
func (s *SSTable) MightContain(key []byte) bool {
	if s.filter == nil {
		return true
	}
	return s.filter.MightContain(key)
}

// readBlock reads a data block, going through the block cache when one is
// attached. sem, when non-nil, bounds concurrent disk reads (used by
// compaction).
func (s *SSTable) readBlock(offset int64, length uint32, sem *semaphore.Weighted) (*Block, error) {
	if sem != nil {
		if err := sem.Acquire(context.Background(), 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)
	}

	if s.file == nil {
		return nil, core.ErrClosed
	}

	var cacheKey string
	if s.blockCache != nil {
		cacheKey = fmt.Sprintf("%d-%d", s.id, offset)
		if cachedVal, found := s.blockCache.Get(cacheKey); found {
			if data, ok := cachedVal.([]byte); ok {
				return NewBlock(data), nil
			}
			return nil, fmt.Errorf("invalid type in block cache for key %s", cacheKey)
		}
	}

	compressedPayload, compressionType, err := s.readAndVerifyRawBlock(offset, length)
	if err != nil {
		return nil, err
	}

	decompressedBytes, err := s.decompressBlock(compressedPayload, compressionType, offset)
	if err != nil {
		return nil, err
	}

	if s.blockCache != nil {
		s.blockCache.Put(cacheKey, decompressedBytes)
	}

	return NewBlock(decompressedBytes), nil
}

// readAndVerifyRawBlock reads a raw block from disk and verifies its
// checksum. It returns the compressed payload and its compression type.
func (s *SSTable) readAndVerifyRawBlock(offset int64, length uint32) ([]byte, core.CompressionType, error) {
	if length < BlockHeaderSize {
		return nil, 0, fmt.Errorf("block length %d is too small for the block header (offset: %d): %w", length, offset, core.ErrCorrupted)
	}

	readBuffer := make([]byte, length)
	if _, err := s.file.ReadAt(readBuffer, offset); err != nil {
		return nil, 0, err
	}

	compressionTypeByte := readBuffer[0]
	storedChecksum := binary.LittleEndian.Uint32(readBuffer[1:BlockHeaderSize])
	compressedPayload := readBuffer[BlockHeaderSize:]

	if crc32.ChecksumIEEE(compressedPayload) != storedChecksum {
		return nil, 0, fmt.Errorf("checksum mismatch for block at offset %d: %w", offset, core.ErrCorrupted)
	}

	return compressedPayload, core.CompressionType(compressionTypeByte), nil
}

// decompressBlock decompresses a block payload into a fresh slice.
func (s *SSTable) decompressBlock(data []byte, compressionType core.CompressionType, offset int64) ([]byte, error) {
	decompressor, err := compressors.Get(compressionType)
	if err != nil {
		return nil, fmt.Errorf("failed to get decompressor for block at offset %d: %w", offset, err)
	}

	decompressReader, err := decompressor.Decompress(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress block at offset %d: %w", offset, err)
	}
	defer decompressReader.Close()

	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	if _, err := io.Copy(buf, decompressReader); err != nil {
		return nil, fmt.Errorf("failed to copy decompressed data: %w", err)
	}

	// Copy out, the pooled buffer will be reused.
	decompressedCopy := make([]byte, buf.Len())
	copy(decompressedCopy, buf.Bytes())
	return decompressedCopy, nil
}

// NewIterator creates an ascending iterator over [startKey, endKey). A nil
// startKey starts at the first key; a nil endKey runs to the last. sem, when
// non-nil, bounds concurrent block reads.
func (s *SSTable) NewIterator(startKey, endKey []byte, sem *semaphore.Weighted) (core.Iterator, error) {
	if s.closed.Load() {
		return nil, core.ErrClosed
	}
	return newTableIterator(s, startKey, endKey, sem), nil
}

// MinKey returns the smallest key in the table.
func (s *SSTable) MinKey() []byte { return s.minKey }

// MaxKey returns the largest key in the table.
func (s *SSTable) MaxKey() []byte { return s.maxKey }

// Size returns the file size in bytes.
func (s *SSTable) Size() int64 { return s.size }

// ID returns the table's unique file identifier.
func (s *SSTable) ID() uint64 { return s.id }

// FilePath returns the path to the SSTable file.
func (s *SSTable) FilePath() string { return s.filePath }

// KeyCount returns the total number of entries in the table.
func (s *SSTable) KeyCount() uint64 { return s.keyCount }

// TombstoneCount returns the number of tombstone entries in the table.
func (s *SSTable) TombstoneCount() uint64 { return s.tombstoneCount }

// VerifyIntegrity checks the internal consistency of the table metadata.
// With deepCheck it also reads every block to confirm index first keys and
// bloom filter completeness.
func (s *SSTable) VerifyIntegrity(deepCheck bool) []error {
	if s.closed.Load() {
		return []error{core.ErrClosed}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var errs []error

	if s.minKey != nil && s.maxKey != nil && s.cmp.Compare(s.minKey, s.maxKey) > 0 {
		errs = append(errs, fmt.Errorf("sstable %d: min key %q > max key %q", s.id, s.minKey, s.maxKey))
	}

	if s.index != nil {
		for i := 0; i < len(s.index.entries)-1; i++ {
			if s.cmp.Compare(s.index.entries[i].FirstKey, s.index.entries[i+1].FirstKey) >= 0 {
				errs = append(errs, fmt.Errorf("sstable %d: index not sorted at entry %d (%q >= %q)",
					s.id, i, s.index.entries[i].FirstKey, s.index.entries[i+1].FirstKey))
			}
		}
		if len(s.index.entries) > 0 && s.minKey != nil && !bytes.Equal(s.minKey, s.index.entries[0].FirstKey) {
			errs = append(errs, fmt.Errorf("sstable %d: stored min key %q does not match first index key %q",
				s.id, s.minKey, s.index.entries[0].FirstKey))
		}

		if deepCheck {
			for i, indexEntry := range s.index.entries {
				block, err := s.readBlock(indexEntry.BlockOffset, indexEntry.BlockLength, nil)
				if err != nil {
					errs = append(errs, fmt.Errorf("sstable %d: failed to read block for index entry %d: %w", s.id, i, err))
					continue
				}
				blockIter := NewBlockIterator(block.entriesData())
				if blockIter.Next() {
					if !bytes.Equal(indexEntry.FirstKey, blockIter.Key()) {
						errs = append(errs, fmt.Errorf("sstable %d: index entry %d first key %q mismatches block first key %q",
							s.id, i, indexEntry.FirstKey, blockIter.Key()))
					}
				} else if blockIter.Error() != nil {
					errs = append(errs, fmt.Errorf("sstable %d: error reading first entry of block %d: %w", s.id, i, blockIter.Error()))
				} else {
					errs = append(errs, fmt.Errorf("sstable %d: index entry %d points to an empty block", s.id, i))
				}
			}

			iter := newTableIterator(s, nil, nil, nil)
			for iter.Next() {
				key, _, _, _ := iter.At()
				if !s.MightContain(key) {
					errs = append(errs, fmt.Errorf("sstable %d: bloom filter false negative for key %q", s.id, key))
				}
			}
			if iter.Error() != nil {
				errs = append(errs, fmt.Errorf("sstable %d: error during integrity scan: %w", s.id, iter.Error()))
			}
			iter.Close()
		}
	}
	return errs
}
