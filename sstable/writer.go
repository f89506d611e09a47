package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/flintdb/flint/core"
)

// writer.go: Builds a new SSTable file. Entries are added in key order,
// grouped into prefix-compressed blocks, and the index, bloom filter and
// footer are written on Finish.

// WriterOptions holds all parameters for creating an SSTableWriter.
type WriterOptions struct {
	DataDir                      string
	ID                           uint64
	EstimatedKeys                uint64
	BloomFilterFalsePositiveRate float64
	BlockSize                    int
	RestartPointInterval         int
	Compressor                   core.Compressor
	Comparator                   core.Comparator
	Logger                       *slog.Logger
}

// Writer builds a single SSTable file. It writes to a temporary file which
// is renamed to its final name on Finish, so partially written tables are
// never visible.
type Writer struct {
	filePath string
	file     *os.File
	offset   int64

	indexBuilder *IndexBuilder
	bloomFilter  *BloomFilter

	minKey []byte
	maxKey []byte

	keyCount       uint64
	tombstoneCount uint64

	restartPointInterval int
	blockSize            int
	compressor           core.Compressor
	cmp                  core.Comparator

	mu sync.Mutex

	// Block building state
	currentBlockBuffer   bytes.Buffer
	currentBlockFirstKey []byte
	currentBlockLastKey  []byte
	numEntriesInBlock    int
	restartPoints        []uint32
	currentBlockSize     int

	logger *slog.Logger
}

// NewWriter creates a writer for a new SSTable. The table is written to
// <DataDir>/<ID>.tmp and renamed to <ID>.sst by Finish.
func NewWriter(opts WriterOptions) (*Writer, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Compressor == nil {
		return nil, fmt.Errorf("sstable writer: compressor is required")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.RestartPointInterval <= 0 {
		opts.RestartPointInterval = DefaultRestartPointInterval
	}
	if opts.Comparator == nil {
		opts.Comparator = core.BytesComparator
	}

	tempFilePath := filepath.Join(opts.DataDir, fmt.Sprintf("%d.tmp", opts.ID))
	file, err := os.Create(tempFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary sstable file %s: %w", tempFilePath, err)
	}

	header := core.NewFileHeader(core.SSTableMagicNumber, opts.Compressor.Type())
	if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
		file.Close()
		os.Remove(tempFilePath)
		return nil, fmt.Errorf("failed to write sstable header: %w", err)
	}

	bf, err := NewBloomFilter(opts.EstimatedKeys, opts.BloomFilterFalsePositiveRate)
	if err != nil {
		file.Close()
		os.Remove(tempFilePath)
		return nil, fmt.Errorf("failed to create bloom filter: %w", err)
	}

	return &Writer{
		filePath:             tempFilePath,
		file:                 file,
		offset:               int64(header.Size()),
		indexBuilder:         &IndexBuilder{},
		bloomFilter:          bf,
		restartPointInterval: opts.RestartPointInterval,
		blockSize:            opts.BlockSize,
		compressor:           opts.Compressor,
		cmp:                  opts.Comparator,
		logger:               opts.Logger.With("component", "sstable-writer", "sstable_id", opts.ID),
	}, nil
}

// flushCurrentBlock writes the buffered block to the file and records it in
// the index. The caller must hold w.mu.
func (w *Writer) flushCurrentBlock() error {
	if w.currentBlockBuffer.Len() == 0 || w.numEntriesInBlock == 0 {
		return nil
	}

	// Trailer: restart point offsets followed by their count. Written before
	// compression since the trailer is part of the block payload.
	for _, offset := range w.restartPoints {
		if err := binary.Write(&w.currentBlockBuffer, binary.LittleEndian, offset); err != nil {
			return fmt.Errorf("failed to write restart point offset: %w", err)
		}
	}
	binary.Write(&w.currentBlockBuffer, binary.LittleEndian, uint32(len(w.restartPoints)))

	uncompressedBlockData := w.currentBlockBuffer.Bytes()

	compressedBuf := core.BufferPool.Get()
	defer core.BufferPool.Put(compressedBuf)

	if err := w.compressor.CompressTo(compressedBuf, uncompressedBlockData); err != nil {
		return fmt.Errorf("failed to compress block: %w", err)
	}
	dataToWrite := compressedBuf.Bytes()

	checksum := crc32.ChecksumIEEE(dataToWrite)
	blockOffset := w.offset
	blockLengthOnDisk := uint32(BlockHeaderSize + len(dataToWrite))

	// Block framing: compression flag byte, CRC32, payload.
	if err := binary.Write(w.file, binary.LittleEndian, byte(w.compressor.Type())); err != nil {
		return fmt.Errorf("failed to write compression type flag: %w", err)
	}
	w.offset++

	if err := binary.Write(w.file, binary.LittleEndian, checksum); err != nil {
		return fmt.Errorf("failed to write block checksum (offset %d): %w", w.offset, err)
	}
	w.offset += int64(core.ChecksumSize)

	if _, err := w.file.Write(dataToWrite); err != nil {
		return fmt.Errorf("failed to write data block: %w", err)
	}
	w.offset += int64(len(dataToWrite))

	w.logger.Debug("flushed block",
		"uncompressed_len", len(uncompressedBlockData),
		"compressed_len", len(dataToWrite),
		"num_entries", w.numEntriesInBlock,
		"first_key", string(w.currentBlockFirstKey))

	w.indexBuilder.Add(w.currentBlockFirstKey, blockOffset, blockLengthOnDisk)

	w.currentBlockBuffer.Reset()
	w.currentBlockFirstKey = nil
	w.currentBlockLastKey = nil
	w.numEntriesInBlock = 0
	w.restartPoints = w.restartPoints[:0]
	w.currentBlockSize = 0
	return nil
}

// Add writes a key-value entry to the SSTable. Entries must be added in
// non-decreasing key order; within a key, newest sequence number first.
func (w *Writer) Add(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Flush before the new entry would push the block past blockSize. The
	// check sizes the entry pessimistically (no prefix sharing); whether it
	// restarts or shares a prefix depends on the block it actually lands in,
	// which is only known after this decision.
	if w.currentBlockBuffer.Len() > 0 && (w.currentBlockSize+estimateEntrySizeWithPrefix(len(key), len(value))) > w.blockSize {
		if err := w.flushCurrentBlock(); err != nil {
			return err
		}
	}

	// The first entry in a block is always a restart point. Recording the
	// offset must come after the flush decision: an offset recorded before a
	// flush would point past the end of the flushed block's entries.
	isRestartPoint := (w.numEntriesInBlock % w.restartPointInterval) == 0
	if isRestartPoint {
		w.restartPoints = append(w.restartPoints, uint32(w.currentBlockBuffer.Len()))
	}

	// Prefix compression against the previous key, suppressed at restart points.
	var sharedPrefixLen int
	if w.currentBlockLastKey != nil && !isRestartPoint {
		limit := len(key)
		if len(w.currentBlockLastKey) < limit {
			limit = len(w.currentBlockLastKey)
		}
		for sharedPrefixLen < limit && key[sharedPrefixLen] == w.currentBlockLastKey[sharedPrefixLen] {
			sharedPrefixLen++
		}
	}
	unsharedKey := key[sharedPrefixLen:]

	entrySize := estimateEntrySizeWithPrefix(len(unsharedKey), len(value))

	if w.currentBlockFirstKey == nil {
		w.currentBlockFirstKey = append([]byte(nil), key...)
	}

	if w.minKey == nil || w.cmp.Compare(key, w.minKey) < 0 {
		w.minKey = append([]byte(nil), key...)
	}
	w.maxKey = append(w.maxKey[:0], key...)

	w.bloomFilter.Add(key)

	// Entry format: shared_key_len(varint), unshared_key_len(varint),
	// value_len(varint), entry_type(byte), seq_num(varint), unshared_key, value.
	varintBuf := make([]byte, binary.MaxVarintLen64)

	n := binary.PutUvarint(varintBuf, uint64(sharedPrefixLen))
	w.currentBlockBuffer.Write(varintBuf[:n])

	n = binary.PutUvarint(varintBuf, uint64(len(unsharedKey)))
	w.currentBlockBuffer.Write(varintBuf[:n])

	n = binary.PutUvarint(varintBuf, uint64(len(value)))
	w.currentBlockBuffer.Write(varintBuf[:n])

	if err := w.currentBlockBuffer.WriteByte(byte(entryType)); err != nil {
		return fmt.Errorf("failed to write entry type: %w", err)
	}

	n = binary.PutUvarint(varintBuf, seqNum)
	if _, err := w.currentBlockBuffer.Write(varintBuf[:n]); err != nil {
		return fmt.Errorf("failed to write sequence number: %w", err)
	}

	w.currentBlockBuffer.Write(unsharedKey)
	w.currentBlockBuffer.Write(value)

	w.currentBlockLastKey = append(w.currentBlockLastKey[:0], key...)
	w.numEntriesInBlock++
	w.currentBlockSize += entrySize

	w.keyCount++
	if entryType == core.EntryTypeDelete {
		w.tombstoneCount++
	}

	return nil
}

// Finish flushes the final block, writes the index, bloom filter, min/max
// keys and footer, syncs, and renames the temporary file to its final name.
func (w *Writer) Finish() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.flushCurrentBlock(); err != nil {
		w.abort()
		return fmt.Errorf("failed to flush final block: %w", err)
	}

	indexData, indexChecksum, err := w.indexBuilder.Build()
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to build index: %w", err)
	}

	// The index checksum precedes the index data on disk.
	if err := binary.Write(w.file, binary.LittleEndian, indexChecksum); err != nil {
		w.abort()
		return fmt.Errorf("failed to write index checksum: %w", err)
	}
	w.offset += int64(core.ChecksumSize)

	indexOffset := w.offset
	n, err := w.file.Write(indexData)
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to write index data: %w", err)
	}
	w.offset += int64(n)
	indexLen := uint32(n)

	bloomFilterOffset := w.offset
	n, err = w.file.Write(w.bloomFilter.Bytes())
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to write bloom filter data: %w", err)
	}
	w.offset += int64(n)
	bloomFilterLen := uint32(n)

	minKeyOffset := w.offset
	n, err = w.file.Write(w.minKey)
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to write min key data: %w", err)
	}
	w.offset += int64(n)
	minKeyLen := uint32(n)

	maxKeyOffset := w.offset
	n, err = w.file.Write(w.maxKey)
	if err != nil {
		w.abort()
		return fmt.Errorf("failed to write max key data: %w", err)
	}
	w.offset += int64(n)
	maxKeyLen := uint32(n)

	footerBuf := core.BufferPool.Get()
	defer core.BufferPool.Put(footerBuf)
	binary.Write(footerBuf, binary.LittleEndian, uint64(indexOffset))
	binary.Write(footerBuf, binary.LittleEndian, indexLen)
	binary.Write(footerBuf, binary.LittleEndian, uint64(bloomFilterOffset))
	binary.Write(footerBuf, binary.LittleEndian, bloomFilterLen)
	binary.Write(footerBuf, binary.LittleEndian, uint64(minKeyOffset))
	binary.Write(footerBuf, binary.LittleEndian, minKeyLen)
	binary.Write(footerBuf, binary.LittleEndian, uint64(maxKeyOffset))
	binary.Write(footerBuf, binary.LittleEndian, maxKeyLen)
	binary.Write(footerBuf, binary.LittleEndian, w.keyCount)
	binary.Write(footerBuf, binary.LittleEndian, w.tombstoneCount)
	footerBuf.WriteString(MagicString)

	if _, err := w.file.Write(footerBuf.Bytes()); err != nil {
		w.abort()
		return fmt.Errorf("failed to write footer: %w", err)
	}

	if err := w.file.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("failed to sync sstable file: %w", err)
	}

	if err := w.file.Close(); err != nil {
		w.file = nil
		return fmt.Errorf("failed to close sstable file: %w", err)
	}
	w.file = nil

	finalPath := w.filePath[:len(w.filePath)-len(filepath.Ext(w.filePath))] + ".sst"
	if err := os.Rename(w.filePath, finalPath); err != nil {
		w.abort()
		return fmt.Errorf("failed to rename temporary sstable file %s to %s: %w", w.filePath, finalPath, err)
	}
	w.filePath = finalPath

	w.logger.Debug("finished sstable",
		"path", finalPath,
		"key_count", w.keyCount,
		"tombstone_count", w.tombstoneCount,
		"size", w.offset+int64(footerBuf.Len()))

	return nil
}

// abort is the internal, non-locking version of Abort. The caller must hold
// w.mu.
func (w *Writer) abort() error {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	if w.filePath != "" {
		if err := os.Remove(w.filePath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove temporary sstable file %s during abort: %w", w.filePath, err)
		}
		w.filePath = ""
	}
	return nil
}

// Abort closes the writer and removes the temporary file. Call it when an
// error interrupts the build.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abort()
}

// estimateEntrySizeWithPrefix gives a rough on-disk size for an entry.
func estimateEntrySizeWithPrefix(unsharedKeyLen, valueLen int) int {
	return binary.MaxVarintLen32*3 + EntryTypeSize + binary.MaxVarintLen64 + unsharedKeyLen + valueLen
}

// FilePath returns the path to the SSTable file.
func (w *Writer) FilePath() string {
	return w.filePath
}

// CurrentSize returns the bytes written so far (blocks only, before the
// index and footer are appended by Finish).
func (w *Writer) CurrentSize() int64 {
	return w.offset
}

// KeyCount returns the number of entries added so far.
func (w *Writer) KeyCount() uint64 {
	return w.keyCount
}
