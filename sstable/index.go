package sstable

// index.go: Sparse block index, (de)serialization and lookup.

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/flintdb/flint/core"
)

// BlockIndexEntry points at one data block in the SSTable file.
type BlockIndexEntry struct {
	FirstKey    []byte // The first key in the block
	BlockOffset int64  // Offset of the data block in the SSTable file
	BlockLength uint32 // Length of the data block on disk
}

// IndexBuilder accumulates block metadata as the writer emits blocks.
type IndexBuilder struct {
	entries []BlockIndexEntry
}

// Add records the metadata for a newly written data block.
// firstKey must be a copy, as the original might be reused.
func (ib *IndexBuilder) Add(firstKey []byte, blockOffset int64, blockLength uint32) {
	ib.entries = append(ib.entries, BlockIndexEntry{
		FirstKey:    firstKey,
		BlockOffset: blockOffset,
		BlockLength: blockLength,
	})
}

// Build serializes the collected index entries into a byte slice.
// Format per entry: KeyLen (uint32), Key, BlockOffset (int64), BlockLength (uint32).
// A CRC32 checksum of the serialized data is also returned.
func (ib *IndexBuilder) Build() ([]byte, uint32, error) {
	buf := core.BufferPool.Get()
	defer core.BufferPool.Put(buf)
	for _, entry := range ib.entries {
		keyLen := uint32(len(entry.FirstKey))
		if err := binary.Write(buf, binary.LittleEndian, keyLen); err != nil {
			return nil, 0, err
		}
		if _, err := buf.Write(entry.FirstKey); err != nil {
			return nil, 0, err
		}
		if err := binary.Write(buf, binary.LittleEndian, entry.BlockOffset); err != nil {
			return nil, 0, err
		}
		if err := binary.Write(buf, binary.LittleEndian, entry.BlockLength); err != nil {
			return nil, 0, err
		}
	}
	indexData := buf.Bytes()
	checksum := crc32.ChecksumIEEE(indexData)
	// Return a copy, the pooled buffer will be reset and reused.
	dataCopy := make([]byte, len(indexData))
	copy(dataCopy, indexData)
	return dataCopy, checksum, nil
}

// Index is the in-memory representation of the SSTable's sparse index.
type Index struct {
	entries []BlockIndexEntry
}

// DeserializeIndex reconstructs an Index from its serialized byte
// representation, verifying the data against the expected checksum.
func DeserializeIndex(data []byte, expectedChecksum uint32) (*Index, error) {
	calculatedChecksum := crc32.ChecksumIEEE(data)
	if calculatedChecksum != expectedChecksum {
		return nil, fmt.Errorf("index checksum mismatch (expected %d, calculated %d): %w", expectedChecksum, calculatedChecksum, core.ErrCorrupted)
	}

	idx := &Index{}
	offset := 0
	for offset < len(data) {
		if offset+4 > len(data) {
			return nil, fmt.Errorf("truncated index entry header: %w", core.ErrCorrupted)
		}
		keyLen := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		keyEnd := offset + int(keyLen)
		if keyEnd+12 > len(data) {
			return nil, fmt.Errorf("index entry exceeds data bounds: %w", core.ErrCorrupted)
		}
		key := data[offset:keyEnd]
		offset = keyEnd

		blockOffset := int64(binary.LittleEndian.Uint64(data[offset : offset+8]))
		offset += 8
		blockLength := binary.LittleEndian.Uint32(data[offset : offset+4])
		offset += 4

		idx.entries = append(idx.entries, BlockIndexEntry{
			FirstKey:    key,
			BlockOffset: blockOffset,
			BlockLength: blockLength,
		})
	}
	return idx, nil
}

// Find returns the BlockIndexEntry for the block that might contain key:
// the entry with the largest FirstKey <= key. If key is smaller than all
// first keys, the first block is returned as the candidate. cmp must be the
// comparator the table was written with.
func (idx *Index) Find(key []byte, cmp core.Comparator) (entry BlockIndexEntry, found bool) {
	if len(idx.entries) == 0 {
		return BlockIndexEntry{}, false
	}

	i := sort.Search(len(idx.entries), func(i int) bool {
		return cmp.Compare(idx.entries[i].FirstKey, key) >= 0
	})

	if i < len(idx.entries) {
		if cmp.Compare(idx.entries[i].FirstKey, key) == 0 {
			return idx.entries[i], true
		}
		if i > 0 {
			// key falls between FirstKey of block i-1 and block i.
			return idx.entries[i-1], true
		}
		return idx.entries[0], true
	}
	// key is >= the FirstKey of the last block.
	return idx.entries[len(idx.entries)-1], true
}

// findFirstGreaterOrEqual returns the index of the first entry whose FirstKey
// is >= key, or len(entries) if none is. Iterators use it to find their
// starting block.
func (idx *Index) findFirstGreaterOrEqual(key []byte, cmp core.Comparator) int {
	return sort.Search(len(idx.entries), func(i int) bool {
		return cmp.Compare(idx.entries[i].FirstKey, key) >= 0
	})
}

// Entries returns the internal slice of BlockIndexEntry.
func (idx *Index) Entries() []BlockIndexEntry {
	return idx.entries
}
