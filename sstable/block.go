package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/flintdb/flint/core"
)

// block.go: Data block decoding. Entries use prefix compression with
// restart points; a trailer of restart offsets closes each block.

// Block represents a decompressed data block within an SSTable.
type Block struct {
	data []byte
}

// NewBlock wraps decompressed block data.
func NewBlock(blockData []byte) *Block {
	return &Block{data: blockData}
}

// Find searches for a key within the block using restart points. cmp must be
// the comparator the table was written with. Returns value, entryType,
// sequence number, and an error. If the key is absent or shadowed by a
// tombstone, core.ErrNotFound is returned. When multiple versions of the key
// exist in the block, the one with the highest sequence number wins.
func (b *Block) Find(keyToFind []byte, cmp core.Comparator) ([]byte, core.EntryType, uint64, error) {
	if len(b.data) < 4 { // Must hold at least num_restart_points (uint32)
		return nil, 0, 0, core.ErrNotFound
	}
	numRestartPointsOffset := len(b.data) - 4
	numRestartPoints := binary.LittleEndian.Uint32(b.data[numRestartPointsOffset:])
	trailerSize := (int(numRestartPoints) * 4) + 4
	if len(b.data) < trailerSize {
		return nil, 0, 0, fmt.Errorf("invalid block size %d, smaller than trailer size %d: %w", len(b.data), trailerSize, core.ErrCorrupted)
	}
	entriesData := b.data[:len(b.data)-trailerSize]

	if numRestartPoints == 0 {
		return findLinearScan(NewBlockIterator(entriesData), keyToFind, cmp)
	}

	restartPointsStartOffset := numRestartPointsOffset - (int(numRestartPoints) * 4)
	if restartPointsStartOffset < 0 {
		return nil, 0, 0, fmt.Errorf("invalid restart points offset: %w", core.ErrCorrupted)
	}

	// Binary search for the rightmost restart point whose key is <= keyToFind.
	searchIndex := sort.Search(int(numRestartPoints), func(i int) bool {
		offset := binary.LittleEndian.Uint32(b.data[restartPointsStartOffset+(i*4):])
		tempIter := NewBlockIterator(entriesData[offset:])
		if tempIter.Next() {
			return cmp.Compare(tempIter.Key(), keyToFind) >= 0
		}
		return false
	})

	var searchStartOffset uint32
	if searchIndex > 0 {
		searchStartOffset = binary.LittleEndian.Uint32(b.data[restartPointsStartOffset+((searchIndex-1)*4):])
	}

	return findLinearScan(NewBlockIterator(entriesData[searchStartOffset:]), keyToFind, cmp)
}

// entriesData strips the restart trailer, leaving only the encoded entries.
func (b *Block) entriesData() []byte {
	if len(b.data) < 4 {
		return nil
	}
	numRestartPointsOffset := len(b.data) - 4
	numRestartPoints := binary.LittleEndian.Uint32(b.data[numRestartPointsOffset:])
	trailerSize := (int(numRestartPoints) * 4) + 4
	if len(b.data) < trailerSize {
		return nil
	}
	return b.data[:len(b.data)-trailerSize]
}

// findLinearScan scans forward from the iterator's position looking for
// keyToFind, keeping the version with the highest sequence number.
func findLinearScan(blockIter *BlockIterator, keyToFind []byte, cmp core.Comparator) ([]byte, core.EntryType, uint64, error) {
	var (
		found      bool
		bestValue  []byte
		bestType   core.EntryType
		bestSeqNum uint64
	)

	for blockIter.Next() {
		order := cmp.Compare(blockIter.Key(), keyToFind)
		if order == 0 {
			if !found || blockIter.SeqNum() > bestSeqNum {
				found = true
				bestValue = blockIter.Value()
				bestType = blockIter.EntryType()
				bestSeqNum = blockIter.SeqNum()
			}
		} else if order > 0 {
			break
		}
	}

	if err := blockIter.Error(); err != nil {
		return nil, 0, 0, fmt.Errorf("block find: iterator error: %w", err)
	}

	if found {
		if bestType == core.EntryTypeDelete {
			return nil, bestType, bestSeqNum, core.ErrNotFound
		}
		return bestValue, bestType, bestSeqNum, nil
	}
	return nil, 0, 0, core.ErrNotFound
}

// BlockIterator iterates over entries within a single data block.
type BlockIterator struct {
	reader *bytes.Reader

	previousKey      []byte
	currentKey       []byte
	currentValue     []byte
	currentEntryType core.EntryType
	currentSeqNum    uint64
	err              error
}

// NewBlockIterator creates a new iterator for the given entries data.
func NewBlockIterator(blockData []byte) *BlockIterator {
	return &BlockIterator{
		reader: bytes.NewReader(blockData),
	}
}

// Next advances the iterator to the next entry in the block.
// Returns false if there are no more entries or an error occurred.
func (bi *BlockIterator) Next() bool {
	if bi.err != nil || bi.reader.Len() == 0 {
		return false
	}

	sharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		if err == io.EOF {
			return false
		}
		bi.err = fmt.Errorf("block iterator: failed to read shared_key_len: %w", err)
		return false
	}

	unsharedLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read unshared_key_len: %w", err)
		return false
	}

	valueLen, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read value_len: %w", err)
		return false
	}

	entryTypeByte, err := bi.reader.ReadByte()
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read entry type: %w", err)
		return false
	}

	seqNum, err := binary.ReadUvarint(bi.reader)
	if err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read sequence number: %w", err)
		return false
	}

	if sharedLen > uint64(len(bi.previousKey)) {
		bi.err = fmt.Errorf("block iterator: shared prefix %d exceeds previous key length %d: %w", sharedLen, len(bi.previousKey), core.ErrCorrupted)
		return false
	}

	// Reconstruct the key from the shared prefix of the previous key.
	key := make([]byte, sharedLen+unsharedLen)
	copy(key, bi.previousKey[:sharedLen])
	if _, err := io.ReadFull(bi.reader, key[sharedLen:]); err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read unshared key: %w", err)
		return false
	}

	value := make([]byte, valueLen)
	if _, err := io.ReadFull(bi.reader, value); err != nil {
		bi.err = fmt.Errorf("block iterator: failed to read value for key %s: %w", string(key), err)
		return false
	}

	bi.currentKey = key
	bi.currentValue = value
	bi.currentEntryType = core.EntryType(entryTypeByte)
	bi.currentSeqNum = seqNum
	bi.previousKey = append(bi.previousKey[:0], key...)

	return true
}

// Key returns the key of the current entry.
func (bi *BlockIterator) Key() []byte { return bi.currentKey }

// Value returns the value of the current entry.
func (bi *BlockIterator) Value() []byte { return bi.currentValue }

// EntryType returns the type of the current entry.
func (bi *BlockIterator) EntryType() core.EntryType { return bi.currentEntryType }

// SeqNum returns the sequence number of the current entry.
func (bi *BlockIterator) SeqNum() uint64 { return bi.currentSeqNum }

// Error returns any error encountered during iteration.
func (bi *BlockIterator) Error() error { return bi.err }
