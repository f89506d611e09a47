package sstable

// iterator.go: Ascending range iteration over a single table, one block at a
// time through the block cache.

import (
	"golang.org/x/sync/semaphore"

	"github.com/flintdb/flint/core"
)

type tableIterator struct {
	sstable *SSTable

	startKey []byte // inclusive lower bound, nil for none
	endKey   []byte // exclusive upper bound, nil for none
	sem      *semaphore.Weighted

	currentKey       []byte
	currentValue     []byte
	currentEntryType core.EntryType
	currentSeqNum    uint64
	err              error

	currentIndexEntry int
	blockIter         *BlockIterator
	eof               bool
}

var _ core.Iterator = (*tableIterator)(nil)

func newTableIterator(s *SSTable, startKey, endKey []byte, sem *semaphore.Weighted) *tableIterator {
	it := &tableIterator{
		sstable:           s,
		startKey:          startKey,
		endKey:            endKey,
		sem:               sem,
		currentIndexEntry: -1,
	}

	if s.index == nil || len(s.index.entries) == 0 {
		it.eof = true
		return it
	}

	// Find the block that could contain startKey. findFirstGreaterOrEqual
	// lands on the first block whose FirstKey >= startKey; the startKey may
	// still live in the block before it.
	startIdx := 0
	if startKey != nil {
		startIdx = s.index.findFirstGreaterOrEqual(startKey, s.cmp)
		if startIdx > 0 && (startIdx >= len(s.index.entries) ||
			s.cmp.Compare(s.index.entries[startIdx].FirstKey, startKey) > 0) {
			startIdx--
		}
	}

	it.loadBlockAtIndex(startIdx)
	return it
}

func (it *tableIterator) loadBlockAtIndex(blockIdx int) bool {
	if blockIdx < 0 || blockIdx >= len(it.sstable.index.entries) {
		it.eof = true
		return false
	}

	it.sstable.mu.RLock()
	blockMeta := it.sstable.index.entries[blockIdx]
	block, err := it.sstable.readBlock(blockMeta.BlockOffset, blockMeta.BlockLength, it.sem)
	it.sstable.mu.RUnlock()

	if err != nil {
		it.err = err
		it.eof = true
		return false
	}

	it.currentIndexEntry = blockIdx
	it.blockIter = NewBlockIterator(block.entriesData())
	return true
}

func (it *tableIterator) Next() bool {
	if it.err != nil || it.eof {
		return false
	}

	for {
		if it.blockIter != nil && it.blockIter.Next() {
			key := it.blockIter.Key()

			if it.endKey != nil && it.sstable.cmp.Compare(key, it.endKey) >= 0 {
				it.eof = true
				return false
			}
			if it.startKey != nil && it.sstable.cmp.Compare(key, it.startKey) < 0 {
				continue
			}

			it.currentKey = key
			it.currentValue = it.blockIter.Value()
			it.currentEntryType = it.blockIter.EntryType()
			it.currentSeqNum = it.blockIter.SeqNum()
			return true
		}

		if it.blockIter != nil && it.blockIter.Error() != nil {
			it.err = it.blockIter.Error()
			return false
		}

		if !it.loadBlockAtIndex(it.currentIndexEntry + 1) {
			return false
		}
	}
}

func (it *tableIterator) At() ([]byte, []byte, core.EntryType, uint64) {
	return it.currentKey, it.currentValue, it.currentEntryType, it.currentSeqNum
}

func (it *tableIterator) Error() error {
	return it.err
}

func (it *tableIterator) Close() error {
	it.blockIter = nil
	return nil
}
