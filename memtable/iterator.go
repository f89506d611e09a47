package memtable

import (
	"github.com/flintdb/flint/core"
)

// memtableIterator iterates over a point-in-time snapshot of the newest
// version of each distinct key. The snapshot is taken at creation so the
// iterator never blocks writers or a concurrent flush. It is not safe for
// concurrent use.
type memtableIterator struct {
	entries []Entry
	pos     int
}

var _ core.Iterator = (*memtableIterator)(nil)

// snapshotRange collects the newest version of each distinct key inside
// [startKey, endKey). Caller holds at least a read lock.
func (m *Memtable) snapshotRange(startKey, endKey []byte) []Entry {
	if m.data == nil {
		return nil
	}
	iter := m.data.NewIterator()

	var found bool
	if startKey != nil {
		// Seeking with the max sequence number lands on the newest version
		// of the first key at or after startKey.
		found = iter.Seek(&InternalKey{Key: startKey, SeqNum: ^uint64(0)})
	} else {
		found = iter.First()
	}

	var entries []Entry
	var lastKey []byte
	for ; found; found = iter.Next() {
		entry := iter.Value()
		if endKey != nil && m.comparator.Compare(entry.Key, endKey) >= 0 {
			break
		}
		// Versions of one key sort newest first; only the first one counts.
		if lastKey != nil && m.comparator.Compare(entry.Key, lastKey) == 0 {
			continue
		}
		lastKey = entry.Key
		entries = append(entries, *entry)
	}
	return entries
}

// Next moves the iterator to the next distinct key inside the bounds.
func (it *memtableIterator) Next() bool {
	if it.pos >= len(it.entries) {
		return false
	}
	it.pos++
	return it.pos <= len(it.entries)
}

func (it *memtableIterator) At() ([]byte, []byte, core.EntryType, uint64) {
	if it.pos == 0 || it.pos > len(it.entries) {
		return nil, nil, 0, 0
	}
	entry := &it.entries[it.pos-1]
	return entry.Key, entry.Value, entry.EntryType, entry.SeqNum
}

func (it *memtableIterator) Error() error {
	return nil
}

func (it *memtableIterator) Close() error {
	it.entries = nil
	it.pos = 0
	return nil
}
