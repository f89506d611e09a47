package core

// Iterator is the common interface for all ordered entry streams: memtable
// scans, SSTable scans and merged views.
type Iterator interface {
	// Next advances to the next entry and reports whether one exists.
	Next() bool
	// At returns the current key, value, entry type and sequence number.
	// The returned slices are only valid until the next call to Next.
	At() (key, value []byte, entryType EntryType, seqNum uint64)
	// Error returns the first error encountered during iteration.
	Error() error
	// Close releases resources held by the iterator.
	Close() error
}
