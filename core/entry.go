package core

// EntryType defines the type of an entry in the WAL, memtable or an SSTable.
type EntryType byte

const (
	// EntryTypePut represents a regular key-value write.
	EntryTypePut EntryType = 'P'
	// EntryTypeDelete represents a tombstone for a single key.
	EntryTypeDelete EntryType = 'D'
	// EntryTypeBatch marks a WAL record carrying multiple entries written atomically.
	EntryTypeBatch EntryType = 'B'
)

// Entry is a single versioned key-value operation.
// A tombstone carries a nil Value and EntryTypeDelete.
type Entry struct {
	Key    []byte
	Value  []byte
	Type   EntryType
	SeqNum uint64
}

// Size returns the estimated in-memory footprint of the entry.
func (e *Entry) Size() int64 {
	return int64(len(e.Key) + len(e.Value) + 8 + 1)
}
