// Package memtable implements the in-memory write buffer: a skiplist keyed
// by (user key ascending, sequence number descending) so the newest version
// of a key is always encountered first.
package memtable

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/skiplist"

	"github.com/flintdb/flint/core"
)

// --- GC-friendly pools for internal keys and entries ---

type internalKeyPool struct {
	mu    sync.Mutex
	items []*InternalKey

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newInternalKeyPool(size int) *internalKeyPool {
	return &internalKeyPool{items: make([]*InternalKey, 0, size)}
}

func (p *internalKeyPool) Get() *InternalKey {
	p.mu.Lock()
	if len(p.items) == 0 {
		p.mu.Unlock()
		p.misses.Add(1)
		return &InternalKey{}
	}
	p.hits.Add(1)
	item := p.items[len(p.items)-1]
	p.items = p.items[:len(p.items)-1]
	p.mu.Unlock()
	return item
}

func (p *internalKeyPool) Put(k *InternalKey) {
	k.Key = nil
	k.SeqNum = 0
	p.mu.Lock()
	p.items = append(p.items, k)
	p.mu.Unlock()
}

type entryPool struct {
	mu    sync.Mutex
	items []*Entry

	hits   atomic.Uint64
	misses atomic.Uint64
}

func newEntryPool(size int) *entryPool {
	return &entryPool{items: make([]*Entry, 0, size)}
}

func (p *entryPool) Get() *Entry {
	p.mu.Lock()
	if len(p.items) == 0 {
		p.mu.Unlock()
		p.misses.Add(1)
		return &Entry{}
	}
	p.hits.Add(1)
	item := p.items[len(p.items)-1]
	p.items = p.items[:len(p.items)-1]
	p.mu.Unlock()
	return item
}

func (p *entryPool) Put(e *Entry) {
	e.Key = nil
	e.Value = nil
	e.EntryType = 0
	e.SeqNum = 0
	p.mu.Lock()
	p.items = append(p.items, e)
	p.mu.Unlock()
}

var (
	keyPool   = newInternalKeyPool(16384)
	valuePool = newEntryPool(16384)
)

// InternalKey orders entries within the skiplist.
type InternalKey struct {
	Key    []byte
	SeqNum uint64
}

// Entry is a single versioned operation held by the memtable.
type Entry struct {
	Key       []byte
	Value     []byte
	EntryType core.EntryType
	SeqNum    uint64
}

// size returns the estimated memory footprint of the entry.
func (e *Entry) size() int64 {
	return int64(len(e.Key) + len(e.Value) + binary.MaxVarintLen64 + 1)
}

// FlushTarget receives entries in internal-key order during a flush.
// *sstable.Writer satisfies it.
type FlushTarget interface {
	Add(key, value []byte, entryType core.EntryType, seqNum uint64) error
}

// Memtable buffers writes in memory until it reaches its size threshold,
// at which point the engine freezes it and flushes it to an SSTable.
type Memtable struct {
	mu         sync.RWMutex
	data       *skiplist.SkipList[*InternalKey, *Entry]
	comparator core.Comparator
	sizeBytes  int64
	threshold  int64
	maxSeqNum  uint64
	frozen     atomic.Bool

	// Flush bookkeeping, managed by the engine's flush loop.
	FlushRetries        int
	NextRetryDelay      time.Duration
	NextAttemptAt       time.Time
	CreationTime        time.Time
	LastWALSegmentIndex uint64
}

// NewMemtable creates a Memtable with the given size threshold. A nil
// comparator defaults to core.BytesComparator.
func NewMemtable(threshold int64, comparator core.Comparator) *Memtable {
	if comparator == nil {
		comparator = core.BytesComparator
	}
	cmp := func(a, b *InternalKey) int {
		if c := comparator.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		// Same key, higher sequence numbers sort first.
		if a.SeqNum > b.SeqNum {
			return -1
		}
		if a.SeqNum < b.SeqNum {
			return 1
		}
		return 0
	}
	return &Memtable{
		data:         skiplist.NewWithComparator[*InternalKey, *Entry](cmp),
		comparator:   comparator,
		threshold:    threshold,
		CreationTime: time.Now(),
	}
}

// Put adds a key-value pair or tombstone. Each (key, seqNum) pair is a
// distinct node, so older versions of a key survive until the flush.
func (m *Memtable) Put(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	if m.frozen.Load() {
		return core.ErrMemtableFrozen
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	// Callers may reuse their buffers after Put returns, so the memtable
	// owns copies.
	keyCopy := append([]byte(nil), key...)
	var valueCopy []byte
	if value != nil {
		valueCopy = append([]byte(nil), value...)
	}

	newKey := keyPool.Get()
	newKey.Key = keyCopy
	newKey.SeqNum = seqNum

	newEntry := valuePool.Get()
	newEntry.Key = keyCopy
	newEntry.Value = valueCopy
	newEntry.EntryType = entryType
	newEntry.SeqNum = seqNum

	// The comparator includes the sequence number, so Insert only replaces a
	// node when the exact same (key, seqNum) is written twice.
	oldNode := m.data.Insert(newKey, newEntry)
	if oldNode != nil {
		keyPool.Put(newKey)
		oldValue := oldNode.Value()
		valuePool.Put(oldValue)
		m.sizeBytes -= oldValue.size()
	}
	m.sizeBytes += newEntry.size()
	if seqNum > m.maxSeqNum {
		m.maxSeqNum = seqNum
	}
	return nil
}

// MaxSeqNum returns the highest sequence number ever inserted. The flush
// path records it in the manifest so recovery can skip replayed entries.
func (m *Memtable) MaxSeqNum() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxSeqNum
}

// Get retrieves the newest version of a key. A found tombstone is reported
// as found with EntryTypeDelete so the caller stops searching older levels.
func (m *Memtable) Get(key []byte) (value []byte, entryType core.EntryType, found bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil, 0, false
	}

	// Seek to (key, max seq). The comparator sorts sequence numbers
	// descending, so this lands on the newest version of the key.
	searchKey := keyPool.Get()
	searchKey.Key = key
	searchKey.SeqNum = ^uint64(0)
	defer keyPool.Put(searchKey)

	node, ok := m.data.Seek(searchKey)
	if !ok {
		return nil, 0, false
	}
	foundKey := node.Key()
	if m.comparator.Compare(foundKey.Key, key) != 0 {
		return nil, 0, false
	}
	entry := node.Value()
	if entry.EntryType == core.EntryTypeDelete {
		return nil, entry.EntryType, true
	}
	return entry.Value, entry.EntryType, true
}

// Size returns the estimated size of the buffered data in bytes.
func (m *Memtable) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// IsFull reports whether the memtable has reached its size threshold.
func (m *Memtable) IsFull() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes >= m.threshold
}

// Len returns the number of entries, counting every version.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return 0
	}
	return m.data.Len()
}

// Freeze makes the memtable immutable. Subsequent Puts fail with
// ErrMemtableFrozen. Freeze is idempotent.
func (m *Memtable) Freeze() {
	m.frozen.Store(true)
}

// IsFrozen reports whether the memtable has been frozen.
func (m *Memtable) IsFrozen() bool {
	return m.frozen.Load()
}

// NewIterator returns an ascending iterator over [startKey, endKey) that
// yields only the newest version of each distinct key, as of the time of
// the call. Writes after NewIterator are not visible to the iterator.
func (m *Memtable) NewIterator(startKey, endKey []byte) core.Iterator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return &memtableIterator{entries: m.snapshotRange(startKey, endKey)}
}

// FlushTo writes every entry, including superseded versions, to the target
// in internal-key order. Compaction drops the older versions later.
func (m *Memtable) FlushTo(target FlushTarget) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	iter := m.data.NewIterator()
	for iter.Next() {
		entry := iter.Value()
		if err := target.Add(entry.Key, entry.Value, entry.EntryType, entry.SeqNum); err != nil {
			return fmt.Errorf("failed to add memtable entry to flush target (key: %s): %w", string(entry.Key), err)
		}
	}
	return nil
}

// Close returns the memtable's nodes to the pools. The memtable must not be
// used afterwards.
func (m *Memtable) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return
	}
	m.data.Range(func(key *InternalKey, value *Entry) bool {
		keyPool.Put(key)
		valuePool.Put(value)
		return true
	})
	m.data = nil
	m.sizeBytes = 0
}
