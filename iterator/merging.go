package iterator

import (
	"container/heap"

	"github.com/flintdb/flint/core"
)

// mergingItem holds the current entry of one source iterator while it sits
// in the merge heap.
type mergingItem struct {
	iter      core.Iterator
	key       []byte
	value     []byte
	entryType core.EntryType
	seqNum    uint64
}

func newMergingItem(iter core.Iterator) *mergingItem {
	key, value, entryType, seqNum := iter.At()
	return &mergingItem{
		iter:      iter,
		key:       key,
		value:     value,
		entryType: entryType,
		seqNum:    seqNum,
	}
}

// mergingHeap orders items by key ascending. For equal keys the entry with
// the higher sequence number sorts first, so the newest version of a key is
// always at the top.
type mergingHeap struct {
	items      []*mergingItem
	comparator core.Comparator
}

func (h *mergingHeap) Len() int { return len(h.items) }

func (h *mergingHeap) Less(i, j int) bool {
	cmp := h.comparator.Compare(h.items[i].key, h.items[j].key)
	if cmp != 0 {
		return cmp < 0
	}
	return h.items[i].seqNum > h.items[j].seqNum
}

func (h *mergingHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *mergingHeap) Push(x interface{}) {
	h.items = append(h.items, x.(*mergingItem))
}

func (h *mergingHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	h.items = old[:n-1]
	return item
}

// MergingIterator merges several sorted sources into a single ascending
// stream. When the same key appears in more than one source, only the
// version with the highest sequence number is yielded; older versions are
// consumed and discarded.
//
// Tombstones are yielded like any other entry. Callers that want a
// user-facing view wrap the result in NewSkippingIterator.
type MergingIterator struct {
	iters []core.Iterator
	heap  *mergingHeap

	startKey []byte
	endKey   []byte

	currentKey       []byte
	currentValue     []byte
	currentEntryType core.EntryType
	currentSeqNum    uint64
	err              error
}

// MergingIteratorParams bundles the inputs for NewMergingIterator.
type MergingIteratorParams struct {
	Iters      []core.Iterator
	Comparator core.Comparator
	// StartKey is inclusive, EndKey exclusive. Either may be nil.
	StartKey []byte
	EndKey   []byte
}

// NewMergingIterator primes every source and builds the merge heap. Sources
// that are already exhausted are dropped; they are still closed by Close.
func NewMergingIterator(params MergingIteratorParams) (*MergingIterator, error) {
	cmp := params.Comparator
	if cmp == nil {
		cmp = core.BytesComparator
	}
	mi := &MergingIterator{
		iters:    params.Iters,
		startKey: params.StartKey,
		endKey:   params.EndKey,
		heap: &mergingHeap{
			items:      make([]*mergingItem, 0, len(params.Iters)),
			comparator: cmp,
		},
	}

	for _, iter := range mi.iters {
		if iter.Next() {
			mi.heap.items = append(mi.heap.items, newMergingItem(iter))
		} else if err := iter.Error(); err != nil {
			mi.Close()
			return nil, err
		}
	}
	heap.Init(mi.heap)

	return mi, nil
}

func (mi *MergingIterator) Next() bool {
	if mi.err != nil {
		return false
	}

	for {
		if mi.heap.Len() == 0 {
			mi.reset()
			return false
		}

		candidate, err := mi.nextCandidate()
		if err != nil {
			mi.err = err
			return false
		}
		if candidate == nil {
			continue
		}

		if mi.startKey != nil && mi.heap.comparator.Compare(candidate.key, mi.startKey) < 0 {
			continue
		}
		if mi.endKey != nil && mi.heap.comparator.Compare(candidate.key, mi.endKey) >= 0 {
			mi.reset()
			return false
		}

		mi.currentKey = candidate.key
		mi.currentValue = candidate.value
		mi.currentEntryType = candidate.entryType
		mi.currentSeqNum = candidate.seqNum
		return true
	}
}

// nextCandidate pops the smallest key off the heap, advances the iterator
// that produced it, and consumes every other source positioned at the same
// key. The heap ordering guarantees the popped item carries the highest
// sequence number for that key.
func (mi *MergingIterator) nextCandidate() (*mergingItem, error) {
	if mi.heap.Len() == 0 {
		return nil, nil
	}

	item := heap.Pop(mi.heap).(*mergingItem)
	topKey := item.key

	if err := mi.advance(item.iter); err != nil {
		return nil, err
	}

	for mi.heap.Len() > 0 && mi.heap.comparator.Compare(mi.heap.items[0].key, topKey) == 0 {
		shadowed := heap.Pop(mi.heap).(*mergingItem)
		if err := mi.advance(shadowed.iter); err != nil {
			return nil, err
		}
	}

	return item, nil
}

// advance steps iter forward and pushes its next entry onto the heap.
// Exhausted iterators stay open; Close releases them all at once.
func (mi *MergingIterator) advance(iter core.Iterator) error {
	if iter.Next() {
		heap.Push(mi.heap, newMergingItem(iter))
		return nil
	}
	return iter.Error()
}

func (mi *MergingIterator) reset() {
	mi.currentKey = nil
	mi.currentValue = nil
	mi.currentEntryType = 0
	mi.currentSeqNum = 0
}

func (mi *MergingIterator) At() ([]byte, []byte, core.EntryType, uint64) {
	return mi.currentKey, mi.currentValue, mi.currentEntryType, mi.currentSeqNum
}

func (mi *MergingIterator) Error() error { return mi.err }

func (mi *MergingIterator) Close() error {
	var firstErr error
	for _, iter := range mi.iters {
		if err := iter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	mi.iters = nil
	mi.heap = nil
	return firstErr
}
