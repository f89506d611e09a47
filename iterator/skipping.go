package iterator

import "github.com/flintdb/flint/core"

// SkippingIterator filters point tombstones out of its source, exposing
// only live entries. Scans hand this to callers so deleted keys never
// surface.
type SkippingIterator struct {
	source core.Iterator
}

// NewSkippingIterator wraps source. Close closes the source.
func NewSkippingIterator(source core.Iterator) *SkippingIterator {
	return &SkippingIterator{source: source}
}

func (it *SkippingIterator) Next() bool {
	for it.source.Next() {
		_, _, entryType, _ := it.source.At()
		if entryType == core.EntryTypeDelete {
			continue
		}
		return true
	}
	return false
}

func (it *SkippingIterator) At() ([]byte, []byte, core.EntryType, uint64) {
	return it.source.At()
}

func (it *SkippingIterator) Error() error { return it.source.Error() }

func (it *SkippingIterator) Close() error { return it.source.Close() }
