package iterator

import "github.com/flintdb/flint/core"

// EmptyIterator yields nothing. Useful when a scan range matches no source.
type EmptyIterator struct{}

func NewEmptyIterator() *EmptyIterator { return &EmptyIterator{} }

func (EmptyIterator) Next() bool                                    { return false }
func (EmptyIterator) At() ([]byte, []byte, core.EntryType, uint64)  { return nil, nil, 0, 0 }
func (EmptyIterator) Error() error                                  { return nil }
func (EmptyIterator) Close() error                                  { return nil }
