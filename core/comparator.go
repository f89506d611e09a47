package core

import "bytes"

// Comparator defines a total order over user keys. The engine, memtable,
// SSTable writer and compactor all share one Comparator instance; mixing
// files written under different comparators is undefined.
type Comparator interface {
	// Compare returns -1, 0 or 1 if a is less than, equal to, or greater than b.
	Compare(a, b []byte) int
	// Name identifies the comparator for sanity checks.
	Name() string
}

type bytesComparator struct{}

func (bytesComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bytesComparator) Name() string            { return "flint.BytewiseComparator" }

// BytesComparator orders keys lexicographically by raw bytes. It is the
// default when no comparator is configured.
var BytesComparator Comparator = bytesComparator{}
