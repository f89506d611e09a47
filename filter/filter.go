// Package filter defines the membership filter abstraction used by SSTables
// to short-circuit negative lookups.
package filter

// Filter is a probabilistic membership set. False positives are allowed at a
// configured rate; false negatives are not.
type Filter interface {
	// MightContain reports whether the key may be in the set. A false return
	// means the key is definitely absent.
	MightContain(key []byte) bool

	// Bytes returns the serialized filter.
	Bytes() []byte
}
