package core

import "errors"

var (
	// ErrNotFound is returned when a key does not exist. An absent key is not
	// a failure; callers are expected to test for it with errors.Is.
	ErrNotFound = errors.New("key not found")

	// ErrCorrupted indicates a checksum mismatch or a malformed structure in
	// the middle of a persistent file. It is fatal for the affected file.
	ErrCorrupted = errors.New("data is corrupted")

	// ErrClosed is returned by operations on a closed component.
	ErrClosed = errors.New("already closed")

	// ErrEmptyKey is returned when a write carries a zero-length key.
	ErrEmptyKey = errors.New("empty key")

	// ErrMemtableFrozen is returned when a write targets a frozen memtable.
	// It signals an internal sequencing bug, not a user error.
	ErrMemtableFrozen = errors.New("memtable is frozen")

	// ErrShuttingDown is returned for writes issued after Close has begun.
	ErrShuttingDown = errors.New("engine is shutting down")
)
