package sstable

// format.go: Constants for the SSTable file layout.

// MagicString is a unique identifier placed at the end of an SSTable file.
// Used for basic file corruption detection.
const MagicString = "FLNT-SSTABLE-V1"

// MagicStringLen is the length of the MagicString.
const MagicStringLen = len(MagicString)

// Size constants for lengths in the file format.
const (
	EntryTypeSize = 1 // byte for entry type

	// Footer component sizes
	IndexOffsetSize       = 8 // uint64 for index offset
	IndexLenSize          = 4 // uint32 for index length
	BloomFilterOffsetSize = 8 // uint64 for bloom filter offset
	BloomFilterLenSize    = 4 // uint32 for bloom filter length
	MinKeyOffsetSize      = 8 // uint64 for min key offset
	MinKeyLenSize         = 4 // uint32 for min key length
	MaxKeyOffsetSize      = 8 // uint64 for max key offset
	MaxKeyLenSize         = 4 // uint32 for max key length
	KeyCountSize          = 8 // uint64 for the total number of entries
	TombstoneCountSize    = 8 // uint64 for the total number of tombstone entries
	BlockLengthSize       = 4 // uint32 for block length (used in the block index)
)

// DefaultBlockSize specifies the target size for data blocks in bytes.
const DefaultBlockSize = 4 * 1024 // 4KB

// DefaultRestartPointInterval specifies how often a restart point is stored.
const DefaultRestartPointInterval = 16

// BlockHeaderSize is the size of the compression flag and CRC32 checksum at
// the start of each data block on disk.
const BlockHeaderSize = 1 + 4

// FooterFixedComponentSize is the fixed size of the footer excluding the
// magic string.
const FooterFixedComponentSize = IndexOffsetSize + IndexLenSize + BloomFilterOffsetSize + BloomFilterLenSize + MinKeyOffsetSize + MinKeyLenSize + MaxKeyOffsetSize + MaxKeyLenSize + KeyCountSize + TombstoneCountSize

// FooterSize is the total size of the footer including the magic string.
const FooterSize = FooterFixedComponentSize + MagicStringLen
