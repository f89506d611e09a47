package core

// Magic numbers identifying the persistent file kinds.
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xF11A7106
	// SSTableMagicNumber identifies an SSTable file.
	SSTableMagicNumber uint32 = 0xF11A7557
	// ManifestMagicNumber identifies the manifest edit log.
	ManifestMagicNumber uint32 = 0xF11A7A4F
	// CheckpointMagicNumber identifies the WAL checkpoint file.
	CheckpointMagicNumber uint32 = 0xF11A7C4B
)

// FormatVersion is the current on-disk format version shared by all files.
const FormatVersion uint8 = 1

const (
	// SeqNumSize is the encoded size of a sequence number.
	SeqNumSize = 8
	// ChecksumSize is the encoded size of a CRC32 checksum.
	ChecksumSize = 4
)
