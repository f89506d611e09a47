package manifest

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/flintdb/flint/core"
)

// FileName is the name of the manifest edit log inside the data directory.
const FileName = "MANIFEST"

// Manifest is the append-only durable log of version edits. Every record is
// framed as length (uint32) | payload | CRC32 of the payload (uint32), the
// same framing the WAL uses. Append syncs before returning so an edit is
// durable before the caller applies it in memory.
type Manifest struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	closed bool
	logger *slog.Logger
}

// Open loads the manifest from dir, replaying every edit into a Version, and
// leaves the file open for appending. A missing manifest yields an empty
// version. A torn or corrupted final record is dropped and the file is
// truncated back to the last intact record; damage with intact records after
// it is fatal. cmp orders the replayed file lists and must match the
// comparator the tables were written with; nil means core.BytesComparator.
func Open(dir string, cmp core.Comparator, logger *slog.Logger) (*Manifest, *Version, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "manifest")

	path := filepath.Join(dir, FileName)
	version := NewVersion(cmp)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to stat manifest %s: %w", path, err)
	}

	if info.Size() == 0 {
		header := core.NewFileHeader(core.ManifestMagicNumber, core.CompressionNone)
		if err := binary.Write(file, binary.LittleEndian, &header); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("failed to write manifest header: %w", err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("failed to sync manifest header: %w", err)
		}
		return &Manifest{path: path, file: file, logger: logger}, version, nil
	}

	goodOffset, err := replay(file, version, logger)
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	if goodOffset < info.Size() {
		logger.Warn("truncating torn manifest tail",
			"path", path, "good_offset", goodOffset, "file_size", info.Size())
		if err := file.Truncate(goodOffset); err != nil {
			file.Close()
			return nil, nil, fmt.Errorf("failed to truncate manifest tail: %w", err)
		}
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("failed to seek manifest end: %w", err)
	}

	if err := version.CheckConsistency(); err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("manifest replay produced inconsistent version: %w", err)
	}

	logger.Info("manifest loaded",
		"last_seq_num", version.LastSeqNum, "next_file_id", version.NextFileID)
	return &Manifest{path: path, file: file, logger: logger}, version, nil
}

// replay validates the header and applies every intact edit record to
// version. It returns the offset just past the last intact record. A record
// that ends mid-frame or fails its checksum marks the tail; everything from
// there on is discarded.
func replay(file *os.File, version *Version, logger *slog.Logger) (int64, error) {
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	var header core.FileHeader
	if err := binary.Read(file, binary.LittleEndian, &header); err != nil {
		return 0, fmt.Errorf("manifest header unreadable: %w", core.ErrCorrupted)
	}
	if header.Magic != core.ManifestMagicNumber {
		return 0, fmt.Errorf("invalid magic number in manifest (got %x, want %x): %w",
			header.Magic, core.ManifestMagicNumber, core.ErrCorrupted)
	}

	reader := bufio.NewReader(file)
	offset := int64(core.FileHeaderSize)

	for {
		payload, recordLen, err := readRecord(reader)
		if err == io.EOF {
			return offset, nil
		}
		if err == io.ErrUnexpectedEOF || errors.Is(err, core.ErrCorrupted) {
			logger.Warn("dropping damaged manifest tail record", "offset", offset, "error", err)
			return offset, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read manifest record at offset %d: %w", offset, err)
		}

		edit, err := DecodeVersionEdit(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to decode manifest edit at offset %d: %w", offset, err)
		}
		if err := version.Apply(edit); err != nil {
			return 0, fmt.Errorf("failed to apply manifest edit at offset %d: %w", offset, err)
		}
		offset += recordLen
	}
}

func readRecord(reader *bufio.Reader) ([]byte, int64, error) {
	var length uint32
	if err := binary.Read(reader, binary.LittleEndian, &length); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, err
		}
		return nil, 0, fmt.Errorf("failed to read record length: %w", err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(reader, payload); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	var storedChecksum uint32
	if err := binary.Read(reader, binary.LittleEndian, &storedChecksum); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, 0, io.ErrUnexpectedEOF
		}
		return nil, 0, err
	}

	if crc32.ChecksumIEEE(payload) != storedChecksum {
		return nil, 0, fmt.Errorf("manifest record checksum mismatch: %w", core.ErrCorrupted)
	}
	return payload, int64(length) + 8, nil
}

// Append durably writes one edit. The edit is synced to disk before Append
// returns; callers apply it to their in-memory version only afterwards.
func (m *Manifest) Append(edit *VersionEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return core.ErrClosed
	}

	payload, err := edit.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode manifest edit: %w", err)
	}

	frame := make([]byte, 0, len(payload)+8)
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(payload))

	if _, err := m.file.Write(frame); err != nil {
		return fmt.Errorf("failed to write manifest edit: %w", err)
	}
	if err := m.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync manifest: %w", err)
	}

	m.logger.Debug("manifest edit appended",
		"added", len(edit.AddedFiles), "deleted", len(edit.DeletedFiles),
		"last_seq_num", edit.LastSeqNum)
	return nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return m.path
}

// Close syncs and closes the manifest file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true

	if err := m.file.Sync(); err != nil {
		m.file.Close()
		return fmt.Errorf("failed to sync manifest on close: %w", err)
	}
	return m.file.Close()
}
