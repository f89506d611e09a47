package engine

import (
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/flintdb/flint/compressors"
	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/levels"
	"github.com/flintdb/flint/sstable"
	"github.com/flintdb/flint/wal"
)

const (
	// DefaultMemtableThreshold is the memtable size that triggers a flush.
	DefaultMemtableThreshold = 4 * 1024 * 1024 // 4 MB
	// DefaultBlockCacheCapacity is the number of data blocks kept in memory.
	DefaultBlockCacheCapacity = 1024
	// DefaultTargetSSTableSize caps the size of compaction output tables.
	DefaultTargetSSTableSize = 32 * 1024 * 1024 // 32 MB
	// DefaultCompactionIntervalSeconds is the compaction check period.
	DefaultCompactionIntervalSeconds = 10
	// DefaultWALPurgeKeepSegments is the number of flushed WAL segments kept
	// as a safety margin before purging.
	DefaultWALPurgeKeepSegments = 1
	// DefaultWALSyncInterval is how often buffered WAL data is synced to disk
	// when WALSyncMode is wal.SyncInterval.
	DefaultWALSyncInterval = 1 * time.Second
)

// Options configures an engine instance. The zero value of every field is
// replaced by a sensible default.
type Options struct {
	// DataDir is the root directory for all persistent state. Required.
	DataDir string

	// MemtableThreshold is the approximate memtable size in bytes that
	// triggers a swap and background flush.
	MemtableThreshold int64

	// BlockSize is the uncompressed SSTable data block size.
	BlockSize int
	// BloomFilterFalsePositiveRate tunes the per-table membership filter.
	BloomFilterFalsePositiveRate float64
	// BlockCacheCapacity is the shared block cache size in blocks. Zero or
	// negative disables the cache.
	BlockCacheCapacity int
	// Compressor compresses SSTable data blocks. Defaults to no compression.
	Compressor core.Compressor
	// Comparator orders keys. Defaults to bytewise comparison.
	Comparator core.Comparator

	// MaxL0Files is the L0 file count that triggers compaction into L1.
	MaxL0Files int
	// MaxLevels bounds the depth of the tree.
	MaxLevels int
	// BaseTargetSize is the byte budget of level 1; deeper levels multiply
	// it by LevelSizeMultiplier.
	BaseTargetSize int64
	// LevelSizeMultiplier is the geometric growth factor of level targets.
	LevelSizeMultiplier float64
	// TargetSSTableSize splits compaction output at this many bytes.
	TargetSSTableSize int64
	// CompactionIntervalSeconds is how often the compactor checks triggers.
	CompactionIntervalSeconds int
	// MaxConcurrentCompactions bounds simultaneous LN compactions.
	MaxConcurrentCompactions int
	// MaxConcurrentBlockReads bounds simultaneous SSTable block reads.
	MaxConcurrentBlockReads int64

	WALSyncMode wal.SyncMode
	// WALSyncInterval is the period of the background sync loop that makes
	// buffered appends durable when WALSyncMode is wal.SyncInterval. Ignored
	// for the other modes.
	WALSyncInterval      time.Duration
	WALMaxSegmentSize    int64
	WALPurgeKeepSegments int

	Logger  *slog.Logger
	Metrics *Metrics
	// TracerProvider enables tracing of background flush and compaction work.
	// Defaults to a no-op provider.
	TracerProvider trace.TracerProvider
}

func (o Options) withDefaults() Options {
	if o.MemtableThreshold <= 0 {
		o.MemtableThreshold = DefaultMemtableThreshold
	}
	if o.BlockSize <= 0 {
		o.BlockSize = sstable.DefaultBlockSize
	}
	if o.BloomFilterFalsePositiveRate <= 0 || o.BloomFilterFalsePositiveRate >= 1 {
		o.BloomFilterFalsePositiveRate = 0.01
	}
	if o.BlockCacheCapacity == 0 {
		o.BlockCacheCapacity = DefaultBlockCacheCapacity
	}
	if o.Compressor == nil {
		o.Compressor = compressors.NewNoCompression()
	}
	if o.Comparator == nil {
		o.Comparator = core.BytesComparator
	}
	if o.MaxL0Files <= 0 {
		o.MaxL0Files = levels.DefaultMaxL0Files
	}
	if o.MaxLevels <= 0 {
		o.MaxLevels = levels.DefaultMaxLevels
	}
	if o.BaseTargetSize <= 0 {
		o.BaseTargetSize = levels.DefaultBaseTargetSize
	}
	if o.LevelSizeMultiplier <= 1 {
		o.LevelSizeMultiplier = levels.DefaultSizeMultiplier
	}
	if o.TargetSSTableSize <= 0 {
		o.TargetSSTableSize = DefaultTargetSSTableSize
	}
	if o.CompactionIntervalSeconds <= 0 {
		o.CompactionIntervalSeconds = DefaultCompactionIntervalSeconds
	}
	if o.MaxConcurrentCompactions <= 0 || o.MaxConcurrentCompactions > runtime.NumCPU() {
		o.MaxConcurrentCompactions = runtime.NumCPU()
	}
	if o.MaxConcurrentBlockReads <= 0 {
		o.MaxConcurrentBlockReads = int64(4 * runtime.NumCPU())
	}
	if o.WALSyncMode == "" {
		o.WALSyncMode = wal.SyncAlways
	}
	if o.WALSyncInterval <= 0 {
		o.WALSyncInterval = DefaultWALSyncInterval
	}
	if o.WALMaxSegmentSize <= 0 {
		o.WALMaxSegmentSize = wal.DefaultMaxSegmentSize
	}
	if o.WALPurgeKeepSegments <= 0 {
		o.WALPurgeKeepSegments = DefaultWALPurgeKeepSegments
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics()
	}
	return o
}
