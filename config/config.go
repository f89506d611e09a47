// Package config loads the YAML configuration file and maps it onto
// engine.Options. Every field has a default; an absent or empty file yields
// a fully usable configuration.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flintdb/flint/compressors"
	"github.com/flintdb/flint/core"
	"github.com/flintdb/flint/engine"
	"github.com/flintdb/flint/wal"
)

// MemtableConfig holds memtable-specific configuration.
type MemtableConfig struct {
	SizeThresholdBytes int64 `yaml:"size_threshold_bytes"`
}

// SSTableConfig holds SSTable-specific configuration.
type SSTableConfig struct {
	BlockSizeBytes    int     `yaml:"block_size_bytes"`
	Compression       string  `yaml:"compression"`
	BloomFilterFPRate float64 `yaml:"bloom_filter_fp_rate"`
}

// CacheConfig holds block cache configuration.
type CacheConfig struct {
	BlockCacheCapacity int `yaml:"block_cache_capacity"`
}

// CompactionConfig holds compaction-specific configuration.
type CompactionConfig struct {
	L0TriggerFileCount     int     `yaml:"l0_trigger_file_count"`
	TargetSSTableSizeBytes int64   `yaml:"target_sstable_size_bytes"`
	BaseTargetSizeBytes    int64   `yaml:"base_target_size_bytes"`
	LevelsSizeMultiplier   float64 `yaml:"levels_size_multiplier"`
	MaxLevels              int     `yaml:"max_levels"`
	CheckInterval          string  `yaml:"check_interval"`
	MaxConcurrent          int     `yaml:"max_concurrent"`
}

// WALConfig holds write-ahead log configuration.
type WALConfig struct {
	SyncMode string `yaml:"sync_mode"`
	// SyncInterval is the period of the background sync loop when sync_mode
	// is "interval".
	SyncInterval        string `yaml:"sync_interval"`
	MaxSegmentSizeBytes int64  `yaml:"max_segment_size_bytes"`
	PurgeKeepSegments   int    `yaml:"purge_keep_segments"`
}

// EngineConfig groups all storage engine configuration.
type EngineConfig struct {
	DataDir    string           `yaml:"data_dir"`
	Memtable   MemtableConfig   `yaml:"memtable"`
	SSTable    SSTableConfig    `yaml:"sstable"`
	Cache      CacheConfig      `yaml:"cache"`
	Compaction CompactionConfig `yaml:"compaction"`
	WAL        WALConfig        `yaml:"wal"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Output string `yaml:"output"` // "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // log file path, used when output is "file"
}

// Config is the top-level configuration struct.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
}

// ParseDuration parses a duration string, falling back to defaultDuration
// when the string is empty or invalid. An invalid non-empty string logs a
// warning.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Load reads configuration from an io.Reader. A nil reader or empty input
// returns the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			DataDir: "./data",
			Memtable: MemtableConfig{
				SizeThresholdBytes: engine.DefaultMemtableThreshold,
			},
			SSTable: SSTableConfig{
				BlockSizeBytes:    4 * 1024,
				Compression:       "snappy",
				BloomFilterFPRate: 0.01,
			},
			Cache: CacheConfig{
				BlockCacheCapacity: engine.DefaultBlockCacheCapacity,
			},
			Compaction: CompactionConfig{
				L0TriggerFileCount:     4,
				TargetSSTableSizeBytes: engine.DefaultTargetSSTableSize,
				BaseTargetSizeBytes:    64 * 1024 * 1024,
				LevelsSizeMultiplier:   10,
				MaxLevels:              7,
				CheckInterval:          "10s",
			},
			WAL: WALConfig{
				SyncMode:            "always",
				SyncInterval:        "1s",
				MaxSegmentSizeBytes: wal.DefaultMaxSegmentSize,
				PurgeKeepSegments:   engine.DefaultWALPurgeKeepSegments,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "flint.log",
		},
	}

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()
	return Load(file)
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return fmt.Errorf("engine.data_dir must not be empty")
	}
	if _, err := compressorByName(c.Engine.SSTable.Compression); err != nil {
		return err
	}
	if fp := c.Engine.SSTable.BloomFilterFPRate; fp < 0 || fp >= 1 {
		return fmt.Errorf("engine.sstable.bloom_filter_fp_rate must be in [0, 1), got %v", fp)
	}
	switch wal.SyncMode(c.Engine.WAL.SyncMode) {
	case wal.SyncAlways, wal.SyncInterval, wal.SyncDisabled, "":
	default:
		return fmt.Errorf("engine.wal.sync_mode must be one of always, interval, disabled, got %q", c.Engine.WAL.SyncMode)
	}
	if c.Engine.Compaction.MaxLevels < 2 {
		return fmt.Errorf("engine.compaction.max_levels must be at least 2, got %d", c.Engine.Compaction.MaxLevels)
	}
	return nil
}

func compressorByName(name string) (core.Compressor, error) {
	switch name {
	case "", "none":
		return compressors.NewNoCompression(), nil
	case "snappy":
		return compressors.NewSnappyCompressor(), nil
	case "lz4":
		return compressors.NewLZ4Compressor(), nil
	case "zstd":
		return compressors.NewZstdCompressor(), nil
	default:
		return nil, fmt.Errorf("unknown compression %q (want none, snappy, lz4 or zstd)", name)
	}
}

// EngineOptions maps the configuration onto engine.Options. The logger is
// passed separately so callers can wire the one built from BuildLogger.
func (c *Config) EngineOptions(logger *slog.Logger) (engine.Options, error) {
	compressor, err := compressorByName(c.Engine.SSTable.Compression)
	if err != nil {
		return engine.Options{}, err
	}
	interval := ParseDuration(c.Engine.Compaction.CheckInterval, 10*time.Second, logger)
	walSyncInterval := ParseDuration(c.Engine.WAL.SyncInterval, engine.DefaultWALSyncInterval, logger)

	return engine.Options{
		DataDir:                      c.Engine.DataDir,
		MemtableThreshold:            c.Engine.Memtable.SizeThresholdBytes,
		BlockSize:                    c.Engine.SSTable.BlockSizeBytes,
		BloomFilterFalsePositiveRate: c.Engine.SSTable.BloomFilterFPRate,
		BlockCacheCapacity:           c.Engine.Cache.BlockCacheCapacity,
		Compressor:                   compressor,
		MaxL0Files:                   c.Engine.Compaction.L0TriggerFileCount,
		MaxLevels:                    c.Engine.Compaction.MaxLevels,
		BaseTargetSize:               c.Engine.Compaction.BaseTargetSizeBytes,
		LevelSizeMultiplier:          c.Engine.Compaction.LevelsSizeMultiplier,
		TargetSSTableSize:            c.Engine.Compaction.TargetSSTableSizeBytes,
		CompactionIntervalSeconds:    int(interval / time.Second),
		MaxConcurrentCompactions:     c.Engine.Compaction.MaxConcurrent,
		WALSyncMode:                  wal.SyncMode(c.Engine.WAL.SyncMode),
		WALSyncInterval:              walSyncInterval,
		WALMaxSegmentSize:            c.Engine.WAL.MaxSegmentSizeBytes,
		WALPurgeKeepSegments:         c.Engine.WAL.PurgeKeepSegments,
		Logger:                       logger,
	}, nil
}

// BuildLogger constructs a slog.Logger from the logging section. The caller
// owns the returned closer when output is a file; it is nil otherwise.
func (c *Config) BuildLogger() (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch c.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}

	var w io.Writer
	var closer io.Closer
	switch c.Logging.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	case "none":
		w = io.Discard
	case "file":
		f, err := os.OpenFile(c.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", c.Logging.File, err)
		}
		w = f
		closer = f
	default:
		return nil, nil, fmt.Errorf("unknown logging output %q", c.Logging.Output)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closer, nil
}
