package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flintdb/flint/core"
)

func TestLoad_NilReaderReturnsDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "./data", cfg.Engine.DataDir)
	assert.Equal(t, "snappy", cfg.Engine.SSTable.Compression)
	assert.Equal(t, 4, cfg.Engine.Compaction.L0TriggerFileCount)
	assert.Equal(t, "always", cfg.Engine.WAL.SyncMode)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
engine:
  data_dir: /var/lib/flint
  sstable:
    compression: zstd
    block_size_bytes: 8192
  compaction:
    l0_trigger_file_count: 8
    check_interval: 30s
logging:
  level: warn
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/flint", cfg.Engine.DataDir)
	assert.Equal(t, "zstd", cfg.Engine.SSTable.Compression)
	assert.Equal(t, 8192, cfg.Engine.SSTable.BlockSizeBytes)
	assert.Equal(t, 8, cfg.Engine.Compaction.L0TriggerFileCount)
	assert.Equal(t, "warn", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, "always", cfg.Engine.WAL.SyncMode)
	assert.Equal(t, 0.01, cfg.Engine.SSTable.BloomFilterFPRate)
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("engine: [not a map"))
	assert.Error(t, err)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown compression", "engine:\n  sstable:\n    compression: brotli\n"},
		{"bad sync mode", "engine:\n  wal:\n    sync_mode: sometimes\n"},
		{"fp rate out of range", "engine:\n  sstable:\n    bloom_filter_fp_rate: 1.5\n"},
		{"too few levels", "engine:\n  compaction:\n    max_levels: 1\n"},
		{"empty data dir", "engine:\n  data_dir: \"\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
}

func TestLoadConfig_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flint.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  data_dir: /tmp/x\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x", cfg.Engine.DataDir)
}

func TestEngineOptionsMapping(t *testing.T) {
	yaml := `
engine:
  data_dir: /var/lib/flint
  memtable:
    size_threshold_bytes: 1048576
  sstable:
    compression: lz4
  compaction:
    check_interval: 45s
  wal:
    sync_mode: disabled
    sync_interval: 250ms
`
	cfg, err := Load(strings.NewReader(yaml))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts, err := cfg.EngineOptions(logger)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/flint", opts.DataDir)
	assert.Equal(t, int64(1048576), opts.MemtableThreshold)
	assert.Equal(t, core.CompressionLZ4, opts.Compressor.Type())
	assert.Equal(t, 45, opts.CompactionIntervalSeconds)
	assert.Equal(t, "disabled", string(opts.WALSyncMode))
	assert.Equal(t, 250*time.Millisecond, opts.WALSyncInterval)
}

func TestParseDuration(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	assert.Equal(t, 5*time.Second, ParseDuration("5s", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("", time.Minute, logger))
	assert.Equal(t, time.Minute, ParseDuration("not-a-duration", time.Minute, logger))
}

func TestBuildLogger(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	cfg.Logging.Output = "none"

	logger, closer, err := cfg.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Nil(t, closer)

	cfg.Logging.Level = "verbose"
	_, _, err = cfg.BuildLogger()
	assert.Error(t, err)
}

func TestBuildLogger_File(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	cfg.Logging.Output = "file"
	cfg.Logging.File = filepath.Join(t.TempDir(), "flint.log")

	logger, closer, err := cfg.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, closer)
	logger.Info("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(cfg.Logging.File)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
}
