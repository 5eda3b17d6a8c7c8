package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/kverr"
	"github.com/hupe1980/kvgo/lock"
	"github.com/hupe1980/kvgo/wal"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	lc, err := cfg.Sync.LockConfig()
	require.NoError(t, err)
	assert.Equal(t, lock.DefaultConfig, lc)

	mc, err := cfg.MemTableConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(64<<20), mc.MaxSize)
	assert.True(t, mc.BloomFilter)
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
data_dir: /var/lib/kvgo
sync:
  kind: spinlock
  stripe_count: 8
  spin_count: 50
memtable:
  max_size: 1048576
  flush_threshold: 0.5
wal:
  enable_group_commit: true
  group_commit_interval_ms: 5
  compression: zstd
  recover_mmap: true
log:
  level: debug
  format: text
`))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/kvgo", cfg.DataDir)
	assert.Equal(t, 8, cfg.Sync.StripeCount)
	assert.Equal(t, int64(1<<20), cfg.MemTable.MaxSize)
	// Untouched keys keep their defaults.
	assert.Equal(t, wal.DefaultOptions.BufferSize, cfg.WAL.BufferSize)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)

	lc, err := cfg.Sync.LockConfig()
	require.NoError(t, err)
	assert.Equal(t, lock.Spin, lc.Kind)
	assert.Equal(t, 50, lc.SpinCount)

	fn, err := cfg.WAL.Options()
	require.NoError(t, err)
	opts := wal.DefaultOptions
	fn(&opts)
	assert.True(t, opts.GroupCommit)
	assert.Equal(t, 5*time.Millisecond, opts.GroupCommitInterval)
	assert.Equal(t, wal.CompressionZstd, opts.Compression)

	ro := wal.DefaultRecoverOptions
	cfg.WAL.RecoverOptions()(&ro)
	assert.True(t, ro.Mmap)
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"malformed", "data_dir: [unterminated"},
		{"empty data dir", `data_dir: ""`},
		{"lock kind", "sync:\n  kind: semaphore"},
		{"stripe count", "sync:\n  stripe_count: 3"},
		{"flush threshold", "memtable:\n  flush_threshold: 2"},
		{"max level", "memtable:\n  max_level: 0"},
		{"compression", "wal:\n  compression: brotli"},
		{"buffer size", "wal:\n  buffer_size: -1"},
		{"archive kind", "archive:\n  kind: ftp"},
		{"archive bucket", "archive:\n  kind: s3"},
		{"log level", "log:\n  level: verbose"},
		{"log format", "log:\n  format: xml"},
		{"log size", "log:\n  file: kvgo.log\n  max_size_mb: 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.ErrorIs(t, err, kverr.ErrParam)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kvgo.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: "+dir+"\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, kverr.ErrIO)
}

func TestArchiveOpen(t *testing.T) {
	ctx := context.Background()

	st, err := ArchiveConfig{Kind: "none"}.Open(ctx)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.False(t, ArchiveConfig{}.Enabled())

	local := ArchiveConfig{Kind: "local", Path: t.TempDir()}
	assert.True(t, local.Enabled())
	st, err = local.Open(ctx)
	require.NoError(t, err)
	require.NoError(t, st.Put(ctx, "segment", []byte("data")))
	data, err := blobstore.ReadAll(ctx, st, "segment")
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)

	_, err = ArchiveConfig{Kind: "minio"}.Open(ctx)
	assert.ErrorIs(t, err, kverr.ErrParam)
}
