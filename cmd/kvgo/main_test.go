package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/kvgo"
	"github.com/hupe1980/kvgo/config"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), args, &out, io.Discard)
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()

	_, err := runCLI(t, "-data-dir", dir, "put", "alpha", "1")
	require.NoError(t, err)
	_, err = runCLI(t, "-data-dir", dir, "put", "beta", "2")
	require.NoError(t, err)

	out, err := runCLI(t, "-data-dir", dir, "get", "alpha")
	require.NoError(t, err)
	assert.Equal(t, "1\n", out)

	out, err = runCLI(t, "-data-dir", dir, "scan")
	require.NoError(t, err)
	assert.Equal(t, "alpha\t1\nbeta\t2\n", out)

	_, err = runCLI(t, "-data-dir", dir, "delete", "alpha")
	require.NoError(t, err)
	_, err = runCLI(t, "-data-dir", dir, "get", "alpha")
	assert.ErrorIs(t, err, kvgo.ErrNotFound)

	out, err = runCLI(t, "-data-dir", dir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "last seq\t3")

	out, err = runCLI(t, "-data-dir", dir, "checkpoint")
	require.NoError(t, err)
	assert.Equal(t, "checkpoint at seq 4\n", out)

	out, err = runCLI(t, "-data-dir", dir, "verify")
	require.NoError(t, err)
	assert.Contains(t, out, "records=4 puts=2 deletes=1 checkpoints=1")
}

func TestUsageErrors(t *testing.T) {
	dir := t.TempDir()
	for _, args := range [][]string{
		{},
		{"-data-dir", dir, "put", "only-key"},
		{"-data-dir", dir, "get"},
		{"-data-dir", dir, "frobnicate"},
	} {
		_, err := runCLI(t, args...)
		assert.ErrorIs(t, err, errUsage, "args %v", args)
	}

	_, err := runCLI(t, "-data-dir", dir, "archive")
	assert.ErrorIs(t, err, kvgo.ErrParam)
}

func TestArchiveCommand(t *testing.T) {
	dir := t.TempDir()
	archiveDir := t.TempDir()
	cfgPath := filepath.Join(t.TempDir(), "kvgo.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(strings.Join([]string{
		"data_dir: " + dir,
		"archive:",
		"  kind: local",
		"  path: " + archiveDir,
		"log:",
		"  level: error",
	}, "\n")), 0o600))

	_, err := runCLI(t, "-config", cfgPath, "put", "k", "v")
	require.NoError(t, err)
	_, err = runCLI(t, "-config", cfgPath, "rotate")
	require.NoError(t, err)

	out, err := runCLI(t, "-config", cfgPath, "archive")
	require.NoError(t, err)
	assert.Contains(t, out, kvgo.WALFileName+".00000000000000000001")

	entries, err := os.ReadDir(archiveDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, kvgo.WALFileName+".00000000000000000001", entries[0].Name())

	// The sealed segment still replays.
	out, err = runCLI(t, "-config", cfgPath, "get", "k")
	require.NoError(t, err)
	assert.Equal(t, "v\n", out)
}

func TestLoadCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "-data-dir", dir, "load", "-workers", "3", "-keys", "50", "-value-size", "16")
	require.NoError(t, err)
	assert.Contains(t, out, "150 writes")

	out, err = runCLI(t, "-data-dir", dir, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, "entries\t150")
}

func TestSetupLoggersWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "kvgo.log")
	logs, err := setupLoggers(configLog(path), io.Discard)
	require.NoError(t, err)

	logs.zap.Info("from zap")
	logs.engine.Info("from slog")
	require.NoError(t, logs.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "from zap")
	assert.Contains(t, string(data), "from slog")
}

func configLog(path string) config.LogConfig {
	cfg := config.Default().Log
	cfg.File = path
	return cfg
}
