// Package config loads kvgo settings from a YAML file and converts them into
// the option types of the engine packages.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/kvgo/blobstore"
	"github.com/hupe1980/kvgo/blobstore/minio"
	"github.com/hupe1980/kvgo/blobstore/s3"
	"github.com/hupe1980/kvgo/kverr"
	"github.com/hupe1980/kvgo/lock"
	"github.com/hupe1980/kvgo/memtable"
	"github.com/hupe1980/kvgo/wal"
)

type SyncConfig struct {
	Kind         string `yaml:"kind"`
	StripeCount  int    `yaml:"stripe_count"`
	SpinCount    int    `yaml:"spin_count"`
	BackoffUS    int    `yaml:"backoff_us"`
	MaxBackoffUS int    `yaml:"max_backoff_us"`
}

type MemTableConfig struct {
	MaxSize                int64   `yaml:"max_size"`
	MaxLevel               int     `yaml:"max_level"`
	BloomFilter            bool    `yaml:"bloom_filter"`
	BloomExpectedItems     uint    `yaml:"bloom_expected_items"`
	BloomFalsePositiveRate float64 `yaml:"bloom_false_positive_rate"`
	FlushThreshold         float64 `yaml:"flush_threshold"`
}

type WALConfig struct {
	BufferSize            int    `yaml:"buffer_size"`
	EnableGroupCommit     bool   `yaml:"enable_group_commit"`
	GroupCommitIntervalMS int    `yaml:"group_commit_interval_ms"`
	GroupCommitRecords    int    `yaml:"group_commit_records"`
	EnableAsyncFlush      bool   `yaml:"enable_async_flush"`
	EnableChecksum        bool   `yaml:"enable_checksum"`
	Compression           string `yaml:"compression"`
	CompressionThreshold  int    `yaml:"compression_threshold"`
	IOLimitBytesPerSec    int64  `yaml:"io_limit_bytes_per_sec"`
	RecoverMmap           bool   `yaml:"recover_mmap"`
}

// ArchiveConfig selects where sealed WAL segments are uploaded.
type ArchiveConfig struct {
	Kind      string `yaml:"kind"` // none, local, minio or s3
	Path      string `yaml:"path"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Secure    bool   `yaml:"secure"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // json or text
	File       string `yaml:"file"`   // empty logs to stderr
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// Config is the root of the YAML document.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Sync     SyncConfig     `yaml:"sync"`
	MemTable MemTableConfig `yaml:"memtable"`
	WAL      WALConfig      `yaml:"wal"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Sync: SyncConfig{
			Kind:         lock.DefaultConfig.Kind.String(),
			StripeCount:  lock.DefaultConfig.StripeCount,
			SpinCount:    lock.DefaultConfig.SpinCount,
			BackoffUS:    int(lock.DefaultConfig.Backoff / time.Microsecond),
			MaxBackoffUS: int(lock.DefaultConfig.MaxBackoff / time.Microsecond),
		},
		MemTable: MemTableConfig{
			MaxSize:                memtable.DefaultConfig.MaxSize,
			MaxLevel:               memtable.DefaultConfig.MaxLevel,
			BloomFilter:            true,
			BloomExpectedItems:     memtable.DefaultConfig.BloomExpectedItems,
			BloomFalsePositiveRate: memtable.DefaultConfig.BloomFalsePositiveRate,
			FlushThreshold:         memtable.DefaultConfig.FlushThreshold,
		},
		WAL: WALConfig{
			BufferSize:            wal.DefaultOptions.BufferSize,
			EnableGroupCommit:     true,
			GroupCommitIntervalMS: int(wal.DefaultOptions.GroupCommitInterval / time.Millisecond),
			GroupCommitRecords:    wal.DefaultOptions.GroupCommitRecords,
			EnableChecksum:        true,
			Compression:           "none",
			CompressionThreshold:  wal.DefaultOptions.CompressionThreshold,
		},
		Archive: ArchiveConfig{Kind: "none"},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads the YAML file at path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, kverr.IO("read config", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", kverr.ErrParam, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting. The result matches kverr.ErrParam.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, kverr.Paramf("data_dir must be set"))
	}
	if _, err := c.Sync.LockConfig(); err != nil {
		errs = append(errs, fmt.Errorf("sync: %w", err))
	}
	if _, err := c.MemTableConfig(); err != nil {
		errs = append(errs, fmt.Errorf("memtable: %w", err))
	}
	if _, err := c.WAL.Options(); err != nil {
		errs = append(errs, fmt.Errorf("wal: %w", err))
	}
	if err := c.Archive.validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}
	if err := c.Log.validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	return errors.Join(errs...)
}

// LockConfig converts the sync section.
func (s SyncConfig) LockConfig() (lock.Config, error) {
	kind, err := lock.ParseKind(s.Kind)
	if err != nil {
		return lock.Config{}, err
	}
	cfg := lock.Config{
		Kind:        kind,
		StripeCount: s.StripeCount,
		SpinCount:   s.SpinCount,
		Backoff:     time.Duration(s.BackoffUS) * time.Microsecond,
		MaxBackoff:  time.Duration(s.MaxBackoffUS) * time.Microsecond,
	}
	return cfg, cfg.Validate()
}

// MemTableConfig converts the memtable section together with the sync section.
func (c *Config) MemTableConfig() (memtable.Config, error) {
	lc, err := c.Sync.LockConfig()
	if err != nil {
		return memtable.Config{}, err
	}
	m := c.MemTable
	cfg := memtable.Config{
		MaxSize:                m.MaxSize,
		MaxLevel:               m.MaxLevel,
		Lock:                   lc,
		BloomFilter:            m.BloomFilter,
		BloomExpectedItems:     m.BloomExpectedItems,
		BloomFalsePositiveRate: m.BloomFalsePositiveRate,
		FlushThreshold:         m.FlushThreshold,
	}
	return cfg, cfg.Validate()
}

// Options converts the wal section into an option function for wal.Open.
func (w WALConfig) Options() (func(o *wal.Options), error) {
	compression, err := wal.ParseCompression(w.Compression)
	if err != nil {
		return nil, err
	}
	fn := func(o *wal.Options) {
		o.BufferSize = w.BufferSize
		o.GroupCommit = w.EnableGroupCommit
		o.GroupCommitInterval = time.Duration(w.GroupCommitIntervalMS) * time.Millisecond
		o.GroupCommitRecords = w.GroupCommitRecords
		o.AsyncFlush = w.EnableAsyncFlush
		o.Checksum = w.EnableChecksum
		o.Compression = compression
		o.CompressionThreshold = w.CompressionThreshold
		o.IOLimitBytesPerSec = w.IOLimitBytesPerSec
	}

	probe := wal.DefaultOptions
	fn(&probe)
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	return fn, nil
}

// RecoverOptions converts the recovery related settings of the wal section.
func (w WALConfig) RecoverOptions() func(o *wal.RecoverOptions) {
	return func(o *wal.RecoverOptions) {
		o.Mmap = w.RecoverMmap
		o.VerifyChecksum = w.EnableChecksum
	}
}

func (a ArchiveConfig) validate() error {
	switch strings.ToLower(a.Kind) {
	case "", "none":
		return nil
	case "local":
		if a.Path == "" {
			return kverr.Paramf("local archive needs path")
		}
	case "minio":
		if a.Endpoint == "" || a.Bucket == "" {
			return kverr.Paramf("minio archive needs endpoint and bucket")
		}
	case "s3":
		if a.Bucket == "" {
			return kverr.Paramf("s3 archive needs bucket")
		}
	default:
		return kverr.Paramf("unknown archive kind %q", a.Kind)
	}
	return nil
}

// Enabled reports whether an archive target is configured.
func (a ArchiveConfig) Enabled() bool {
	k := strings.ToLower(a.Kind)
	return k != "" && k != "none"
}

// Open builds the configured archive store. It returns nil when archiving
// is disabled.
func (a ArchiveConfig) Open(ctx context.Context) (blobstore.Store, error) {
	if err := a.validate(); err != nil {
		return nil, err
	}
	switch strings.ToLower(a.Kind) {
	case "local":
		return blobstore.NewLocalStore(a.Path), nil
	case "minio":
		st, err := minio.New(minio.Config{
			Endpoint:  a.Endpoint,
			AccessKey: a.AccessKey,
			SecretKey: a.SecretKey,
			Secure:    a.Secure,
			Region:    a.Region,
		}, a.Bucket, a.Prefix)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "s3":
		opts := []func(o *s3.Options){s3.WithPrefix(a.Prefix)}
		if a.Region != "" {
			opts = append(opts, s3.WithRegion(a.Region))
		}
		if a.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(a.Endpoint))
		}
		st, err := s3.New(ctx, a.Bucket, opts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, nil
	}
}

func (l LogConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		return kverr.Paramf("invalid log level %q", l.Level)
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
	default:
		return kverr.Paramf("invalid log format %q", l.Format)
	}
	if l.File != "" && (l.MaxSizeMB <= 0 || l.MaxSizeMB > 1024) {
		return kverr.Paramf("max_size_mb must be between 1 and 1024")
	}
	if l.MaxBackups < 0 || l.MaxAgeDays < 0 {
		return kverr.Paramf("negative log retention")
	}
	return nil
}
