// Package config loads the YAML configuration of the dedup service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/viant/sqlite-dedup/fingerprint"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config holds all configuration for the service.
type Config struct {
	Debug       bool              `yaml:"debug"`
	Fingerprint FingerprintConfig `yaml:"fingerprint"`
	Index       IndexConfig       `yaml:"index"`
	Storage     StorageConfig     `yaml:"storage"`
	Prefilter   PrefilterConfig   `yaml:"prefilter"`
	Report      ReportConfig      `yaml:"report"`
}

// FingerprintConfig selects the image hash. Bits is derived from the
// algorithm when unset.
type FingerprintConfig struct {
	Bits      int    `yaml:"bits"`
	Algorithm string `yaml:"algorithm"`
	HashSize  int    `yaml:"hash_size"`
}

// IndexConfig holds matching and backpressure settings.
type IndexConfig struct {
	Threshold          *int          `yaml:"threshold"`
	MaxConcurrentScans int           `yaml:"max_concurrent_scans"`
	MaxPartitionSize   int           `yaml:"max_partition_size"`
	Timeout            time.Duration `yaml:"timeout"`
}

// ThresholdOrDefault returns the configured threshold; 4 when unset.
func (c *IndexConfig) ThresholdOrDefault() int {
	if c.Threshold != nil {
		return *c.Threshold
	}
	return DefaultThreshold
}

// StorageConfig selects and configures the storage backend.
type StorageConfig struct {
	Backend string       `yaml:"backend"`
	SQLite  SQLiteConfig `yaml:"sqlite"`
	Badger  BadgerConfig `yaml:"badger"`
	Memory  MemoryConfig `yaml:"memory"`
}

type SQLiteConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

type BadgerConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

// MemoryConfig configures the in-process backend.
type MemoryConfig struct {
	// VPTree answers near-duplicate queries from a VP-tree instead of a
	// linear scan.
	VPTree bool `yaml:"vp_tree"`
}

// PrefilterConfig configures the bloom pre-filter and its side table. An
// empty Path keeps the filter in memory; it is then rebuilt from storage at
// every start.
type PrefilterConfig struct {
	Enabled           bool    `yaml:"enabled"`
	Path              string  `yaml:"path"`
	ExpectedItems     uint    `yaml:"expected_items"`
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	SideTable         bool    `yaml:"side_table"`
	// SideTableDir persists the side table with badger; empty keeps it in
	// memory.
	SideTableDir string `yaml:"side_table_dir"`
}

// ReportConfig controls how matches are rendered.
type ReportConfig struct {
	// LinkFormat receives the chat id without its "-100" prefix and the
	// message id.
	LinkFormat string `yaml:"link_format"`
}

// Load reads and parses the config file at path, applies defaults, expands
// paths and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	if !isMemoryDSN(cfg.Storage.SQLite.DSN) {
		cfg.Storage.SQLite.DSN = expandPath(cfg.Storage.SQLite.DSN, configDir)
	}
	cfg.Storage.Badger.Dir = expandPath(cfg.Storage.Badger.Dir, configDir)
	cfg.Prefilter.Path = expandPath(cfg.Prefilter.Path, configDir)
	cfg.Prefilter.SideTableDir = expandPath(cfg.Prefilter.SideTableDir, configDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, _, err := fingerprint.NewEncoder(fingerprint.Algorithm(c.Fingerprint.Algorithm), c.Fingerprint.HashSize); err != nil {
		return fmt.Errorf("invalid fingerprint config: %w", err)
	}
	if want := c.Fingerprint.derivedBits(); c.Fingerprint.Bits != want {
		return fmt.Errorf("invalid fingerprint config: %s with hash_size %d yields %d bits, bits is %d",
			c.Fingerprint.Algorithm, c.Fingerprint.HashSize, want, c.Fingerprint.Bits)
	}
	if t := c.Index.ThresholdOrDefault(); t < 0 || t > c.Fingerprint.Bits {
		return fmt.Errorf("invalid index config: threshold %d outside [0, %d]", t, c.Fingerprint.Bits)
	}
	if c.Index.MaxConcurrentScans < 0 || c.Index.MaxPartitionSize < 0 || c.Index.Timeout < 0 {
		return fmt.Errorf("invalid index config: negative limit")
	}
	switch c.Storage.Backend {
	case BackendSQLite:
		if c.Storage.SQLite.DSN == "" {
			return fmt.Errorf("invalid storage config: sqlite.dsn is required")
		}
	case BackendBadger:
		if !c.Storage.Badger.InMemory && c.Storage.Badger.Dir == "" {
			return fmt.Errorf("invalid storage config: badger.dir is required unless in_memory")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("invalid storage config: unknown backend %q", c.Storage.Backend)
	}
	if c.Prefilter.Enabled {
		if r := c.Prefilter.FalsePositiveRate; r <= 0 || r >= 1 {
			return fmt.Errorf("invalid prefilter config: false_positive_rate %v outside (0, 1)", r)
		}
	}
	if strings.Count(c.Report.LinkFormat, "%") != 2 {
		return fmt.Errorf("invalid report config: link_format %q needs a chat and a message verb", c.Report.LinkFormat)
	}
	return nil
}

func (f FingerprintConfig) derivedBits() int {
	if fingerprint.Algorithm(f.Algorithm) == fingerprint.AlgorithmExtAverage {
		return f.HashSize * f.HashSize
	}
	return 64
}

func isMemoryDSN(dsn string) bool {
	return dsn == ":memory:" || strings.HasPrefix(dsn, "file:")
}

// expandPath resolves "./" paths against configDir and "~/" against the home
// directory. Other paths are returned unchanged.
func expandPath(path string, configDir string) string {
	switch {
	case path == "" || filepath.IsAbs(path):
		return path
	case strings.HasPrefix(path, "./") || path == ".":
		return filepath.Join(configDir, path)
	case strings.HasPrefix(path, "~/"):
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
