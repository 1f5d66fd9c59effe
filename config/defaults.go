package config

import (
	"github.com/viant/sqlite-dedup/fingerprint"
	"github.com/viant/sqlite-dedup/partition"
	"github.com/viant/sqlite-dedup/prefilter"
)

const (
	DefaultThreshold  = 4
	DefaultLinkFormat = "https://t.me/c/%s/%d"
	DefaultSQLiteDSN  = "./dedup.sqlite"
	DefaultBadgerDir  = "./dedup.badger"
	DefaultHashSize   = 16
)

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	if cfg.Fingerprint.Algorithm == "" {
		cfg.Fingerprint.Algorithm = string(fingerprint.AlgorithmAverage)
	}
	if cfg.Fingerprint.HashSize == 0 && fingerprint.Algorithm(cfg.Fingerprint.Algorithm) == fingerprint.AlgorithmExtAverage {
		cfg.Fingerprint.HashSize = DefaultHashSize
	}
	if cfg.Fingerprint.Bits == 0 {
		cfg.Fingerprint.Bits = cfg.Fingerprint.derivedBits()
	}
	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = BackendSQLite
	}
	if cfg.Storage.SQLite.DSN == "" {
		cfg.Storage.SQLite.DSN = DefaultSQLiteDSN
	}
	if cfg.Storage.SQLite.TablePrefix == "" {
		cfg.Storage.SQLite.TablePrefix = partition.DefaultPrefix
	}
	if cfg.Storage.Badger.Dir == "" && !cfg.Storage.Badger.InMemory {
		cfg.Storage.Badger.Dir = DefaultBadgerDir
	}
	if cfg.Prefilter.ExpectedItems == 0 {
		cfg.Prefilter.ExpectedItems = prefilter.DefaultExpectedItems
	}
	if cfg.Prefilter.FalsePositiveRate == 0 {
		cfg.Prefilter.FalsePositiveRate = prefilter.DefaultFalsePositiveRate
	}
	if cfg.Report.LinkFormat == "" {
		cfg.Report.LinkFormat = DefaultLinkFormat
	}
}

// Default returns a validated in-memory configuration.
func Default() *Config {
	cfg := &Config{Storage: StorageConfig{Backend: BackendMemory}}
	ApplyDefaults(cfg)
	return cfg
}
