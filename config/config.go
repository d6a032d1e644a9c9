// Package config holds the engine's recognized option set, loadable from
// YAML or built programmatically.
package config

import (
	"fmt"
	"os"

	"github.com/INLOpen/melange/core"
	"gopkg.in/yaml.v3"
)

// SmartFlushConfig drives the adaptive flush controller.
type SmartFlushConfig struct {
	Enabled                    bool   `yaml:"enabled"`
	BaseIntervalMs             int    `yaml:"base_interval_ms"`
	MinIntervalMs              int    `yaml:"min_interval_ms"`
	MaxIntervalMs              int    `yaml:"max_interval_ms"`
	WriteRateThreshold         uint64 `yaml:"write_rate_threshold"`
	AccumulatedBytesThreshold  int64  `yaml:"accumulated_bytes_threshold"`
}

// Config is the full engine option set.
type Config struct {
	// Path is the directory containing slab files and the metadata log.
	Path string `yaml:"path"`

	// CacheCapacityBytes is the soft upper bound on object-cache memory.
	CacheCapacityBytes int64 `yaml:"cache_capacity_bytes"`

	// FlushEveryMs enables the legacy fixed-interval background flush.
	// Mutually exclusive with SmartFlush.Enabled.
	FlushEveryMs int `yaml:"flush_every_ms"`

	SmartFlush SmartFlushConfig `yaml:"smart_flush"`

	// CompressionAlgorithm is one of none|lz4|zstd|snappy, applied per
	// frame payload.
	CompressionAlgorithm string `yaml:"compression_algorithm"`

	// ZstdCompressionLevel applies when CompressionAlgorithm is zstd.
	ZstdCompressionLevel int `yaml:"zstd_compression_level"`

	// LeafFanout bounds the number of entries per leaf.
	LeafFanout int `yaml:"leaf_fanout"`
}

// Default returns the engine defaults.
func Default() Config {
	return Config{
		CacheCapacityBytes:   512 * 1024 * 1024,
		FlushEveryMs:         200,
		ZstdCompressionLevel: 3,
		CompressionAlgorithm: "none",
		LeafFanout:           1024,
		SmartFlush: SmartFlushConfig{
			Enabled:                   false,
			BaseIntervalMs:            200,
			MinIntervalMs:             50,
			MaxIntervalMs:             2000,
			WriteRateThreshold:        10000,
			AccumulatedBytesThreshold: 4 * 1024 * 1024,
		},
	}
}

// Load reads a YAML config file and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config.load %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config.load %s: %v: %w", path, err, core.ErrInvalidArgument)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate applies defaults to zero values and rejects malformed knobs.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required: %w", core.ErrInvalidArgument)
	}
	if c.CacheCapacityBytes < 0 {
		return fmt.Errorf("config: cache_capacity_bytes must be >= 0: %w", core.ErrInvalidArgument)
	}
	if c.CacheCapacityBytes == 0 {
		c.CacheCapacityBytes = Default().CacheCapacityBytes
	}
	if c.LeafFanout == 0 {
		c.LeafFanout = Default().LeafFanout
	}
	if c.LeafFanout < 3 {
		return fmt.Errorf("config: leaf_fanout must be 3 or greater: %w", core.ErrInvalidArgument)
	}
	if _, err := core.ParseCompressionType(c.CompressionAlgorithm); err != nil {
		return fmt.Errorf("config: unknown compression_algorithm %q: %w", c.CompressionAlgorithm, core.ErrInvalidArgument)
	}
	if c.ZstdCompressionLevel == 0 {
		c.ZstdCompressionLevel = Default().ZstdCompressionLevel
	}

	sf := &c.SmartFlush
	if sf.Enabled && c.FlushEveryMs > 0 && c.FlushEveryMs != Default().FlushEveryMs {
		return fmt.Errorf("config: flush_every_ms and smart_flush.enabled are mutually exclusive: %w", core.ErrInvalidArgument)
	}
	if sf.BaseIntervalMs == 0 {
		sf.BaseIntervalMs = Default().SmartFlush.BaseIntervalMs
	}
	if sf.MinIntervalMs == 0 {
		sf.MinIntervalMs = Default().SmartFlush.MinIntervalMs
	}
	if sf.MaxIntervalMs == 0 {
		sf.MaxIntervalMs = Default().SmartFlush.MaxIntervalMs
	}
	if sf.MinIntervalMs > sf.MaxIntervalMs {
		return fmt.Errorf("config: smart_flush.min_interval_ms exceeds max_interval_ms: %w", core.ErrInvalidArgument)
	}
	if sf.WriteRateThreshold == 0 {
		sf.WriteRateThreshold = Default().SmartFlush.WriteRateThreshold
	}
	if sf.AccumulatedBytesThreshold == 0 {
		sf.AccumulatedBytesThreshold = Default().SmartFlush.AccumulatedBytesThreshold
	}
	return nil
}

// CompressionType returns the parsed compression algorithm.
func (c *Config) CompressionType() core.CompressionType {
	ct, _ := core.ParseCompressionType(c.CompressionAlgorithm)
	return ct
}
