package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/absfs/pagevault"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the config file when --config is not given
const EnvConfigPath = "PAGEVAULT_CONFIG"

// Config represents the CLI configuration
type Config struct {
	KDF         KDFConfig     `yaml:"kdf"`
	ChunkSize   int           `yaml:"chunk_size"`
	Compression string        `yaml:"compression"`
	Parallel    bool          `yaml:"parallel"`
	CacheDir    string        `yaml:"cache_dir"`
	AuditLog    string        `yaml:"audit_log"`
	MetricsFile string        `yaml:"metrics_file"`
	Logging     LoggingConfig `yaml:"logging"`
}

// KDFConfig is the Argon2id cost written into new slots
type KDFConfig struct {
	MemoryKiB   uint32 `yaml:"memory_kib"`
	Iterations  uint32 `yaml:"iterations"`
	Parallelism uint8  `yaml:"parallelism"`
}

// LoggingConfig controls console verbosity
type LoggingConfig struct {
	Verbose bool `yaml:"verbose"`
	Debug   bool `yaml:"debug"`
}

// Default returns the configuration used when no file is present
func Default() *Config {
	kdf := pagevault.DefaultKDFParams()
	return &Config{
		KDF: KDFConfig{
			MemoryKiB:   kdf.Memory,
			Iterations:  kdf.Iterations,
			Parallelism: kdf.Parallelism,
		},
		ChunkSize:   pagevault.DefaultChunkSize,
		Compression: string(pagevault.CompressionDeflate),
		Parallel:    true,
	}
}

// Load reads a YAML file on top of the defaults. An empty path falls back to
// $PAGEVAULT_CONFIG; when neither is set only defaults and environment
// overrides apply.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PAGEVAULT_CHUNK_SIZE"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil {
			log.Printf("Warning: invalid PAGEVAULT_CHUNK_SIZE value %q, using %d: %v", v, cfg.ChunkSize, err)
		} else {
			cfg.ChunkSize = size
		}
	}
	if dir := os.Getenv("PAGEVAULT_CACHE_DIR"); dir != "" {
		cfg.CacheDir = dir
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.KDFParams().Validate(); err != nil {
		return err
	}
	if err := pagevault.ValidateChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if err := pagevault.Compression(strings.ToLower(c.Compression)).Validate(); err != nil {
		return err
	}
	return nil
}

// KDFParams converts the KDF section to library parameters
func (c *Config) KDFParams() pagevault.KDFParams {
	return pagevault.KDFParams{
		Memory:      c.KDF.MemoryKiB,
		Iterations:  c.KDF.Iterations,
		Parallelism: c.KDF.Parallelism,
	}
}

// EncryptOptions builds export options from the config. Slots, Rand and
// Logger are left for the caller.
func (c *Config) EncryptOptions() pagevault.EncryptOptions {
	opts := pagevault.EncryptOptions{
		ChunkSize:   c.ChunkSize,
		KDF:         c.KDFParams(),
		Compression: pagevault.Compression(strings.ToLower(c.Compression)),
	}
	if c.Parallel {
		opts.Parallel = pagevault.DefaultParallelConfig()
	}
	return opts
}
