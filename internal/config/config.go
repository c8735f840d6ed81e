// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Host string `json:"host" toml:"host" yaml:"host"`
		Port int    `json:"port" toml:"port" yaml:"port"`
	} `json:"server" toml:"server" yaml:"server"`

	Store struct {
		Path     string `json:"path" toml:"path" yaml:"path"`
		InMemory bool   `json:"in_memory" toml:"in_memory" yaml:"in_memory"`
	} `json:"store" toml:"store" yaml:"store"`

	Blobs BlobConfig `json:"blobs" toml:"blobs" yaml:"blobs"`

	Commit struct {
		MaxRetries int `json:"max_retries" toml:"max_retries" yaml:"max_retries"`
	} `json:"commit" toml:"commit" yaml:"commit"`

	Workspace struct {
		Ignore     []string `json:"ignore" toml:"ignore" yaml:"ignore"`
		DebounceMs int      `json:"debounce_ms" toml:"debounce_ms" yaml:"debounce_ms"`
	} `json:"workspace" toml:"workspace" yaml:"workspace"`

	Environment string `json:"environment" toml:"environment" yaml:"environment"` // dev, prod
	LogLevel    string `json:"log_level" toml:"log_level" yaml:"log_level"`       // debug, info, warn, error
}

// BlobConfig selects where blob bytes live. Metadata always lives in the store.
type BlobConfig struct {
	Backend          string `json:"backend" toml:"backend" yaml:"backend"` // fs, s3, gcs
	Bucket           string `json:"bucket" toml:"bucket" yaml:"bucket"`
	Region           string `json:"region" toml:"region" yaml:"region"`
	Endpoint         string `json:"endpoint" toml:"endpoint" yaml:"endpoint"`
	Prefix           string `json:"prefix" toml:"prefix" yaml:"prefix"`
	CacheSize        int    `json:"cache_size" toml:"cache_size" yaml:"cache_size"`
	CompressionLevel int    `json:"compression_level" toml:"compression_level" yaml:"compression_level"`
	CompressMinSize  int    `json:"compress_min_size" toml:"compress_min_size" yaml:"compress_min_size"`
	// Bytes written more recently than this are never compacted.
	OrphanGraceMs int `json:"orphan_grace_ms" toml:"orphan_grace_ms" yaml:"orphan_grace_ms"`
}

// Default returns a configuration usable without any file.
func Default() *Config {
	var c Config
	c.Server.Host = "127.0.0.1"
	c.Server.Port = 7420
	c.Store.Path = defaultStorePath()
	c.Blobs.Backend = "fs"
	c.Blobs.CacheSize = 256
	c.Blobs.CompressionLevel = 3
	c.Blobs.CompressMinSize = 512
	c.Blobs.OrphanGraceMs = 60 * 60 * 1000
	c.Commit.MaxRetries = 8
	c.Workspace.Ignore = []string{".git/", ".DS_Store", "*.swp", "*~"}
	c.Workspace.DebounceMs = 200
	c.Environment = "development"
	c.LogLevel = "info"
	return &c
}

func defaultStorePath() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".depot")
	}
	return ".depot"
}

// ConfigPath returns the per-environment config file, selected by DEPOT_ENV.
func ConfigPath() string {
	env := os.Getenv("DEPOT_ENV")
	if env == "" {
		env = "development"
	}
	return fmt.Sprintf("config/config.%s.json", env)
}

// Load reads a config file on top of the defaults. The format follows the
// file extension: .json, .toml, .yaml or .yml.
func Load(path string) (*Config, error) {
	config := Default()

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	case ".json", "":
		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}

	config.applyEnv()
	return config, config.Validate()
}

// LoadOrDefault loads path when it exists and falls back to defaults otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}
	config := Default()
	config.applyEnv()
	return config, config.Validate()
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DEPOT_STORE"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("DEPOT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DEPOT_ENV"); v != "" {
		c.Environment = v
	}
}

// Validate rejects settings the store cannot run with.
func (c *Config) Validate() error {
	if c.Store.Path == "" && !c.Store.InMemory {
		return fmt.Errorf("store.path is required")
	}
	switch c.Blobs.Backend {
	case "", "fs":
	case "s3", "gcs":
		if c.Blobs.Bucket == "" {
			return fmt.Errorf("blobs.bucket is required for the %s backend", c.Blobs.Backend)
		}
	default:
		return fmt.Errorf("unknown blob backend: %s", c.Blobs.Backend)
	}
	if c.Blobs.OrphanGraceMs < 0 {
		return fmt.Errorf("blobs.orphan_grace_ms must not be negative")
	}
	if c.Commit.MaxRetries < 1 {
		return fmt.Errorf("commit.max_retries must be positive")
	}
	return nil
}
