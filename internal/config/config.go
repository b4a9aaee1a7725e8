// Package config collects the environment and file configuration consumed by
// the proxy and the frameserver core.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Environment variable names that form the external interface.
const (
	EnvConnPath  = "ARCAN_CONNPATH"
	EnvStatePath = "ARCAN_STATEPATH"
	EnvCacheDir  = "A12_CACHE_DIR"
)

// Proxy holds proxy defaults loadable from fsrv-net.yaml, overridden by
// flags.
type Proxy struct {
	RetryCount   int    `yaml:"retry_count,omitempty"`
	Trace        string `yaml:"trace,omitempty"`
	SingleClient bool   `yaml:"single_client,omitempty"`
	NoRedirect   bool   `yaml:"no_redirect,omitempty"`
	LogLevel     string `yaml:"log_level,omitempty"`
	LogFile      string `yaml:"log_file,omitempty"`
}

// Config is the merged environment + file view.
type Config struct {
	ConnPath  string
	StatePath string
	CacheDir  string
	Proxy     Proxy
}

// Load reads the environment and, when present, the config file in the state
// directory. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	cfg := &Config{
		ConnPath:  os.Getenv(EnvConnPath),
		StatePath: os.Getenv(EnvStatePath),
		CacheDir:  os.Getenv(EnvCacheDir),
		Proxy:     Proxy{LogLevel: "info"},
	}
	if cfg.StatePath == "" {
		if home := os.Getenv("HOME"); home != "" {
			cfg.StatePath = filepath.Join(home, ".fsrv")
		}
	}

	path := filepath.Join(cfg.StatePath, "fsrv-net.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg.Proxy); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// EnsureCacheDir validates and creates the binary-blob cache directory when
// one is configured.
func (c *Config) EnsureCacheDir() error {
	if c.CacheDir == "" {
		return nil
	}
	st, err := os.Stat(c.CacheDir)
	if err == nil {
		if !st.IsDir() {
			return fmt.Errorf("%s: not a directory", c.CacheDir)
		}
		return nil
	}
	return os.MkdirAll(c.CacheDir, 0700)
}
