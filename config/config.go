package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the hub daemon's on-disk configuration.
type Config struct {
	// ListenAddress is the bind address for the HTTP API.
	ListenAddress string `toml:"listen_address"`
	// DataDir holds the LevelDB state database.
	DataDir string `toml:"data_dir"`
	// LogLevel selects the minimum severity emitted (debug, info, warn, error).
	LogLevel string `toml:"log_level"`
	// ChainID identifies the hub ledger in cross-chain messages.
	ChainID uint64 `toml:"chain_id"`
	// PriceMaxAgeSeconds bounds how old a price observation may be before
	// risk checks reject it as stale. Zero disables the staleness check.
	PriceMaxAgeSeconds int64 `toml:"price_max_age_seconds"`
	// DispatchTimeoutSeconds bounds how long a dispatched intent may wait
	// for its result before it becomes eligible for re-dispatch.
	DispatchTimeoutSeconds int64 `toml:"dispatch_timeout_seconds"`
	// PausedModules lists native modules whose mutating operations are
	// refused at startup.
	PausedModules []string `toml:"paused_modules"`
}

// Default returns the configuration used when no file exists yet.
func Default() Config {
	return Config{
		ListenAddress:          "127.0.0.1:8651",
		DataDir:                "./data",
		LogLevel:               "info",
		ChainID:                1,
		PriceMaxAgeSeconds:     300,
		DispatchTimeoutSeconds: 60,
	}
}

// PriceMaxAge converts the configured staleness bound to a duration.
func (c Config) PriceMaxAge() time.Duration {
	if c.PriceMaxAgeSeconds <= 0 {
		return 0
	}
	return time.Duration(c.PriceMaxAgeSeconds) * time.Second
}

// DispatchTimeout converts the configured re-dispatch bound to a duration.
func (c Config) DispatchTimeout() time.Duration {
	if c.DispatchTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.DispatchTimeoutSeconds) * time.Second
}

// Load reads the TOML configuration at path. A missing file is created with
// defaults so first runs produce a file the operator can edit.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := writeDefault(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.ListenAddress == "" {
		return Config{}, fmt.Errorf("config: listen_address must not be empty")
	}
	if cfg.DataDir == "" {
		return Config{}, fmt.Errorf("config: data_dir must not be empty")
	}
	return cfg, nil
}

func writeDefault(path string, cfg Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create %s: %w", dir, err)
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return fmt.Errorf("config: write defaults: %w", err)
	}
	return nil
}
