package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"
)

// Config holds shmctl defaults loaded from the user config file. Every
// field can still be overridden per invocation with flags.
type Config struct {
	SegmentDir  string `json:"segment_dir"`            //nolint:tagliatelle // snake_case for config file
	MaxSize     int    `json:"maxsize,omitempty"`      //nolint:tagliatelle
	LockTimeout string `json:"lock_timeout,omitempty"` //nolint:tagliatelle
}

var errConfigInvalid = errors.New("invalid config")

// DefaultConfig returns the built-in defaults used when no config file
// exists.
func DefaultConfig() Config {
	return Config{
		SegmentDir: "/dev/shm",
		MaxSize:    4096,
	}
}

// lockTimeout parses the configured lock timeout, falling back to zero
// (library default) when unset.
func (c Config) lockTimeout() (time.Duration, error) {
	if c.LockTimeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.LockTimeout)
	if err != nil {
		return 0, fmt.Errorf("%w: lock_timeout: %w", errConfigInvalid, err)
	}

	return d, nil
}

// getConfigPath returns the path to the user config file.
// Uses $XDG_CONFIG_HOME/shmctl/config.json if set, otherwise
// ~/.config/shmctl/config.json. Returns empty string if the home
// directory cannot be determined.
func getConfigPath() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "shmctl", "config.json")
	}

	home, err := os.UserHomeDir()
	if err == nil {
		return filepath.Join(home, ".config", "shmctl", "config.json")
	}

	return ""
}

// LoadConfig loads configuration with the following precedence
// (highest wins):
// 1. Defaults
// 2. User config file (JSONC, comments and trailing commas allowed)
// 3. CLI flags (applied by the caller).
//
// Returns the config and the path of the file actually loaded, empty if
// none existed.
func LoadConfig() (Config, string, error) {
	cfg := DefaultConfig()

	path := getConfigPath()
	if path == "" {
		return cfg, "", nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // path derives from the user's own home
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, "", nil
		}

		return Config{}, "", fmt.Errorf("read config %s: %w", path, err)
	}

	fileCfg, err := parseConfig(data)
	if err != nil {
		return Config{}, "", fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
	}

	return mergeConfig(cfg, fileCfg), path, nil
}

func parseConfig(data []byte) (Config, error) {
	// Standardize JSONC to JSON
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var cfg Config

	if err := json.Unmarshal(standardized, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid JSON: %w", err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.SegmentDir != "" {
		base.SegmentDir = overlay.SegmentDir
	}

	if overlay.MaxSize > 0 {
		base.MaxSize = overlay.MaxSize
	}

	if overlay.LockTimeout != "" {
		base.LockTimeout = overlay.LockTimeout
	}

	return base
}
