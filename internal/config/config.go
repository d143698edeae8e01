// Package config loads configuration from environment variables and the
// YAML mount table.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrMountsNotFound is returned when the mount table file does not exist.
var ErrMountsNotFound = errors.New("mount table not found")

// Config holds all runtime configuration.
type Config struct {
	// Logging
	LogLevel  string
	LogFormat string
	LogOutput string

	// Metrics
	MetricsAddr string

	// Mount table
	MountsFile string
	Volumes    []VolumeConfig

	// File system
	NotifyTick  time.Duration
	MaxFileSize int64
	Exclude     []string
}

// VolumeConfig describes one mounted volume.
type VolumeConfig struct {
	Mount  string         `yaml:"mount"`
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config"`
}

// RawConfig returns the adapter settings encoded as JSON, the form the
// adapter factory accepts.
func (v VolumeConfig) RawConfig() (json.RawMessage, error) {
	if len(v.Config) == 0 {
		return json.RawMessage("{}"), nil
	}
	raw, err := json.Marshal(v.Config)
	if err != nil {
		return nil, fmt.Errorf("encode %s config for %s: %w", v.Type, v.Mount, err)
	}
	return raw, nil
}

type mountTable struct {
	Volumes []VolumeConfig `yaml:"volumes"`
}

// Load reads configuration from an optional .env file, the environment,
// and the mount table named by VFS_MOUNTS_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFormat:   envOr("LOG_FORMAT", "json"),
		LogOutput:   envOr("LOG_OUTPUT", "stderr"),
		MetricsAddr: envOr("METRICS_ADDR", ""),
		MountsFile:  envOr("VFS_MOUNTS_FILE", "vfs.yaml"),
		NotifyTick:  envDuration("VFS_NOTIFY_TICK", 25*time.Millisecond),
		MaxFileSize: envInt64("VFS_MAX_FILE_SIZE", 16*1024*1024), // 16MB default
		Exclude:     envList("VFS_EXCLUDE"),
	}

	if cfg.NotifyTick <= 0 {
		return nil, fmt.Errorf("VFS_NOTIFY_TICK must be positive")
	}

	volumes, err := LoadMounts(cfg.MountsFile)
	if err != nil && !errors.Is(err, ErrMountsNotFound) {
		return nil, err
	}
	cfg.Volumes = volumes

	return cfg, nil
}

// LoadMounts parses a YAML mount table.
func LoadMounts(path string) ([]VolumeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMountsNotFound
		}
		return nil, fmt.Errorf("read mount table %s: %w", path, err)
	}

	var table mountTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse mount table %s: %w", path, err)
	}

	for i, v := range table.Volumes {
		if v.Mount == "" {
			return nil, fmt.Errorf("volume %d: mount is required", i)
		}
		if v.Type == "" {
			return nil, fmt.Errorf("volume %s: type is required", v.Mount)
		}
	}
	return table.Volumes, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
