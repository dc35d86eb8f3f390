// Package config loads the coordinator's settings from a YAML file under a
// dotdir: a missing file is not an error, and each field falls back to a
// coded default. Precedence is file < PESTCTL_* environment variable < CLI
// flag — the caller applies flag overrides after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the coordinator's runtime settings (spec.md §6).
type Config struct {
	ListenAddr       string
	ListenBacklog    int
	AuthorityAddr    string
	AuthorityTimeout time.Duration
	MaxFrameSize     uint32
	LogLevel         string
	LogFile          string
}

// fileConfig mirrors the on-disk YAML shape. AuthorityTimeout is a duration
// string ("10s"), parsed with time.ParseDuration, rather than a bare number
// of seconds.
type fileConfig struct {
	ListenAddr       string `yaml:"listen_addr,omitempty"`
	ListenBacklog    int    `yaml:"listen_backlog,omitempty"`
	AuthorityAddr    string `yaml:"authority_addr,omitempty"`
	AuthorityTimeout string `yaml:"authority_timeout,omitempty"`
	MaxFrameSize     uint32 `yaml:"max_frame_size,omitempty"`
	LogLevel         string `yaml:"log_level,omitempty"`
	LogFile          string `yaml:"log_file,omitempty"`
}

func defaults() Config {
	return Config{
		ListenAddr:       "0.0.0.0:8080",
		ListenBacklog:    128,
		AuthorityAddr:    "pestcontrol.protohackers.com:20547",
		AuthorityTimeout: 10 * time.Second,
		MaxFrameSize:     1 << 20,
		LogLevel:         "info",
	}
}

// DefaultPath returns ~/.pestctl/pestctl.yaml, or "" if the home directory
// can't be determined.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".pestctl", "pestctl.yaml")
}

// Load reads path (DefaultPath() if empty), applies coded defaults for
// anything the file doesn't set, then applies PESTCTL_* environment
// overrides. A missing config file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path == "" {
		path = DefaultPath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var fc fileConfig
			if err := yaml.Unmarshal(data, &fc); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
			if err := applyFile(&cfg, fc); err != nil {
				return nil, fmt.Errorf("config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// zero-value file config; coded defaults already in cfg
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyFile(cfg *Config, fc fileConfig) error {
	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.ListenBacklog != 0 {
		cfg.ListenBacklog = fc.ListenBacklog
	}
	if fc.AuthorityAddr != "" {
		cfg.AuthorityAddr = fc.AuthorityAddr
	}
	if fc.AuthorityTimeout != "" {
		d, err := time.ParseDuration(fc.AuthorityTimeout)
		if err != nil {
			return fmt.Errorf("authority_timeout: %w", err)
		}
		cfg.AuthorityTimeout = d
	}
	if fc.MaxFrameSize != 0 {
		cfg.MaxFrameSize = fc.MaxFrameSize
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.LogFile != "" {
		cfg.LogFile = fc.LogFile
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("PESTCTL_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("PESTCTL_LISTEN_BACKLOG"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PESTCTL_LISTEN_BACKLOG: %w", err)
		}
		cfg.ListenBacklog = n
	}
	if v := os.Getenv("PESTCTL_AUTHORITY_ADDR"); v != "" {
		cfg.AuthorityAddr = v
	}
	if v := os.Getenv("PESTCTL_AUTHORITY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PESTCTL_AUTHORITY_TIMEOUT: %w", err)
		}
		cfg.AuthorityTimeout = d
	}
	if v := os.Getenv("PESTCTL_MAX_FRAME_SIZE"); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("PESTCTL_MAX_FRAME_SIZE: %w", err)
		}
		cfg.MaxFrameSize = uint32(n)
	}
	if v := os.Getenv("PESTCTL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PESTCTL_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	return nil
}
