// Package config loads ShadowBox's on-disk YAML configuration into the
// struct the core accepts at construction time.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the single struct the core accepts. Every field has a sane
// zero-value default applied by Load.
type Config struct {
	StorageRoot     string `yaml:"storage_root"`
	DBPath          string `yaml:"db_path"`
	AutoLockMinutes int    `yaml:"auto_lock_minutes"`
	MaxFileSize     int64  `yaml:"max_file_size"`
	SharePort       int    `yaml:"share_port"`

	// Share, when non-nil, tells the daemon to open one Box at startup and
	// keep it advertised and served on the LAN for as long as the daemon
	// runs. Omit it entirely to run with sharing off.
	Share *ShareConfig `yaml:"share,omitempty"`
}

// ShareConfig names the Box the daemon auto-shares at startup and the
// password needed to unlock it.
type ShareConfig struct {
	BoxID     string   `yaml:"box_id"`
	Password  string   `yaml:"password"`
	Selection []string `yaml:"selection,omitempty"`
}

const (
	DefaultAutoLockMinutes = 15
	DefaultMaxFileSize     = 100 * 1024 * 1024 // 100 MiB
)

// Default returns a Config with every field set to its default value,
// rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		StorageRoot:     filepath.Join(dataDir, "storage"),
		DBPath:          filepath.Join(dataDir, "shadowbox.db"),
		AutoLockMinutes: DefaultAutoLockMinutes,
		MaxFileSize:     DefaultMaxFileSize,
		SharePort:       0,
	}
}

// Load reads a YAML config file at path and fills in defaults (rooted at
// the file's directory) for any field left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default(filepath.Dir(path))
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults(dataDir string) {
	if c.StorageRoot == "" {
		c.StorageRoot = filepath.Join(dataDir, "storage")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dataDir, "shadowbox.db")
	}
	if c.AutoLockMinutes == 0 {
		c.AutoLockMinutes = DefaultAutoLockMinutes
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = DefaultMaxFileSize
	}
}

// Validate checks that the config is internally consistent.
func (c *Config) Validate() error {
	if c.StorageRoot == "" {
		return fmt.Errorf("storage_root must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.AutoLockMinutes < 0 {
		return fmt.Errorf("auto_lock_minutes must be >= 0")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max_file_size must be > 0")
	}
	if c.SharePort < 0 || c.SharePort > 65535 {
		return fmt.Errorf("share_port must be between 0 and 65535")
	}
	if c.Share != nil && c.Share.BoxID == "" {
		return fmt.Errorf("share.box_id must not be empty when share is configured")
	}
	return nil
}
