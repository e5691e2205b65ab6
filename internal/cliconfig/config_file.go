package cliconfig

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	toml "github.com/pelletier/go-toml/v2"
)

// Flag names that configuration values map to.
const (
	FlagMode              = "mode"
	FlagConcurrency       = "concurrency"
	FlagBackup            = "backup"
	FlagBackupCompression = "backup-compression"
	FlagOverlayDir        = "overlay-dir"
	FlagHistoryLimit      = "history-limit"
	FlagLogLevel          = "log-level"
)

// FileConfig mirrors Config as it appears in the TOML file.
type FileConfig struct {
	RebuildMode       string `toml:"rebuild_mode"`
	MaxConcurrency    int    `toml:"max_concurrency"`
	Backup            *bool  `toml:"backup"`
	BackupCompression string `toml:"backup_compression"`
	OverlayDir        string `toml:"overlay_dir"`
	HistoryLimit      int    `toml:"history_limit"`
	LogLevel          string `toml:"log_level"`
}

// LoadFileConfig reads and parses a TOML config file.
func LoadFileConfig(path string) (FileConfig, error) {
	var fc FileConfig
	b, err := os.ReadFile(path) //nolint:gosec // user-provided config path
	if err != nil {
		return fc, err
	}
	if err := toml.Unmarshal(b, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// DefaultConfigPath returns ~/.imgfactory/config.toml, or "" when the home
// directory is unknown.
func DefaultConfigPath() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".imgfactory", "config.toml")
	}
	return ""
}

// ApplyFileConfig applies file values to cfg, skipping fields whose flag
// was explicitly set.
func ApplyFileConfig(cfg *Config, fc FileConfig, changed map[string]bool) {
	s := newConfigSetter(changed)
	s.setString(FlagMode, fc.RebuildMode, &cfg.RebuildMode)
	s.setInt(FlagConcurrency, fc.MaxConcurrency, &cfg.MaxConcurrency)
	s.setBool(FlagBackup, fc.Backup, &cfg.Backup)
	s.setString(FlagBackupCompression, fc.BackupCompression, &cfg.BackupCompression)
	s.setString(FlagOverlayDir, fc.OverlayDir, &cfg.OverlayDir)
	s.setInt(FlagHistoryLimit, fc.HistoryLimit, &cfg.HistoryLimit)
	s.setString(FlagLogLevel, fc.LogLevel, &cfg.LogLevel)
}

// Load layers the config file at path (DefaultConfigPath when empty) and
// the environment over cfg, then validates it. A missing file is not an
// error.
func Load(cfg *Config, path string, changed map[string]bool) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if path != "" {
		fc, err := LoadFileConfig(path)
		switch {
		case err == nil:
			ApplyFileConfig(cfg, fc, changed)
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
	}
	if err := ApplyEnvConfig(cfg, changed); err != nil {
		return err
	}
	return cfg.Validate()
}
