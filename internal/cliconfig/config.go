// Package cliconfig loads imgfactory CLI configuration from defaults, a
// TOML file, IMGFACTORY_* environment variables, and explicitly set flags,
// in increasing order of precedence.
package cliconfig

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"strconv"
	"strings"

	"github.com/meigma/imgfactory"
)

// Config holds CLI configuration.
type Config struct {
	RebuildMode       string
	MaxConcurrency    int
	Backup            bool
	BackupCompression string
	OverlayDir        string
	HistoryLimit      int
	LogLevel          string
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		RebuildMode:       "safe",
		MaxConcurrency:    runtime.GOMAXPROCS(0),
		BackupCompression: "none",
		LogLevel:          "info",
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := imgfactory.ParseMode(c.RebuildMode); err != nil {
		return err
	}
	if _, err := imgfactory.ParseCompression(c.BackupCompression); err != nil {
		return err
	}
	if c.MaxConcurrency <= 0 {
		return errors.New("max concurrency must be positive")
	}
	if c.HistoryLimit < 0 {
		return errors.New("history limit must not be negative")
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Mode returns the parsed rebuild mode. Call Validate first.
func (c *Config) Mode() imgfactory.Mode {
	m, _ := imgfactory.ParseMode(c.RebuildMode) //nolint:errcheck // checked by Validate
	return m
}

// Compression returns the parsed backup codec. Call Validate first.
func (c *Config) Compression() imgfactory.Compression {
	comp, _ := imgfactory.ParseCompression(c.BackupCompression) //nolint:errcheck // checked by Validate
	return comp
}

// ClientOptions translates the configuration into client options.
func (c *Config) ClientOptions(logger *slog.Logger) []imgfactory.Option {
	opts := []imgfactory.Option{
		imgfactory.WithLogger(logger),
		imgfactory.WithMaxConcurrency(c.MaxConcurrency),
		imgfactory.WithHistoryLimit(c.HistoryLimit),
	}
	if c.OverlayDir != "" {
		opts = append(opts, imgfactory.WithOverlayDir(c.OverlayDir))
	}
	if c.Backup {
		opts = append(opts, imgfactory.WithDefaultBackup(c.Compression()))
	}
	return opts
}

// NewLogger returns a text logger writing to w at the configured level.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// configSetter applies configuration values while respecting flag
// precedence. It only applies values whose flag was not explicitly set.
type configSetter struct {
	changed map[string]bool
}

func newConfigSetter(changed map[string]bool) *configSetter {
	return &configSetter{changed: changed}
}

func (s *configSetter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *configSetter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *configSetter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if i <= 0 {
		return nil
	}
	*dst = i
	return nil
}

// setBoolFromString accepts "true" and "1" as true, anything else as false.
func (s *configSetter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value == "true" || value == "1"
}
