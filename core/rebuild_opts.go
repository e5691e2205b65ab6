package archive

import (
	"fmt"
	"strings"
)

// Mode selects how much a rebuild trusts the in-memory directory.
type Mode uint8

const (
	// ModeFast trusts the in-memory metadata. Entries whose bytes cannot
	// be read are skipped, reported in RebuildResult.Skipped, and dropped.
	ModeFast Mode = iota

	// ModeSafe checks every on-disk span against the data file before
	// writing and verifies the written directory before the swap. Any
	// failure aborts the rebuild and leaves the archive untouched.
	ModeSafe
)

// String returns the name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeFast:
		return "fast"
	case ModeSafe:
		return "safe"
	default:
		return "unknown"
	}
}

// ParseMode parses "fast" or "safe".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "fast":
		return ModeFast, nil
	case "safe":
		return ModeSafe, nil
	default:
		return 0, fmt.Errorf("unknown rebuild mode %q", s)
	}
}

// RebuildOption configures a rebuild.
type RebuildOption func(*rebuildConfig)

type rebuildConfig struct {
	backup      bool
	compression Compression
	progress    ProgressFunc
}

// WithBackup copies the current archive files aside before they are
// replaced, compressed with c. An existing backup is never overwritten, so
// the first backup taken stays the pristine original.
func WithBackup(c Compression) RebuildOption {
	return func(cfg *rebuildConfig) {
		cfg.backup = true
		cfg.compression = c
	}
}

// WithProgress sets a callback to receive progress updates during the
// rebuild.
func WithProgress(fn ProgressFunc) RebuildOption {
	return func(cfg *rebuildConfig) {
		cfg.progress = fn
	}
}
