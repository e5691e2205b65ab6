package archive

import (
	"log/slog"

	"github.com/meigma/imgfactory/core/overlay"
)

// Option configures a Document.
type Option func(*Document)

// WithLogger sets the logger for document operations.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Document) {
		d.logger = logger
	}
}

// WithVariant forces the container variant instead of detecting it from
// the path and file contents.
func WithVariant(v Variant) Option {
	return func(d *Document) {
		d.forceVariant = v
	}
}

// WithOverlay sets the store that holds payloads added or replaced since
// the last rebuild. Defaults to an in-memory store.
//
// The store is reset on every successful rebuild and on Close, so it must
// not be shared between documents.
func WithOverlay(s overlay.Store) Option {
	return func(d *Document) {
		d.overlay = s
	}
}

// WithOverlayDir stages pending payloads on disk in a private directory
// created under dir instead of in memory. The directory is removed on
// Close. WithOverlay takes precedence.
func WithOverlayDir(dir string) Option {
	return func(d *Document) {
		d.overlayDir = dir
	}
}

// WithHistoryLimit caps the number of mutation records kept for undo.
// The oldest records are discarded first. Values <= 0, the default, keep
// every record.
func WithHistoryLimit(n int) Option {
	return func(d *Document) {
		d.historyLimit = n
	}
}

// WithStrictNames makes Open fail with ErrNameNotNullTerminated instead of
// sanitizing names that fill the whole 24-byte field.
func WithStrictNames(strict bool) Option {
	return func(d *Document) {
		d.strict = strict
	}
}
