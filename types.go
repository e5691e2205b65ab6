package imgfactory

import (
	archive "github.com/meigma/imgfactory/core"
	"github.com/meigma/imgfactory/session"
)

// Re-export types from core and session for the public API.
type (
	// Handle identifies a session.
	Handle = session.Handle

	// Kind identifies the type of document a session holds.
	Kind = session.Kind

	// SessionInfo describes a session.
	SessionInfo = session.Info

	// Entry is one directory record of an archive.
	Entry = archive.Entry

	// Flags records the pending state of an entry.
	Flags = archive.Flags

	// Variant identifies the on-disk container layout.
	Variant = archive.Variant

	// Mode selects the rebuild strategy.
	Mode = archive.Mode

	// Compression selects the backup codec.
	Compression = archive.Compression

	// RebuildResult describes a completed rebuild.
	RebuildResult = archive.RebuildResult

	// RebuildOption configures a single rebuild.
	RebuildOption = archive.RebuildOption

	// ProgressEvent represents a progress update during a rebuild.
	ProgressEvent = archive.ProgressEvent

	// ProgressFunc receives progress updates during rebuilds.
	ProgressFunc = archive.ProgressFunc

	// TargetStatus is the outcome of one batch target.
	TargetStatus = archive.TargetStatus

	// Report is the result of analyzing an archive.
	Report = archive.Report

	// MutationRecord is one entry of a document's undo log.
	MutationRecord = archive.MutationRecord
)

// Re-export constants.
const (
	KindArchive   = session.KindArchive
	KindCollision = session.KindCollision

	VariantDir  = archive.VariantDir
	VariantVER2 = archive.VariantVER2

	ModeFast = archive.ModeFast
	ModeSafe = archive.ModeSafe

	CompressionNone = archive.CompressionNone
	CompressionZstd = archive.CompressionZstd
	CompressionLZ4  = archive.CompressionLZ4

	FlagNew         = archive.FlagNew
	FlagModified    = archive.FlagModified
	FlagTombstoned  = archive.FlagTombstoned
	FlagPinned      = archive.FlagPinned
	FlagNeedsRepair = archive.FlagNeedsRepair

	StatusSucceeded = archive.StatusSucceeded
	StatusFailed    = archive.StatusFailed
	StatusSkipped   = archive.StatusSkipped
	StatusCanceled  = archive.StatusCanceled
)

// WithProgress reports rebuild progress to fn.
func WithProgress(fn ProgressFunc) RebuildOption {
	return archive.WithProgress(fn)
}

// WithBackup keeps a copy of the original archive, compressed with c,
// before the first rebuild swaps it.
func WithBackup(c Compression) RebuildOption {
	return archive.WithBackup(c)
}

// ParseMode parses "fast" or "safe".
func ParseMode(s string) (Mode, error) {
	return archive.ParseMode(s)
}

// ParseVariant parses "dir" or "ver2".
func ParseVariant(s string) (Variant, error) {
	return archive.ParseVariant(s)
}

// ParseCompression parses a backup codec name.
func ParseCompression(s string) (Compression, error) {
	return archive.ParseCompression(s)
}

// RestoreBackup decompresses the backup at path over dst.
func RestoreBackup(path, dst string) error {
	return archive.RestoreBackup(path, dst)
}
