package archive

import (
	"context"

	"github.com/meigma/imgfactory/core/internal/imgtype"
)

// Re-export types from internal/imgtype for public API.
type (
	// Entry is one directory record of an archive.
	Entry = imgtype.Entry

	// Flags records the pending state of an entry.
	Flags = imgtype.Flags

	// Variant identifies the on-disk container layout.
	Variant = imgtype.Variant

	// ProgressEvent represents a progress update during a rebuild.
	ProgressEvent = imgtype.ProgressEvent

	// ProgressStage identifies the current phase of a rebuild.
	ProgressStage = imgtype.ProgressStage

	// ProgressFunc receives progress updates during rebuilds.
	ProgressFunc = imgtype.ProgressFunc
)

// Re-export variant constants.
const (
	VariantDir  = imgtype.VariantDir
	VariantVER2 = imgtype.VariantVER2
)

// ParseVariant parses "dir" or "ver2".
func ParseVariant(s string) (Variant, error) {
	return imgtype.ParseVariant(s)
}

// Re-export flag constants.
const (
	FlagNew         = imgtype.FlagNew
	FlagModified    = imgtype.FlagModified
	FlagTombstoned  = imgtype.FlagTombstoned
	FlagPinned      = imgtype.FlagPinned
	FlagNeedsRepair = imgtype.FlagNeedsRepair
)

// Re-export progress stage constants.
const (
	StageValidating = imgtype.StageValidating
	StageBackingUp  = imgtype.StageBackingUp
	StageWriting    = imgtype.StageWriting
	StageVerifying  = imgtype.StageVerifying
	StageSwapping   = imgtype.StageSwapping
)

// Sentinel errors re-exported from internal/imgtype.
var (
	ErrIO             = imgtype.ErrIO
	ErrParse          = imgtype.ErrParse
	ErrValidation     = imgtype.ErrValidation
	ErrNameConstraint = imgtype.ErrNameConstraint
	ErrOperation      = imgtype.ErrOperation

	ErrBadMagic              = imgtype.ErrBadMagic
	ErrTruncatedHeader       = imgtype.ErrTruncatedHeader
	ErrTruncatedDirectory    = imgtype.ErrTruncatedDirectory
	ErrNameNotNullTerminated = imgtype.ErrNameNotNullTerminated

	ErrSourceRead       = imgtype.ErrSourceRead
	ErrDiskWrite        = imgtype.ErrDiskWrite
	ErrValidationFailed = imgtype.ErrValidationFailed

	ErrDuplicateName = imgtype.ErrDuplicateName
	ErrNameTooLong   = imgtype.ErrNameTooLong
	ErrInvalidName   = imgtype.ErrInvalidName

	ErrSessionNotFound   = imgtype.ErrSessionNotFound
	ErrSessionNotReady   = imgtype.ErrSessionNotReady
	ErrRebuildInProgress = imgtype.ErrRebuildInProgress
	ErrNothingToUndo     = imgtype.ErrNothingToUndo
	ErrNothingToRedo     = imgtype.ErrNothingToRedo
	ErrHistorySealed     = imgtype.ErrHistorySealed
	ErrEntryNotFound     = imgtype.ErrEntryNotFound
	ErrEntryPinned       = imgtype.ErrEntryPinned
	ErrEntryTooLarge     = imgtype.ErrEntryTooLarge
	ErrNotRebuildable    = imgtype.ErrNotRebuildable
	ErrNotUndoable       = imgtype.ErrNotUndoable
	ErrNotArchive        = imgtype.ErrNotArchive
	ErrClosed            = imgtype.ErrClosed
	ErrDuplicateTarget   = imgtype.ErrDuplicateTarget
)

// Rebuildable is implemented by documents that can be compacted to disk.
type Rebuildable interface {
	// Path returns the archive's data file path. It identifies the target
	// in batch rebuilds.
	Path() string

	Rebuild(ctx context.Context, mode Mode, opts ...RebuildOption) (RebuildResult, error)
}

// Undoable is implemented by documents with a mutation history.
type Undoable interface {
	Undo() error
	Redo() error
	CanUndo() bool
	CanRedo() bool
}

// Interface compliance.
var (
	_ Rebuildable = (*Document)(nil)
	_ Undoable    = (*Document)(nil)
)
