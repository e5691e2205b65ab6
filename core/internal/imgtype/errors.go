package imgtype

import (
	"errors"
	"fmt"
)

// Error categories. Every sentinel below wraps exactly one of these so
// callers can branch on the category with errors.Is.
var (
	// ErrIO covers missing, unreadable, or unwritable files.
	ErrIO = errors.New("imgfactory: i/o error")

	// ErrParse covers malformed container headers and directories.
	ErrParse = errors.New("imgfactory: parse error")

	// ErrValidation covers Safe-mode rebuild mismatches.
	ErrValidation = errors.New("imgfactory: validation error")

	// ErrNameConstraint covers entry names that violate archive rules.
	ErrNameConstraint = errors.New("imgfactory: name constraint violated")

	// ErrOperation covers operations that are not valid in the current state.
	ErrOperation = errors.New("imgfactory: operation not permitted")
)

func wrap(category error, msg string) error {
	return fmt.Errorf("%w: %s", category, msg)
}

// Parse errors.
var (
	// ErrBadMagic is returned when an embedded-directory archive lacks the VER2 signature.
	ErrBadMagic = wrap(ErrParse, "bad magic")

	// ErrTruncatedHeader is returned when the archive is shorter than its fixed header.
	ErrTruncatedHeader = wrap(ErrParse, "truncated header")

	// ErrTruncatedDirectory is returned when the directory ends mid-record.
	ErrTruncatedDirectory = wrap(ErrParse, "truncated directory")

	// ErrNameNotNullTerminated is returned by strict parsing when a name fills all 24 bytes.
	ErrNameNotNullTerminated = wrap(ErrParse, "name not NUL-terminated")
)

// I/O errors.
var (
	// ErrSourceRead is returned when an entry's bytes cannot be read from the backing file.
	ErrSourceRead = wrap(ErrIO, "source read failed")

	// ErrDiskWrite is returned when rebuild output cannot be written or swapped into place.
	ErrDiskWrite = wrap(ErrIO, "disk write failed")
)

// ErrValidationFailed is returned when a Safe rebuild rejects its own output
// or the source archive.
var ErrValidationFailed = wrap(ErrValidation, "validation failed")

// Name constraint errors.
var (
	// ErrDuplicateName is returned when a name collides case-insensitively with a live entry.
	ErrDuplicateName = wrap(ErrNameConstraint, "duplicate name")

	// ErrNameTooLong is returned when a name exceeds 23 bytes.
	ErrNameTooLong = wrap(ErrNameConstraint, "name too long")

	// ErrInvalidName is returned for empty names or names with non-printable bytes.
	ErrInvalidName = wrap(ErrNameConstraint, "invalid name")
)

// Operation errors.
var (
	// ErrSessionNotFound is returned when a handle does not name a live session.
	ErrSessionNotFound = wrap(ErrOperation, "session not found")

	// ErrSessionNotReady is returned when a session has no document loaded yet.
	ErrSessionNotReady = wrap(ErrOperation, "session not ready")

	// ErrRebuildInProgress is returned when a document is already being rebuilt.
	ErrRebuildInProgress = wrap(ErrOperation, "rebuild in progress")

	// ErrNothingToUndo is returned when the history cursor is at the start.
	ErrNothingToUndo = wrap(ErrOperation, "nothing to undo")

	// ErrNothingToRedo is returned when the history cursor is at the end.
	ErrNothingToRedo = wrap(ErrOperation, "nothing to redo")

	// ErrHistorySealed is returned when undo or redo would cross a rebuild.
	ErrHistorySealed = wrap(ErrOperation, "history sealed by rebuild")

	// ErrEntryNotFound is returned when no live entry has the given name.
	ErrEntryNotFound = wrap(ErrOperation, "entry not found")

	// ErrEntryPinned is returned when a pinned entry would be removed or changed.
	ErrEntryPinned = wrap(ErrOperation, "entry pinned")

	// ErrEntryTooLarge is returned when a payload does not fit the u16 sector count.
	ErrEntryTooLarge = wrap(ErrOperation, "entry too large")

	// ErrNotRebuildable is returned when a document kind cannot be rebuilt.
	ErrNotRebuildable = wrap(ErrOperation, "document cannot be rebuilt")

	// ErrNotUndoable is returned when a document kind has no mutation history.
	ErrNotUndoable = wrap(ErrOperation, "document has no history")

	// ErrNotArchive is returned when an archive operation targets another document kind.
	ErrNotArchive = wrap(ErrOperation, "document is not an archive")

	// ErrClosed is returned for operations on a closed document.
	ErrClosed = wrap(ErrOperation, "document closed")

	// ErrDuplicateTarget is returned when a batch names the same backing file twice.
	ErrDuplicateTarget = wrap(ErrOperation, "duplicate batch target")
)

// IOError joins err with ErrIO so both the category and the underlying
// cause (for example fs.ErrNotExist) remain matchable.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}
