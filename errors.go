package imgfactory

import (
	"errors"

	archive "github.com/meigma/imgfactory/core"
)

// Error categories re-exported from core. Every error returned by this
// package matches exactly one of them with errors.Is.
var (
	// ErrIO covers missing, unreadable, or unwritable files.
	ErrIO = archive.ErrIO

	// ErrParse covers malformed container headers and directories.
	ErrParse = archive.ErrParse

	// ErrValidation covers Safe-mode rebuild mismatches.
	ErrValidation = archive.ErrValidation

	// ErrNameConstraint covers entry names that violate archive rules.
	ErrNameConstraint = archive.ErrNameConstraint

	// ErrOperation covers operations that are not valid in the current state.
	ErrOperation = archive.ErrOperation
)

// Specific errors re-exported from core.
var (
	ErrBadMagic           = archive.ErrBadMagic
	ErrTruncatedHeader    = archive.ErrTruncatedHeader
	ErrTruncatedDirectory = archive.ErrTruncatedDirectory

	ErrSourceRead       = archive.ErrSourceRead
	ErrDiskWrite        = archive.ErrDiskWrite
	ErrValidationFailed = archive.ErrValidationFailed

	ErrDuplicateName = archive.ErrDuplicateName
	ErrNameTooLong   = archive.ErrNameTooLong
	ErrInvalidName   = archive.ErrInvalidName

	ErrSessionNotFound   = archive.ErrSessionNotFound
	ErrSessionNotReady   = archive.ErrSessionNotReady
	ErrRebuildInProgress = archive.ErrRebuildInProgress
	ErrHistorySealed     = archive.ErrHistorySealed
	ErrEntryNotFound     = archive.ErrEntryNotFound
	ErrEntryPinned       = archive.ErrEntryPinned
	ErrEntryTooLarge     = archive.ErrEntryTooLarge
	ErrNotRebuildable    = archive.ErrNotRebuildable
	ErrNotUndoable       = archive.ErrNotUndoable
	ErrNotArchive        = archive.ErrNotArchive
	ErrDuplicateTarget   = archive.ErrDuplicateTarget
)

// UserMessage renders err for display. Open failures read "cannot open",
// rejected Safe rebuilds read "rebuild aborted, file unchanged", and name
// violations read as the constraint that was broken.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDuplicateName):
		return "an entry with that name already exists"
	case errors.Is(err, ErrNameTooLong):
		return "name must be at most 23 characters"
	case errors.Is(err, ErrInvalidName):
		return "name must be non-empty printable ASCII"
	case errors.Is(err, ErrValidation):
		return "rebuild aborted, file unchanged: " + err.Error()
	case errors.Is(err, ErrSourceRead), errors.Is(err, ErrDiskWrite):
		return "rebuild failed, file unchanged: " + err.Error()
	case errors.Is(err, ErrParse), errors.Is(err, ErrIO):
		return "cannot open: " + err.Error()
	default:
		return err.Error()
	}
}
