package imgtype

// ProgressEvent represents a progress update during a rebuild.
type ProgressEvent struct {
	// Stage identifies the current phase of the rebuild.
	Stage ProgressStage

	// Target is the archive path being rebuilt.
	Target string

	// Entry is the entry currently being processed, if applicable.
	Entry string

	// EntriesDone is the number of entries completed.
	EntriesDone int

	// EntriesTotal is the total number of entries to process.
	EntriesTotal int

	// BytesDone is the number of payload bytes written so far.
	BytesDone uint64
}

// ProgressStage identifies the current phase of a rebuild.
type ProgressStage uint8

// Rebuild stages.
const (
	// StageValidating indicates source spans are being checked (Safe mode).
	StageValidating ProgressStage = iota

	// StageBackingUp indicates the original file is being copied aside.
	StageBackingUp

	// StageWriting indicates entries are being streamed to the temp file.
	StageWriting

	// StageVerifying indicates the written directory is being re-parsed (Safe mode).
	StageVerifying

	// StageSwapping indicates the temp file is being renamed into place.
	StageSwapping
)

// String returns the string representation of the stage.
func (s ProgressStage) String() string {
	switch s {
	case StageValidating:
		return "validating"
	case StageBackingUp:
		return "backing up"
	case StageWriting:
		return "writing"
	case StageVerifying:
		return "verifying"
	case StageSwapping:
		return "swapping"
	default:
		return "unknown"
	}
}

// ProgressFunc receives progress updates during rebuilds.
// Implementations must be safe for concurrent calls.
type ProgressFunc func(ProgressEvent)
