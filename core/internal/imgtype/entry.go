package imgtype

import (
	"fmt"
	"strings"
)

// Variant identifies the on-disk container layout.
type Variant uint8

const (
	// VariantDir keeps the directory in a sibling .dir file (GTA III / Vice City).
	VariantDir Variant = iota + 1

	// VariantVER2 embeds the directory after a "VER2" header (San Andreas).
	VariantVER2
)

// String returns the human-readable name of the variant.
func (v Variant) String() string {
	switch v {
	case VariantDir:
		return "dir"
	case VariantVER2:
		return "ver2"
	default:
		return "unknown"
	}
}

// ParseVariant parses "dir" or "ver2".
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "dir":
		return VariantDir, nil
	case "ver2":
		return VariantVER2, nil
	default:
		return 0, fmt.Errorf("unknown archive variant %q", s)
	}
}

// Flags records the pending state of an entry.
type Flags uint8

const (
	// FlagNew marks an entry added since the last rebuild.
	FlagNew Flags = 1 << iota

	// FlagModified marks an entry renamed or replaced since the last rebuild.
	FlagModified

	// FlagTombstoned marks an entry removed but not yet dropped.
	FlagTombstoned

	// FlagPinned protects an entry from remove, rename, and replace.
	FlagPinned

	// FlagNeedsRepair marks a record that was sanitized while parsing.
	FlagNeedsRepair
)

// dirtyMask covers the flags that make a document dirty.
const dirtyMask = FlagNew | FlagModified | FlagTombstoned

// Has reports whether all bits in f2 are set.
func (f Flags) Has(f2 Flags) bool {
	return f&f2 == f2
}

// Dirty reports whether the flags describe a change not yet on disk.
func (f Flags) Dirty() bool {
	return f&dirtyMask != 0
}

// String returns a compact comma-separated flag list.
func (f Flags) String() string {
	if f == 0 {
		return "-"
	}
	var parts []string
	for _, fl := range []struct {
		bit  Flags
		name string
	}{
		{FlagNew, "new"},
		{FlagModified, "modified"},
		{FlagTombstoned, "tombstoned"},
		{FlagPinned, "pinned"},
		{FlagNeedsRepair, "needs-repair"},
	} {
		if f.Has(fl.bit) {
			parts = append(parts, fl.name)
		}
	}
	return strings.Join(parts, ",")
}

// Entry is one directory record of an archive.
type Entry struct {
	// Name is the entry name, at most 23 bytes of printable ASCII.
	Name string

	// Offset is the start of the entry's span in 2048-byte sectors.
	// For entries not yet on disk it is the tentative position after
	// the last allocated sector.
	Offset uint32

	// Sectors is the span length in 2048-byte sectors.
	Sectors uint16

	// Reserved carries the record's second u16 unchanged.
	Reserved uint16

	// Size is the payload length in bytes. Entries read from disk report
	// their full sector span.
	Size uint64

	// Flags is the entry's pending state.
	Flags Flags

	// RepairReason explains why FlagNeedsRepair was set.
	RepairReason string
}

// End returns the first sector after the entry's span.
func (e Entry) End() uint64 {
	return uint64(e.Offset) + uint64(e.Sectors)
}
