// Package sizing provides sector arithmetic and safe size conversions.
package sizing

import "math"

// SectorSize is the allocation unit of both container variants.
const SectorSize = 2048

// MaxSectors is the largest span a directory record can describe.
const MaxSectors = math.MaxUint16

// SectorsFor returns the number of sectors needed to hold n bytes.
func SectorsFor(n uint64) uint64 {
	return (n + SectorSize - 1) / SectorSize
}

// AlignUp rounds n up to the next sector boundary.
func AlignUp(n uint64) uint64 {
	return SectorsFor(n) * SectorSize
}

// SectorBytes converts a sector count or offset to bytes.
func SectorBytes(sectors uint64) uint64 {
	return sectors * SectorSize
}

// Padding returns the number of zero bytes needed after n bytes to reach a
// sector boundary.
func Padding(n uint64) uint64 {
	return AlignUp(n) - n
}

// ToInt converts a uint64 to int, returning overflowErr if it doesn't fit.
func ToInt(size uint64, overflowErr error) (int, error) {
	if size > uint64(math.MaxInt) {
		return 0, overflowErr
	}
	return int(size), nil
}

// ToInt64 converts a uint64 to int64, returning overflowErr if it doesn't fit.
func ToInt64(size uint64, overflowErr error) (int64, error) {
	if size > uint64(math.MaxInt64) {
		return 0, overflowErr
	}
	return int64(size), nil
}

// AddUint64 adds two uint64 values, returning (result, false) on overflow.
func AddUint64(a, b uint64) (uint64, bool) {
	sum := a + b
	if sum < a {
		return 0, false
	}
	return sum, true
}
