// Package index encodes and decodes archive directories.
//
// Both container variants share one 32-byte record layout:
//
//	offset   u32 LE  start of the entry in 2048-byte sectors
//	sectors  u16 LE  span length in sectors
//	reserved u16 LE  carried through unchanged
//	name     [24]    NUL-padded ASCII
//
// The dir variant stores a bare record table in a sibling .dir file. The
// VER2 variant prefixes the table with the 4-byte magic "VER2" and a u32
// record count, and payload follows the table at the next sector boundary.
//
// Parsing is lenient by default: a damaged record is sanitized to a
// placeholder name and flagged for repair instead of failing the whole
// directory.
package index
