// Package archive is the engine for sector-aligned game asset archives.
//
// An archive is a directory of named entries whose payloads occupy whole
// 2048-byte sectors. Two on-disk variants are supported:
//   - dir: the directory lives in a sibling .dir file next to the .img data
//   - VER2: the directory is embedded after a "VER2" header in the .img
//
// A [Document] is one opened archive. Mutations (add, remove, rename,
// replace, pin) never touch the file; they are recorded in the document's
// [History] and kept in memory, with new payload bytes staged in an
// overlay store. [Document.Rebuild] writes a compacted archive to a temp
// file and atomically swaps it into place. [BatchRebuild] rebuilds many
// documents concurrently.
package archive
