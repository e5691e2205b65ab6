// Package overlay holds payload bytes that are pending a rebuild.
//
// Added and replaced entries keep their bytes here until the next rebuild
// streams them into the archive. Payloads are content-addressed by digest,
// so the same bytes staged twice (for example by undo followed by redo)
// occupy a single slot.
package overlay
