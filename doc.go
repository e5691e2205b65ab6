// Package imgfactory edits and compacts IMG game-asset archives.
//
// An IMG archive is a flat container of named payloads aligned to
// 2048-byte sectors. Two layouts exist: a data file with a sibling .dir
// file holding the directory, and a single file whose directory is
// embedded after a "VER2" header. Both are opened, edited, and rebuilt
// through the same API.
//
// # Sessions
//
// A [Client] keeps a registry of open documents. Each document lives in
// its own session identified by an opaque [Handle]. Opening a path always
// creates a new session, so two sessions on the same file are independent
// and never share pending edits.
//
//	c, err := imgfactory.New()
//	if err != nil {
//	    return err
//	}
//	defer c.CloseAll()
//
//	h, err := c.Open("gta3.img")
//	if err != nil {
//	    return err
//	}
//
// # Editing
//
// Mutations are staged in memory (or in an on-disk overlay, see
// [WithOverlayDir]) and recorded in an undo log. Nothing touches the
// archive until it is rebuilt.
//
//	if err := c.Add(h, "player.dff", data); err != nil {
//	    return err
//	}
//	if err := c.Remove(h, "old.txd"); err != nil {
//	    return err
//	}
//
// # Rebuilding
//
// [Client.Rebuild] writes a compacted copy of the archive with all pending
// changes applied and atomically swaps it into place. [ModeFast] streams
// the new file; [ModeSafe] validates the source first and verifies the
// output before swapping, leaving the original untouched on any mismatch.
//
//	res, err := c.Rebuild(ctx, h, imgfactory.ModeSafe)
//
// [Client.BatchRebuild] rebuilds several sessions concurrently. One
// target's failure never aborts the others.
package imgfactory
