package imgfactory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	archive "github.com/meigma/imgfactory/core"
	"github.com/meigma/imgfactory/session"
)

// Client addresses documents by session handle.
//
// Client wraps a session registry and exposes the archive operations
// collaborators need: open, list, edit, undo, rebuild, and batch rebuild.
// A Client is safe for concurrent use. Mutations on different sessions
// are independent; mutations on one session are serialized by its
// document.
type Client struct {
	reg *session.Registry

	logger         *slog.Logger
	docOpts        []archive.Option
	rebuildOpts    []archive.RebuildOption
	maxConcurrency int
}

// EntryInfo is the listing view of one entry.
type EntryInfo struct {
	Name   string
	Size   uint64
	Offset uint32
	Flags  Flags
}

// New creates a client with the given options.
func New(opts ...Option) (*Client, error) {
	c := &Client{}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	docOpts := append([]archive.Option{archive.WithLogger(c.logger)}, c.docOpts...)
	c.reg = session.New(
		session.WithLogger(c.logger),
		session.WithDocumentOptions(docOpts...),
	)
	return c, nil
}

func (c *Client) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Open opens path in a new session and makes it active. Opening a path
// that is already open creates a second, independent session.
func (c *Client) Open(path string) (Handle, error) {
	return c.reg.Create(session.WithPath(path))
}

// OpenIn opens path in a new session tagged with a surface name, such as
// the window or tab that displays it.
func (c *Client) OpenIn(surface, path string) (Handle, error) {
	return c.reg.Create(session.WithPath(path), session.WithSurface(surface))
}

// NewSession creates an empty session of the given kind. Operations
// against it fail with ErrSessionNotReady until Load.
func (c *Client) NewSession(kind Kind) (Handle, error) {
	return c.reg.Create(session.WithKind(kind))
}

// Load opens path into an empty session.
func (c *Client) Load(h Handle, path string) error {
	return c.reg.Load(h, path)
}

// Create writes an empty archive of variant v at path and opens it in a
// new session.
func (c *Client) Create(path string, v Variant) (Handle, error) {
	doc, err := archive.Create(path, v, c.docOpts...)
	if err != nil {
		return "", err
	}
	if err := doc.Close(); err != nil {
		return "", err
	}
	return c.reg.Create(session.WithPath(path), session.WithKind(session.KindArchive))
}

// Active returns the active session, if any.
func (c *Client) Active() (Handle, bool) {
	return c.reg.Active()
}

// SwitchActive makes h the active session.
func (c *Client) SwitchActive(h Handle) error {
	return c.reg.Switch(h)
}

// Sessions lists open sessions in creation order.
func (c *Client) Sessions() []SessionInfo {
	return c.reg.List()
}

// Close closes a session, discarding its pending mutations. If it was
// active, the most recently focused remaining session becomes active.
func (c *Client) Close(h Handle) error {
	return c.reg.Close(h)
}

// CloseAll closes every session.
func (c *Client) CloseAll() error {
	return c.reg.CloseAll()
}

// Document returns the archive document held by h for operations the
// client does not wrap.
func (c *Client) Document(h Handle) (*archive.Document, error) {
	return c.reg.Archive(h)
}

// ListEntries returns the entries of h's archive, tombstones included.
func (c *Client) ListEntries(h Handle) ([]EntryInfo, error) {
	doc, err := c.reg.Archive(h)
	if err != nil {
		return nil, err
	}
	entries := doc.Entries()
	out := make([]EntryInfo, len(entries))
	for i, e := range entries {
		out[i] = EntryInfo{Name: e.Name, Size: e.Size, Offset: e.Offset, Flags: e.Flags}
	}
	return out, nil
}

// ReadEntry returns the current payload of a live entry.
func (c *Client) ReadEntry(h Handle, name string) ([]byte, error) {
	doc, err := c.reg.Archive(h)
	if err != nil {
		return nil, err
	}
	return doc.ReadEntry(name)
}

// Add appends a new entry.
func (c *Client) Add(h Handle, name string, data []byte) error {
	return c.mutate(h, func(d *archive.Document) error { return d.Add(name, data) })
}

// Remove tombstones an entry.
func (c *Client) Remove(h Handle, name string) error {
	return c.mutate(h, func(d *archive.Document) error { return d.Remove(name) })
}

// Rename renames an entry.
func (c *Client) Rename(h Handle, oldName, newName string) error {
	return c.mutate(h, func(d *archive.Document) error { return d.Rename(oldName, newName) })
}

// Replace replaces an entry's payload.
func (c *Client) Replace(h Handle, name string, data []byte) error {
	return c.mutate(h, func(d *archive.Document) error { return d.Replace(name, data) })
}

// Pin protects an entry from remove, rename, and replace.
func (c *Client) Pin(h Handle, name string) error {
	return c.mutate(h, func(d *archive.Document) error { return d.Pin(name) })
}

// Unpin lifts a pin.
func (c *Client) Unpin(h Handle, name string) error {
	return c.mutate(h, func(d *archive.Document) error { return d.Unpin(name) })
}

func (c *Client) mutate(h Handle, fn func(*archive.Document) error) error {
	doc, err := c.reg.Archive(h)
	if err != nil {
		return err
	}
	return fn(doc)
}

// Undo reverts the most recent mutation. It reports false with a nil
// error when there is nothing to undo.
func (c *Client) Undo(h Handle) (bool, error) {
	u, err := c.reg.Undoable(h)
	if err != nil {
		return false, err
	}
	if err := u.Undo(); err != nil {
		if errors.Is(err, archive.ErrNothingToUndo) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Redo reapplies the most recently undone mutation. It reports false with
// a nil error when there is nothing to redo.
func (c *Client) Redo(h Handle) (bool, error) {
	u, err := c.reg.Undoable(h)
	if err != nil {
		return false, err
	}
	if err := u.Redo(); err != nil {
		if errors.Is(err, archive.ErrNothingToRedo) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// History returns h's mutation log and the position of its undo cursor.
func (c *Client) History(h Handle) ([]MutationRecord, int, error) {
	doc, err := c.reg.Archive(h)
	if err != nil {
		return nil, 0, err
	}
	records, cursor := doc.History()
	return records, cursor, nil
}

// IsDirty reports whether h's archive has unpersisted mutations.
func (c *Client) IsDirty(h Handle) (bool, error) {
	doc, err := c.reg.Archive(h)
	if err != nil {
		return false, err
	}
	return doc.IsDirty(), nil
}

// Analyze inspects h's archive on disk. With duplicates set, live entries
// with identical payloads are grouped in the report.
func (c *Client) Analyze(h Handle, duplicates bool) (Report, error) {
	doc, err := c.reg.Archive(h)
	if err != nil {
		return Report{}, err
	}
	return doc.Analyze(archive.AnalyzeWithDuplicates(duplicates))
}

// Rebuild compacts h's archive with every pending mutation applied.
// Options are applied after the client defaults.
func (c *Client) Rebuild(ctx context.Context, h Handle, mode Mode, opts ...RebuildOption) (RebuildResult, error) {
	t, err := c.reg.Rebuildable(h)
	if err != nil {
		return RebuildResult{}, err
	}
	all := append(append([]archive.RebuildOption(nil), c.rebuildOpts...), opts...)
	res, err := t.Rebuild(ctx, mode, all...)
	if err != nil {
		c.log().Warn("rebuild failed", "handle", h, "mode", mode, "error", err)
		return RebuildResult{}, err
	}
	return res, nil
}

// BatchResult is the outcome of one batch target.
type BatchResult struct {
	Handle Handle
	archive.TargetResult
}

// BatchSummary reports the outcome of a batch rebuild.
type BatchSummary struct {
	// Results holds one result per handle, in input order.
	Results []BatchResult

	// Succeeded is the number of targets rebuilt.
	Succeeded int

	// Failed, Skipped, and Canceled list handles by outcome.
	Failed   []Handle
	Skipped  []Handle
	Canceled []Handle
}

// OK reports whether every target succeeded.
func (s BatchSummary) OK() bool {
	return s.Succeeded == len(s.Results)
}

// BatchRebuild rebuilds several sessions concurrently with at most
// maxConcurrency at a time (the client default when <= 0). Each result is
// passed to onResult as soon as it is known; calls are serialized.
//
// Handles that do not resolve to a rebuildable document fail without
// affecting the others. Two handles on the same file fail with
// ErrDuplicateTarget. Canceling ctx skips unstarted targets and stops
// running ones at their next entry.
func (c *Client) BatchRebuild(ctx context.Context, handles []Handle, mode Mode, maxConcurrency int, onResult func(BatchResult)) BatchSummary {
	if maxConcurrency <= 0 {
		maxConcurrency = c.maxConcurrency
	}
	emit := func(r BatchResult) {
		if onResult != nil {
			onResult(r)
		}
	}

	results := make([]BatchResult, len(handles))
	targets := make([]archive.Rebuildable, 0, len(handles))
	pos := make([]int, 0, len(handles))
	for i, h := range handles {
		t, err := c.reg.Rebuildable(h)
		if err != nil {
			results[i] = BatchResult{Handle: h, TargetResult: archive.TargetResult{
				Index:  i,
				Status: archive.StatusFailed,
				Err:    fmt.Errorf("session %s: %w", h, err),
			}}
			emit(results[i])
			continue
		}
		targets = append(targets, t)
		pos = append(pos, i)
	}

	archive.BatchRebuild(ctx, targets,
		archive.BatchWithMode(mode),
		archive.BatchWithConcurrency(maxConcurrency),
		archive.BatchWithRebuildOptions(c.rebuildOpts...),
		archive.BatchWithLogger(c.logger),
		archive.BatchWithResultFunc(func(tr archive.TargetResult) {
			i := pos[tr.Index]
			tr.Index = i
			results[i] = BatchResult{Handle: handles[i], TargetResult: tr}
			emit(results[i])
		}),
	)

	summary := BatchSummary{Results: results}
	for _, r := range results {
		switch r.Status {
		case archive.StatusSucceeded:
			summary.Succeeded++
		case archive.StatusFailed:
			summary.Failed = append(summary.Failed, r.Handle)
		case archive.StatusSkipped:
			summary.Skipped = append(summary.Skipped, r.Handle)
		case archive.StatusCanceled:
			summary.Canceled = append(summary.Canceled, r.Handle)
		}
	}
	return summary
}
