package archive

import (
	"fmt"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"
)

// OpKind identifies the mutation a history record describes.
type OpKind uint8

// Mutation kinds.
const (
	OpAdd OpKind = iota + 1
	OpRemove
	OpRename
	OpReplace
	OpPin
	OpUnpin
)

// String returns the name of the mutation kind.
func (k OpKind) String() string {
	switch k {
	case OpAdd:
		return "add"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpReplace:
		return "replace"
	case OpPin:
		return "pin"
	case OpUnpin:
		return "unpin"
	default:
		return "unknown"
	}
}

// EntryState captures one entry at a point in time.
type EntryState struct {
	// Present is false when the entry does not exist in this state, as
	// before an add.
	Present bool

	// Index is the entry's position in directory order.
	Index int

	// Entry is the entry's metadata.
	Entry Entry

	payload digest.Digest
}

// MutationRecord is one reversible change. Undo restores Before, redo
// restores After.
type MutationRecord struct {
	Kind    OpKind
	EntryID uint64
	Before  EntryState
	After   EntryState
	Time    time.Time

	// Generation is the document's rebuild count when the change was made.
	// Records from an earlier generation can no longer be applied.
	Generation uint64
}

// Description returns a short human-readable summary of the change.
func (r MutationRecord) Description() string {
	switch r.Kind {
	case OpAdd:
		return fmt.Sprintf("add %s", r.After.Entry.Name)
	case OpRename:
		return fmt.Sprintf("rename %s to %s", r.Before.Entry.Name, r.After.Entry.Name)
	default:
		return fmt.Sprintf("%s %s", r.Kind, r.Before.Entry.Name)
	}
}

// History is a linear undo log with a cursor. Records before the cursor
// can be undone, records at or after it can be redone.
//
// History is not safe for concurrent use; Document guards it.
type History struct {
	records []MutationRecord
	cursor  int
	limit   int
}

func newHistory(limit int) *History {
	return &History{limit: limit}
}

// Len returns the number of records kept.
func (h *History) Len() int {
	return len(h.records)
}

// Cursor returns the number of records currently applied.
func (h *History) Cursor() int {
	return h.cursor
}

// Records returns a copy of the kept records, oldest first.
func (h *History) Records() []MutationRecord {
	return slices.Clone(h.records)
}

// record appends r, discarding any redo tail and the oldest records past
// the limit. It returns the discarded records.
func (h *History) record(r MutationRecord) []MutationRecord {
	dropped := slices.Clone(h.records[h.cursor:])
	h.records = append(h.records[:h.cursor], r)
	if h.limit > 0 && len(h.records) > h.limit {
		drop := len(h.records) - h.limit
		dropped = append(dropped, h.records[:drop]...)
		h.records = slices.Delete(h.records, 0, drop)
	}
	h.cursor = len(h.records)
	return dropped
}

// payloads calls fn with every overlay payload the kept records reference.
func (h *History) payloads(fn func(digest.Digest)) {
	for _, r := range h.records {
		fn(r.Before.payload)
		fn(r.After.payload)
	}
}

// peekUndo returns the record the next undo would revert.
func (h *History) peekUndo() (MutationRecord, bool) {
	if h.cursor == 0 {
		return MutationRecord{}, false
	}
	return h.records[h.cursor-1], true
}

// peekRedo returns the record the next redo would reapply.
func (h *History) peekRedo() (MutationRecord, bool) {
	if h.cursor >= len(h.records) {
		return MutationRecord{}, false
	}
	return h.records[h.cursor], true
}

// undo reverts the record before the cursor with apply and moves the
// cursor back. The cursor does not move if apply fails.
func (h *History) undo(apply func(MutationRecord) error) error {
	r, ok := h.peekUndo()
	if !ok {
		return ErrNothingToUndo
	}
	if err := apply(r); err != nil {
		return err
	}
	h.cursor--
	return nil
}

// redo reapplies the record at the cursor with apply and moves the cursor
// forward. The cursor does not move if apply fails.
func (h *History) redo(apply func(MutationRecord) error) error {
	r, ok := h.peekRedo()
	if !ok {
		return ErrNothingToRedo
	}
	if err := apply(r); err != nil {
		return err
	}
	h.cursor++
	return nil
}

// Undo reverts the most recent applied mutation.
//
// It returns ErrNothingToUndo when no mutation is applied and
// ErrHistorySealed when the mutation was made before the last rebuild.
func (d *Document) Undo() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkMutable(); err != nil {
		return err
	}
	return d.history.undo(func(r MutationRecord) error {
		if r.Generation != d.generation {
			return fmt.Errorf("undo %s: %w", r.Description(), ErrHistorySealed)
		}
		d.applyState(r.EntryID, r.Before)
		d.log().Debug("undo", "op", r.Kind, "entry", r.Before.Entry.Name)
		return nil
	})
}

// Redo reapplies the most recently undone mutation.
//
// It returns ErrNothingToRedo when nothing has been undone since the last
// mutation and ErrHistorySealed when the mutation predates the last rebuild.
func (d *Document) Redo() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkMutable(); err != nil {
		return err
	}
	return d.history.redo(func(r MutationRecord) error {
		if r.Generation != d.generation {
			return fmt.Errorf("redo %s: %w", r.Description(), ErrHistorySealed)
		}
		d.applyState(r.EntryID, r.After)
		d.log().Debug("redo", "op", r.Kind, "entry", r.After.Entry.Name)
		return nil
	})
}

// CanUndo reports whether Undo would succeed.
func (d *Document) CanUndo() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.history.peekUndo()
	return ok && r.Generation == d.generation && !d.closed
}

// CanRedo reports whether Redo would succeed.
func (d *Document) CanRedo() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.history.peekRedo()
	return ok && r.Generation == d.generation && !d.closed
}

// History returns a copy of the mutation records and the cursor position.
func (d *Document) History() ([]MutationRecord, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.history.Records(), d.history.Cursor()
}

// applyState makes the entry with the given id match s. The caller must
// hold d.mu for writing.
func (d *Document) applyState(id uint64, s EntryState) {
	if i := d.indexOf(id); i >= 0 {
		d.entries = slices.Delete(d.entries, i, i+1)
	}
	if !s.Present {
		return
	}
	pos := min(max(s.Index, 0), len(d.entries))
	d.entries = slices.Insert(d.entries, pos, &entry{id: id, meta: s.Entry, overlay: s.payload})
}
