package archive

import (
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/imgfactory/core/internal/imgtype"
	"github.com/meigma/imgfactory/core/internal/index"
	"github.com/meigma/imgfactory/core/internal/sizing"
)

// Add appends a new entry holding data. The entry is placed after the last
// allocated sector until the next rebuild.
func (d *Document) Add(name string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.checkMutable(); err != nil {
		return err
	}
	if err := index.ValidateName(name); err != nil {
		return fmt.Errorf("add %q: %w", name, err)
	}
	if _, e := d.find(name); e != nil {
		return fmt.Errorf("add %q: %w", name, ErrDuplicateName)
	}
	sectors, err := sectorsFor(len(data))
	if err != nil {
		return fmt.Errorf("add %q: %w", name, err)
	}
	offset, err := d.tentativeOffset()
	if err != nil {
		return fmt.Errorf("add %q: %w", name, err)
	}
	payload, err := d.stage(data)
	if err != nil {
		return fmt.Errorf("add %q: %w", name, err)
	}

	d.nextID++
	after := EntryState{
		Present: true,
		Index:   len(d.entries),
		Entry: Entry{
			Name:    name,
			Offset:  offset,
			Sectors: sectors,
			Size:    uint64(len(data)),
			Flags:   FlagNew,
		},
		payload: payload,
	}
	d.commit(OpAdd, d.nextID, EntryState{}, after)
	return nil
}

// Remove tombstones the live entry named name. The entry stays visible in
// Entries until the next rebuild drops it.
func (d *Document) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, e, err := d.lookupUnpinned("remove", name)
	if err != nil {
		return err
	}
	before := stateOf(i, e)
	after := before
	after.Entry.Flags |= FlagTombstoned
	d.commit(OpRemove, e.id, before, after)
	return nil
}

// Rename changes the name of the live entry named oldName. Renaming an
// entry to its exact current name is a no-op. A case-only rename is
// allowed.
func (d *Document) Rename(oldName, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, e, err := d.lookupUnpinned("rename", oldName)
	if err != nil {
		return err
	}
	if err := index.ValidateName(newName); err != nil {
		return fmt.Errorf("rename %q to %q: %w", oldName, newName, err)
	}
	if e.meta.Name == newName {
		return nil
	}
	if _, other := d.find(newName); other != nil && other != e {
		return fmt.Errorf("rename %q to %q: %w", oldName, newName, ErrDuplicateName)
	}

	before := stateOf(i, e)
	after := before
	after.Entry.Name = newName
	after.Entry.Flags = markModified(after.Entry.Flags) &^ FlagNeedsRepair
	after.Entry.RepairReason = ""
	d.commit(OpRename, e.id, before, after)
	return nil
}

// Replace swaps the payload of the live entry named name. An entry that
// grows past its current span is moved after the last allocated sector
// until the next rebuild.
func (d *Document) Replace(name string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, e, err := d.lookupUnpinned("replace", name)
	if err != nil {
		return err
	}
	sectors, err := sectorsFor(len(data))
	if err != nil {
		return fmt.Errorf("replace %q: %w", name, err)
	}
	offset := e.meta.Offset
	if sectors > e.meta.Sectors {
		if offset, err = d.tentativeOffset(); err != nil {
			return fmt.Errorf("replace %q: %w", name, err)
		}
	}
	payload, err := d.stage(data)
	if err != nil {
		return fmt.Errorf("replace %q: %w", name, err)
	}

	before := stateOf(i, e)
	after := before
	after.Entry.Offset = offset
	after.Entry.Sectors = sectors
	after.Entry.Size = uint64(len(data))
	after.Entry.Flags = markModified(after.Entry.Flags)
	after.payload = payload
	d.commit(OpReplace, e.id, before, after)
	return nil
}

// Pin protects the live entry named name from remove, rename, and replace.
// Pinning an already pinned entry is a no-op.
func (d *Document) Pin(name string) error {
	return d.setPinned(name, true)
}

// Unpin lifts the protection set by Pin.
func (d *Document) Unpin(name string) error {
	return d.setPinned(name, false)
}

func (d *Document) setPinned(name string, pinned bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	kind, op := OpPin, "pin"
	if !pinned {
		kind, op = OpUnpin, "unpin"
	}
	if err := d.checkMutable(); err != nil {
		return err
	}
	i, e := d.find(name)
	if e == nil {
		return fmt.Errorf("%s %q: %w", op, name, ErrEntryNotFound)
	}
	if e.meta.Flags.Has(FlagPinned) == pinned {
		return nil
	}
	before := stateOf(i, e)
	after := before
	if pinned {
		after.Entry.Flags |= FlagPinned
	} else {
		after.Entry.Flags &^= FlagPinned
	}
	d.commit(kind, e.id, before, after)
	return nil
}

// lookupUnpinned finds a live, unpinned entry for a mutating operation.
// The caller must hold d.mu for writing.
func (d *Document) lookupUnpinned(op, name string) (int, *entry, error) {
	if err := d.checkMutable(); err != nil {
		return 0, nil, err
	}
	i, e := d.find(name)
	if e == nil {
		return 0, nil, fmt.Errorf("%s %q: %w", op, name, ErrEntryNotFound)
	}
	if e.meta.Flags.Has(FlagPinned) {
		return 0, nil, fmt.Errorf("%s %q: %w", op, name, ErrEntryPinned)
	}
	return i, e, nil
}

// commit records a validated mutation and applies it. It cannot fail, so
// a mutation is either fully recorded and applied or not at all.
func (d *Document) commit(kind OpKind, id uint64, before, after EntryState) {
	r := MutationRecord{
		Kind:       kind,
		EntryID:    id,
		Before:     before,
		After:      after,
		Time:       time.Now(),
		Generation: d.generation,
	}
	dropped := d.history.record(r)
	d.applyState(id, after)
	d.releasePayloads(dropped)
	d.log().Debug("mutation", "op", kind, "entry", r.Description(), "path", d.dataPath)
}

// releasePayloads deletes overlay payloads that only discarded records
// referenced. The caller must hold d.mu.
func (d *Document) releasePayloads(dropped []MutationRecord) {
	if len(dropped) == 0 {
		return
	}
	skip := make(map[digest.Digest]struct{})
	mark := func(p digest.Digest) {
		if p != "" {
			skip[p] = struct{}{}
		}
	}
	for _, e := range d.entries {
		mark(e.overlay)
	}
	d.history.payloads(mark)

	for _, r := range dropped {
		for _, p := range []digest.Digest{r.Before.payload, r.After.payload} {
			if p == "" {
				continue
			}
			if _, ok := skip[p]; ok {
				continue
			}
			if err := d.overlay.Delete(p); err != nil {
				d.log().Debug("release payload", "digest", p, "error", err)
			}
			skip[p] = struct{}{}
		}
	}
}

// stage stores data in the overlay.
func (d *Document) stage(data []byte) (digest.Digest, error) {
	payload, err := d.overlay.Put(data)
	if err != nil {
		return "", imgtype.IOError("stage payload", err)
	}
	return payload, nil
}

func stateOf(i int, e *entry) EntryState {
	return EntryState{Present: true, Index: i, Entry: e.meta, payload: e.overlay}
}

// markModified sets FlagModified unless the entry is still new.
func markModified(f Flags) Flags {
	if f.Has(FlagNew) {
		return f
	}
	return f | FlagModified
}

func sectorsFor(n int) (uint16, error) {
	s := sizing.SectorsFor(uint64(n)) //nolint:gosec // slice lengths are non-negative
	if s > sizing.MaxSectors {
		return 0, ErrEntryTooLarge
	}
	return uint16(s), nil
}
