package archive

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/imgfactory/core/internal/imgtype"
	"github.com/meigma/imgfactory/core/internal/index"
	"github.com/meigma/imgfactory/core/internal/sizing"
	"github.com/meigma/imgfactory/core/overlay"
	"github.com/meigma/imgfactory/core/overlay/disk"
)

// entry is the in-memory form of one directory record.
type entry struct {
	id   uint64
	meta Entry

	// overlay is set when the payload lives in the overlay store instead
	// of the backing file.
	overlay digest.Digest
}

// Document is an opened archive with pending, undoable mutations.
//
// Reads may run concurrently with each other and with a rebuild.
// Mutations, undo, and redo are serialized and are rejected with
// ErrRebuildInProgress while a rebuild runs.
type Document struct {
	mu         sync.RWMutex
	variant    Variant
	dataPath   string
	dirPath    string
	backing    *os.File
	entries    []*entry
	nextID     uint64
	generation uint64
	history    *History
	overlay    overlay.Store
	closed     bool

	rebuildMu  sync.Mutex
	rebuilding atomic.Bool

	logger       *slog.Logger
	forceVariant Variant
	historyLimit int
	strict       bool
	overlayDir   string
	overlayTmp   string // private overlay directory removed on Close
}

// Open opens the archive at path.
//
// The variant is detected from the path unless WithVariant is given:
// a .dir path or an .img path with a sibling .dir file opens the dir
// variant, anything else must carry the VER2 signature. Damaged directory
// records are sanitized and flagged with FlagNeedsRepair.
func Open(path string, opts ...Option) (*Document, error) {
	d := newDocument(opts)
	variant, dataPath, dirPath := detectLayout(path, d.forceVariant)

	f, err := os.Open(dataPath) //nolint:gosec // caller-provided archive path
	if err != nil {
		return nil, imgtype.IOError("open "+dataPath, err)
	}
	records, err := readDirectory(f, variant, dirPath, d.strict)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := d.initOverlay(); err != nil {
		f.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	d.variant = variant
	d.dataPath = dataPath
	d.dirPath = dirPath
	d.backing = f
	d.entries = make([]*entry, 0, len(records))
	repairs := 0
	for _, rec := range records {
		e := d.newEntry(entryFromRecord(rec), "")
		if rec.NeedsRepair {
			repairs++
		}
		d.entries = append(d.entries, e)
	}
	d.log().Debug("opened archive",
		"path", dataPath,
		"variant", variant,
		"entries", len(d.entries),
		"needs_repair", repairs)
	return d, nil
}

func newDocument(opts []Option) *Document {
	d := &Document{}
	for _, opt := range opts {
		opt(d)
	}
	d.history = newHistory(d.historyLimit)
	return d
}

// initOverlay sets up the default overlay store when none was given.
func (d *Document) initOverlay() error {
	switch {
	case d.overlay != nil:
		return nil
	case d.overlayDir == "":
		d.overlay = overlay.NewMemory()
		return nil
	}
	if err := os.MkdirAll(d.overlayDir, 0o750); err != nil {
		return imgtype.IOError("create overlay dir", err)
	}
	tmp, err := os.MkdirTemp(d.overlayDir, "overlay-*")
	if err != nil {
		return imgtype.IOError("create overlay dir", err)
	}
	store, err := disk.New(tmp, disk.WithDirPerm(0o750))
	if err != nil {
		os.RemoveAll(tmp)
		return imgtype.IOError("create overlay", err)
	}
	d.overlay = store
	d.overlayTmp = tmp
	return nil
}

// log returns the logger, falling back to a discard logger if nil.
func (d *Document) log() *slog.Logger {
	if d.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return d.logger
}

// detectLayout resolves the variant and the data and directory paths.
func detectLayout(path string, force Variant) (Variant, string, string) {
	switch {
	case force == VariantVER2:
		return VariantVER2, path, path
	case strings.EqualFold(filepath.Ext(path), ".dir"):
		return VariantDir, siblingPath(path, ".img"), path
	case force == VariantDir:
		return VariantDir, path, siblingPath(path, ".dir")
	}
	if dir := siblingPath(path, ".dir"); isRegularFile(dir) {
		return VariantDir, path, dir
	}
	return VariantVER2, path, path
}

// siblingPath swaps the extension of path, keeping upper case if the
// original extension was upper case.
func siblingPath(path, ext string) string {
	old := filepath.Ext(path)
	if old != "" && old == strings.ToUpper(old) {
		ext = strings.ToUpper(ext)
	}
	return strings.TrimSuffix(path, old) + ext
}

func isRegularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

func readDirectory(f *os.File, v Variant, dirPath string, strict bool) ([]index.Record, error) {
	var opts []index.ParseOption
	if strict {
		opts = append(opts, index.WithStrict(true))
	}

	if v == VariantDir {
		b, err := os.ReadFile(dirPath) //nolint:gosec // sibling of caller-provided path
		if err != nil {
			return nil, imgtype.IOError("read directory", err)
		}
		_, recs, err := index.Parse(v, b, opts...)
		return recs, err
	}

	info, err := f.Stat()
	if err != nil {
		return nil, imgtype.IOError("stat", err)
	}
	var hdr [index.HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrTruncatedHeader
		}
		return nil, imgtype.IOError("read header", err)
	}
	h, err := index.ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	need := index.DirectorySize(v, int(h.Count))
	if need > uint64(info.Size()) { //nolint:gosec // file sizes are non-negative
		return nil, ErrTruncatedDirectory
	}
	b := make([]byte, need)
	if _, err := f.ReadAt(b, 0); err != nil {
		return nil, imgtype.IOError("read directory", err)
	}
	_, recs, err := index.Parse(v, b, opts...)
	return recs, err
}

func entryFromRecord(rec index.Record) Entry {
	e := Entry{
		Name:     rec.Name,
		Offset:   rec.Offset,
		Sectors:  rec.Sectors,
		Reserved: rec.Reserved,
		Size:     sizing.SectorBytes(uint64(rec.Sectors)),
	}
	if rec.NeedsRepair {
		e.Flags |= FlagNeedsRepair
		e.RepairReason = rec.RepairReason
	}
	return e
}

func (d *Document) newEntry(meta Entry, payload digest.Digest) *entry {
	d.nextID++
	return &entry{id: d.nextID, meta: meta, overlay: payload}
}

// Path returns the path of the archive's data file.
func (d *Document) Path() string {
	return d.dataPath
}

// DirPath returns the path of the file holding the directory. For the
// VER2 variant this is the data file itself.
func (d *Document) DirPath() string {
	return d.dirPath
}

// Variant returns the archive's container variant.
func (d *Document) Variant() Variant {
	return d.variant
}

// Generation returns the number of successful rebuilds since Open.
func (d *Document) Generation() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.generation
}

// Entries returns a snapshot of all entries in directory order, including
// tombstoned ones.
func (d *Document) Entries() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.meta
	}
	return out
}

// Entry returns the live entry with the given name. Names match
// case-insensitively.
func (d *Document) Entry(name string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, e := d.find(name)
	if e == nil {
		return Entry{}, fmt.Errorf("%q: %w", name, ErrEntryNotFound)
	}
	return e.meta, nil
}

// ReadEntry returns the current payload of the live entry with the given
// name. Pending payloads come from the overlay store, everything else from
// the backing file.
func (d *Document) ReadEntry(name string) ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return nil, ErrClosed
	}
	_, e := d.find(name)
	if e == nil {
		return nil, fmt.Errorf("%q: %w", name, ErrEntryNotFound)
	}
	return d.payload(e)
}

// IsDirty reports whether any entry has a change not yet written by a
// rebuild. Pinning alone does not make a document dirty.
func (d *Document) IsDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.entries {
		if e.meta.Flags.Dirty() {
			return true
		}
	}
	return false
}

// Rebuilding reports whether a rebuild is currently running.
func (d *Document) Rebuilding() bool {
	return d.rebuilding.Load()
}

// Close releases the backing file and discards unpersisted mutations.
// It waits for a running rebuild to finish. Close is idempotent.
func (d *Document) Close() error {
	d.rebuildMu.Lock()
	defer d.rebuildMu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true

	var errs []error
	if err := d.backing.Close(); err != nil {
		errs = append(errs, imgtype.IOError("close "+d.dataPath, err))
	}
	if err := d.overlay.Reset(); err != nil {
		errs = append(errs, fmt.Errorf("reset overlay: %w", err))
	}
	if d.overlayTmp != "" {
		if err := os.RemoveAll(d.overlayTmp); err != nil {
			errs = append(errs, imgtype.IOError("remove overlay dir", err))
		}
	}
	d.log().Debug("closed archive", "path", d.dataPath)
	return errors.Join(errs...)
}

// checkMutable reports why the document cannot be mutated, if it cannot.
// The caller must hold d.mu.
func (d *Document) checkMutable() error {
	if d.closed {
		return ErrClosed
	}
	if d.rebuilding.Load() {
		return ErrRebuildInProgress
	}
	return nil
}

// find returns the live entry named name. The caller must hold d.mu.
func (d *Document) find(name string) (int, *entry) {
	for i, e := range d.entries {
		if e.meta.Flags.Has(FlagTombstoned) {
			continue
		}
		if strings.EqualFold(e.meta.Name, name) {
			return i, e
		}
	}
	return -1, nil
}

// indexOf returns the position of the entry with the given id, or -1.
func (d *Document) indexOf(id uint64) int {
	for i, e := range d.entries {
		if e.id == id {
			return i
		}
	}
	return -1
}

// tentativeOffset returns the first sector after every allocated span,
// leaving room for one more directory record.
func (d *Document) tentativeOffset() (uint32, error) {
	next := index.DataStart(d.variant, len(d.entries)+1)
	for _, e := range d.entries {
		next = max(next, e.meta.End())
	}
	if next > math.MaxUint32 {
		return 0, ErrEntryTooLarge
	}
	return uint32(next), nil
}

// payload reads the current bytes of e. The caller must hold d.mu.
func (d *Document) payload(e *entry) ([]byte, error) {
	return d.readPayload(d.backing, e.meta, e.overlay)
}

// readPayload reads an entry's bytes from the overlay when staged there,
// otherwise from src.
func (d *Document) readPayload(src io.ReaderAt, meta Entry, staged digest.Digest) ([]byte, error) {
	if staged != "" {
		data, err := d.overlay.Get(staged)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w: %w", meta.Name, ErrSourceRead, err)
		}
		return data, nil
	}
	return readSpan(src, meta)
}

// readSpan reads e.Size bytes starting at e's sector offset.
func readSpan(r io.ReaderAt, e Entry) ([]byte, error) {
	n, err := sizing.ToInt(e.Size, ErrEntryTooLarge)
	if err != nil {
		return nil, err
	}
	off, err := sizing.ToInt64(sizing.SectorBytes(uint64(e.Offset)), ErrEntryTooLarge)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	got, err := r.ReadAt(buf, off)
	if got < n {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read %q at sector %d: %w: %w", e.Name, e.Offset, ErrSourceRead, err)
	}
	return buf, nil
}
