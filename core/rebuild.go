package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/imgfactory/core/internal/index"
	"github.com/meigma/imgfactory/core/internal/platform"
	"github.com/meigma/imgfactory/core/internal/sizing"
)

// writeBufferSize is the buffer used when streaming entries to the temp file.
const writeBufferSize = 1 << 20

var zeroSector [sizing.SectorSize]byte

// RebuildResult reports the outcome of a successful rebuild.
type RebuildResult struct {
	// Path is the archive's data file.
	Path string

	// Mode is the mode the rebuild ran in.
	Mode Mode

	// Entries is the number of entries written.
	Entries int

	// Dropped is the number of tombstoned entries removed.
	Dropped int

	// Skipped names entries a Fast rebuild could not read. They are not in
	// the rebuilt archive.
	Skipped []string

	// BytesBefore and BytesAfter are the combined sizes of the archive
	// files before and after the rebuild.
	BytesBefore int64
	BytesAfter  int64

	// Duration is the wall time of the rebuild.
	Duration time.Duration

	// Digest is the digest of the rebuilt data file. It is only set by Safe
	// rebuilds, which read the written file back.
	Digest digest.Digest

	// Backup is the path of the data file backup, when one was requested.
	Backup string
}

// Rebuild writes a compacted archive reflecting every pending mutation and
// atomically swaps it into place.
//
// Entries are written in directory order into contiguous sectors starting
// at the first sector after the directory. Tombstoned entries are dropped
// and overlay payloads are written in place of the on-disk bytes. After
// the swap the document's flags are cleared (pins are kept) and its
// generation advances, which seals earlier history records.
//
// Only one rebuild may run per document; a concurrent call fails with
// ErrRebuildInProgress. Mutations are rejected until the rebuild ends,
// while reads continue against the original file. The context is checked
// between entries; a canceled rebuild leaves the archive untouched.
func (d *Document) Rebuild(ctx context.Context, mode Mode, opts ...RebuildOption) (RebuildResult, error) {
	var cfg rebuildConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	if !d.rebuildMu.TryLock() {
		return RebuildResult{}, fmt.Errorf("rebuild %s: %w", d.dataPath, ErrRebuildInProgress)
	}
	defer d.rebuildMu.Unlock()

	start := time.Now()
	plan, err := d.beginRebuild()
	if err != nil {
		return RebuildResult{}, fmt.Errorf("rebuild %s: %w", d.dataPath, err)
	}
	defer d.rebuilding.Store(false)

	d.log().Info("rebuilding archive",
		"path", d.dataPath,
		"mode", mode,
		"entries", len(plan.entries),
		"dropped", plan.dropped)

	r := &rebuilder{doc: d, plan: plan, mode: mode, cfg: cfg}
	res, err := r.run(ctx)
	if err != nil {
		d.log().Debug("rebuild failed", "path", d.dataPath, "mode", mode, "error", err)
		return RebuildResult{}, fmt.Errorf("rebuild %s: %w", d.dataPath, err)
	}
	res.Duration = time.Since(start)

	d.log().Info("rebuilt archive",
		"path", res.Path,
		"mode", res.Mode,
		"entries", res.Entries,
		"dropped", res.Dropped,
		"skipped", len(res.Skipped),
		"bytes_before", res.BytesBefore,
		"bytes_after", res.BytesAfter,
		"duration", res.Duration)
	return res, nil
}

// planEntry is a snapshot of one live entry taken when a rebuild starts.
type planEntry struct {
	id      uint64
	meta    Entry
	overlay digest.Digest
}

type rebuildPlan struct {
	variant     Variant
	dataPath    string
	dirPath     string
	dataTarget  string // dataPath with symlinks resolved
	dirTarget   string
	backing     *os.File
	backingSize int64
	dirSize     int64
	perm        os.FileMode
	dataInfo    fs.FileInfo
	dirInfo     fs.FileInfo
	entries     []planEntry
	dropped     int
}

// beginRebuild snapshots the document and marks it as rebuilding. Both
// happen under the write lock so no mutation can slip in between.
func (d *Document) beginRebuild() (*rebuildPlan, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	info, err := d.backing.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: stat: %w", ErrSourceRead, err)
	}
	plan := &rebuildPlan{
		variant:     d.variant,
		dataPath:    d.dataPath,
		dirPath:     d.dirPath,
		backing:     d.backing,
		backingSize: info.Size(),
		perm:        info.Mode().Perm(),
		dataInfo:    info,
		entries:     make([]planEntry, 0, len(d.entries)),
	}
	if plan.dataTarget, err = platform.ResolveTarget(d.dataPath); err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", ErrDiskWrite, d.dataPath, err)
	}
	if d.variant == VariantDir {
		if plan.dirTarget, err = platform.ResolveTarget(d.dirPath); err != nil {
			return nil, fmt.Errorf("%w: resolve %s: %w", ErrDiskWrite, d.dirPath, err)
		}
		if dirInfo, err := os.Stat(d.dirPath); err == nil {
			plan.dirSize = dirInfo.Size()
			plan.dirInfo = dirInfo
		}
	}
	for _, e := range d.entries {
		if e.meta.Flags.Has(FlagTombstoned) {
			plan.dropped++
			continue
		}
		plan.entries = append(plan.entries, planEntry{id: e.id, meta: e.meta, overlay: e.overlay})
	}
	d.rebuilding.Store(true)
	return plan, nil
}

type rebuilder struct {
	doc  *Document
	plan *rebuildPlan
	mode Mode
	cfg  rebuildConfig
}

// output tracks the temp files of a rebuild until they are swapped in.
type output struct {
	dataTmp  string
	dirTmp   string
	dataSize int64
	dirSize  int64
	records  []index.Record
	written  []planEntry
	skipped  []string
	failed   []uint64 // ids whose payload read failed
}

// errRelayout asks write to lay the output out again because entries were
// skipped after the directory was reserved.
var errRelayout = errors.New("directory shrank below reserved sectors")

// cleanup removes temp files that were not renamed into place.
func (o *output) cleanup() {
	if o.dataTmp != "" {
		os.Remove(o.dataTmp)
	}
	if o.dirTmp != "" {
		os.Remove(o.dirTmp)
	}
}

func (r *rebuilder) run(ctx context.Context) (RebuildResult, error) {
	res := RebuildResult{
		Path:        r.plan.dataPath,
		Mode:        r.mode,
		Dropped:     r.plan.dropped,
		BytesBefore: r.plan.backingSize + r.plan.dirSize,
	}

	if r.mode == ModeSafe {
		if err := r.validate(ctx); err != nil {
			return RebuildResult{}, err
		}
	}
	if r.cfg.backup {
		backup, err := r.backup()
		if err != nil {
			return RebuildResult{}, err
		}
		res.Backup = backup
	}

	out, err := r.write(ctx)
	if err != nil {
		return RebuildResult{}, err
	}
	defer out.cleanup()

	if r.mode == ModeSafe {
		dg, err := r.verify(out)
		if err != nil {
			return RebuildResult{}, err
		}
		res.Digest = dg
	}
	if err := ctx.Err(); err != nil {
		return RebuildResult{}, err
	}
	if err := r.swap(out); err != nil {
		return RebuildResult{}, err
	}

	res.Entries = len(out.written)
	res.Skipped = out.skipped
	res.BytesAfter = out.dataSize + out.dirSize
	return res, nil
}

func (r *rebuilder) progress(ev ProgressEvent) {
	if r.cfg.progress == nil {
		return
	}
	ev.Target = r.plan.dataPath
	r.cfg.progress(ev)
}

// validate checks every entry before anything is written.
func (r *rebuilder) validate(ctx context.Context) error {
	total := len(r.plan.entries)
	for i, pe := range r.plan.entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := index.ValidateName(pe.meta.Name); err != nil {
			return fmt.Errorf("%w: entry %q: %w", ErrValidationFailed, pe.meta.Name, err)
		}
		if !r.plan.spanFits(pe) {
			start := sizing.SectorBytes(uint64(pe.meta.Offset))
			return fmt.Errorf("%w: entry %q declares bytes %d-%d but data file has %d",
				ErrValidationFailed, pe.meta.Name, start, start+pe.meta.Size, r.plan.backingSize)
		}
		r.progress(ProgressEvent{
			Stage:        StageValidating,
			Entry:        pe.meta.Name,
			EntriesDone:  i + 1,
			EntriesTotal: total,
		})
	}
	return nil
}

// backup copies the archive files aside and returns the data backup path.
func (r *rebuilder) backup() (string, error) {
	r.progress(ProgressEvent{Stage: StageBackingUp})
	paths := []string{r.plan.dataPath}
	if r.plan.variant == VariantDir {
		paths = append(paths, r.plan.dirPath)
	}
	var dataBackup string
	for _, p := range paths {
		dst, created, err := writeBackup(p, r.cfg.compression)
		if err != nil {
			r.doc.log().Warn("backup failed", "path", p, "error", err)
			return "", fmt.Errorf("%w: backup %s: %w", ErrDiskWrite, p, err)
		}
		if created {
			r.doc.log().Info("backed up archive", "path", p, "backup", dst)
		}
		if dataBackup == "" {
			dataBackup = dst
		}
	}
	return dataBackup, nil
}

// write streams every planned entry into a temp data file and encodes the
// new directory.
//
// The directory is reserved before any payload is read, so a Fast rebuild
// first drops entries whose spans lie past the end of the data file. If a
// read still fails and the smaller directory would start the payload a
// sector earlier, the layout is written again without the failed entries.
func (r *rebuilder) write(ctx context.Context) (*output, error) {
	skip := r.unreadable()
	for {
		out, err := r.writeLayout(ctx, skip)
		if !errors.Is(err, errRelayout) {
			return out, err
		}
		for _, id := range out.failed {
			skip[id] = struct{}{}
		}
		r.doc.log().Debug("relayout after skipped entries", "path", r.plan.dataPath, "skipped", len(skip))
	}
}

// unreadable returns the ids of entries a Fast rebuild can tell will fail
// to read: on-disk spans that end past the data file.
func (r *rebuilder) unreadable() map[uint64]struct{} {
	skip := make(map[uint64]struct{})
	if r.mode != ModeFast {
		return skip
	}
	for _, pe := range r.plan.entries {
		if !r.plan.spanFits(pe) {
			skip[pe.id] = struct{}{}
		}
	}
	return skip
}

// spanFits reports whether pe's bytes lie within the data file. Overlay
// payloads always fit.
func (p *rebuildPlan) spanFits(pe planEntry) bool {
	if pe.overlay != "" {
		return true
	}
	end, ok := sizing.AddUint64(sizing.SectorBytes(uint64(pe.meta.Offset)), pe.meta.Size)
	return ok && end <= uint64(p.backingSize) //nolint:gosec // file sizes are non-negative
}

// writeLayout writes one attempt of the rebuilt data file, leaving out the
// entries in skip.
func (r *rebuilder) writeLayout(ctx context.Context, skip map[uint64]struct{}) (_ *output, err error) {
	p := r.plan
	tmp, err := os.CreateTemp(filepath.Dir(p.dataTarget), tempPattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	out := &output{dataTmp: tmp.Name()}
	defer func() {
		if err != nil {
			tmp.Close()
			out.cleanup()
		}
	}()
	if err := tmp.Chmod(p.perm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	r.copyOwner(tmp, p.dataInfo)

	w := bufio.NewWriterSize(tmp, writeBufferSize)
	start := index.DataStart(p.variant, len(p.entries)-len(skip))
	for range start {
		if _, err := w.Write(zeroSector[:]); err != nil {
			return nil, fmt.Errorf("%w: reserve directory: %w", ErrDiskWrite, err)
		}
	}

	cursor := start
	var bytesDone uint64
	total := len(p.entries)
	for i, pe := range p.entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, ok := skip[pe.id]; ok {
			r.doc.log().Warn("skipping unreadable entry",
				"path", p.dataPath,
				"entry", pe.meta.Name,
				"error", "span beyond end of data")
			out.skipped = append(out.skipped, pe.meta.Name)
			continue
		}
		data, err := r.doc.readPayload(p.backing, pe.meta, pe.overlay)
		if err != nil {
			if r.mode == ModeSafe {
				return nil, err
			}
			r.doc.log().Warn("skipping unreadable entry",
				"path", p.dataPath,
				"entry", pe.meta.Name,
				"error", err)
			out.skipped = append(out.skipped, pe.meta.Name)
			out.failed = append(out.failed, pe.id)
			continue
		}

		n := uint64(len(data))
		sectors := sizing.SectorsFor(n)
		if sectors > sizing.MaxSectors {
			return nil, fmt.Errorf("entry %q: %w", pe.meta.Name, ErrEntryTooLarge)
		}
		if cursor+sectors > math.MaxUint32 {
			return nil, fmt.Errorf("%w: archive exceeds addressable sectors", ErrDiskWrite)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", ErrDiskWrite, pe.meta.Name, err)
		}
		if _, err := w.Write(zeroSector[:sizing.Padding(n)]); err != nil {
			return nil, fmt.Errorf("%w: entry %q: %w", ErrDiskWrite, pe.meta.Name, err)
		}

		rec := index.Record{
			Name:     pe.meta.Name,
			Offset:   uint32(cursor),  //nolint:gosec // checked above
			Sectors:  uint16(sectors), //nolint:gosec // checked above
			Reserved: pe.meta.Reserved,
		}
		out.records = append(out.records, rec)
		out.written = append(out.written, planEntry{
			id: pe.id,
			meta: Entry{
				Name:     rec.Name,
				Offset:   rec.Offset,
				Sectors:  rec.Sectors,
				Reserved: rec.Reserved,
				Size:     n,
				Flags:    pe.meta.Flags & FlagPinned,
			},
		})
		cursor += sectors
		bytesDone += n
		r.progress(ProgressEvent{
			Stage:        StageWriting,
			Entry:        pe.meta.Name,
			EntriesDone:  i + 1,
			EntriesTotal: total,
			BytesDone:    bytesDone,
		})
	}
	if index.DataStart(p.variant, len(out.records)) != start {
		return out, errRelayout
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	out.dataSize = int64(sizing.SectorBytes(cursor)) //nolint:gosec // bounded by MaxUint32 sectors

	dir, err := index.Serialize(p.variant, index.Header{
		Variant: p.variant,
		Count:   uint32(len(out.records)), //nolint:gosec // bounded by entry count
	}, out.records)
	if err != nil {
		return nil, fmt.Errorf("%w: encode directory: %w", ErrDiskWrite, err)
	}

	switch p.variant {
	case VariantVER2:
		if _, err := tmp.WriteAt(dir, 0); err != nil {
			return nil, fmt.Errorf("%w: write directory: %w", ErrDiskWrite, err)
		}
	case VariantDir:
		if err := r.writeDirFile(out, dir); err != nil {
			return nil, err
		}
	}
	if err := syncClose(tmp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	return out, nil
}

// writeDirFile writes the dir variant's directory to its own temp file.
func (r *rebuilder) writeDirFile(out *output, dir []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(r.plan.dirTarget), tempPattern)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	out.dirTmp = tmp.Name()
	if err := tmp.Chmod(r.plan.perm); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	if r.plan.dirInfo != nil {
		r.copyOwner(tmp, r.plan.dirInfo)
	}
	if _, err := tmp.Write(dir); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write directory: %w", ErrDiskWrite, err)
	}
	if err := syncClose(tmp); err != nil {
		return fmt.Errorf("%w: %w", ErrDiskWrite, err)
	}
	out.dirSize = int64(len(dir))
	return nil
}

// copyOwner gives a temp file the owner of the file it will replace. An
// unprivileged process cannot change ownership, so failures only log.
func (r *rebuilder) copyOwner(f *os.File, src fs.FileInfo) {
	if err := platform.CopyOwner(f, src); err != nil {
		r.doc.log().Debug("keep archive owner", "path", r.plan.dataPath, "error", err)
	}
}

// verify re-reads the written directory with strict parsing and checks it
// against what was meant to be written. It returns the data file digest.
func (r *rebuilder) verify(out *output) (digest.Digest, error) {
	r.progress(ProgressEvent{Stage: StageVerifying, EntriesTotal: len(out.records)})

	f, err := os.Open(out.dataTmp)
	if err != nil {
		return "", fmt.Errorf("%w: reopen output: %w", ErrValidationFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: stat output: %w", ErrValidationFailed, err)
	}
	if info.Size() != out.dataSize {
		return "", fmt.Errorf("%w: output is %d bytes, expected %d",
			ErrValidationFailed, info.Size(), out.dataSize)
	}

	var dir []byte
	switch r.plan.variant {
	case VariantVER2:
		dir = make([]byte, index.DirectorySize(r.plan.variant, len(out.records)))
		if _, err := f.ReadAt(dir, 0); err != nil {
			return "", fmt.Errorf("%w: read back directory: %w", ErrValidationFailed, err)
		}
	case VariantDir:
		dir, err = os.ReadFile(out.dirTmp)
		if err != nil {
			return "", fmt.Errorf("%w: read back directory: %w", ErrValidationFailed, err)
		}
	}
	_, got, err := index.Parse(r.plan.variant, dir, index.WithStrict(true))
	if err != nil {
		return "", fmt.Errorf("%w: written directory does not parse: %w", ErrValidationFailed, err)
	}
	if !slices.Equal(got, out.records) {
		return "", fmt.Errorf("%w: written directory does not match", ErrValidationFailed)
	}

	dg, err := digest.FromReader(io.NewSectionReader(f, 0, info.Size()))
	if err != nil {
		return "", fmt.Errorf("%w: digest output: %w", ErrValidationFailed, err)
	}
	return dg, nil
}

// swap renames the temp files into place and rebases the document on the
// new layout.
func (r *rebuilder) swap(out *output) error {
	r.progress(ProgressEvent{Stage: StageSwapping, EntriesTotal: len(out.written)})
	d := r.doc
	p := r.plan

	// Open before the rename so the handle follows the new file.
	f, err := os.Open(out.dataTmp)
	if err != nil {
		return fmt.Errorf("%w: reopen output: %w", ErrDiskWrite, err)
	}

	// The dir variant replaces two files. Keep the old directory so it can
	// be put back if the data file cannot be replaced.
	var prevDir string
	if out.dirTmp != "" {
		prevDir, err = keepAside(p.dirTarget)
		if err != nil {
			f.Close()
			return fmt.Errorf("%w: keep %s: %w", ErrDiskWrite, p.dirPath, err)
		}
		if prevDir != "" {
			defer os.Remove(prevDir)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if out.dirTmp != "" {
		if err := os.Rename(out.dirTmp, p.dirTarget); err != nil {
			f.Close()
			return fmt.Errorf("%w: replace %s: %w", ErrDiskWrite, p.dirPath, err)
		}
		out.dirTmp = ""
	}
	if err := os.Rename(out.dataTmp, p.dataTarget); err != nil {
		f.Close()
		if prevDir != "" {
			if rerr := os.Rename(prevDir, p.dirTarget); rerr != nil {
				d.log().Error("restore directory", "path", p.dirPath, "error", rerr)
				err = errors.Join(err, rerr)
			}
		}
		return fmt.Errorf("%w: replace %s: %w", ErrDiskWrite, p.dataPath, err)
	}
	out.dataTmp = ""

	if err := d.backing.Close(); err != nil {
		d.log().Debug("close replaced archive", "path", p.dataPath, "error", err)
	}
	d.backing = f

	entries := make([]*entry, len(out.written))
	for i, w := range out.written {
		entries[i] = &entry{id: w.id, meta: w.meta}
	}
	d.entries = entries
	d.generation++
	if err := d.overlay.Reset(); err != nil {
		d.log().Warn("reset overlay", "path", p.dataPath, "error", err)
	}
	return nil
}

// keepAside preserves the file at path under a temp name beside it and
// returns that name. A hard link keeps owner and mode; where links are not
// supported the file is copied. A missing file returns "".
func keepAside(path string) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), tempPattern)
	if err != nil {
		return "", err
	}
	name := tmp.Name()
	tmp.Close()
	if err := os.Remove(name); err != nil {
		return "", err
	}
	err = os.Link(path, name)
	switch {
	case err == nil:
		return name, nil
	case errors.Is(err, fs.ErrNotExist):
		return "", nil
	}

	src, err := os.Open(path) //nolint:gosec // archive directory path
	if err != nil {
		return "", err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", err
	}
	if err := streamFileAtomic(name, src, info.Mode().Perm()); err != nil {
		return "", err
	}
	return name, nil
}
