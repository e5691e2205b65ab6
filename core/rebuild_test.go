package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgfactory/core/overlay"
	"github.com/meigma/imgfactory/core/overlay/disk"
	"github.com/meigma/imgfactory/core/testutil"
)

func TestRebuildDropsTombstones(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := testutil.WriteDirArchive(t, dir, "gta3", sampleFiles())
	d := openDoc(t, path)

	require.NoError(t, d.Remove("b.txd"))
	require.True(t, d.IsDirty())

	res, err := d.Rebuild(context.Background(), ModeFast)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, int64(6*2048+3*32), res.BytesBefore)
	assert.Equal(t, int64(5*2048+2*32), res.BytesAfter)
	assert.Empty(t, res.Skipped)
	assert.False(t, d.IsDirty())
	assert.Equal(t, uint64(1), d.Generation())

	entries := d.Entries()
	require.Equal(t, []string{"a.dff", "c.col"}, names(entries))
	assert.Equal(t, uint32(0), entries[0].Offset)
	assert.Equal(t, uint32(2), entries[1].Offset)
	for _, e := range entries {
		assert.Zero(t, e.Flags)
	}

	// The document reads from the new file and a fresh open agrees.
	got, err := d.ReadEntry("c.col")
	require.NoError(t, err)
	assert.Equal(t, sampleFiles()[2].Payload(), got)

	reopened := openDoc(t, path)
	assert.Equal(t, entries, reopened.Entries())
}

func TestRebuildWritesOverlayPayloads(t *testing.T) {
	t.Parallel()

	for _, v := range []Variant{VariantDir, VariantVER2} {
		t.Run(v.String(), func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := writeArchive(t, v, dir, sampleFiles())
			store, err := disk.New(filepath.Join(dir, "overlay"))
			require.NoError(t, err)
			d := openDoc(t, path, WithOverlay(store))

			require.NoError(t, d.Add("new.ifp", []byte("animation")))
			require.NoError(t, d.Replace("a.dff", []byte("model")))
			require.NoError(t, d.Rename("c.col", "coll.col"))
			require.NoError(t, d.Pin("coll.col"))

			_, err = d.Rebuild(context.Background(), ModeSafe)
			require.NoError(t, err)
			assert.Zero(t, store.SizeBytes(), "overlay is reset after rebuild")

			reopened := openDoc(t, path)
			assert.Equal(t, []string{"a.dff", "b.txd", "coll.col", "new.ifp"}, names(reopened.Entries()))

			for _, c := range []struct {
				name string
				want []byte
			}{
				{"a.dff", padTo([]byte("model"), 2048)},
				{"b.txd", sampleFiles()[1].Payload()},
				{"coll.col", sampleFiles()[2].Payload()},
				{"new.ifp", padTo([]byte("animation"), 2048)},
			} {
				got, err := reopened.ReadEntry(c.name)
				require.NoError(t, err)
				assert.Equal(t, c.want, got, c.name)
			}

			// The live document keeps exact sizes and the pin.
			e, err := d.Entry("new.ifp")
			require.NoError(t, err)
			assert.Equal(t, uint64(9), e.Size)
			e, err = d.Entry("coll.col")
			require.NoError(t, err)
			assert.Equal(t, FlagPinned, e.Flags)
		})
	}
}

func TestRebuildFastIsIdempotent(t *testing.T) {
	t.Parallel()

	for _, v := range []Variant{VariantDir, VariantVER2} {
		t.Run(v.String(), func(t *testing.T) {
			t.Parallel()
			path := writeArchive(t, v, t.TempDir(), sampleFiles())
			d := openDoc(t, path)
			require.NoError(t, d.Add("x.dat", []byte("tail")))
			require.NoError(t, d.Remove("a.dff"))

			_, err := d.Rebuild(context.Background(), ModeFast)
			require.NoError(t, err)
			first := testutil.FileDigest(t, path)
			firstDir := testutil.FileDigest(t, d.DirPath())

			_, err = d.Rebuild(context.Background(), ModeFast)
			require.NoError(t, err)
			assert.Equal(t, first, testutil.FileDigest(t, path))
			assert.Equal(t, firstDir, testutil.FileDigest(t, d.DirPath()))
		})
	}
}

func TestRebuildSafeDigest(t *testing.T) {
	t.Parallel()

	path := testutil.WriteVER2Archive(t, t.TempDir(), "gta3", sampleFiles())
	d := openDoc(t, path)
	res, err := d.Rebuild(context.Background(), ModeSafe)
	require.NoError(t, err)
	assert.Equal(t, testutil.FileDigest(t, path), res.Digest)
}

func TestRebuildSafeLeavesCorruptArchiveUntouched(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := testutil.WriteDirArchive(t, dir, "gta3", sampleFiles())
	// Cut c.col, which occupies sectors 3 through 5.
	testutil.Truncate(t, path, 3*2048)
	d := openDoc(t, path)
	require.NoError(t, d.Remove("a.dff"))

	before := testutil.FileDigest(t, path)
	beforeDir := testutil.FileDigest(t, d.DirPath())
	beforeEntries := d.Entries()

	_, err := d.Rebuild(context.Background(), ModeSafe)
	require.ErrorIs(t, err, ErrValidationFailed)
	assert.ErrorIs(t, err, ErrValidation)

	assert.Equal(t, before, testutil.FileDigest(t, path))
	assert.Equal(t, beforeDir, testutil.FileDigest(t, d.DirPath()))
	assert.Equal(t, beforeEntries, d.Entries())
	assert.True(t, d.IsDirty())
	assertNoTempFiles(t, dir)

	// The document stays usable.
	require.NoError(t, d.Undo())
}

func TestRebuildFastSkipsUnreadableEntries(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := testutil.WriteDirArchive(t, dir, "gta3", sampleFiles())
	testutil.Truncate(t, path, 3*2048)
	d := openDoc(t, path)

	res, err := d.Rebuild(context.Background(), ModeFast)
	require.NoError(t, err)
	assert.Equal(t, []string{"c.col"}, res.Skipped)
	assert.Equal(t, 2, res.Entries)
	assert.Equal(t, []string{"a.dff", "b.txd"}, names(d.Entries()))

	reopened := openDoc(t, path)
	assert.Equal(t, []string{"a.dff", "b.txd"}, names(reopened.Entries()))
}

// numberedFiles returns n one-sector entries. Past 63 records a VER2
// directory needs a second sector.
func numberedFiles(n int) []testutil.File {
	list := make([]string, n)
	for i := range list {
		list[i] = fmt.Sprintf("e%02d.dat", i)
	}
	return testutil.Files(100, list...)
}

func assertContiguous(t *testing.T, entries []Entry, start uint32) {
	t.Helper()
	next := start
	for _, e := range entries {
		assert.Equal(t, next, e.Offset, "offset of %s", e.Name)
		next = e.Offset + uint32(e.Sectors)
	}
}

func TestRebuildFastShrinksDirectoryAfterSkips(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := testutil.WriteVER2Archive(t, dir, "gta3", numberedFiles(65))
	// Payload starts at sector 2; cut the spans of e63 and e64.
	testutil.Truncate(t, path, 65*2048)
	d := openDoc(t, path)

	res, err := d.Rebuild(context.Background(), ModeFast)
	require.NoError(t, err)
	assert.Equal(t, []string{"e63.dat", "e64.dat"}, res.Skipped)
	entries := d.Entries()
	require.Len(t, entries, 63)
	assertContiguous(t, entries, 1)

	rep, err := d.Analyze()
	require.NoError(t, err)
	assert.Zero(t, rep.Gaps)
	assert.Empty(t, rep.Issues)

	first := testutil.FileDigest(t, path)
	_, err = d.Rebuild(context.Background(), ModeFast)
	require.NoError(t, err)
	assert.Equal(t, first, testutil.FileDigest(t, path))
	assertNoTempFiles(t, dir)
}

// lostStore keeps payloads but cannot read them back.
type lostStore struct {
	*overlay.Memory
}

func (lostStore) Get(digest.Digest) ([]byte, error) {
	return nil, errors.New("payload lost")
}

func TestRebuildFastRelaysOutAfterFailedReads(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := testutil.WriteVER2Archive(t, dir, "gta3", numberedFiles(63))
	d := openDoc(t, path, WithOverlay(lostStore{overlay.NewMemory()}))
	require.NoError(t, d.Add("x.dat", []byte("x")))
	require.NoError(t, d.Add("y.dat", []byte("y")))

	res, err := d.Rebuild(context.Background(), ModeFast)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.dat", "y.dat"}, res.Skipped)
	assert.Equal(t, 63, res.Entries)
	assert.Equal(t, int64(64*2048), res.BytesAfter)
	assertContiguous(t, d.Entries(), 1)
	assertNoTempFiles(t, dir)

	reopened := openDoc(t, path)
	assertContiguous(t, reopened.Entries(), 1)
}

func TestRebuildRestoresDirectoryWhenDataSwapFails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := testutil.WriteDirArchive(t, dir, "gta3", sampleFiles())
	d := openDoc(t, path)
	require.NoError(t, d.Remove("b.txd"))
	dirBefore := testutil.FileDigest(t, d.DirPath())

	// A directory in place of the data file makes its rename fail after
	// the .dir has been replaced.
	progress := func(ev ProgressEvent) {
		if ev.Stage != StageSwapping {
			return
		}
		require.NoError(t, os.Remove(path))
		require.NoError(t, os.Mkdir(path, 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), nil, 0o600))
	}

	_, err := d.Rebuild(context.Background(), ModeFast, WithProgress(progress))
	require.ErrorIs(t, err, ErrDiskWrite)
	assert.Equal(t, dirBefore, testutil.FileDigest(t, d.DirPath()))
	assert.True(t, d.IsDirty())
	assert.Equal(t, uint64(0), d.Generation())
	assertNoTempFiles(t, dir)
}

func TestKeepAsideMissingFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	name, err := keepAside(filepath.Join(dir, "gone.dir"))
	require.NoError(t, err)
	assert.Empty(t, name)
	assertNoTempFiles(t, dir)
}

func TestRebuildCancel(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := testutil.WriteVER2Archive(t, dir, "gta3", sampleFiles())
	d := openDoc(t, path)
	require.NoError(t, d.Remove("b.txd"))
	before := testutil.FileDigest(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	progress := func(ev ProgressEvent) {
		if ev.Stage == StageWriting {
			cancel()
		}
	}

	_, err := d.Rebuild(ctx, ModeFast, WithProgress(progress))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, before, testutil.FileDigest(t, path))
	assert.True(t, d.IsDirty())
	assertNoTempFiles(t, dir)

	require.NoError(t, d.Undo())
}

func TestRebuildExclusive(t *testing.T) {
	t.Parallel()

	d := openDoc(t, testutil.WriteVER2Archive(t, t.TempDir(), "gta3", sampleFiles()))

	inWrite := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	progress := func(ev ProgressEvent) {
		if ev.Stage == StageWriting {
			once.Do(func() {
				close(inWrite)
				<-release
			})
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Rebuild(context.Background(), ModeFast, WithProgress(progress))
		done <- err
	}()
	<-inWrite

	assert.True(t, d.Rebuilding())
	_, err := d.Rebuild(context.Background(), ModeFast)
	require.ErrorIs(t, err, ErrRebuildInProgress)
	require.ErrorIs(t, d.Add("x.dff", nil), ErrRebuildInProgress)
	require.ErrorIs(t, d.Remove("a.dff"), ErrRebuildInProgress)
	require.ErrorIs(t, d.Undo(), ErrRebuildInProgress)

	// Readers still see the original layout.
	assert.Len(t, d.Entries(), 3)
	_, err = d.ReadEntry("a.dff")
	require.NoError(t, err)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, d.Rebuilding())
	require.NoError(t, d.Add("x.dff", nil))
}

func TestRebuildProgressStages(t *testing.T) {
	t.Parallel()

	path := testutil.WriteDirArchive(t, t.TempDir(), "gta3", sampleFiles())
	d := openDoc(t, path)

	var mu sync.Mutex
	seen := map[ProgressStage]int{}
	var last ProgressEvent
	progress := func(ev ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen[ev.Stage]++
		last = ev
		assert.Equal(t, path, ev.Target)
	}

	_, err := d.Rebuild(context.Background(), ModeSafe, WithBackup(CompressionNone), WithProgress(progress))
	require.NoError(t, err)

	assert.Equal(t, 3, seen[StageValidating])
	assert.Equal(t, 1, seen[StageBackingUp])
	assert.Equal(t, 3, seen[StageWriting])
	assert.Equal(t, 1, seen[StageVerifying])
	assert.Equal(t, 1, seen[StageSwapping])
	assert.Equal(t, StageSwapping, last.Stage)
}

func TestRebuildBackupAndRestore(t *testing.T) {
	t.Parallel()

	for _, c := range []Compression{CompressionNone, CompressionZstd, CompressionLZ4} {
		t.Run(c.String(), func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			path := testutil.WriteDirArchive(t, dir, "gta3", sampleFiles())
			original := testutil.FileDigest(t, path)
			originalDir := testutil.FileDigest(t, filepath.Join(dir, "gta3.dir"))
			d := openDoc(t, path)

			require.NoError(t, d.Remove("a.dff"))
			res, err := d.Rebuild(context.Background(), ModeFast, WithBackup(c))
			require.NoError(t, err)
			assert.Equal(t, BackupPath(path, c), res.Backup)
			assert.FileExists(t, BackupPath(filepath.Join(dir, "gta3.dir"), c))

			// A second backup never replaces the first.
			require.NoError(t, d.Remove("b.txd"))
			_, err = d.Rebuild(context.Background(), ModeFast, WithBackup(c))
			require.NoError(t, err)

			restored := filepath.Join(dir, "restored.img")
			require.NoError(t, RestoreBackup(res.Backup, restored))
			assert.Equal(t, original, testutil.FileDigest(t, restored))

			restoredDir := filepath.Join(dir, "restored.dir")
			require.NoError(t, RestoreBackup(BackupPath(filepath.Join(dir, "gta3.dir"), c), restoredDir))
			assert.Equal(t, originalDir, testutil.FileDigest(t, restoredDir))

			r := openDoc(t, restored)
			assert.Equal(t, []string{"a.dff", "b.txd", "c.col"}, names(r.Entries()))
		})
	}
}

func TestRebuildBackupFailureAborts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := testutil.WriteVER2Archive(t, dir, "gta3", sampleFiles())
	d := openDoc(t, path)
	require.NoError(t, d.Remove("a.dff"))
	before := testutil.FileDigest(t, path)

	// A read-only directory makes the backup's temp file fail.
	require.NoError(t, os.Chmod(dir, 0o555))
	t.Cleanup(func() { os.Chmod(dir, 0o755) })
	if f, err := os.CreateTemp(dir, "probe-*"); err == nil {
		f.Close()
		os.Remove(f.Name())
		t.Skip("directory permissions are not enforced for this user")
	}

	_, err := d.Rebuild(context.Background(), ModeFast, WithBackup(CompressionZstd))
	require.ErrorIs(t, err, ErrDiskWrite)
	assert.Equal(t, before, testutil.FileDigest(t, path))
	assert.True(t, d.IsDirty())
}

func TestRebuildEmptyArchive(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "empty.img")
	d, err := Create(path, VariantVER2)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	require.NoError(t, d.Add("only.dff", []byte("one")))
	_, err = d.Rebuild(context.Background(), ModeSafe)
	require.NoError(t, err)
	require.NoError(t, d.Remove("only.dff"))
	_, err = d.Rebuild(context.Background(), ModeSafe)
	require.NoError(t, err)

	reopened := openDoc(t, path)
	assert.Empty(t, reopened.Entries())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), info.Size())
}

func TestRebuildClosed(t *testing.T) {
	t.Parallel()

	d, err := Open(testutil.WriteVER2Archive(t, t.TempDir(), "gta3", sampleFiles()))
	require.NoError(t, err)
	require.NoError(t, d.Close())
	_, err = d.Rebuild(context.Background(), ModeFast)
	require.ErrorIs(t, err, ErrClosed)
}

func TestRebuildThroughSymlink(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "store"), 0o750))
	target := testutil.WriteVER2Archive(t, filepath.Join(dir, "store"), "gta3", sampleFiles())
	link := filepath.Join(dir, "gta3.img")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	d := openDoc(t, link)
	require.NoError(t, d.Remove("b.txd"))
	_, err := d.Rebuild(context.Background(), ModeSafe)
	require.NoError(t, err)

	info, err := os.Lstat(link)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&os.ModeSymlink, "link is kept")
	assert.Equal(t, []string{"a.dff", "c.col"}, names(openDoc(t, target).Entries()))
	assertNoTempFiles(t, dir)
	assertNoTempFiles(t, filepath.Join(dir, "store"))
}

func writeArchive(t *testing.T, v Variant, dir string, files []testutil.File) string {
	t.Helper()
	if v == VariantDir {
		return testutil.WriteDirArchive(t, dir, "gta3", files)
	}
	return testutil.WriteVER2Archive(t, dir, "gta3", files)
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, ".imgfactory-*"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}
