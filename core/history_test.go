package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgfactory/core/overlay"
	"github.com/meigma/imgfactory/core/testutil"
)

// snapshot captures the entry list and every live payload.
type snapshot struct {
	entries  []Entry
	payloads map[string][]byte
}

func takeSnapshot(t *testing.T, d *Document) snapshot {
	t.Helper()
	s := snapshot{entries: d.Entries(), payloads: make(map[string][]byte)}
	for _, e := range s.entries {
		if e.Flags.Has(FlagTombstoned) {
			continue
		}
		data, err := d.ReadEntry(e.Name)
		require.NoError(t, err)
		s.payloads[e.Name] = data
	}
	return s
}

func TestUndoRestoresRemovedEntryInPlace(t *testing.T) {
	t.Parallel()

	d := openDoc(t, testutil.WriteDirArchive(t, t.TempDir(), "gta3", sampleFiles()))
	before := d.Entries()

	require.NoError(t, d.Remove("b.txd"))
	assert.True(t, d.IsDirty())

	require.NoError(t, d.Undo())
	after := d.Entries()
	assert.Equal(t, before, after)
	assert.Equal(t, "b.txd", after[1].Name)
	assert.False(t, d.IsDirty())
}

func TestUndoRedoInverse(t *testing.T) {
	t.Parallel()

	d := openDoc(t, testutil.WriteVER2Archive(t, t.TempDir(), "gta3", sampleFiles()))
	initial := takeSnapshot(t, d)

	steps := []func() error{
		func() error { return d.Add("x.ifp", []byte("xx")) },
		func() error { return d.Rename("a.dff", "renamed.dff") },
		func() error { return d.Replace("b.txd", filled('q', 5000)) },
		func() error { return d.Remove("c.col") },
		func() error { return d.Pin("x.ifp") },
		func() error { return d.Add("y.ifp", nil) },
		func() error { return d.Replace("x.ifp", []byte("rejected")) },
		func() error { return d.Remove("renamed.dff") },
	}
	applied := 0
	for _, step := range steps {
		if err := step(); err != nil {
			require.ErrorIs(t, err, ErrEntryPinned)
			continue
		}
		applied++
	}
	require.Equal(t, 7, applied)
	final := takeSnapshot(t, d)

	for range applied {
		require.NoError(t, d.Undo())
	}
	require.ErrorIs(t, d.Undo(), ErrNothingToUndo)
	assert.Equal(t, initial, takeSnapshot(t, d))
	assert.False(t, d.IsDirty())

	for range applied {
		require.NoError(t, d.Redo())
	}
	require.ErrorIs(t, d.Redo(), ErrNothingToRedo)
	assert.Equal(t, final, takeSnapshot(t, d))
}

func TestMutationDiscardsRedoTail(t *testing.T) {
	t.Parallel()

	d := openDoc(t, testutil.WriteDirArchive(t, t.TempDir(), "gta3", sampleFiles()))
	require.NoError(t, d.Add("x.dff", nil))
	require.NoError(t, d.Add("y.dff", nil))
	require.NoError(t, d.Undo())
	assert.True(t, d.CanRedo())

	require.NoError(t, d.Add("z.dff", nil))
	assert.False(t, d.CanRedo())
	require.ErrorIs(t, d.Redo(), ErrNothingToRedo)

	records, cursor := d.History()
	require.Len(t, records, 2)
	assert.Equal(t, 2, cursor)
	assert.Equal(t, "add z.dff", records[1].Description())
}

func TestHistoryLimit(t *testing.T) {
	t.Parallel()

	d := openDoc(t, testutil.WriteDirArchive(t, t.TempDir(), "gta3", sampleFiles()), WithHistoryLimit(2))
	for _, name := range []string{"x.dff", "y.dff", "z.dff"} {
		require.NoError(t, d.Add(name, nil))
	}
	records, cursor := d.History()
	assert.Len(t, records, 2)
	assert.Equal(t, 2, cursor)

	require.NoError(t, d.Undo())
	require.NoError(t, d.Undo())
	require.ErrorIs(t, d.Undo(), ErrNothingToUndo)

	// The oldest add fell off the log and stays applied.
	_, err := d.Entry("x.dff")
	require.NoError(t, err)
	_, err = d.Entry("y.dff")
	require.ErrorIs(t, err, ErrEntryNotFound)
}

func TestRebuildSealsHistory(t *testing.T) {
	t.Parallel()

	d := openDoc(t, testutil.WriteDirArchive(t, t.TempDir(), "gta3", sampleFiles()))
	require.NoError(t, d.Add("x.dff", []byte("x")))
	require.NoError(t, d.Remove("b.txd"))
	require.NoError(t, d.Undo())

	_, err := d.Rebuild(context.Background(), ModeFast)
	require.NoError(t, err)

	// The stack survives the rebuild but cannot cross it.
	records, cursor := d.History()
	assert.Len(t, records, 2)
	assert.Equal(t, 1, cursor)
	assert.False(t, d.CanUndo())
	assert.False(t, d.CanRedo())
	require.ErrorIs(t, d.Undo(), ErrHistorySealed)
	require.ErrorIs(t, d.Redo(), ErrHistorySealed)
	assert.ErrorIs(t, d.Undo(), ErrOperation)

	require.NoError(t, d.Add("y.dff", []byte("y")))
	require.NoError(t, d.Undo())
	_, err = d.Entry("y.dff")
	require.ErrorIs(t, err, ErrEntryNotFound)
	require.ErrorIs(t, d.Undo(), ErrHistorySealed)
}

func TestDiscardedRecordsReleasePayloads(t *testing.T) {
	t.Parallel()

	store := overlay.NewMemory()
	d := openDoc(t, testutil.WriteDirArchive(t, t.TempDir(), "gta3", sampleFiles()), WithOverlay(store))
	require.NoError(t, d.Add("x.dff", []byte("gone")))
	require.NoError(t, d.Undo())
	assert.Equal(t, int64(4), store.SizeBytes())

	require.NoError(t, d.Add("y.dff", []byte("kept!")))
	assert.Equal(t, int64(5), store.SizeBytes())
}

func TestReleaseKeepsSharedPayloads(t *testing.T) {
	t.Parallel()

	store := overlay.NewMemory()
	d := openDoc(t, testutil.WriteDirArchive(t, t.TempDir(), "gta3", sampleFiles()),
		WithOverlay(store), WithHistoryLimit(1))
	require.NoError(t, d.Add("x.dff", []byte("same")))
	require.NoError(t, d.Undo())
	require.NoError(t, d.Add("y.dff", []byte("same")))
	assert.Equal(t, int64(4), store.SizeBytes())

	// Trimmed by the limit, but the replaced payload is still undoable.
	require.NoError(t, d.Replace("y.dff", []byte("next")))
	assert.Equal(t, int64(8), store.SizeBytes())
	require.NoError(t, d.Undo())
	data, err := d.ReadEntry("y.dff")
	require.NoError(t, err)
	assert.Equal(t, []byte("same"), data)
}
