package archive

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgfactory/core/testutil"
)

func TestAnalyzeCleanArchive(t *testing.T) {
	t.Parallel()

	d := openDoc(t, testutil.WriteVER2Archive(t, t.TempDir(), "gta3", sampleFiles()))
	rep, err := d.Analyze()
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Entries)
	assert.Equal(t, 3, rep.Live)
	assert.Equal(t, int64(7*2048), rep.DataBytes)
	assert.Empty(t, rep.Issues)
	assert.Zero(t, rep.Gaps)
	assert.Zero(t, rep.ReclaimableBytes)
	assert.Equal(t, SeverityNone, rep.Severity)
	assert.Nil(t, rep.Duplicates)
}

func TestAnalyzeLayoutProblems(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Sectors: a 0-1, gap 2-9, b 10, c 10-11 overlapping b, z zero size,
	// far beyond the 12-sector data file.
	table := append([]byte{}, testutil.Record(0, 2, "a.dff")...)
	table = append(table, testutil.Record(10, 1, "b.txd")...)
	table = append(table, testutil.Record(10, 2, "c.col")...)
	table = append(table, testutil.Record(11, 0, "z.dat")...)
	table = append(table, testutil.Record(40, 1, "far.ifp")...)
	path := testutil.WriteRaw(t, dir, "frag.img", make([]byte, 12*2048))
	testutil.WriteRaw(t, dir, "frag.dir", table)

	d := openDoc(t, path)
	require.NoError(t, d.Remove("a.dff"))

	rep, err := d.Analyze()
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Entries)
	assert.Equal(t, 4, rep.Live)
	assert.Equal(t, 2, rep.Gaps)
	assert.Equal(t, uint64((8+28)*2048), rep.GapBytes)
	assert.Equal(t, rep.GapBytes+2*2048, rep.ReclaimableBytes)
	assert.Equal(t, SeveritySevere, rep.Severity)

	problems := map[string][]string{}
	for _, is := range rep.Issues {
		problems[is.Name] = is.Problems
	}
	assert.Contains(t, problems["b.txd"], "overlaps c.col")
	assert.Contains(t, problems["c.col"], "overlaps b.txd")
	assert.Contains(t, problems["z.dat"], "zero size")
	assert.Contains(t, problems["far.ifp"], "span beyond end of data")
	assert.NotContains(t, problems, "a.dff")
}

func TestAnalyzeSeverityBuckets(t *testing.T) {
	t.Parallel()

	assert.Equal(t, SeverityNone, severityFor(0, 0))
	assert.Equal(t, SeverityMinor, severityFor(4.9, 1))
	assert.Equal(t, SeverityModerate, severityFor(5, 1))
	assert.Equal(t, SeverityModerate, severityFor(24.9, 3))
	assert.Equal(t, SeveritySevere, severityFor(25, 1))
}

func TestAnalyzeDuplicates(t *testing.T) {
	t.Parallel()

	files := []testutil.File{
		{Name: "one.txd", Data: []byte("same")},
		{Name: "two.txd", Data: []byte("other")},
		{Name: "three.txd", Data: []byte("same")},
	}
	d := openDoc(t, testutil.WriteVER2Archive(t, t.TempDir(), "gta3", files))
	require.NoError(t, d.Add("four.txd", padTo([]byte("same"), 2048)))
	require.NoError(t, d.Add("five.txd", []byte("other-ish")))

	rep, err := d.Analyze(AnalyzeWithDuplicates(true))
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"one.txd", "three.txd", "four.txd"}}, rep.Duplicates)
}

func TestAnalyzeEntryInsideDirectory(t *testing.T) {
	t.Parallel()

	// Sector 0 holds the two-record directory; a.dff claims it too.
	data := testutil.VER2Header(2)
	data = append(data, testutil.Record(0, 1, "a.dff")...)
	data = append(data, testutil.Record(1, 1, "b.txd")...)
	path := testutil.WriteRaw(t, t.TempDir(), "gta3.img", padTo(data, 2*2048))

	rep, err := openDoc(t, path).Analyze()
	require.NoError(t, err)

	problems := map[string][]string{}
	for _, is := range rep.Issues {
		problems[is.Name] = is.Problems
	}
	assert.Equal(t, []string{"overlaps directory"}, problems["a.dff"])
	assert.NotContains(t, problems, "b.txd")
	assert.Zero(t, rep.Gaps)
}

func TestAnalyzePendingBytes(t *testing.T) {
	t.Parallel()

	// 63 records fill the directory sector; the add must not grow it.
	d := openDoc(t, testutil.WriteVER2Archive(t, t.TempDir(), "gta3", numberedFiles(63)))
	require.NoError(t, d.Add("x.ifp", []byte("pending")))
	require.NoError(t, d.Replace("e62.dat", filled('q', 10)))

	rep, err := d.Analyze()
	require.NoError(t, err)
	assert.Equal(t, int64(17), rep.PendingBytes)
	assert.Empty(t, rep.Issues)
	assert.Zero(t, rep.Gaps)
}
