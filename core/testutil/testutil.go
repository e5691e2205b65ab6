// Package testutil writes fixture archives for tests.
package testutil

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/opencontainers/go-digest"
)

// SectorSize mirrors the archive allocation unit.
const SectorSize = 2048

// File is one fixture entry.
type File struct {
	Name string
	Data []byte
}

// Sectors returns the number of sectors f occupies.
func (f File) Sectors() int {
	return (len(f.Data) + SectorSize - 1) / SectorSize
}

// Payload returns f's data padded to whole sectors, as it reads back from
// an archive that was not rebuilt.
func (f File) Payload() []byte {
	out := make([]byte, f.Sectors()*SectorSize)
	copy(out, f.Data)
	return out
}

// Files builds fixture entries whose payloads are the name repeated to n
// bytes.
func Files(n int, names ...string) []File {
	files := make([]File, len(names))
	for i, name := range names {
		data := make([]byte, n)
		for j := range data {
			data[j] = name[j%len(name)]
		}
		files[i] = File{Name: name, Data: data}
	}
	return files
}

// Record encodes one 32-byte directory record. Names longer than 24 bytes
// are cut.
func Record(offset, sectors int, name string) []byte {
	raw := make([]byte, 32)
	binary.LittleEndian.PutUint32(raw[0:4], uint32(offset))  //nolint:gosec // test fixture
	binary.LittleEndian.PutUint16(raw[4:6], uint16(sectors)) //nolint:gosec // test fixture
	copy(raw[8:], name)
	return raw
}

// layout packs files contiguously from sector start and returns the record
// table and the sector-aligned payload region.
func layout(start int, files []File) ([]byte, []byte) {
	var table, data []byte
	offset := start
	for _, f := range files {
		table = append(table, Record(offset, f.Sectors(), f.Name)...)
		data = append(data, f.Payload()...)
		offset += f.Sectors()
	}
	return table, data
}

// WriteDirArchive writes name.img and name.dir under dir and returns the
// .img path.
func WriteDirArchive(tb testing.TB, dir, name string, files []File) string {
	tb.Helper()
	table, data := layout(0, files)
	imgPath := filepath.Join(dir, name+".img")
	writeFile(tb, imgPath, data)
	writeFile(tb, filepath.Join(dir, name+".dir"), table)
	return imgPath
}

// WriteVER2Archive writes name.img with an embedded directory under dir and
// returns its path.
func WriteVER2Archive(tb testing.TB, dir, name string, files []File) string {
	tb.Helper()
	header := 8 + 32*len(files)
	start := (header + SectorSize - 1) / SectorSize
	table, data := layout(start, files)

	out := make([]byte, start*SectorSize, start*SectorSize+len(data))
	copy(out, "VER2")
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(files))) //nolint:gosec // test fixture
	copy(out[8:], table)
	out = append(out, data...)

	path := filepath.Join(dir, name+".img")
	writeFile(tb, path, out)
	return path
}

// VER2Header encodes the 8-byte header of an embedded directory.
func VER2Header(count int) []byte {
	b := []byte("VER2")
	return binary.LittleEndian.AppendUint32(b, uint32(count)) //nolint:gosec // test fixture
}

// WriteRaw writes data to dir/name and returns the path.
func WriteRaw(tb testing.TB, dir, name string, data []byte) string {
	tb.Helper()
	path := filepath.Join(dir, name)
	writeFile(tb, path, data)
	return path
}

// FileDigest returns the digest of the file at path.
func FileDigest(tb testing.TB, path string) digest.Digest {
	tb.Helper()
	data, err := os.ReadFile(path) //nolint:gosec // test fixture path
	if err != nil {
		tb.Fatalf("read %s: %v", path, err)
	}
	return digest.FromBytes(data)
}

// Truncate cuts the file at path to size bytes.
func Truncate(tb testing.TB, path string, size int64) {
	tb.Helper()
	if err := os.Truncate(path, size); err != nil {
		tb.Fatalf("truncate %s: %v", path, err)
	}
}

func writeFile(tb testing.TB, path string, data []byte) {
	tb.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // test fixture
		tb.Fatalf("write %s: %v", path, err)
	}
}
