package archive

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// tempPattern names temp files created next to their targets so the final
// rename stays on one filesystem.
const tempPattern = ".imgfactory-*"

// defaultFilePerm is the mode of archives and backups created from scratch.
const defaultFilePerm = 0o644

// writeFileAtomic writes data to a temp file then renames to target,
// ensuring atomic replacement of the target file.
func writeFileAtomic(target string, data []byte, perm os.FileMode) error {
	return streamFileAtomic(target, bytes.NewReader(data), perm)
}

// streamFileAtomic streams from reader to a temp file then renames to target,
// ensuring atomic replacement of the target file.
func streamFileAtomic(target string, r io.Reader, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), tempPattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := syncClose(tmp); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// syncClose flushes f to stable storage and closes it.
func syncClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
