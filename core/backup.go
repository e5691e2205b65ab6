package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/meigma/imgfactory/core/internal/imgtype"
)

// Compression selects how pre-rebuild backups are stored.
type Compression uint8

// Backup compression algorithms.
const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

const backupSuffix = ".backup"

// String returns the name of the compression algorithm.
func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCompression parses "none", "zstd", or "lz4".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown backup compression %q", s)
	}
}

func (c Compression) ext() string {
	switch c {
	case CompressionZstd:
		return backupSuffix + ".zst"
	case CompressionLZ4:
		return backupSuffix + ".lz4"
	default:
		return backupSuffix
	}
}

// BackupPath returns where a backup of path is written with compression c.
func BackupPath(path string, c Compression) string {
	return path + c.ext()
}

// compressionFromPath infers the compression of a backup from its name.
func compressionFromPath(path string) Compression {
	switch {
	case strings.HasSuffix(path, CompressionZstd.ext()):
		return CompressionZstd
	case strings.HasSuffix(path, CompressionLZ4.ext()):
		return CompressionLZ4
	default:
		return CompressionNone
	}
}

// writeBackup copies src to its backup path unless a backup already
// exists. It reports the backup path and whether a new backup was written.
func writeBackup(src string, c Compression) (string, bool, error) {
	dst := BackupPath(src, c)
	if _, err := os.Lstat(dst); err == nil {
		return dst, false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", false, err
	}

	in, err := os.Open(src) //nolint:gosec // archive path
	if err != nil {
		return "", false, err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return "", false, err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(compressTo(pw, in, c))
	}()
	err = streamFileAtomic(dst, pr, info.Mode().Perm())
	pr.CloseWithError(err)
	if err != nil {
		return "", false, err
	}
	return dst, true, nil
}

func compressTo(w io.Writer, r io.Reader, c Compression) error {
	switch c {
	case CompressionZstd:
		enc, err := zstd.NewWriter(w)
		if err != nil {
			return err
		}
		if _, err := io.Copy(enc, r); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	case CompressionLZ4:
		enc := lz4.NewWriter(w)
		if _, err := io.Copy(enc, r); err != nil {
			enc.Close()
			return err
		}
		return enc.Close()
	default:
		_, err := io.Copy(w, r)
		return err
	}
}

// RestoreBackup atomically replaces dst with the content of the backup at
// path. The compression is inferred from the backup's file name.
//
// Documents open on dst keep reading the replaced file until reopened.
func RestoreBackup(path, dst string) error {
	in, err := os.Open(path) //nolint:gosec // caller-provided backup path
	if err != nil {
		return imgtype.IOError("open backup", err)
	}
	defer in.Close()

	perm := os.FileMode(defaultFilePerm)
	if info, err := os.Stat(dst); err == nil {
		perm = info.Mode().Perm()
	}

	var r io.Reader = in
	switch compressionFromPath(path) {
	case CompressionZstd:
		dec, err := zstd.NewReader(in)
		if err != nil {
			return fmt.Errorf("restore %s: %w", path, err)
		}
		defer dec.Close()
		r = dec
	case CompressionLZ4:
		r = lz4.NewReader(in)
	}
	if err := streamFileAtomic(dst, r, perm); err != nil {
		return imgtype.IOError("restore "+dst, err)
	}
	return nil
}
