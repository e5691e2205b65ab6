//go:build !unix

package platform

import (
	"io/fs"
	"os"
)

// FileOwner reports no owner on non-Unix systems.
func FileOwner(fs.FileInfo) (uid, gid uint32, ok bool) {
	return 0, 0, false
}

// CopyOwner is a no-op on non-Unix systems.
func CopyOwner(*os.File, fs.FileInfo) error {
	return nil
}
