//go:build unix

package platform

import (
	"io/fs"
	"os"
	"syscall"
)

// FileOwner extracts UID and GID from file info on Unix systems.
func FileOwner(info fs.FileInfo) (uid, gid uint32, ok bool) {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Uid, stat.Gid, true
	}
	return 0, 0, false
}

// CopyOwner gives f the owner of the file described by src. It is a no-op
// when the owner already matches.
func CopyOwner(f *os.File, src fs.FileInfo) error {
	uid, gid, ok := FileOwner(src)
	if !ok {
		return nil
	}
	info, err := f.Stat()
	if err != nil {
		return err
	}
	if cur, cgid, ok := FileOwner(info); ok && cur == uid && cgid == gid {
		return nil
	}
	return f.Chown(int(uid), int(gid))
}
