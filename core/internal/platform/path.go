// Package platform isolates filesystem behavior that differs between
// operating systems or between regular files and links.
package platform

import (
	"errors"
	"io/fs"
	"path/filepath"
)

// ResolveTarget returns the file a rename onto path should replace. For a
// symbolic link that is the file it points to, so that replacing an
// archive keeps the link intact. A path that does not exist yet is
// returned unchanged.
func ResolveTarget(path string) (string, error) {
	target, err := filepath.EvalSymlinks(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
		return "", err
	}
	return target, nil
}
