package archive

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/meigma/imgfactory/core/internal/imgtype"
	"github.com/meigma/imgfactory/core/internal/index"
	"github.com/meigma/imgfactory/core/internal/sizing"
)

// Create writes an empty archive of the given variant at path and opens it.
//
// For VariantDir, path names the .img data file and an empty .dir is
// written next to it. For VariantVER2 the file holds a header with a zero
// count, padded to one sector. Create fails if any target file exists.
func Create(path string, v Variant, opts ...Option) (*Document, error) {
	var files map[string][]byte
	switch v {
	case VariantDir:
		files = map[string][]byte{
			path:                     nil,
			siblingPath(path, ".dir"): nil,
		}
	case VariantVER2:
		dir, err := index.Serialize(v, index.Header{Variant: v}, nil)
		if err != nil {
			return nil, err
		}
		data := make([]byte, sizing.AlignUp(uint64(len(dir))))
		copy(data, dir)
		files = map[string][]byte{path: data}
	default:
		return nil, fmt.Errorf("create %s: unknown variant %d", path, v)
	}

	for name := range files {
		if _, err := os.Lstat(name); err == nil {
			return nil, imgtype.IOError("create "+name, fs.ErrExist)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, imgtype.IOError("create "+name, err)
		}
	}
	for name, data := range files {
		if err := writeFileAtomic(name, data, defaultFilePerm); err != nil {
			return nil, imgtype.IOError("create "+name, err)
		}
	}
	return Open(path, append([]Option{WithVariant(v)}, opts...)...)
}
