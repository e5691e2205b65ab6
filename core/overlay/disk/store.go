// Package disk provides a filesystem-backed overlay store.
package disk

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/imgfactory/core/overlay"
)

const (
	defaultShardPrefixLen = 2
	defaultDirPerm        = 0o700
)

// Store implements overlay.Store using the local filesystem.
// Payloads are stored in a directory hierarchy sharded by digest prefix.
// The store is safe for concurrent use.
type Store struct {
	dir            string       // root directory for payload files
	shardPrefixLen int          // number of hex chars for subdirectory sharding
	dirPerm        os.FileMode  // permissions for created directories
	bytes          atomic.Int64 // current total size of stored payloads
}

var _ overlay.Store = (*Store)(nil)

// Option configures a disk store.
type Option func(*Store)

// WithShardPrefixLen sets the number of hex characters used for sharding.
// Use 0 to disable sharding. Defaults to 2.
func WithShardPrefixLen(n int) Option {
	return func(s *Store) {
		s.shardPrefixLen = n
	}
}

// WithDirPerm sets the directory permissions used for store directories.
func WithDirPerm(mode os.FileMode) Option {
	return func(s *Store) {
		s.dirPerm = mode
	}
}

// New creates a disk-backed store rooted at dir. Existing content under
// dir is counted toward SizeBytes.
func New(dir string, opts ...Option) (*Store, error) {
	if dir == "" {
		return nil, errors.New("overlay dir is empty")
	}
	s := &Store{
		dir:            dir,
		shardPrefixLen: defaultShardPrefixLen,
		dirPerm:        defaultDirPerm,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.shardPrefixLen < 0 {
		return nil, errors.New("shard prefix length must be >= 0")
	}
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return nil, err
	}
	size, err := dirSize(dir)
	if err != nil {
		return nil, err
	}
	s.bytes.Store(size)
	return s, nil
}

// Put implements overlay.Store.
func (s *Store) Put(data []byte) (digest.Digest, error) {
	d := digest.FromBytes(data)
	path, err := s.path(d)
	if err != nil {
		return "", err
	}
	if _, statErr := os.Stat(path); statErr == nil {
		return d, nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, s.dirPerm); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(dir, "overlay-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(path); statErr == nil {
			return d, nil
		}
		return "", err
	}
	s.bytes.Add(int64(len(data)))
	return d, nil
}

// Get implements overlay.Store. Content is verified against its digest.
func (s *Store) Get(d digest.Digest) ([]byte, error) {
	path, err := s.path(d)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is derived from digest, not user input
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, overlay.ErrNotFound
		}
		return nil, err
	}
	verifier := d.Verifier()
	_, _ = verifier.Write(data) //nolint:errcheck // hash writers never fail
	if !verifier.Verified() {
		return nil, fmt.Errorf("overlay: %s: content does not match digest", d)
	}
	return data, nil
}

// Delete implements overlay.Store.
func (s *Store) Delete(d digest.Digest) error {
	path, err := s.path(d)
	if err != nil {
		return err
	}
	info, statErr := os.Stat(path)
	if statErr != nil {
		if errors.Is(statErr, fs.ErrNotExist) {
			return nil
		}
		return statErr
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	s.bytes.Add(-info.Size())
	return nil
}

// Reset implements overlay.Store. The root directory itself is kept.
func (s *Store) Reset() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	s.bytes.Store(0)
	return nil
}

// SizeBytes implements overlay.Store.
func (s *Store) SizeBytes() int64 {
	return s.bytes.Load()
}

func (s *Store) path(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", err
	}
	hexHash := d.Encoded()
	if s.shardPrefixLen <= 0 {
		return filepath.Join(s.dir, hexHash), nil
	}
	prefixLen := min(s.shardPrefixLen, len(hexHash))
	return filepath.Join(s.dir, hexHash[:prefixLen], hexHash), nil
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
