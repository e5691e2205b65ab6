package archive

import (
	"fmt"
	"os"
	"sync"

	"github.com/meigma/imgfactory/core/internal/imgtype"
)

// collisionMagics are the four-byte signatures of standalone collision
// files, one per format version.
var collisionMagics = map[string]int{
	"COLL": 1,
	"COL2": 2,
	"COL3": 3,
	"COL4": 4,
}

// CollisionDocument is a standalone collision file held as opaque bytes.
// It supports neither rebuild nor undo.
type CollisionDocument struct {
	path    string
	version int

	mu     sync.RWMutex
	data   []byte
	closed bool
}

// OpenCollision reads the collision file at path and checks its signature.
func OpenCollision(path string) (*CollisionDocument, error) {
	data, err := os.ReadFile(path) //nolint:gosec // caller-provided path
	if err != nil {
		return nil, imgtype.IOError("open "+path, err)
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("open %s: %w", path, ErrTruncatedHeader)
	}
	version, ok := collisionMagics[string(data[:4])]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, ErrBadMagic)
	}
	return &CollisionDocument{path: path, version: version, data: data}, nil
}

// Path returns the collision file path.
func (c *CollisionDocument) Path() string {
	return c.path
}

// Version returns the collision format version, 1 through 4.
func (c *CollisionDocument) Version() int {
	return c.version
}

// Bytes returns a copy of the file contents.
func (c *CollisionDocument) Bytes() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	return append([]byte(nil), c.data...), nil
}

// Close releases the contents. Close is idempotent.
func (c *CollisionDocument) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.data = nil
	return nil
}
