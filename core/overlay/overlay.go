package overlay

import (
	"errors"
	"sync"

	"github.com/opencontainers/go-digest"
)

// ErrNotFound is returned when a digest is not present in the store.
var ErrNotFound = errors.New("overlay: payload not found")

// Store provides content-addressed storage for pending payloads.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores data and returns its digest. Storing content that is
	// already present is a no-op.
	Put(data []byte) (digest.Digest, error)

	// Get returns a copy of the content for d.
	Get(d digest.Digest) ([]byte, error)

	// Delete removes content for d. Missing content is a no-op.
	Delete(d digest.Digest) error

	// Reset removes all content.
	Reset() error

	// SizeBytes returns the total size of stored content.
	SizeBytes() int64
}

// Memory is an in-memory Store.
type Memory struct {
	mu    sync.RWMutex
	blobs map[digest.Digest][]byte
	bytes int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{blobs: make(map[digest.Digest][]byte)}
}

// Put implements Store.
func (m *Memory) Put(data []byte) (digest.Digest, error) {
	d := digest.FromBytes(data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[d]; ok {
		return d, nil
	}
	m.blobs[d] = append([]byte(nil), data...)
	m.bytes += int64(len(data))
	return d, nil
}

// Get implements Store.
func (m *Memory) Get(d digest.Digest) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[d]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete implements Store.
func (m *Memory) Delete(d digest.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.blobs[d]; ok {
		m.bytes -= int64(len(data))
		delete(m.blobs, d)
	}
	return nil
}

// Reset implements Store.
func (m *Memory) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.blobs)
	m.bytes = 0
	return nil
}

// SizeBytes implements Store.
func (m *Memory) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}
