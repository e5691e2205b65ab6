package session

import (
	"cmp"
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	archive "github.com/meigma/imgfactory/core"
)

// Handle identifies a session.
type Handle string

// Kind identifies the type of document a session holds.
type Kind uint8

// Document kinds.
const (
	KindArchive Kind = iota + 1
	KindCollision
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindArchive:
		return "archive"
	case KindCollision:
		return "collision"
	default:
		return "unknown"
	}
}

// KindForPath guesses the document kind from a file name.
func KindForPath(path string) Kind {
	if strings.EqualFold(filepath.Ext(path), ".col") {
		return KindCollision
	}
	return KindArchive
}

// State is the lifecycle state of a session.
type State uint8

// Session states.
const (
	// StateCreated means the session exists but has no document yet.
	StateCreated State = iota

	// StateReady means the session holds a document.
	StateReady

	// StateClosed means the session was closed.
	StateClosed
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Document is the capability every session document has.
type Document interface {
	Path() string
	Close() error
}

// Interface compliance.
var (
	_ Document = (*archive.Document)(nil)
	_ Document = (*archive.CollisionDocument)(nil)
)

// Info describes a session.
type Info struct {
	Handle  Handle
	Kind    Kind
	State   State
	Path    string
	Surface string
	Active  bool
}

type session struct {
	handle  Handle
	kind    Kind
	surface string
	seq     uint64
	doc     Document
	focus   *list.Element
}

func (s *session) state() State {
	if s.doc == nil {
		return StateCreated
	}
	return StateReady
}

// Registry owns the open sessions. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[Handle]*session
	focus    *list.List // front = most recently focused
	seq      uint64

	docOpts []archive.Option
	logger  *slog.Logger
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[Handle]*session),
		focus:    list.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// log returns the logger, falling back to a discard logger if nil.
func (r *Registry) log() *slog.Logger {
	if r.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return r.logger
}

// Create starts a new session and makes it active. It never reuses an
// existing session, even for a path that is already open.
//
// With WithPath the document is opened immediately and the session is
// ready; a failed open creates no session. Without it the session stays
// in StateCreated until Load.
func (r *Registry) Create(opts ...CreateOption) (Handle, error) {
	var cfg createConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	kind := cfg.kind
	if kind == 0 {
		kind = KindForPath(cfg.path)
	}

	var doc Document
	if cfg.path != "" {
		var err error
		if doc, err = r.open(kind, cfg.path); err != nil {
			return "", err
		}
	}

	s := &session{
		handle:  Handle(uuid.NewString()),
		kind:    kind,
		surface: cfg.surface,
		doc:     doc,
	}

	r.mu.Lock()
	r.seq++
	s.seq = r.seq
	s.focus = r.focus.PushFront(s)
	r.sessions[s.handle] = s
	r.mu.Unlock()

	r.log().Info("session created",
		"handle", s.handle,
		"kind", kind,
		"path", cfg.path,
		"surface", cfg.surface)
	return s.handle, nil
}

// Load opens path into a session created without one.
func (r *Registry) Load(h Handle, path string) error {
	r.mu.RLock()
	s, ok := r.sessions[h]
	var kind Kind
	if ok {
		kind = s.kind
	}
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session %s: %w", h, archive.ErrSessionNotFound)
	}

	doc, err := r.open(kind, path)
	if err != nil {
		return err
	}

	r.mu.Lock()
	s, ok = r.sessions[h]
	switch {
	case !ok:
		r.mu.Unlock()
		doc.Close()
		return fmt.Errorf("session %s: %w", h, archive.ErrSessionNotFound)
	case s.doc != nil:
		r.mu.Unlock()
		doc.Close()
		return fmt.Errorf("%w: session %s already holds %s", archive.ErrOperation, h, s.doc.Path())
	}
	s.doc = doc
	r.mu.Unlock()

	r.log().Info("session loaded", "handle", h, "path", path)
	return nil
}

func (r *Registry) open(kind Kind, path string) (Document, error) {
	switch kind {
	case KindArchive:
		return archive.Open(path, r.docOpts...)
	case KindCollision:
		return archive.OpenCollision(path)
	default:
		return nil, fmt.Errorf("open %s: unknown document kind %d", path, kind)
	}
}

// Active returns the active session, if any.
func (r *Registry) Active() (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	front := r.focus.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(*session).handle, true //nolint:errcheck // list holds only sessions
}

// Switch makes h the active session.
func (r *Registry) Switch(h Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[h]
	if !ok {
		return fmt.Errorf("session %s: %w", h, archive.ErrSessionNotFound)
	}
	r.focus.MoveToFront(s.focus)
	r.log().Debug("session activated", "handle", h)
	return nil
}

// Resolve returns the document and kind of a ready session.
func (r *Registry) Resolve(h Handle) (Document, Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[h]
	if !ok {
		return nil, 0, fmt.Errorf("session %s: %w", h, archive.ErrSessionNotFound)
	}
	if s.doc == nil {
		return nil, s.kind, fmt.Errorf("session %s: %w", h, archive.ErrSessionNotReady)
	}
	return s.doc, s.kind, nil
}

// Archive returns the archive document of a ready session.
func (r *Registry) Archive(h Handle) (*archive.Document, error) {
	doc, kind, err := r.Resolve(h)
	if err != nil {
		return nil, err
	}
	a, ok := doc.(*archive.Document)
	if !ok {
		return nil, fmt.Errorf("session %s holds a %s document: %w", h, kind, archive.ErrNotArchive)
	}
	return a, nil
}

// Rebuildable returns the document of a ready session if it can be rebuilt.
func (r *Registry) Rebuildable(h Handle) (archive.Rebuildable, error) {
	doc, kind, err := r.Resolve(h)
	if err != nil {
		return nil, err
	}
	rb, ok := doc.(archive.Rebuildable)
	if !ok {
		return nil, fmt.Errorf("session %s holds a %s document: %w", h, kind, archive.ErrNotRebuildable)
	}
	return rb, nil
}

// Undoable returns the document of a ready session if it has a history.
func (r *Registry) Undoable(h Handle) (archive.Undoable, error) {
	doc, kind, err := r.Resolve(h)
	if err != nil {
		return nil, err
	}
	u, ok := doc.(archive.Undoable)
	if !ok {
		return nil, fmt.Errorf("session %s holds a %s document: %w", h, kind, archive.ErrNotUndoable)
	}
	return u, nil
}

// Info describes one session.
func (r *Registry) Info(h Handle) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[h]
	if !ok {
		return Info{}, fmt.Errorf("session %s: %w", h, archive.ErrSessionNotFound)
	}
	return r.infoLocked(s), nil
}

// List describes every session in creation order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	slices.SortFunc(all, func(a, b *session) int { return cmp.Compare(a.seq, b.seq) })
	out := make([]Info, len(all))
	for i, s := range all {
		out[i] = r.infoLocked(s)
	}
	return out
}

func (r *Registry) infoLocked(s *session) Info {
	info := Info{
		Handle:  s.handle,
		Kind:    s.kind,
		State:   s.state(),
		Surface: s.surface,
		Active:  r.focus.Front() == s.focus,
	}
	if s.doc != nil {
		info.Path = s.doc.Path()
	}
	return info
}

// Len returns the number of open sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close ends a session and closes its document, discarding unpersisted
// mutations. If the session was active, the most recently focused
// remaining session becomes active.
//
// The session is unregistered before its document closes, so a rebuild
// still running on the document never blocks other sessions.
func (r *Registry) Close(h Handle) error {
	r.mu.Lock()
	s, ok := r.sessions[h]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("session %s: %w", h, archive.ErrSessionNotFound)
	}
	delete(r.sessions, h)
	r.focus.Remove(s.focus)
	r.mu.Unlock()

	r.log().Info("session closed", "handle", h)
	if s.doc == nil {
		return nil
	}
	if err := s.doc.Close(); err != nil {
		return fmt.Errorf("close session %s: %w", h, err)
	}
	return nil
}

// CloseAll closes every session.
func (r *Registry) CloseAll() error {
	var errs []error
	for _, info := range r.List() {
		if err := r.Close(info.Handle); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
