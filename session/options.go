package session

import (
	"log/slog"

	archive "github.com/meigma/imgfactory/core"
)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger for session lifecycle events.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithDocumentOptions sets options applied to every archive the registry
// opens.
func WithDocumentOptions(opts ...archive.Option) Option {
	return func(r *Registry) {
		r.docOpts = append(r.docOpts, opts...)
	}
}

// CreateOption configures Create.
type CreateOption func(*createConfig)

type createConfig struct {
	path    string
	kind    Kind
	surface string
}

// WithPath opens the document at path as part of Create.
func WithPath(path string) CreateOption {
	return func(c *createConfig) {
		c.path = path
	}
}

// WithKind sets the document kind. Defaults to a guess from the path.
func WithKind(k Kind) CreateOption {
	return func(c *createConfig) {
		c.kind = k
	}
}

// WithSurface names the UI surface the session is bound to.
func WithSurface(name string) CreateOption {
	return func(c *createConfig) {
		c.surface = name
	}
}
