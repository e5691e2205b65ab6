package imgfactory

import (
	"errors"
	"log/slog"
	"os"

	archive "github.com/meigma/imgfactory/core"
)

// Option configures a Client.
type Option func(*Client) error

// WithLogger sets the logger for the client, its sessions, and rebuilds.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		c.logger = logger
		return nil
	}
}

// WithOverlayDir stages pending payloads on disk under dir instead of in
// memory. Each opened archive gets a private subdirectory that is removed
// when its session closes.
func WithOverlayDir(dir string) Option {
	return func(c *Client) error {
		if dir == "" {
			return errors.New("overlay dir is empty")
		}
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return err
		}
		c.docOpts = append(c.docOpts, archive.WithOverlayDir(dir))
		return nil
	}
}

// WithHistoryLimit caps each document's undo log at n records. The
// default keeps every record.
func WithHistoryLimit(n int) Option {
	return func(c *Client) error {
		c.docOpts = append(c.docOpts, archive.WithHistoryLimit(n))
		return nil
	}
}

// WithStrictNames rejects directories whose names are not NUL-terminated
// instead of sanitizing them.
func WithStrictNames(strict bool) Option {
	return func(c *Client) error {
		c.docOpts = append(c.docOpts, archive.WithStrictNames(strict))
		return nil
	}
}

// WithDefaultBackup makes every rebuild keep a backup of the original
// archive, compressed with comp.
func WithDefaultBackup(comp Compression) Option {
	return func(c *Client) error {
		c.rebuildOpts = append(c.rebuildOpts, archive.WithBackup(comp))
		return nil
	}
}

// WithMaxConcurrency sets the default number of targets a batch rebuild
// processes at once. Values <= 0 use GOMAXPROCS.
func WithMaxConcurrency(n int) Option {
	return func(c *Client) error {
		c.maxConcurrency = n
		return nil
	}
}
