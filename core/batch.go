package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// TargetStatus is the outcome of one batch target.
type TargetStatus uint8

// Batch target outcomes.
const (
	// StatusSucceeded means the target was rebuilt and swapped into place.
	StatusSucceeded TargetStatus = iota

	// StatusFailed means the target's rebuild returned an error. The
	// archive is untouched.
	StatusFailed

	// StatusSkipped means the batch was canceled before the target started.
	StatusSkipped

	// StatusCanceled means the target stopped at a cancellation checkpoint.
	// The archive is untouched.
	StatusCanceled
)

// String returns the name of the status.
func (s TargetStatus) String() string {
	switch s {
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusSkipped:
		return "skipped"
	case StatusCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// TargetResult is the outcome of one batch target.
type TargetResult struct {
	// Index is the target's position in the input slice.
	Index int

	// Target is the target's data file path.
	Target string

	Status TargetStatus

	// Result is set when Status is StatusSucceeded.
	Result RebuildResult

	// Err is set for every status except StatusSucceeded.
	Err error
}

// Success reports whether the target was rebuilt.
func (r TargetResult) Success() bool {
	return r.Status == StatusSucceeded
}

// Message returns a one-line description of the outcome.
func (r TargetResult) Message() string {
	if r.Status == StatusSucceeded {
		msg := fmt.Sprintf("%d entries, %d dropped, %d -> %d bytes",
			r.Result.Entries, r.Result.Dropped, r.Result.BytesBefore, r.Result.BytesAfter)
		if n := len(r.Result.Skipped); n > 0 {
			msg += fmt.Sprintf(", %d unreadable skipped", n)
		}
		return msg
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return r.Status.String()
}

// BatchSummary reports the outcome of a batch rebuild.
type BatchSummary struct {
	// Results holds one result per target, in input order.
	Results []TargetResult

	// Succeeded is the number of targets rebuilt.
	Succeeded int

	// Failed, Skipped, and Canceled list target paths by outcome.
	Failed   []string
	Skipped  []string
	Canceled []string
}

// OK reports whether every target succeeded.
func (s BatchSummary) OK() bool {
	return s.Succeeded == len(s.Results)
}

// BatchOption configures a batch rebuild.
type BatchOption func(*batchConfig)

type batchConfig struct {
	mode        Mode
	concurrency int
	onResult    func(TargetResult)
	rebuildOpts []RebuildOption
	logger      *slog.Logger
}

// BatchWithMode sets the rebuild mode for every target (default ModeFast).
func BatchWithMode(m Mode) BatchOption {
	return func(c *batchConfig) {
		c.mode = m
	}
}

// BatchWithConcurrency bounds the number of targets rebuilt at once.
// Values < 1 use GOMAXPROCS.
func BatchWithConcurrency(n int) BatchOption {
	return func(c *batchConfig) {
		c.concurrency = n
	}
}

// BatchWithResultFunc sets a callback that receives each target's result
// as soon as it is known. Calls are serialized.
func BatchWithResultFunc(fn func(TargetResult)) BatchOption {
	return func(c *batchConfig) {
		c.onResult = fn
	}
}

// BatchWithRebuildOptions passes options to every target's rebuild.
func BatchWithRebuildOptions(opts ...RebuildOption) BatchOption {
	return func(c *batchConfig) {
		c.rebuildOpts = append(c.rebuildOpts, opts...)
	}
}

// BatchWithLogger sets the logger for batch progress.
func BatchWithLogger(logger *slog.Logger) BatchOption {
	return func(c *batchConfig) {
		c.logger = logger
	}
}

// BatchRebuild rebuilds independent targets concurrently.
//
// Each target runs on its own worker, bounded by the configured
// concurrency. A failing target never stops the others. Targets must have
// distinct data files; a repeated path fails with ErrDuplicateTarget.
//
// Canceling ctx stops the batch cooperatively: targets not yet started are
// reported as skipped, and running targets stop at their next entry
// boundary and are reported as canceled.
func BatchRebuild(ctx context.Context, targets []Rebuildable, opts ...BatchOption) BatchSummary {
	cfg := batchConfig{concurrency: runtime.GOMAXPROCS(0)}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.concurrency < 1 {
		cfg.concurrency = runtime.GOMAXPROCS(0)
	}
	log := cfg.logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	results := make([]TargetResult, len(targets))
	var emitMu sync.Mutex
	emit := func(i int, r TargetResult) {
		results[i] = r
		if cfg.onResult == nil {
			return
		}
		emitMu.Lock()
		defer emitMu.Unlock()
		cfg.onResult(r)
	}

	log.Info("batch rebuild started", "targets", len(targets), "mode", cfg.mode, "concurrency", cfg.concurrency)

	sem := semaphore.NewWeighted(int64(cfg.concurrency))
	var g errgroup.Group
	seen := make(map[string]struct{}, len(targets))
	for i, t := range targets {
		path := t.Path()
		key := filepath.Clean(path)
		if _, dup := seen[key]; dup {
			emit(i, TargetResult{
				Index:  i,
				Target: path,
				Status: StatusFailed,
				Err:    fmt.Errorf("rebuild %s: %w", path, ErrDuplicateTarget),
			})
			continue
		}
		seen[key] = struct{}{}

		if err := sem.Acquire(ctx, 1); err != nil {
			emit(i, skipped(i, path, err))
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			r := runTarget(ctx, i, t, cfg)
			log.Debug("batch target finished", "target", r.Target, "status", r.Status)
			emit(i, r)
			return nil
		})
	}
	_ = g.Wait() //nolint:errcheck // workers report through results

	summary := BatchSummary{Results: results}
	for _, r := range results {
		switch r.Status {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed = append(summary.Failed, r.Target)
		case StatusSkipped:
			summary.Skipped = append(summary.Skipped, r.Target)
		case StatusCanceled:
			summary.Canceled = append(summary.Canceled, r.Target)
		}
	}
	log.Info("batch rebuild finished",
		"succeeded", summary.Succeeded,
		"failed", len(summary.Failed),
		"skipped", len(summary.Skipped),
		"canceled", len(summary.Canceled))
	return summary
}

func runTarget(ctx context.Context, i int, t Rebuildable, cfg batchConfig) TargetResult {
	path := t.Path()
	if err := ctx.Err(); err != nil {
		return skipped(i, path, err)
	}
	res, err := t.Rebuild(ctx, cfg.mode, cfg.rebuildOpts...)
	switch {
	case err == nil:
		return TargetResult{Index: i, Target: path, Status: StatusSucceeded, Result: res}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return TargetResult{Index: i, Target: path, Status: StatusCanceled, Err: err}
	default:
		return TargetResult{Index: i, Target: path, Status: StatusFailed, Err: err}
	}
}

func skipped(i int, path string, cause error) TargetResult {
	return TargetResult{
		Index:  i,
		Target: path,
		Status: StatusSkipped,
		Err:    fmt.Errorf("rebuild %s: not started: %w", path, cause),
	}
}
