package archive

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/imgfactory/core/testutil"
)

func batchTargets(t *testing.T, n int) ([]*Document, []Rebuildable) {
	t.Helper()
	dir := t.TempDir()
	docs := make([]*Document, n)
	targets := make([]Rebuildable, n)
	for i := range n {
		path := testutil.WriteDirArchive(t, dir, fmt.Sprintf("t%d", i), sampleFiles())
		docs[i] = openDoc(t, path)
		require.NoError(t, docs[i].Remove("b.txd"))
		targets[i] = docs[i]
	}
	return docs, targets
}

func TestBatchRebuildIsolatesFailures(t *testing.T) {
	t.Parallel()

	docs, targets := batchTargets(t, 5)
	testutil.Truncate(t, docs[2].Path(), 2048)
	corrupt := testutil.FileDigest(t, docs[2].Path())

	var mu sync.Mutex
	var streamed []TargetResult
	summary := BatchRebuild(context.Background(), targets,
		BatchWithMode(ModeSafe),
		BatchWithConcurrency(2),
		BatchWithResultFunc(func(r TargetResult) {
			mu.Lock()
			defer mu.Unlock()
			streamed = append(streamed, r)
		}))

	assert.Equal(t, 4, summary.Succeeded)
	assert.Equal(t, []string{docs[2].Path()}, summary.Failed)
	assert.Empty(t, summary.Skipped)
	assert.Empty(t, summary.Canceled)
	assert.False(t, summary.OK())
	assert.Len(t, streamed, 5)

	require.Len(t, summary.Results, 5)
	for i, r := range summary.Results {
		assert.Equal(t, docs[i].Path(), r.Target)
		if i == 2 {
			assert.Equal(t, StatusFailed, r.Status)
			require.ErrorIs(t, r.Err, ErrValidationFailed)
			continue
		}
		assert.True(t, r.Success(), r.Message())
		assert.Equal(t, 2, r.Result.Entries)
		assert.False(t, docs[i].IsDirty())
	}
	assert.Equal(t, corrupt, testutil.FileDigest(t, docs[2].Path()))
	assert.True(t, docs[2].IsDirty())
}

func TestBatchRebuildRejectsDuplicateTargets(t *testing.T) {
	t.Parallel()

	docs, targets := batchTargets(t, 2)
	targets = append(targets, docs[0])

	summary := BatchRebuild(context.Background(), targets)
	assert.Equal(t, 2, summary.Succeeded)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, StatusFailed, summary.Results[2].Status)
	require.ErrorIs(t, summary.Results[2].Err, ErrDuplicateTarget)
	assert.Equal(t, []string{docs[0].Path()}, summary.Failed)
}

func TestBatchRebuildCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	docs, targets := batchTargets(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary := BatchRebuild(ctx, targets)
	assert.Zero(t, summary.Succeeded)
	assert.Len(t, summary.Skipped, 3)
	for i, r := range summary.Results {
		assert.Equal(t, StatusSkipped, r.Status)
		require.ErrorIs(t, r.Err, context.Canceled)
		assert.True(t, docs[i].IsDirty())
	}
}

func TestBatchRebuildCancelInFlight(t *testing.T) {
	t.Parallel()

	docs, targets := batchTargets(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	progress := func(ev ProgressEvent) {
		if ev.Stage == StageWriting {
			cancel()
		}
	}
	summary := BatchRebuild(ctx, targets,
		BatchWithConcurrency(1),
		BatchWithRebuildOptions(WithProgress(progress)))

	assert.Zero(t, summary.Succeeded)
	assert.Equal(t, []string{docs[0].Path()}, summary.Canceled)
	assert.Equal(t, []string{docs[1].Path(), docs[2].Path()}, summary.Skipped)
	for _, d := range docs {
		assert.True(t, d.IsDirty())
	}
}

func TestTargetResultMessage(t *testing.T) {
	t.Parallel()

	r := TargetResult{
		Status: StatusSucceeded,
		Result: RebuildResult{Entries: 2, Dropped: 1, BytesBefore: 10, BytesAfter: 5, Skipped: []string{"x"}},
	}
	assert.Equal(t, "2 entries, 1 dropped, 10 -> 5 bytes, 1 unreadable skipped", r.Message())

	r = TargetResult{Status: StatusFailed, Err: ErrDiskWrite}
	assert.Equal(t, ErrDiskWrite.Error(), r.Message())
}
