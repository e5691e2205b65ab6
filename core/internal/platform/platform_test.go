package platform

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTarget(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := filepath.Join(dir, "target.img")
	require.NoError(t, os.WriteFile(target, []byte("x"), 0o600))
	link := filepath.Join(dir, "link.img")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	want, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	got, err := ResolveTarget(link)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	missing := filepath.Join(dir, "missing.img")
	got, err = ResolveTarget(missing)
	require.NoError(t, err)
	assert.Equal(t, missing, got)
}

func TestCopyOwnerSameOwner(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	require.NoError(t, os.WriteFile(src, nil, 0o600))
	info, err := os.Stat(src)
	require.NoError(t, err)

	f, err := os.Create(filepath.Join(dir, "dst"))
	require.NoError(t, err)
	defer f.Close()
	assert.NoError(t, CopyOwner(f, info))
}
