package restore_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpt-project/ckpt/internal/restore"
)

func TestTarget_CommitReplacesDestination(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "app")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("old"), 0644))

	target, err := restore.Open(dest, false)
	require.NoError(t, err)
	assert.NotEqual(t, dest, target.Dir())
	require.NoError(t, os.WriteFile(filepath.Join(target.Dir(), "fresh.txt"), []byte("new"), 0644))

	require.NoError(t, target.Commit())

	assert.NoFileExists(t, filepath.Join(dest, "stale.txt"))
	data, err := os.ReadFile(filepath.Join(dest, "fresh.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, entries, 1, "staging and previous content must be gone")
	assert.Equal(t, "app", entries[0].Name())
}

func TestTarget_CommitCreatesMissingDestination(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "nested", "app")

	target, err := restore.Open(dest, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(target.Dir(), "a"), []byte("a"), 0644))
	require.NoError(t, target.Commit())

	assert.FileExists(t, filepath.Join(dest, "a"))
}

func TestTarget_AbortLeavesDestinationUntouched(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "app")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "keep.txt"), []byte("keep"), 0644))

	target, err := restore.Open(dest, false)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(target.Dir(), "x"), []byte("x"), 0644))
	target.Abort()

	assert.FileExists(t, filepath.Join(dest, "keep.txt"))
	assert.NoDirExists(t, target.Dir())
	require.NoError(t, target.Commit(), "commit after abort is a no-op")
	assert.NoFileExists(t, filepath.Join(dest, "x"))
}

func TestTarget_OverlayWritesInPlace(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "extra.txt"), []byte("extra"), 0644))

	target, err := restore.Open(dest, true)
	require.NoError(t, err)
	assert.True(t, target.Overlay())
	assert.Equal(t, dest, target.Dir())
	require.NoError(t, os.WriteFile(filepath.Join(target.Dir(), "b"), []byte("b"), 0644))
	require.NoError(t, target.Commit())

	assert.FileExists(t, filepath.Join(dest, "extra.txt"))
	assert.FileExists(t, filepath.Join(dest, "b"))
}

func TestTarget_KeepCarriesPathAcrossReplace(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "app")
	store := filepath.Join(dest, ".ckpt")
	require.NoError(t, os.MkdirAll(filepath.Join(store, "backups"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(store, "backups", "manifest.json"), []byte("{}"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dest, "stale.txt"), []byte("old"), 0644))

	target, err := restore.Open(dest, false)
	require.NoError(t, err)
	target.Keep(store)
	target.Keep(dest)
	target.Keep(filepath.Join(parent, "elsewhere"))
	assert.True(t, target.Skips(".ckpt/backups/manifest.json"))
	assert.False(t, target.Skips("stale.txt"))
	require.NoError(t, os.WriteFile(filepath.Join(target.Dir(), "fresh.txt"), []byte("new"), 0644))

	require.NoError(t, target.Commit())

	assert.NoFileExists(t, filepath.Join(dest, "stale.txt"))
	assert.FileExists(t, filepath.Join(dest, "fresh.txt"))
	data, err := os.ReadFile(filepath.Join(store, "backups", "manifest.json"))
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	entries, err := os.ReadDir(parent)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTarget_StagingTakesDestinationMode(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "app")
	require.NoError(t, os.MkdirAll(dest, 0755))
	require.NoError(t, os.Chmod(dest, 0750))

	target, err := restore.Open(dest, false)
	require.NoError(t, err)
	require.NoError(t, target.Commit())

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0750), info.Mode().Perm())

	fresh := filepath.Join(parent, "fresh")
	target, err = restore.Open(fresh, false)
	require.NoError(t, err)
	require.NoError(t, target.Commit())
	info, err = os.Stat(fresh)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestIsStagingName(t *testing.T) {
	assert.True(t, restore.IsStagingName(".app.ckpt-restore-1234"))
	assert.True(t, restore.IsStagingName(".app.ckpt-old-abcd1234"))
	assert.False(t, restore.IsStagingName("app"))
}
