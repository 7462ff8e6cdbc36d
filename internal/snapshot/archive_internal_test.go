package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpt-project/ckpt/pkg/errclass"
)

func TestCreateArchive_ReadFailureRemovesSnapshotDir(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.txt"), []byte("a"), 0644))

	orig := openSourceFile
	openSourceFile = func(string) (*os.File, error) { return nil, errors.New("disk on fire") }
	defer func() { openSourceFile = orig }()

	root := t.TempDir()
	s, err := New(root, Options{})
	require.NoError(t, err)

	_, err = s.CreateArchive(context.Background(), src, "x", ArchiveOptions{})
	require.ErrorIs(t, err, errclass.ErrSnapshotFailed)
	assert.Contains(t, err.Error(), "disk on fire")

	entries, err := os.ReadDir(filepath.Join(root, DirName))
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, s.List(""))
	assert.Zero(t, s.TotalSize())
}
