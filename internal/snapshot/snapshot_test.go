package snapshot_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpt-project/ckpt/internal/audit"
	"github.com/ckpt-project/ckpt/internal/clock"
	"github.com/ckpt-project/ckpt/internal/integrity"
	"github.com/ckpt-project/ckpt/internal/snapshot"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func buildSource(t *testing.T) string {
	t.Helper()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "a.txt"), "alpha alpha alpha alpha")
	writeFile(t, filepath.Join(src, "sub", "b.txt"), "beta")
	writeFile(t, filepath.Join(src, "sub", "deep", "c.bin"), "gamma")
	writeFile(t, filepath.Join(src, "node_modules", "pkg", "index.js"), "junk")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "empty"), 0700))
	require.NoError(t, os.Symlink("a.txt", filepath.Join(src, "link")))
	return src
}

func treeHash(t *testing.T, root string) model.HashValue {
	t.Helper()
	h, err := integrity.ComputeTreeHash(root, nil)
	require.NoError(t, err)
	return h
}

func newSnapshotter(t *testing.T, root string, opts snapshot.Options) *snapshot.Snapshotter {
	t.Helper()
	s, err := snapshot.New(root, opts)
	require.NoError(t, err)
	return s
}

func TestCreateArchive_RoundTripEveryFormat(t *testing.T) {
	for _, format := range []model.ArchiveFormat{
		model.FormatTar, model.FormatTarGz, model.FormatTarBz2, model.FormatTarXz, model.FormatTarZst,
	} {
		t.Run(string(format), func(t *testing.T) {
			ctx := context.Background()
			src := buildSource(t)
			s := newSnapshotter(t, t.TempDir(), snapshot.Options{})

			rec, err := s.CreateArchive(ctx, src, "nightly", snapshot.ArchiveOptions{Format: format})
			require.NoError(t, err)
			assert.Equal(t, format, rec.Format)
			assert.Equal(t, "nightly", rec.Name)
			assert.Equal(t, 4, rec.FileCount)
			assert.True(t, rec.HasChecksum())
			assert.FileExists(t, rec.ArchivePath)
			assert.Equal(t, "archive"+format.Extension(), filepath.Base(rec.ArchivePath))
			if !format.Compressed() {
				assert.Equal(t, 1.0, rec.CompressionRatio)
			} else {
				assert.Greater(t, rec.CompressionRatio, 0.0)
			}

			dest := filepath.Join(t.TempDir(), "restored")
			require.NoError(t, s.Restore(ctx, rec.ID, dest, snapshot.RestoreOptions{}))
			assert.Equal(t, treeHash(t, src), treeHash(t, dest))
		})
	}
}

func TestCreateArchive_DefaultsAndExclusions(t *testing.T) {
	ctx := context.Background()
	src := buildSource(t)
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{})

	rec, err := s.CreateArchive(ctx, src, "", snapshot.ArchiveOptions{Exclude: []string{"node_modules", "*.bin"}})
	require.NoError(t, err)
	assert.Equal(t, model.FormatTarGz, rec.Format)
	assert.Equal(t, filepath.Base(src), rec.Name)
	assert.Equal(t, 2, rec.FileCount)

	dest := t.TempDir()
	require.NoError(t, s.Restore(ctx, rec.ID, dest, snapshot.RestoreOptions{}))
	assert.FileExists(t, filepath.Join(dest, "sub", "b.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "sub", "deep", "c.bin"))
	assert.NoDirExists(t, filepath.Join(dest, "node_modules"))
}

func TestCreateArchive_MissingSource(t *testing.T) {
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{})

	_, err := s.CreateArchive(context.Background(), filepath.Join(t.TempDir(), "nope"), "x", snapshot.ArchiveOptions{})
	require.ErrorIs(t, err, errclass.ErrSourceNotFound)
	assert.Equal(t, errclass.KindNotFound, errclass.KindOf(err))
	assert.Empty(t, s.List(""))
}

func TestCreateArchive_RejectsMirrorFormat(t *testing.T) {
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{})

	_, err := s.CreateArchive(context.Background(), buildSource(t), "x", snapshot.ArchiveOptions{Format: model.FormatMirror})
	require.ErrorIs(t, err, errclass.ErrFormatUnsupported)
}

func TestCreateArchive_CancelledContextLeavesNothing(t *testing.T) {
	root := t.TempDir()
	s := newSnapshotter(t, root, snapshot.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.CreateArchive(ctx, buildSource(t), "x", snapshot.ArchiveOptions{})
	require.ErrorIs(t, err, errclass.ErrSnapshotFailed)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(filepath.Join(root, snapshot.DirName))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRestore_RefusesCorruptArchiveWithoutTouchingDestination(t *testing.T) {
	ctx := context.Background()
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{})
	rec, err := s.CreateArchive(ctx, buildSource(t), "x", snapshot.ArchiveOptions{Format: model.FormatTar})
	require.NoError(t, err)

	f, err := os.OpenFile(rec.ArchivePath, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte("tamper"))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	parent := t.TempDir()
	dest := filepath.Join(parent, "dest")
	writeFile(t, filepath.Join(dest, "precious.txt"), "keep me")
	before := treeHash(t, parent)

	err = s.Restore(ctx, rec.ID, dest, snapshot.RestoreOptions{})
	require.ErrorIs(t, err, errclass.ErrChecksumMismatch)
	details := errclass.DetailsOf(err)
	assert.Equal(t, string(rec.Checksum), details["expected"])
	assert.NotEqual(t, details["expected"], details["actual"])
	assert.Equal(t, before, treeHash(t, parent))

	ok, err := s.Verify(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	// Trailing garbage after the tar end marker is ignored by the reader.
	require.NoError(t, s.Restore(ctx, rec.ID, dest, snapshot.RestoreOptions{NoVerify: true}))
	assert.FileExists(t, filepath.Join(dest, "a.txt"))
}

func TestRestore_ReplaceAndOverlay(t *testing.T) {
	ctx := context.Background()
	src := buildSource(t)
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{})
	rec, err := s.CreateArchive(ctx, src, "x", snapshot.ArchiveOptions{})
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "dest")
	writeFile(t, filepath.Join(dest, "stray.txt"), "stray")
	writeFile(t, filepath.Join(dest, "a.txt"), "changed")

	require.NoError(t, s.Restore(ctx, rec.ID, dest, snapshot.RestoreOptions{Overlay: true}))
	assert.FileExists(t, filepath.Join(dest, "stray.txt"))
	data, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha alpha alpha alpha", string(data))

	require.NoError(t, s.Restore(ctx, rec.ID, dest, snapshot.RestoreOptions{}))
	assert.NoFileExists(t, filepath.Join(dest, "stray.txt"))
	assert.Equal(t, treeHash(t, src), treeHash(t, dest))
}

func TestRestore_UnknownSnapshot(t *testing.T) {
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{})
	err := s.Restore(context.Background(), "missing", t.TempDir(), snapshot.RestoreOptions{})
	require.ErrorIs(t, err, errclass.ErrSnapshotNotFound)
}

func TestCreateMirror_LinkDest(t *testing.T) {
	ctx := context.Background()
	src := buildSource(t)
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{})

	first, err := s.CreateMirror(ctx, src, "m1", snapshot.MirrorOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.FormatMirror, first.Format)
	assert.False(t, first.HasChecksum())
	assert.Equal(t, 4, first.FileCount)

	parent, err := s.MirrorPath(first.ID)
	require.NoError(t, err)

	later := time.Now().Add(time.Hour)
	writeFile(t, filepath.Join(src, "a.txt"), "edited")
	require.NoError(t, os.Chtimes(filepath.Join(src, "a.txt"), later, later))

	second, err := s.CreateMirror(ctx, src, "m2", snapshot.MirrorOptions{ParentPath: parent})
	require.NoError(t, err)
	assert.Equal(t, parent, second.LinkDest)
	assert.EqualValues(t, len("edited"), second.SizeBytes, "hard-linked files are not counted as stored")
	assert.Greater(t, first.SizeBytes, second.SizeBytes)

	same := func(rel string) bool {
		a, err := os.Stat(filepath.Join(first.ArchivePath, rel))
		require.NoError(t, err)
		b, err := os.Stat(filepath.Join(second.ArchivePath, rel))
		require.NoError(t, err)
		return os.SameFile(a, b)
	}
	assert.True(t, same("sub/b.txt"))
	assert.False(t, same("a.txt"))

	ok, err := s.Verify(ctx, second.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	dest := t.TempDir()
	require.NoError(t, s.Restore(ctx, second.ID, dest, snapshot.RestoreOptions{}))
	assert.Equal(t, treeHash(t, src), treeHash(t, dest))
}

func TestMirrorPath_RejectsArchives(t *testing.T) {
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{})
	rec, err := s.CreateArchive(context.Background(), buildSource(t), "x", snapshot.ArchiveOptions{})
	require.NoError(t, err)

	_, err = s.MirrorPath(rec.ID)
	require.ErrorIs(t, err, errclass.ErrFormatUnsupported)
}

func TestSnapshotter_ReloadResolveAndDelete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	src := buildSource(t)
	appender := audit.NewFileAppender(filepath.Join(root, "audit", "audit.jsonl"))
	s := newSnapshotter(t, root, snapshot.Options{Audit: appender})

	rec, err := s.CreateArchive(ctx, src, "release", snapshot.ArchiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, rec.SizeBytes, s.TotalSize())

	reopened := newSnapshotter(t, root, snapshot.Options{})
	got, err := reopened.Get(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Checksum, got.Checksum)
	assert.Equal(t, rec.ArchivePath, got.ArchivePath)

	resolved, err := reopened.Resolve(rec.ID.ShortID())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, resolved.ID)
	resolved, err = reopened.Resolve("release")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, resolved.ID)

	require.NoError(t, reopened.Delete(ctx, rec.ID))
	assert.NoDirExists(t, filepath.Dir(rec.ArchivePath))
	_, err = reopened.Get(rec.ID)
	require.ErrorIs(t, err, errclass.ErrSnapshotNotFound)
	require.ErrorIs(t, reopened.Delete(ctx, rec.ID), errclass.ErrSnapshotNotFound)

	records, err := appender.Records()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EventSnapshotCreate, records[0].EventType)
}

func TestSnapshotter_ListNewestFirstPerSource(t *testing.T) {
	ctx := context.Background()
	stub := clock.NewStub(time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{Clock: stub})
	srcA, srcB := buildSource(t), buildSource(t)

	first, err := s.CreateArchive(ctx, srcA, "a1", snapshot.ArchiveOptions{Format: model.FormatTar})
	require.NoError(t, err)
	stub.Advance(time.Minute)
	second, err := s.CreateArchive(ctx, srcA, "a2", snapshot.ArchiveOptions{Format: model.FormatTar})
	require.NoError(t, err)
	stub.Advance(time.Minute)
	_, err = s.CreateArchive(ctx, srcB, "b1", snapshot.ArchiveOptions{Format: model.FormatTar})
	require.NoError(t, err)

	list := s.List(srcA)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Len(t, s.List(""), 3)
}

func TestSnapshotter_CleanupOld(t *testing.T) {
	ctx := context.Background()
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	stub := clock.NewStub(start)
	s := newSnapshotter(t, t.TempDir(), snapshot.Options{Clock: stub})
	src := buildSource(t)

	var ids []model.SnapshotID
	for i := 0; i < 4; i++ {
		rec, err := s.CreateArchive(ctx, src, "daily", snapshot.ArchiveOptions{Format: model.FormatTar})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
		stub.Advance(24 * time.Hour)
	}
	// Snapshots are now 4, 3, 2 and 1 days old.
	deleted, err := s.CleanupOld(ctx, src, 1, 36*time.Hour, nil)
	require.NoError(t, err)
	assert.Equal(t, []model.SnapshotID{ids[0], ids[1], ids[2]}, deleted)

	remaining := s.List(src)
	require.Len(t, remaining, 1)
	assert.Equal(t, ids[3], remaining[0].ID)

	deleted, err = s.CleanupOld(ctx, src, 0, 30*24*time.Hour, nil)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func TestSnapshotter_StorageRootInsideSource(t *testing.T) {
	ctx := context.Background()
	src := buildSource(t)
	root := filepath.Join(src, ".ckpt")
	s := newSnapshotter(t, root, snapshot.Options{})

	first, err := s.CreateArchive(ctx, src, "first", snapshot.ArchiveOptions{})
	require.NoError(t, err)
	second, err := s.CreateArchive(ctx, src, "second", snapshot.ArchiveOptions{})
	require.NoError(t, err)
	assert.Equal(t, first.FileCount, second.FileCount, "earlier snapshots are not captured")

	mirror, err := s.CreateMirror(ctx, src, "tree", snapshot.MirrorOptions{})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(mirror.ArchivePath, ".ckpt"))

	_, err = s.CreateArchive(ctx, root, "inner", snapshot.ArchiveOptions{})
	assert.ErrorIs(t, err, errclass.ErrPathEscape)
	err = s.Restore(ctx, first.ID, filepath.Join(root, "out"), snapshot.RestoreOptions{})
	assert.ErrorIs(t, err, errclass.ErrPathEscape)

	// A replacing restore of the source keeps every stored snapshot.
	writeFile(t, filepath.Join(src, "stray.txt"), "stray")
	require.NoError(t, s.Restore(ctx, first.ID, src, snapshot.RestoreOptions{}))
	assert.NoFileExists(t, filepath.Join(src, "stray.txt"))
	require.NoError(t, s.Restore(ctx, mirror.ID, src, snapshot.RestoreOptions{}))
	for _, rec := range []*model.SnapshotRecord{first, second, mirror} {
		ok, err := s.Verify(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, ok, rec.Name)
	}

	dest := t.TempDir()
	require.NoError(t, s.Restore(ctx, second.ID, dest, snapshot.RestoreOptions{}))
	assert.NoDirExists(t, filepath.Join(dest, ".ckpt"))
}
