package model_test

import (
	"testing"
	"time"

	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSnapshotID_Uniqueness(t *testing.T) {
	seen := make(map[model.SnapshotID]bool)
	for i := 0; i < 100; i++ {
		id := model.NewSnapshotID()
		assert.False(t, seen[id], "duplicate: %s", id)
		seen[id] = true
	}
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "0f8fad5b", model.SnapshotID("0f8fad5b-d9cb-469f-a165-70867728950e").ShortID())
	assert.Equal(t, "abc", model.BackupID("abc").ShortID())
	assert.Len(t, model.NewPointID().ShortID(), 8)
}

func TestParseArchiveFormat(t *testing.T) {
	cases := map[string]model.ArchiveFormat{
		"tar":     model.FormatTar,
		"TGZ":     model.FormatTarGz,
		"tar.gz":  model.FormatTarGz,
		"bzip2":   model.FormatTarBz2,
		"tar.xz":  model.FormatTarXz,
		"zstd":    model.FormatTarZst,
		"rsync":   model.FormatMirror,
		" mirror": model.FormatMirror,
	}
	for in, want := range cases {
		got, ok := model.ParseArchiveFormat(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}

	_, ok := model.ParseArchiveFormat("zip")
	assert.False(t, ok)
}

func TestArchiveFormat_Properties(t *testing.T) {
	assert.False(t, model.FormatTar.Compressed())
	assert.True(t, model.FormatTarGz.Compressed())
	assert.True(t, model.FormatTarZst.Compressed())
	assert.False(t, model.FormatMirror.Compressed())

	assert.Equal(t, ".tar.gz", model.FormatTarGz.Extension())
	assert.Equal(t, "", model.FormatMirror.Extension())
	assert.False(t, model.FormatMirror.IsArchive())
}

func TestSnapshotRecord_Age(t *testing.T) {
	now := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	rec := model.SnapshotRecord{CreatedAt: now.Add(-48 * time.Hour)}
	assert.Equal(t, 48*time.Hour, rec.Age(now))
	assert.False(t, rec.HasChecksum())
}

func TestBackupManifest(t *testing.T) {
	m := model.BackupManifest{
		Files: model.FileIndex{
			"b.txt": {Path: "b.txt", BackedUp: true},
			"a.txt": {Path: "a.txt"},
		},
	}
	assert.True(t, m.IsFull())
	assert.Equal(t, 1, m.StoredFiles())
	assert.Equal(t, []string{"a.txt", "b.txt"}, m.Files.Paths())
}
