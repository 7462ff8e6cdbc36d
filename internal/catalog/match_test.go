package catalog_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpt-project/ckpt/internal/catalog"
	"github.com/ckpt-project/ckpt/pkg/errclass"
)

var base = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func entries() []catalog.Entry {
	return []catalog.Entry{
		{ID: "aaaa1111-0000", Name: "nightly", CreatedAt: base},
		{ID: "aaaa2222-0000", Name: "release-1", CreatedAt: base.Add(time.Hour)},
		{ID: "bbbb1111-0000", Name: "release-2", CreatedAt: base.Add(2 * time.Hour)},
	}
}

func TestResolve_ExactAndPrefix(t *testing.T) {
	id, err := catalog.Resolve(entries(), "bbbb1111-0000", errclass.ErrSnapshotNotFound)
	require.NoError(t, err)
	assert.Equal(t, "bbbb1111-0000", id)

	id, err = catalog.Resolve(entries(), "bbbb", errclass.ErrSnapshotNotFound)
	require.NoError(t, err)
	assert.Equal(t, "bbbb1111-0000", id)
}

func TestResolve_ByName(t *testing.T) {
	id, err := catalog.Resolve(entries(), "NIGHTLY", errclass.ErrSnapshotNotFound)
	require.NoError(t, err)
	assert.Equal(t, "aaaa1111-0000", id)
}

func TestResolve_Ambiguous(t *testing.T) {
	_, err := catalog.Resolve(entries(), "aaaa", errclass.ErrSnapshotNotFound)
	require.ErrorIs(t, err, errclass.ErrAmbiguousID)
	assert.ElementsMatch(t, []string{"aaaa1111-0000", "aaaa2222-0000"}, errclass.DetailsOf(err)["candidates"])

	_, err = catalog.Resolve(entries(), "release", errclass.ErrSnapshotNotFound)
	require.ErrorIs(t, err, errclass.ErrAmbiguousID)
}

func TestResolve_NotFound(t *testing.T) {
	_, err := catalog.Resolve(entries(), "zzz", errclass.ErrBackupNotFound)
	require.ErrorIs(t, err, errclass.ErrBackupNotFound)

	_, err = catalog.Resolve(entries(), "ease", errclass.ErrBackupNotFound)
	require.ErrorIs(t, err, errclass.ErrBackupNotFound, "substring matches never resolve")
}

func TestRank_OrdersByScoreThenRecency(t *testing.T) {
	matches := catalog.Rank(entries(), "rel", 0)
	require.Len(t, matches, 2)
	assert.Equal(t, "bbbb1111-0000", matches[0].ID)
	assert.Equal(t, "name", matches[0].MatchType)

	assert.Len(t, catalog.Rank(entries(), "e", 1), 1)
	assert.Empty(t, catalog.Rank(entries(), "", 0))
}
