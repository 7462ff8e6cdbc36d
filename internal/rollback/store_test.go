package rollback_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpt-project/ckpt/internal/rollback"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
)

func stores(t *testing.T) map[string]rollback.Store {
	t.Helper()
	b, err := rollback.OpenBadgerStore(rollback.BadgerConfig{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return map[string]rollback.Store{
		"memory": rollback.NewMemoryStore(),
		"badger": b,
	}
}

func TestStore_Points(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			older := &model.RollbackPoint{ID: model.NewPointID(), Name: "older", CreatedAt: base, Scope: model.ScopeFilesystem}
			newer := &model.RollbackPoint{ID: model.NewPointID(), Name: "newer", CreatedAt: base.Add(time.Hour), Scope: model.ScopeConfiguration}
			require.NoError(t, s.PutPoint(older))
			require.NoError(t, s.PutPoint(newer))

			got, err := s.GetPoint(older.ID)
			require.NoError(t, err)
			assert.Equal(t, "older", got.Name)
			assert.True(t, base.Equal(got.CreatedAt))

			got.Name = "mutated"
			again, err := s.GetPoint(older.ID)
			require.NoError(t, err)
			assert.Equal(t, "older", again.Name)

			list, err := s.ListPoints()
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, newer.ID, list[0].ID)
			assert.Equal(t, older.ID, list[1].ID)

			require.NoError(t, s.DeletePoint(older.ID))
			_, err = s.GetPoint(older.ID)
			assert.ErrorIs(t, err, errclass.ErrPointNotFound)
			assert.ErrorIs(t, s.DeletePoint(older.ID), errclass.ErrPointNotFound)
		})
	}
}

func TestStore_Operations(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := &model.RollbackOperation{
				ID:        model.NewOperationID(),
				PointID:   model.NewPointID(),
				State:     model.StatePending,
				StartedAt: base,
				History:   []model.StateTransition{{State: model.StatePending, At: base}},
			}
			second := first.Clone()
			second.ID = model.NewOperationID()
			second.StartedAt = base.Add(time.Minute)
			require.NoError(t, s.PutOperation(first))
			require.NoError(t, s.PutOperation(second))

			first.State = model.StateValidating
			first.History = append(first.History, model.StateTransition{State: model.StateValidating, At: base})
			stored, err := s.GetOperation(first.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatePending, stored.State)
			assert.Len(t, stored.History, 1)

			require.NoError(t, s.PutOperation(first))
			stored, err = s.GetOperation(first.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StateValidating, stored.State)
			assert.Len(t, stored.History, 2)

			ops, err := s.ListOperations()
			require.NoError(t, err)
			require.Len(t, ops, 2)
			assert.Equal(t, second.ID, ops[0].ID)

			_, err = s.GetOperation(model.NewOperationID())
			assert.ErrorIs(t, err, errclass.ErrOperationNotFound)
			assert.Equal(t, errclass.KindNotFound, errclass.KindOf(err))
		})
	}
}

func TestBadgerStore_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := rollback.OpenBadgerStore(rollback.BadgerConfig{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	p := &model.RollbackPoint{ID: model.NewPointID(), Name: "kept", CreatedAt: time.Now().UTC(), Scope: model.ScopeFullSystem, Verified: true}
	require.NoError(t, s.PutPoint(p))
	require.NoError(t, s.Close())

	s, err = rollback.OpenBadgerStore(rollback.BadgerConfig{Path: dir})
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetPoint(p.ID)
	require.NoError(t, err)
	assert.Equal(t, "kept", got.Name)
	assert.True(t, got.Verified)
	assert.Equal(t, model.ScopeFullSystem, got.Scope)
}

func TestOpenBadgerStore_RequiresPath(t *testing.T) {
	_, err := rollback.OpenBadgerStore(rollback.BadgerConfig{})
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}
