package model_test

import (
	"testing"
	"time"

	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/stretchr/testify/assert"
)

func TestRollbackState_Transitions(t *testing.T) {
	allowed := map[model.RollbackState][]model.RollbackState{
		model.StatePending:    {model.StateValidating, model.StateCancelled, model.StateFailed},
		model.StateValidating: {model.StateInProgress, model.StateFailed, model.StateCancelled},
		model.StateInProgress: {model.StateCompleted, model.StateFailed},
	}
	all := []model.RollbackState{
		model.StatePending, model.StateValidating, model.StateInProgress,
		model.StateCompleted, model.StateFailed, model.StateCancelled,
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, a := range allowed[from] {
				if a == to {
					want = true
				}
			}
			assert.Equal(t, want, from.CanTransitionTo(to), "%s -> %s", from, to)
		}
	}
}

func TestRollbackState_TerminalAndCancellable(t *testing.T) {
	assert.True(t, model.StateCompleted.Terminal())
	assert.True(t, model.StateFailed.Terminal())
	assert.True(t, model.StateCancelled.Terminal())
	assert.False(t, model.StateInProgress.Terminal())

	assert.True(t, model.StatePending.Cancellable())
	assert.True(t, model.StateValidating.Cancellable())
	assert.False(t, model.StateInProgress.Cancellable())
	assert.False(t, model.StateCompleted.Cancellable())
}

func TestRollbackScope_Valid(t *testing.T) {
	assert.True(t, model.ScopeFilesystem.Valid())
	assert.True(t, model.ScopeFullSystem.Valid())
	assert.False(t, model.RollbackScope("kernel").Valid())
}

func TestRollbackOperation_CloneIsDeep(t *testing.T) {
	done := time.Now()
	op := &model.RollbackOperation{
		ID:           "op",
		CompletedAt:  &done,
		SafetyChecks: []model.SafetyCheck{{Kind: model.CheckDiskSpace, Passed: false}},
		History:      []model.StateTransition{{State: model.StatePending}},
	}
	c := op.Clone()
	c.SafetyChecks[0].Passed = true
	c.History = append(c.History, model.StateTransition{State: model.StateValidating})
	*c.CompletedAt = done.Add(time.Hour)

	assert.False(t, op.SafetyChecks[0].Passed)
	assert.Len(t, op.History, 1)
	assert.Equal(t, done, *op.CompletedAt)
	assert.Equal(t, []model.SafetyCheckKind{model.CheckDiskSpace}, op.FailedChecks())
}

func TestRollbackPoint_HasArtifacts(t *testing.T) {
	assert.False(t, (&model.RollbackPoint{}).HasArtifacts())
	assert.True(t, (&model.RollbackPoint{BackupID: "b"}).HasArtifacts())
	assert.True(t, (&model.RollbackPoint{ConfigBackupPath: "/etc/x"}).HasArtifacts())
}

func TestRetentionPolicy_Validate(t *testing.T) {
	p := model.DefaultRetentionPolicy()
	assert.NoError(t, p.Validate())

	bad := model.RetentionPolicy{KeepCount: -1}
	err := bad.Validate()
	var rpErr *model.InvalidRetentionPolicyError
	assert.ErrorAs(t, err, &rpErr)
	assert.Equal(t, "keep_count", rpErr.Field)

	bad = model.RetentionPolicy{MinAge: -time.Second}
	assert.Error(t, bad.Validate())
}
