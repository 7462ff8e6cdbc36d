package model

import (
	"slices"
	"time"
)

// PointID is the unique identifier for a rollback point.
type PointID string

// NewPointID generates a new unique rollback point ID.
func NewPointID() PointID {
	return PointID(newID())
}

// ShortID returns the first 8 characters for display.
func (id PointID) ShortID() string {
	return shortID(string(id))
}

func (id PointID) String() string {
	return string(id)
}

// OperationID is the unique identifier for a rollback operation.
type OperationID string

// NewOperationID generates a new unique rollback operation ID.
func NewOperationID() OperationID {
	return OperationID(newID())
}

// ShortID returns the first 8 characters for display.
func (id OperationID) ShortID() string {
	return shortID(string(id))
}

func (id OperationID) String() string {
	return string(id)
}

// RollbackScope selects what a rollback restores.
type RollbackScope string

const (
	ScopeFilesystem    RollbackScope = "filesystem"
	ScopeApplication   RollbackScope = "application"
	ScopeConfiguration RollbackScope = "configuration"
	ScopeFullSystem    RollbackScope = "full_system"
)

// Valid reports whether s is a known scope.
func (s RollbackScope) Valid() bool {
	switch s {
	case ScopeFilesystem, ScopeApplication, ScopeConfiguration, ScopeFullSystem:
		return true
	}
	return false
}

// RollbackState is the state of a rollback operation.
type RollbackState string

const (
	StatePending    RollbackState = "pending"
	StateValidating RollbackState = "validating"
	StateInProgress RollbackState = "in_progress"
	StateCompleted  RollbackState = "completed"
	StateFailed     RollbackState = "failed"
	StateCancelled  RollbackState = "cancelled"
)

var stateTransitions = map[RollbackState][]RollbackState{
	StatePending:    {StateValidating, StateCancelled, StateFailed},
	StateValidating: {StateInProgress, StateFailed, StateCancelled},
	StateInProgress: {StateCompleted, StateFailed},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s RollbackState) CanTransitionTo(next RollbackState) bool {
	return slices.Contains(stateTransitions[s], next)
}

// Terminal reports whether no further transitions are possible.
func (s RollbackState) Terminal() bool {
	return len(stateTransitions[s]) == 0
}

// Cancellable reports whether an operation in state s may be cancelled.
func (s RollbackState) Cancellable() bool {
	return s.CanTransitionTo(StateCancelled)
}

// SafetyCheckKind names one pre-flight check.
type SafetyCheckKind string

const (
	CheckDiskSpace           SafetyCheckKind = "disk_space"
	CheckSystemLoad          SafetyCheckKind = "system_load"
	CheckRunningProcesses    SafetyCheckKind = "running_processes"
	CheckNetworkConnectivity SafetyCheckKind = "network_connectivity"
	CheckBackupIntegrity     SafetyCheckKind = "backup_integrity"
)

// SafetyCheckKinds returns every kind in evaluation order.
func SafetyCheckKinds() []SafetyCheckKind {
	return []SafetyCheckKind{
		CheckDiskSpace,
		CheckSystemLoad,
		CheckRunningProcesses,
		CheckNetworkConnectivity,
		CheckBackupIntegrity,
	}
}

// SafetyCheck is the outcome of one pre-flight check.
type SafetyCheck struct {
	Kind    SafetyCheckKind `json:"kind"`
	Passed  bool            `json:"passed"`
	Message string          `json:"message"`
	Details map[string]any  `json:"details,omitempty"`
}

// RollbackPoint is a named restore target referencing snapshot and backup
// artifacts by ID.
type RollbackPoint struct {
	ID               PointID       `json:"id"`
	Name             string        `json:"name"`
	Description      string        `json:"description,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	Scope            RollbackScope `json:"scope"`
	SnapshotID       SnapshotID    `json:"snapshot_id,omitempty"`
	BackupID         BackupID      `json:"backup_id,omitempty"`
	ConfigBackupPath string        `json:"config_backup_path,omitempty"`
	// ConfigTargetPath is where ConfigBackupPath is restored to.
	ConfigTargetPath string `json:"config_target_path,omitempty"`
	Verified         bool   `json:"verified"`
	// Automatic marks checkpoints taken before a rollback.
	Automatic bool `json:"automatic,omitempty"`
}

// HasArtifacts reports whether the point references anything restorable.
func (p *RollbackPoint) HasArtifacts() bool {
	return p.SnapshotID != "" || p.BackupID != "" || p.ConfigBackupPath != ""
}

// StateTransition is one entry of an operation's history.
type StateTransition struct {
	State RollbackState `json:"state"`
	At    time.Time     `json:"at"`
}

// RollbackOperation tracks one rollback attempt.
type RollbackOperation struct {
	ID               OperationID       `json:"id"`
	PointID          PointID           `json:"point_id"`
	State            RollbackState     `json:"state"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	SafetyChecks     []SafetyCheck     `json:"safety_checks,omitempty"`
	Error            string            `json:"error,omitempty"`
	CheckpointID     PointID           `json:"checkpoint_id,omitempty"`
	Force            bool              `json:"force,omitempty"`
	SkipSafetyChecks bool              `json:"skip_safety_checks,omitempty"`
	History          []StateTransition `json:"history"`
}

// Clone returns a deep copy.
func (op *RollbackOperation) Clone() *RollbackOperation {
	c := *op
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		c.CompletedAt = &t
	}
	c.SafetyChecks = slices.Clone(op.SafetyChecks)
	c.History = slices.Clone(op.History)
	return &c
}

// FailedChecks returns the kinds of checks that did not pass.
func (op *RollbackOperation) FailedChecks() []SafetyCheckKind {
	var kinds []SafetyCheckKind
	for _, c := range op.SafetyChecks {
		if !c.Passed {
			kinds = append(kinds, c.Kind)
		}
	}
	return kinds
}
