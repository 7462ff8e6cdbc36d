package rollback

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/backup"
	"github.com/ckpt-project/ckpt/internal/catalog"
	"github.com/ckpt-project/ckpt/internal/safety"
	"github.com/ckpt-project/ckpt/internal/snapshot"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// InitiateOptions controls a rollback.
type InitiateOptions struct {
	// Force skips point verification. Safety checks still run and are
	// recorded, but failures do not block.
	Force bool
	// SkipSafetyChecks does not run the safety checks at all.
	SkipSafetyChecks bool
}

type targetKind int

const (
	targetSnapshot targetKind = iota
	targetBackup
	targetConfig
)

// target is one restore action derived from a point's scope. Overlay
// targets keep live files the artifact does not hold.
type target struct {
	kind    targetKind
	dest    string
	overlay bool
}

// InitiateRollback begins and executes a rollback to pointID.
func (o *Orchestrator) InitiateRollback(ctx context.Context, pointID model.PointID, opts InitiateOptions) (*model.RollbackOperation, error) {
	op, err := o.Begin(ctx, pointID, opts)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, op.ID)
}

// Begin creates a PENDING operation for pointID. Unless forced, the point
// must verify first; an unverifiable point leaves a FAILED operation behind.
func (o *Orchestrator) Begin(ctx context.Context, pointID model.PointID, opts InitiateOptions) (*model.RollbackOperation, error) {
	p, err := o.store.GetPoint(pointID)
	if err != nil {
		return nil, err
	}

	now := o.clock.Now().UTC()
	op := &model.RollbackOperation{
		ID:               model.NewOperationID(),
		PointID:          p.ID,
		State:            model.StatePending,
		StartedAt:        now,
		Force:            opts.Force,
		SkipSafetyChecks: opts.SkipSafetyChecks,
		History:          []model.StateTransition{{State: model.StatePending, At: now}},
	}
	if err := o.store.PutOperation(op); err != nil {
		return nil, err
	}
	log := o.log.With("operation_id", string(op.ID), "point_id", string(p.ID))
	log.Info("rollback initiated", "scope", string(p.Scope), "force", opts.Force)
	o.record(model.EventRollbackStart, string(op.ID), map[string]any{
		"point_id": string(p.ID),
		"scope":    string(p.Scope),
		"force":    opts.Force,
	})

	if opts.Force {
		return op, nil
	}
	ok, err := o.VerifyPoint(ctx, p.ID)
	if err == nil && !ok {
		err = errclass.ErrVerificationFailed.
			WithMessagef("rollback point %s failed verification", p.ID).
			WithDetail("point_id", string(p.ID)).
			WithDetail("operation_id", string(op.ID))
	}
	if err != nil {
		o.fail(op.ID, p, err)
		return nil, err
	}
	return op, nil
}

// Execute drives a PENDING operation to a terminal state.
func (o *Orchestrator) Execute(ctx context.Context, id model.OperationID) (result *model.RollbackOperation, err error) {
	ctx, span := tracer.Start(ctx, "rollback.Execute", trace.WithAttributes(attribute.String("rollback.operation_id", string(id))))
	defer func() {
		endSpan(span, err)
		span.End()
	}()

	op, err := o.transition(id, model.StateValidating, nil)
	if err != nil {
		return nil, err
	}
	p, err := o.store.GetPoint(op.PointID)
	if err != nil {
		return nil, o.fail(id, &model.RollbackPoint{ID: op.PointID}, err)
	}
	log := o.log.With("operation_id", string(id), "point_id", string(p.ID))

	if o.requireChecks && !op.SkipSafetyChecks {
		checks := o.safety.Run(ctx, p)
		op, err = o.update(id, func(op *model.RollbackOperation) { op.SafetyChecks = checks })
		if err != nil {
			return nil, err
		}
		if !safety.AllPassed(checks) {
			failed := op.FailedChecks()
			if !op.Force {
				serr := &SafetyCheckError{OperationID: id, Failed: failed, Checks: checks}
				o.fail(id, p, serr)
				return nil, serr
			}
			log.Warn("safety checks failed, continuing", "failed", failed)
		}
	} else {
		log.Info("safety checks skipped", "skip_requested", op.SkipSafetyChecks)
	}

	targets, err := o.targets(p)
	if err != nil {
		return nil, o.fail(id, p, err)
	}

	o.execMu.Lock()
	defer o.execMu.Unlock()

	if err := ctx.Err(); err != nil {
		if _, cerr := o.transition(id, model.StateCancelled, nil); cerr == nil {
			o.record(model.EventRollbackCancel, string(id), map[string]any{"reason": err.Error()})
		}
		return nil, errclass.ErrOperationCancelled.WithMessagef("rollback %s cancelled", id).Wrap(err)
	}
	if cur, err := o.store.GetOperation(id); err != nil {
		return nil, err
	} else if cur.State == model.StateCancelled {
		return nil, errclass.ErrOperationCancelled.WithMessagef("rollback %s was cancelled", id)
	}

	var checkpoint model.PointID
	if o.autoCP {
		cp, err := o.checkpoint(ctx, op, p, targets)
		if err != nil {
			return nil, o.fail(id, p, err)
		}
		if cp != nil {
			checkpoint = cp.ID
		}
	}

	if _, err := o.transition(id, model.StateInProgress, func(op *model.RollbackOperation) {
		op.CheckpointID = checkpoint
	}); err != nil {
		return nil, err
	}
	log.Info("rollback in progress", "targets", len(targets), "checkpoint_id", string(checkpoint))

	if err := o.dispatch(ctx, p, targets); err != nil {
		return nil, o.fail(id, p, err)
	}

	op, err = o.transition(id, model.StateCompleted, nil)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordRollback(string(p.Scope), string(model.StateCompleted), o.elapsed(op))
	log.Info("rollback completed", "duration", o.elapsed(op))
	o.record(model.EventRollbackComplete, string(id), map[string]any{
		"point_id":      string(p.ID),
		"checkpoint_id": string(checkpoint),
	})
	return op, nil
}

// Cancel stops an operation that has not started restoring.
func (o *Orchestrator) Cancel(ctx context.Context, id model.OperationID) (*model.RollbackOperation, error) {
	op, err := o.transition(id, model.StateCancelled, nil)
	if err != nil {
		return nil, err
	}
	o.log.Info("rollback cancelled", "operation_id", string(id))
	o.record(model.EventRollbackCancel, string(id), map[string]any{"point_id": string(op.PointID)})
	return op, nil
}

// GetOperation returns the operation with id.
func (o *Orchestrator) GetOperation(id model.OperationID) (*model.RollbackOperation, error) {
	return o.store.GetOperation(id)
}

// ResolveOperation finds an operation by full ID or ID prefix.
func (o *Orchestrator) ResolveOperation(query string) (*model.RollbackOperation, error) {
	ops, err := o.store.ListOperations()
	if err != nil {
		return nil, err
	}
	entries := make([]catalog.Entry, len(ops))
	for i, op := range ops {
		entries[i] = catalog.Entry{ID: string(op.ID), CreatedAt: op.StartedAt}
	}
	id, err := catalog.Resolve(entries, query, errclass.ErrOperationNotFound)
	if err != nil {
		return nil, err
	}
	return o.store.GetOperation(model.OperationID(id))
}

// ListOperations returns operations most recent first, optionally filtered
// by state.
func (o *Orchestrator) ListOperations(state model.RollbackState) ([]*model.RollbackOperation, error) {
	ops, err := o.store.ListOperations()
	if err != nil {
		return nil, err
	}
	if state == "" {
		return ops, nil
	}
	out := ops[:0]
	for _, op := range ops {
		if op.State == state {
			out = append(out, op)
		}
	}
	return out, nil
}

func (o *Orchestrator) transition(id model.OperationID, next model.RollbackState, mutate func(*model.RollbackOperation)) (*model.RollbackOperation, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	op, err := o.store.GetOperation(id)
	if err != nil {
		return nil, err
	}
	if op.State == model.StateCancelled {
		return nil, errclass.ErrOperationCancelled.WithMessagef("rollback %s was cancelled", id)
	}
	if !op.State.CanTransitionTo(next) {
		return nil, errclass.ErrInvalidStateTransition.
			WithMessagef("rollback %s cannot move from %s to %s", id, op.State, next).
			WithDetail("from", string(op.State)).
			WithDetail("to", string(next))
	}
	now := o.clock.Now().UTC()
	op.State = next
	op.History = append(op.History, model.StateTransition{State: next, At: now})
	if next.Terminal() {
		op.CompletedAt = &now
	}
	if mutate != nil {
		mutate(op)
	}
	if err := o.store.PutOperation(op); err != nil {
		return nil, err
	}
	return op, nil
}

func (o *Orchestrator) update(id model.OperationID, mutate func(*model.RollbackOperation)) (*model.RollbackOperation, error) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	op, err := o.store.GetOperation(id)
	if err != nil {
		return nil, err
	}
	mutate(op)
	if err := o.store.PutOperation(op); err != nil {
		return nil, err
	}
	return op, nil
}

// fail moves the operation to FAILED recording cause and returns cause.
func (o *Orchestrator) fail(id model.OperationID, p *model.RollbackPoint, cause error) error {
	op, err := o.transition(id, model.StateFailed, func(op *model.RollbackOperation) {
		op.Error = cause.Error()
	})
	if err != nil {
		o.log.Warn("could not mark rollback failed", "operation_id", string(id), "error", err)
		return cause
	}
	o.metrics.RecordRollback(string(p.Scope), string(model.StateFailed), o.elapsed(op))
	o.log.Error("rollback failed", "operation_id", string(id), "point_id", string(p.ID), "error", cause)
	o.record(model.EventRollbackFail, string(id), map[string]any{
		"point_id": string(p.ID),
		"error":    cause.Error(),
		"code":     errclass.CodeOf(cause),
	})
	return cause
}

func (o *Orchestrator) elapsed(op *model.RollbackOperation) time.Duration {
	if op.CompletedAt == nil {
		return 0
	}
	return op.CompletedAt.Sub(op.StartedAt)
}

// targets resolves what the point's scope restores and where.
func (o *Orchestrator) targets(p *model.RollbackPoint) ([]target, error) {
	snap := func() (target, bool, error) {
		if p.SnapshotID == "" {
			return target{}, false, nil
		}
		if o.snapshots == nil {
			return target{}, false, errclass.ErrConfigInvalid.WithMessage("no snapshotter configured")
		}
		rec, err := o.snapshots.Get(p.SnapshotID)
		if err != nil {
			return target{}, false, err
		}
		return target{kind: targetSnapshot, dest: rec.SourcePath, overlay: rec.Format != model.FormatMirror}, true, nil
	}
	bak := func() (target, bool, error) {
		if p.BackupID == "" {
			return target{}, false, nil
		}
		if o.backups == nil {
			return target{}, false, errclass.ErrConfigInvalid.WithMessage("no backup engine configured")
		}
		m, err := o.backups.Get(p.BackupID)
		if err != nil {
			return target{}, false, err
		}
		return target{kind: targetBackup, dest: m.SourcePath, overlay: true}, true, nil
	}
	cfg := func() (target, bool, error) {
		if p.ConfigBackupPath == "" {
			return target{}, false, nil
		}
		if p.ConfigTargetPath == "" {
			return target{}, false, errclass.ErrConfigInvalid.WithMessagef("rollback point %s has no configuration target", p.ID)
		}
		return target{kind: targetConfig, dest: p.ConfigTargetPath}, true, nil
	}

	var order []func() (target, bool, error)
	first := false
	switch p.Scope {
	case model.ScopeFilesystem:
		order, first = []func() (target, bool, error){snap, bak}, true
	case model.ScopeApplication:
		order, first = []func() (target, bool, error){bak, snap}, true
	case model.ScopeConfiguration:
		order = []func() (target, bool, error){cfg}
	case model.ScopeFullSystem:
		order = []func() (target, bool, error){snap, bak, cfg}
	default:
		return nil, errclass.ErrScopeInvalid.WithMessagef("unknown rollback scope %q", p.Scope)
	}

	var out []target
	for _, fn := range order {
		t, ok, err := fn()
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, t)
		if first {
			break
		}
	}
	if len(out) == 0 {
		return nil, errclass.ErrRestoreFailed.
			WithMessagef("rollback point %s has nothing to restore for scope %s", p.ID, p.Scope).
			WithDetail("scope", string(p.Scope))
	}
	return out, nil
}

// checkpoint captures every existing restore destination into an automatic
// point. It returns nil when nothing existed to capture.
func (o *Orchestrator) checkpoint(ctx context.Context, op *model.RollbackOperation, p *model.RollbackPoint, targets []target) (*model.RollbackPoint, error) {
	name := "pre-rollback-" + op.ID.ShortID()
	opts := CreatePointOptions{
		Name:        name,
		Description: fmt.Sprintf("automatic checkpoint before rollback to %s", p.Name),
		Scope:       p.Scope,
		Automatic:   true,
	}
	captured := false
	for _, t := range targets {
		if !fsutil.Exists(t.dest) {
			continue
		}
		switch t.kind {
		case targetSnapshot:
			rec, err := o.snapshots.CreateArchive(ctx, t.dest, name, snapshot.ArchiveOptions{Format: model.FormatTarGz})
			if err != nil {
				return nil, fmt.Errorf("checkpoint %s: %w", t.dest, err)
			}
			opts.SnapshotID = rec.ID
		case targetBackup:
			m, err := o.backups.CreateBackup(ctx, t.dest, name, backup.CreateOptions{})
			if err != nil {
				return nil, fmt.Errorf("checkpoint %s: %w", t.dest, err)
			}
			opts.BackupID = m.ID
		case targetConfig:
			path, err := o.CaptureConfig(ctx, t.dest)
			if err != nil {
				return nil, fmt.Errorf("checkpoint %s: %w", t.dest, err)
			}
			opts.ConfigBackupPath = path
			opts.ConfigTargetPath = t.dest
		}
		captured = true
	}
	if !captured {
		return nil, nil
	}
	cp, err := o.CreatePoint(ctx, opts)
	if err != nil {
		return nil, err
	}
	ok, err := o.VerifyPoint(ctx, cp.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errclass.ErrVerificationFailed.
			WithMessagef("checkpoint %s failed verification", cp.ID).
			WithDetail("point_id", string(cp.ID))
	}
	if cp, err = o.store.GetPoint(cp.ID); err != nil {
		return nil, err
	}
	o.log.Info("checkpoint created", "operation_id", string(op.ID), "checkpoint_id", string(cp.ID))
	return cp, nil
}

func (o *Orchestrator) dispatch(ctx context.Context, p *model.RollbackPoint, targets []target) error {
	for _, t := range targets {
		var err error
		switch t.kind {
		case targetSnapshot:
			err = o.snapshots.Restore(ctx, p.SnapshotID, t.dest, snapshot.RestoreOptions{Overlay: t.overlay})
		case targetBackup:
			err = o.backups.RestoreBackup(ctx, p.BackupID, t.dest, backup.RestoreOptions{Overlay: t.overlay})
		case targetConfig:
			err = restoreConfig(p.ConfigBackupPath, t.dest)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func restoreConfig(copyPath, dest string) error {
	info, err := os.Stat(copyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return errclass.ErrVerificationFailed.WithMessagef("configuration copy %s is missing", copyPath)
		}
		return errclass.ErrRestoreFailed.Wrap(err)
	}
	data, err := os.ReadFile(copyPath)
	if err != nil {
		return errclass.ErrRestoreFailed.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return errclass.ErrRestoreFailed.Wrap(err)
	}
	if err := fsutil.AtomicWrite(dest, data, info.Mode().Perm()); err != nil {
		return errclass.ErrRestoreFailed.WithMessagef("write configuration %s", dest).Wrap(err)
	}
	return nil
}
