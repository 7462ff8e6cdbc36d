package backup

import (
	"context"
	"os"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/gc"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

// DeleteBackup removes backup id. A backup other backups depend on is
// refused unless cascade is set, in which case its descendants are removed
// first, depth-first.
func (e *Engine) DeleteBackup(ctx context.Context, id model.BackupID, cascade bool) (err error) {
	ctx, span := tracer.Start(ctx, "backup.Delete", trace.WithAttributes(
		attribute.String("backup.id", string(id)),
		attribute.Bool("backup.cascade", cascade),
	))
	defer func() {
		endSpan(span, err)
		span.End()
	}()

	m, err := e.lookup(id)
	if err != nil {
		return err
	}
	children := e.Children(id)
	if len(children) > 0 {
		if !cascade {
			ids := make([]string, len(children))
			for i, c := range children {
				ids[i] = string(c)
			}
			return errclass.ErrHasChildren.
				WithMessagef("backup %s has %d dependent backup(s)", id.ShortID(), len(children)).
				WithDetail("children", ids)
		}
		for _, child := range children {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := e.DeleteBackup(ctx, child, true); err != nil {
				return err
			}
		}
	}

	if err := os.RemoveAll(m.StorageDir); err != nil {
		return errclass.ErrDeleteFailed.WithMessagef("delete backup %s", id.ShortID()).Wrap(err)
	}
	e.mu.Lock()
	delete(e.manifests, id)
	e.mu.Unlock()

	e.log.Info("backup deleted", "backup_id", string(id), "name", m.Name, "cascade", cascade)
	e.record(model.EventBackupDelete, string(id), map[string]any{"name": m.Name, "source": m.SourcePath, "cascade": cascade})
	return nil
}

// CleanupOld applies the retention policy to the backups of source. A
// backup that a retained backup depends on is never deleted. cb may be nil.
func (e *Engine) CleanupOld(ctx context.Context, source string, keepCount int, minAge time.Duration, cb progress.Callback) ([]model.BackupID, error) {
	manifests := e.List(source)
	items := make([]gc.Item, len(manifests))
	for i, m := range manifests {
		items[i] = gc.Item{ID: string(m.ID), CreatedAt: m.CreatedAt, ParentID: string(m.ParentID)}
	}
	plan, err := gc.Plan(items, model.RetentionPolicy{KeepCount: keepCount, MinAge: minAge}, e.clock.Now())
	if err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessage(err.Error())
	}

	// Dependents go before the backups they depend on.
	order := append([]string(nil), plan.ToDelete...)
	depth := make(map[string]int, len(order))
	for _, id := range order {
		depth[id] = e.depth(model.BackupID(id))
	}
	sort.SliceStable(order, func(i, j int) bool { return depth[order[i]] > depth[order[j]] })

	done, err := gc.Run(ctx, "Deleting backups", order, func(ctx context.Context, id string) error {
		return e.DeleteBackup(ctx, model.BackupID(id), false)
	}, cb)
	deleted := make([]model.BackupID, len(done))
	for i, id := range done {
		deleted[i] = model.BackupID(id)
	}

	e.metrics.RecordCleanup("backup", len(deleted))
	if len(deleted) > 0 {
		e.log.Info("backup retention applied", "source", source, "deleted", len(deleted), "protected", len(plan.Protected))
		e.record(model.EventRetentionRun, source, map[string]any{"kind": "backup", "deleted": done, "protected": plan.Protected})
	}
	return deleted, err
}

func (e *Engine) depth(id model.BackupID) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	d := 0
	seen := map[model.BackupID]bool{}
	for m, ok := e.manifests[id]; ok && m.ParentID != "" && !seen[m.ID]; m, ok = e.manifests[m.ParentID] {
		seen[m.ID] = true
		d++
	}
	return d
}
