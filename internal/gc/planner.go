// Package gc plans and runs retention cleanup for snapshots and backups.
package gc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

// Item is one retention candidate. ParentID links incremental backups to
// the backup they depend on and is empty for snapshots.
type Item struct {
	ID        string
	CreatedAt time.Time
	ParentID  string
}

// Plan computes what a retention policy removes from items. The newest
// KeepCount items are kept. Older items are deleted once they are at least
// MinAge old, except ancestors of anything retained, which are protected.
// ToDelete is ordered oldest first.
func Plan(items []Item, policy model.RetentionPolicy, now time.Time) (*model.CleanupPlan, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	sorted := make([]Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	byID := make(map[string]Item, len(sorted))
	for _, it := range sorted {
		byID[it.ID] = it
	}

	retained := make(map[string]bool)
	candidates := make(map[string]bool)
	for i, it := range sorted {
		if i < policy.KeepCount || now.Sub(it.CreatedAt) < policy.MinAge {
			retained[it.ID] = true
		} else {
			candidates[it.ID] = true
		}
	}

	protected := make(map[string]bool)
	for id := range retained {
		seen := map[string]bool{id: true}
		for parent := byID[id].ParentID; parent != "" && !seen[parent]; parent = byID[parent].ParentID {
			seen[parent] = true
			if candidates[parent] {
				protected[parent] = true
			}
		}
	}

	plan := &model.CleanupPlan{
		Policy:   policy,
		Keep:     []string{},
		ToDelete: []string{},
	}
	for i := len(sorted) - 1; i >= 0; i-- {
		id := sorted[i].ID
		switch {
		case retained[id]:
			plan.Keep = append(plan.Keep, id)
		case protected[id]:
			plan.Protected = append(plan.Protected, id)
		default:
			plan.ToDelete = append(plan.ToDelete, id)
		}
	}
	return plan, nil
}

// DeleteFunc removes one item by ID.
type DeleteFunc func(ctx context.Context, id string) error

// Run deletes ids in order, reporting each attempt to cb under op. A failed
// deletion does not stop the run; the returned error joins every failure.
func Run(ctx context.Context, op string, ids []string, del DeleteFunc, cb progress.Callback) ([]string, error) {
	deleted := make([]string, 0, len(ids))
	prog := progress.New(op, len(ids), cb)
	var errs []error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		err := del(ctx, id)
		prog.Increment(id)
		if err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", id, err))
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted, errors.Join(errs...)
}
