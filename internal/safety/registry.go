// Package safety runs the pre-flight checks that gate a rollback.
package safety

import (
	"context"
	"fmt"
	"sync"

	"github.com/ckpt-project/ckpt/pkg/model"
)

// Checker evaluates one safety check against a rollback point.
type Checker interface {
	Check(ctx context.Context, point *model.RollbackPoint) model.SafetyCheck
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, point *model.RollbackPoint) model.SafetyCheck

func (f CheckerFunc) Check(ctx context.Context, point *model.RollbackPoint) model.SafetyCheck {
	return f(ctx, point)
}

// Registry maps check kinds to checkers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	checkers map[model.SafetyCheckKind]Checker
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[model.SafetyCheckKind]Checker)}
}

// Register installs c for kind, replacing any previous checker.
func (r *Registry) Register(kind model.SafetyCheckKind, c Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checkers[kind] = c
}

// Unregister removes the checker for kind.
func (r *Registry) Unregister(kind model.SafetyCheckKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.checkers, kind)
}

// Kinds returns the registered kinds in evaluation order.
func (r *Registry) Kinds() []model.SafetyCheckKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var kinds []model.SafetyCheckKind
	for _, k := range model.SafetyCheckKinds() {
		if _, ok := r.checkers[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// Run evaluates every registered checker in kind order. A checker that
// panics produces a failed check; evaluation continues with the next kind.
func (r *Registry) Run(ctx context.Context, point *model.RollbackPoint) []model.SafetyCheck {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	type entry struct {
		kind model.SafetyCheckKind
		c    Checker
	}
	var entries []entry
	for _, k := range model.SafetyCheckKinds() {
		if c, ok := r.checkers[k]; ok {
			entries = append(entries, entry{k, c})
		}
	}
	r.mu.RUnlock()

	results := make([]model.SafetyCheck, 0, len(entries))
	for _, e := range entries {
		results = append(results, runOne(ctx, e.kind, e.c, point))
	}
	return results
}

func runOne(ctx context.Context, kind model.SafetyCheckKind, c Checker, point *model.RollbackPoint) (check model.SafetyCheck) {
	defer func() {
		if r := recover(); r != nil {
			check = model.SafetyCheck{
				Kind:    kind,
				Passed:  false,
				Message: fmt.Sprintf("check panicked: %v", r),
			}
		}
	}()
	check = c.Check(ctx, point)
	check.Kind = kind
	return check
}

// AllPassed reports whether every check passed.
func AllPassed(checks []model.SafetyCheck) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}
