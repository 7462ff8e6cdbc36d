package ckpt

import (
	"context"

	"github.com/ckpt-project/ckpt/internal/rollback"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// PointOptions describes a rollback point. Artifacts are referenced by
// query (full ID, ID prefix or name).
type PointOptions struct {
	Name        string
	Description string
	Scope       model.RollbackScope
	Snapshot    string
	Backup      string
	// ConfigFile is a live configuration file. It is copied into the
	// storage root and restored onto the same path.
	ConfigFile string
}

// CreatePoint records a rollback point.
func (c *Client) CreatePoint(ctx context.Context, opts PointOptions) (*model.RollbackPoint, error) {
	popts := rollback.CreatePointOptions{
		Name:        opts.Name,
		Description: opts.Description,
		Scope:       opts.Scope,
	}
	if opts.Snapshot != "" {
		rec, err := c.snapshots.Resolve(opts.Snapshot)
		if err != nil {
			return nil, err
		}
		popts.SnapshotID = rec.ID
	}
	if opts.Backup != "" {
		m, err := c.backups.Resolve(opts.Backup)
		if err != nil {
			return nil, err
		}
		popts.BackupID = m.ID
	}
	if opts.ConfigFile != "" {
		path, err := c.rollback.CaptureConfig(ctx, opts.ConfigFile)
		if err != nil {
			return nil, err
		}
		popts.ConfigBackupPath = path
		popts.ConfigTargetPath = opts.ConfigFile
	}
	return c.rollback.CreatePoint(ctx, popts)
}

// Point returns the point matching query.
func (c *Client) Point(query string) (*model.RollbackPoint, error) {
	return c.rollback.ResolvePoint(query)
}

// Points lists rollback points newest first, optionally filtered by scope.
func (c *Client) Points(scope model.RollbackScope) ([]*model.RollbackPoint, error) {
	return c.rollback.ListPoints(scope)
}

// VerifyPoint checks that every artifact the point references exists.
func (c *Client) VerifyPoint(ctx context.Context, query string) (bool, error) {
	p, err := c.rollback.ResolvePoint(query)
	if err != nil {
		return false, err
	}
	return c.rollback.VerifyPoint(ctx, p.ID)
}

// DeletePoint removes the point matching query. Its artifacts are kept.
func (c *Client) DeletePoint(ctx context.Context, query string) (*model.RollbackPoint, error) {
	p, err := c.rollback.ResolvePoint(query)
	if err != nil {
		return nil, err
	}
	if err := c.rollback.DeletePoint(ctx, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

// SafetyChecks runs the pre-flight checks against the point matching
// query without starting a rollback.
func (c *Client) SafetyChecks(ctx context.Context, query string) ([]model.SafetyCheck, error) {
	p, err := c.rollback.ResolvePoint(query)
	if err != nil {
		return nil, err
	}
	return c.safety.Run(ctx, p), nil
}

// Rollback restores the state captured by the point matching query.
func (c *Client) Rollback(ctx context.Context, query string, opts RollbackOptions) (*model.RollbackOperation, error) {
	p, err := c.rollback.ResolvePoint(query)
	if err != nil {
		return nil, err
	}
	return c.rollback.InitiateRollback(ctx, p.ID, opts)
}

// CancelRollback cancels the operation matching query if it has not
// started restoring.
func (c *Client) CancelRollback(ctx context.Context, query string) (*model.RollbackOperation, error) {
	op, err := c.rollback.ResolveOperation(query)
	if err != nil {
		return nil, err
	}
	return c.rollback.Cancel(ctx, op.ID)
}

// Operation returns the rollback operation matching query (full ID or
// ID prefix).
func (c *Client) Operation(query string) (*model.RollbackOperation, error) {
	return c.rollback.ResolveOperation(query)
}

// Operations lists rollback operations, optionally filtered by state.
func (c *Client) Operations(state model.RollbackState) ([]*model.RollbackOperation, error) {
	return c.rollback.ListOperations(state)
}
