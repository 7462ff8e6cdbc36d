package ckpt

import (
	"context"
	"slices"

	"github.com/ckpt-project/ckpt/internal/backup"
	"github.com/ckpt-project/ckpt/internal/snapshot"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

// SnapshotOptions configures snapshot creation.
type SnapshotOptions struct {
	Name string
	// Format defaults to the configured snapshot format.
	Format model.ArchiveFormat
	// Exclude is added to the configured exclusion patterns.
	Exclude []string
	// Parent is a mirror snapshot whose unchanged files are hard-linked.
	// Only used for mirror snapshots.
	Parent string
}

// CreateSnapshot snapshots the directory tree at source.
func (c *Client) CreateSnapshot(ctx context.Context, source string, opts SnapshotOptions) (*model.SnapshotRecord, error) {
	format := opts.Format
	if format == "" {
		format = c.cfg.Format()
	}
	exclude := slices.Concat(c.cfg.Snapshot.Exclude, opts.Exclude)

	if format != model.FormatMirror {
		if opts.Parent != "" {
			return nil, errclass.ErrFormatUnsupported.WithMessage("a parent snapshot only applies to mirror snapshots")
		}
		return c.snapshots.CreateArchive(ctx, source, opts.Name, snapshot.ArchiveOptions{Format: format, Exclude: exclude})
	}

	mopts := snapshot.MirrorOptions{Exclude: exclude}
	if opts.Parent != "" {
		parent, err := c.snapshots.Resolve(opts.Parent)
		if err != nil {
			return nil, err
		}
		if mopts.ParentPath, err = c.snapshots.MirrorPath(parent.ID); err != nil {
			return nil, err
		}
	}
	return c.snapshots.CreateMirror(ctx, source, opts.Name, mopts)
}

// RestoreOptions configures snapshot and backup restores.
type RestoreOptions struct {
	// Dest defaults to the path the artifact was taken from.
	Dest string
	// Overlay writes over the destination instead of replacing it.
	Overlay bool
	// NoVerify skips the snapshot checksum check.
	NoVerify bool
	// NoChain restores only the files a backup stores itself.
	NoChain bool
	// Progress follows a backup restore file by file. May be nil.
	Progress progress.Callback
}

// RestoreSnapshot restores the snapshot matching query.
func (c *Client) RestoreSnapshot(ctx context.Context, query string, opts RestoreOptions) (*model.SnapshotRecord, error) {
	rec, err := c.snapshots.Resolve(query)
	if err != nil {
		return nil, err
	}
	dest := opts.Dest
	if dest == "" {
		dest = rec.SourcePath
	}
	err = c.snapshots.Restore(ctx, rec.ID, dest, snapshot.RestoreOptions{NoVerify: opts.NoVerify, Overlay: opts.Overlay})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Snapshot returns the snapshot matching query: a full ID, a unique ID
// prefix or a unique name.
func (c *Client) Snapshot(query string) (*model.SnapshotRecord, error) {
	return c.snapshots.Resolve(query)
}

// Snapshots lists the snapshots of source, newest first. An empty source
// lists every snapshot.
func (c *Client) Snapshots(source string) []*model.SnapshotRecord {
	return c.snapshots.List(source)
}

// VerifySnapshot reports whether the snapshot matching query is intact.
func (c *Client) VerifySnapshot(ctx context.Context, query string) (bool, error) {
	rec, err := c.snapshots.Resolve(query)
	if err != nil {
		return false, err
	}
	return c.snapshots.Verify(ctx, rec.ID)
}

// DeleteSnapshot removes the snapshot matching query.
func (c *Client) DeleteSnapshot(ctx context.Context, query string) (*model.SnapshotRecord, error) {
	rec, err := c.snapshots.Resolve(query)
	if err != nil {
		return nil, err
	}
	if err := c.snapshots.Delete(ctx, rec.ID); err != nil {
		return nil, err
	}
	return rec, nil
}

// BackupOptions configures backup creation.
type BackupOptions struct {
	Name string
	// Parent is the backup the new one is incremental to.
	Parent string
	// Incremental uses the newest backup of the same source as the parent
	// when Parent is empty. Without one, a full backup is taken.
	Incremental bool
	// Exclude is added to the configured exclusion patterns.
	Exclude []string
	// Progress follows the stored files. May be nil.
	Progress progress.Callback
}

// CreateBackup backs up the directory tree at source.
func (c *Client) CreateBackup(ctx context.Context, source string, opts BackupOptions) (*model.BackupManifest, error) {
	copts := backup.CreateOptions{
		Exclude:  slices.Concat(c.cfg.Backup.Exclude, opts.Exclude),
		Progress: opts.Progress,
	}
	switch {
	case opts.Parent != "":
		parent, err := c.backups.Resolve(opts.Parent)
		if err != nil {
			return nil, err
		}
		copts.ParentID = parent.ID
	case opts.Incremental:
		if latest := c.backups.List(source); len(latest) > 0 {
			copts.ParentID = latest[0].ID
		}
	}
	return c.backups.CreateBackup(ctx, source, opts.Name, copts)
}

// RestoreBackup restores the backup matching query, reconstructing its
// chain unless NoChain is set.
func (c *Client) RestoreBackup(ctx context.Context, query string, opts RestoreOptions) (*model.BackupManifest, error) {
	m, err := c.backups.Resolve(query)
	if err != nil {
		return nil, err
	}
	dest := opts.Dest
	if dest == "" {
		dest = m.SourcePath
	}
	err = c.backups.RestoreBackup(ctx, m.ID, dest, backup.RestoreOptions{
		NoChain:  opts.NoChain,
		Overlay:  opts.Overlay,
		Progress: opts.Progress,
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Backup returns the backup matching query.
func (c *Client) Backup(query string) (*model.BackupManifest, error) {
	return c.backups.Resolve(query)
}

// Backups lists the backups of source, newest first.
func (c *Client) Backups(source string) []*model.BackupManifest {
	return c.backups.List(source)
}

// BackupChain returns the chain ending at the backup matching query,
// oldest first.
func (c *Client) BackupChain(query string) ([]*model.BackupManifest, error) {
	m, err := c.backups.Resolve(query)
	if err != nil {
		return nil, err
	}
	return c.backups.Chain(m.ID)
}

// VerifyBackup checks the backup matching query. It returns the problems
// found; an empty list means the backup is intact.
func (c *Client) VerifyBackup(ctx context.Context, query string, deep bool) ([]string, error) {
	m, err := c.backups.Resolve(query)
	if err != nil {
		return nil, err
	}
	return c.backups.Problems(ctx, m.ID, backup.VerifyOptions{Deep: deep})
}

// DeleteBackup removes the backup matching query. Backups other backups
// depend on are only removed with cascade, together with their dependents.
func (c *Client) DeleteBackup(ctx context.Context, query string, cascade bool) (*model.BackupManifest, error) {
	m, err := c.backups.Resolve(query)
	if err != nil {
		return nil, err
	}
	if err := c.backups.DeleteBackup(ctx, m.ID, cascade); err != nil {
		return nil, err
	}
	return m, nil
}
