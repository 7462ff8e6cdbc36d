package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/diff"
	"github.com/ckpt-project/ckpt/internal/integrity"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/jsonutil"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

// CreateOptions configures CreateBackup.
type CreateOptions struct {
	// ParentID makes the backup incremental against an existing backup.
	// Empty creates a full backup.
	ParentID model.BackupID
	Exclude  []string
	// Progress is told about every stored file. May be nil.
	Progress progress.Callback
}

// CreateBackup scans source and stores every file that is new or modified
// relative to the parent backup. The manifest always holds the complete
// index. On failure the storage directory is removed.
func (e *Engine) CreateBackup(ctx context.Context, source, name string, opts CreateOptions) (m *model.BackupManifest, err error) {
	ctx, span := tracer.Start(ctx, "backup.Create", trace.WithAttributes(
		attribute.String("backup.source", source),
		attribute.String("backup.parent", string(opts.ParentID)),
	))
	defer func() {
		endSpan(span, err)
		span.End()
	}()

	src, err := e.checkSource(source)
	if err != nil {
		return nil, err
	}
	srcInfo, err := os.Stat(src)
	if err != nil {
		return nil, errclass.ErrSourceNotFound.Wrap(err)
	}
	var parent *model.BackupManifest
	if opts.ParentID != "" {
		if parent, err = e.Get(opts.ParentID); err != nil {
			return nil, err
		}
		if parent.SourcePath != src {
			e.log.Warn("parent backup was taken from a different source",
				"parent_id", string(parent.ID), "parent_source", parent.SourcePath, "source", src)
		}
	}
	if name == "" {
		name = filepath.Base(src)
	}

	release, err := e.locks.Acquire(src)
	if err != nil {
		return nil, errclass.ErrBackupFailed.WithMessage("acquire source lock").Wrap(err)
	}
	defer release()

	start := e.clock.Now()
	id := model.NewBackupID()
	dir := filepath.Join(e.dir, pathutil.SanitizeName(name)+"_"+string(id))
	log := e.log.With("backup_id", string(id), "source", src, "parent_id", string(opts.ParentID))

	defer func() {
		if err != nil {
			os.RemoveAll(dir)
			e.metrics.RecordBackup(opts.ParentID == "", false, e.clock.Now().Sub(start), 0)
			log.Error("backup failed", "error", err)
			err = errclass.ErrBackupFailed.WithMessagef("backup %s", src).Wrap(err)
		}
	}()

	if err := os.MkdirAll(filepath.Join(dir, FilesDir), 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}

	index, err := e.Scan(ctx, src, pathutil.NewMatcher(opts.Exclude))
	if err != nil {
		return nil, err
	}
	var previous model.FileIndex
	if parent != nil {
		previous = parent.Files
	}
	changes := diff.Compute(index, previous)
	changed := changes.Changed()
	prog := progress.New("Storing", len(changed), opts.Progress)

	var stored int64
	for _, p := range index.Paths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := index[p]
		if !changed[p] {
			continue
		}
		rel := path.Join(FilesDir, p)
		hasher := integrity.NewContentHasher()
		n, err := fsutil.CopyFile(
			filepath.Join(src, filepath.FromSlash(p)),
			filepath.Join(dir, filepath.FromSlash(rel)),
			os.FileMode(rec.Mode), rec.ModTime, hasher)
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", p, err)
		}
		rec.Hash = hasher.Sum()
		rec.Size = n
		rec.BackedUp = true
		rec.BackupPath = rel
		stored += n
		prog.Increment(p)
	}
	prog.Done("stored")

	m = &model.BackupManifest{
		ID:            id,
		Name:          name,
		SourcePath:    src,
		StorageDir:    dir,
		CreatedAt:     start.UTC(),
		ParentID:      opts.ParentID,
		Files:         index,
		NewFiles:      len(changes.New),
		ModifiedFiles: len(changes.Modified),
		DeletedFiles:  len(changes.Deleted),
		TotalSize:     stored,
		RootMode:      uint32(srcInfo.Mode().Perm()),
	}
	if err := jsonutil.WriteFile(filepath.Join(dir, ManifestFile), m); err != nil {
		return nil, fmt.Errorf("write manifest: %w", err)
	}

	e.mu.Lock()
	e.manifests[id] = m
	e.mu.Unlock()

	elapsed := e.clock.Now().Sub(start)
	e.metrics.RecordBackup(m.IsFull(), true, elapsed, stored)
	log.Info("backup created",
		"name", name,
		"files", len(index),
		"new", m.NewFiles,
		"modified", m.ModifiedFiles,
		"deleted", m.DeletedFiles,
		"stored_bytes", stored,
		"duration", elapsed)
	e.record(model.EventBackupCreate, string(id), map[string]any{
		"name":      name,
		"source":    src,
		"parent_id": string(opts.ParentID),
		"new":       m.NewFiles,
		"modified":  m.ModifiedFiles,
		"deleted":   m.DeletedFiles,
	})
	return cloneManifest(m), nil
}
