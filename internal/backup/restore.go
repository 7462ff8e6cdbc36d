package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/restore"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

// RestoreOptions configures RestoreBackup.
type RestoreOptions struct {
	// NoChain restores only the files stored by the backup itself.
	NoChain bool
	// Overlay writes over the existing destination instead of replacing it.
	Overlay bool
	// Progress is told about every restored file. May be nil.
	Progress progress.Callback
}

// storedFile is where the content of one indexed path lives.
type storedFile struct {
	path string
	rec  *model.FileRecord
}

// RestoreBackup reconstructs backup id at dest. Every path in the backup's
// index is resolved to the newest stored copy along its chain before any
// write; a path that cannot be resolved fails the restore. A storage root
// inside dest is left untouched.
func (e *Engine) RestoreBackup(ctx context.Context, id model.BackupID, dest string, opts RestoreOptions) (err error) {
	ctx, span := tracer.Start(ctx, "backup.Restore", trace.WithAttributes(
		attribute.String("backup.id", string(id)),
		attribute.String("restore.dest", dest),
		attribute.Bool("restore.no_chain", opts.NoChain),
	))
	defer func() {
		endSpan(span, err)
		span.End()
	}()

	target, err := e.Get(id)
	if err != nil {
		return err
	}
	if dest == "" {
		return errclass.ErrRestoreFailed.WithMessage("destination is empty")
	}
	dest = cleanPath(dest)
	if _, inside := pathutil.Within(e.root, dest); inside {
		return errclass.ErrPathEscape.WithMessagef("destination %s lies inside the storage root", dest).WithDetail("root", e.root)
	}
	log := e.log.With("backup_id", string(id), "dest", dest)

	var sources map[string]storedFile
	if opts.NoChain {
		sources = ownFiles(target)
	} else if sources, err = e.resolveChain(target); err != nil {
		log.Error("refusing restore of broken chain", "error", err)
		return err
	}

	start := e.clock.Now()
	defer func() {
		e.metrics.RecordRestore("backup", err == nil, e.clock.Now().Sub(start))
	}()

	out, err := restore.Open(dest, opts.Overlay)
	if err != nil {
		return errclass.ErrRestoreFailed.Wrap(err)
	}
	out.Keep(e.root)
	prog := progress.New("Restoring", len(sources), opts.Progress)
	for _, p := range target.Files.Paths() {
		sf, ok := sources[p]
		if !ok || out.Skips(p) {
			continue
		}
		if err := ctx.Err(); err != nil {
			out.Abort()
			return errclass.ErrRestoreFailed.Wrap(err)
		}
		if err := writeFile(out.Dir(), p, sf.path, target.Files[p]); err != nil {
			out.Abort()
			log.Error("restore failed", "path", p, "error", err)
			return errclass.ErrRestoreFailed.WithMessagef("restore %s", p).Wrap(err)
		}
		prog.Increment(p)
	}
	if target.RootMode != 0 {
		if err := os.Chmod(out.Dir(), os.FileMode(target.RootMode).Perm()); err != nil {
			out.Abort()
			return errclass.ErrRestoreFailed.WithMessage("set destination mode").Wrap(err)
		}
	}
	prog.Done("restored")
	if err := out.Commit(); err != nil {
		return errclass.ErrRestoreFailed.Wrap(err)
	}

	log.Info("backup restored", "files", len(sources), "no_chain", opts.NoChain, "overlay", opts.Overlay)
	e.record(model.EventBackupRestore, string(id), map[string]any{
		"dest":     dest,
		"files":    len(sources),
		"no_chain": opts.NoChain,
		"overlay":  opts.Overlay,
	})
	return nil
}

func ownFiles(m *model.BackupManifest) map[string]storedFile {
	out := make(map[string]storedFile)
	for p, rec := range m.Files {
		if rec.BackedUp {
			out[p] = storedFile{path: filepath.Join(m.StorageDir, filepath.FromSlash(rec.BackupPath)), rec: rec}
		}
	}
	return out
}

// resolveChain maps every path of target's index to the last stored copy
// along the chain, replayed oldest to newest. Paths deleted by a later
// backup are absent from target's index and so never restored.
func (e *Engine) resolveChain(target *model.BackupManifest) (map[string]storedFile, error) {
	chain, err := e.Chain(target.ID)
	if err != nil {
		return nil, err
	}
	latest := make(map[string]storedFile, len(target.Files))
	for _, m := range chain {
		for p, sf := range ownFiles(m) {
			if _, wanted := target.Files[p]; wanted {
				latest[p] = sf
			}
		}
	}

	for _, p := range target.Files.Paths() {
		sf, ok := latest[p]
		if !ok {
			return nil, errclass.ErrChainBroken.
				WithMessagef("no backup in the chain of %s stores %s", target.ID.ShortID(), p).
				WithDetail("path", p)
		}
		if _, err := os.Stat(sf.path); err != nil {
			return nil, errclass.ErrChainBroken.
				WithMessagef("stored copy of %s is missing", p).
				WithDetail("path", p).
				WithDetail("stored_path", sf.path)
		}
	}
	return latest, nil
}

func writeFile(root, rel, src string, rec *model.FileRecord) error {
	dst, err := pathutil.SafeJoin(root, rel)
	if err != nil {
		return err
	}
	if _, err := fsutil.CopyFile(src, dst, os.FileMode(rec.Mode), rec.ModTime, nil); err != nil {
		return err
	}
	if err := os.Chmod(dst, os.FileMode(rec.Mode).Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", rel, err)
	}
	return nil
}
