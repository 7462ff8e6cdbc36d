package snapshot

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/compression"
	"github.com/ckpt-project/ckpt/internal/engine"
	"github.com/ckpt-project/ckpt/internal/integrity"
	"github.com/ckpt-project/ckpt/internal/restore"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
)

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// NoVerify skips the integrity check before extraction.
	NoVerify bool
	// Overlay writes over the existing destination instead of replacing it.
	Overlay bool
}

// Verify reports whether a snapshot is intact: the archive checksum matches
// for archives with a checksum, and the archive or tree exists otherwise.
func (s *Snapshotter) Verify(ctx context.Context, id model.SnapshotID) (bool, error) {
	_, span := tracer.Start(ctx, "snapshot.Verify", trace.WithAttributes(attribute.String("snapshot.id", string(id))))
	defer span.End()

	err := s.Check(ctx, id)
	if err == nil {
		return true, nil
	}
	if errclass.KindOf(err) == errclass.KindIntegrityFailure {
		s.log.Warn("snapshot failed verification", "snapshot_id", string(id), "error", err)
		return false, nil
	}
	return false, err
}

// Check returns nil when snapshot id is intact, and the integrity error
// describing the problem otherwise.
func (s *Snapshotter) Check(ctx context.Context, id model.SnapshotID) error {
	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	return verifyRecord(rec)
}

// verifyRecord returns nil when rec's stored data is intact, and an
// integrity-class error describing the problem otherwise.
func verifyRecord(rec *model.SnapshotRecord) error {
	info, err := os.Stat(rec.ArchivePath)
	if err != nil {
		if os.IsNotExist(err) {
			return errclass.ErrVerificationFailed.WithMessagef("snapshot %s data is missing", rec.ID.ShortID()).
				WithDetail("path", rec.ArchivePath)
		}
		return fmt.Errorf("stat snapshot data: %w", err)
	}
	if rec.Format == model.FormatMirror {
		if !info.IsDir() {
			return errclass.ErrVerificationFailed.WithMessagef("mirror %s is not a directory", rec.ID.ShortID())
		}
		return nil
	}
	if !rec.HasChecksum() {
		return nil
	}
	actual, err := integrity.FileChecksum(rec.ArchivePath)
	if err != nil {
		return err
	}
	if actual != rec.Checksum {
		return errclass.ErrChecksumMismatch.
			WithMessagef("snapshot %s archive is corrupt", rec.ID.ShortID()).
			WithDetail("expected", string(rec.Checksum)).
			WithDetail("actual", string(actual))
	}
	return nil
}

// Restore reproduces snapshot id at dest. The snapshot is verified before
// anything is written. In the default mode dest ends up holding exactly the
// snapshot's tree.
func (s *Snapshotter) Restore(ctx context.Context, id model.SnapshotID, dest string, opts RestoreOptions) (err error) {
	ctx, span := tracer.Start(ctx, "snapshot.Restore", trace.WithAttributes(
		attribute.String("snapshot.id", string(id)),
		attribute.String("restore.dest", dest),
		attribute.Bool("restore.overlay", opts.Overlay),
	))
	defer func() {
		endSpan(span, err)
		span.End()
	}()

	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	if dest == "" {
		return errclass.ErrRestoreFailed.WithMessage("destination is empty")
	}
	dest = cleanSource(dest)
	if _, inside := pathutil.Within(s.root, dest); inside {
		return errclass.ErrPathEscape.WithMessagef("destination %s lies inside the storage root", dest).WithDetail("root", s.root)
	}
	log := s.log.With("snapshot_id", string(id), "dest", dest)

	if !opts.NoVerify {
		if err := verifyRecord(rec); err != nil {
			log.Error("refusing restore of unverified snapshot", "error", err)
			return err
		}
	}

	start := s.clock.Now()
	defer func() {
		s.metrics.RecordRestore("snapshot", err == nil, s.clock.Now().Sub(start))
	}()

	target, err := restore.Open(dest, opts.Overlay)
	if err != nil {
		return errclass.ErrRestoreFailed.Wrap(err)
	}
	target.Keep(s.root)
	var files int
	if rec.Format == model.FormatMirror {
		var result *engine.CloneResult
		result, err = s.engine.Clone(ctx, rec.ArchivePath, target.Dir(), engine.CloneOptions{Exclude: target.Kept()})
		if result != nil {
			files = result.Files
		}
	} else {
		files, err = extractArchive(ctx, rec, target.Dir(), target.Kept())
	}
	if err != nil {
		target.Abort()
		log.Error("restore failed", "error", err)
		return errclass.ErrRestoreFailed.WithMessagef("restore snapshot %s", id.ShortID()).Wrap(err)
	}
	if err := target.Commit(); err != nil {
		return errclass.ErrRestoreFailed.Wrap(err)
	}

	log.Info("snapshot restored", "files", files, "overlay", opts.Overlay, "verified", !opts.NoVerify)
	s.record(model.EventSnapshotRestore, string(id), map[string]any{
		"dest":    dest,
		"overlay": opts.Overlay,
		"verify":  !opts.NoVerify,
	})
	return nil
}

func extractArchive(ctx context.Context, rec *model.SnapshotRecord, dest string, skip *pathutil.Matcher) (int, error) {
	codec, err := compression.NewCodec(rec.Format, compression.LevelDefault)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(rec.ArchivePath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	r, err := codec.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("open %s reader: %w", rec.Format, err)
	}
	defer r.Close()
	return extractTar(ctx, tar.NewReader(r), dest, skip)
}

// extractTar unpacks tr under dest. Entries that would land outside dest,
// directly or through a symlink, are rejected; entries matched by skip are
// passed over.
func extractTar(ctx context.Context, tr *tar.Reader, dest string, skip *pathutil.Matcher) (int, error) {
	type dirMeta struct {
		path string
		hdr  *tar.Header
	}
	var dirs []dirMeta
	files := 0

	for {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return files, fmt.Errorf("read tar entry: %w", err)
		}
		if skip.Match(path.Clean(hdr.Name)) {
			continue
		}

		target, err := pathutil.SafeJoin(dest, hdr.Name)
		if err != nil {
			return files, err
		}
		if target != dest {
			if err := pathutil.ValidatePathSafety(dest, filepath.Dir(target)); err != nil {
				return files, err
			}
		}
		mode := hdr.FileInfo().Mode().Perm()

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, fmt.Errorf("mkdir %s: %w", hdr.Name, err)
			}
			dirs = append(dirs, dirMeta{target, hdr})

		case tar.TypeReg:
			if err := writeEntry(tr, target, mode); err != nil {
				return files, fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
			if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
				return files, fmt.Errorf("chtimes %s: %w", hdr.Name, err)
			}
			files++

		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, err
			}
			if err := removeNonDir(target); err != nil {
				return files, err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return files, fmt.Errorf("symlink %s: %w", hdr.Name, err)
			}
		}
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		d := dirs[i]
		if err := os.Chmod(d.path, d.hdr.FileInfo().Mode().Perm()); err != nil {
			return files, fmt.Errorf("chmod %s: %w", d.hdr.Name, err)
		}
		os.Chtimes(d.path, d.hdr.ModTime, d.hdr.ModTime)
	}
	return files, fsutil.FsyncDir(dest)
}

func writeEntry(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return err
	}
	if err := removeNonDir(target); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Chmod(target, mode)
}

// removeNonDir clears a file or symlink occupying target so it is replaced
// rather than written through.
func removeNonDir(target string) error {
	info, err := os.Lstat(target)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", target)
	}
	return os.Remove(target)
}
