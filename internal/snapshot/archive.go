package snapshot

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/compression"
	"github.com/ckpt-project/ckpt/internal/integrity"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/jsonutil"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
)

// openSourceFile opens a regular file for archiving.
var openSourceFile = os.Open

// ArchiveOptions configures CreateArchive.
type ArchiveOptions struct {
	// Format defaults to tar.gz.
	Format model.ArchiveFormat
	// Exclude holds patterns matched against path segments, or against the
	// whole relative path when the pattern contains a slash.
	Exclude []string
}

type treeStats struct {
	files int
	bytes int64
}

// CreateArchive captures source into a single archive file. On any failure
// the snapshot directory is removed and no record is kept.
func (s *Snapshotter) CreateArchive(ctx context.Context, source, name string, opts ArchiveOptions) (rec *model.SnapshotRecord, err error) {
	format := opts.Format
	if format == "" {
		format = model.FormatTarGz
	}
	ctx, span := tracer.Start(ctx, "snapshot.CreateArchive", trace.WithAttributes(
		attribute.String("snapshot.source", source),
		attribute.String("snapshot.format", string(format)),
	))
	defer func() {
		endSpan(span, err)
		span.End()
	}()

	codec, err := compression.NewCodec(format, s.level)
	if err != nil {
		return nil, err
	}
	src, err := s.checkSource(source)
	if err != nil {
		return nil, err
	}
	name = defaultName(name, src)

	release, err := s.locks.Acquire(src)
	if err != nil {
		return nil, errclass.ErrSnapshotFailed.WithMessage("acquire source lock").Wrap(err)
	}
	defer release()

	start := s.clock.Now()
	id := model.NewSnapshotID()
	dir := s.snapshotDir(name, id)
	log := s.log.With("snapshot_id", string(id), "source", src, "format", string(format))

	defer func() {
		if err != nil {
			os.RemoveAll(dir)
			s.metrics.RecordSnapshot(string(format), false, s.clock.Now().Sub(start), 0)
			log.Error("archive snapshot failed", "error", err)
			err = errclass.ErrSnapshotFailed.WithMessagef("archive %s", src).Wrap(err)
		}
	}()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}

	archivePath := filepath.Join(dir, "archive"+format.Extension())
	sum, stats, err := s.writeArchive(ctx, src, dir, archivePath, codec, s.excludes(src, opts.Exclude))
	if err != nil {
		return nil, err
	}

	rec = &model.SnapshotRecord{
		ID:               id,
		Name:             name,
		SourcePath:       src,
		ArchivePath:      archivePath,
		Format:           format,
		CreatedAt:        start.UTC(),
		SizeBytes:        sum.Size(),
		SourceBytes:      stats.bytes,
		Checksum:         sum.Sum(),
		CompressionRatio: 1.0,
		FileCount:        stats.files,
	}
	if format.Compressed() && stats.bytes > 0 {
		rec.CompressionRatio = float64(rec.SizeBytes) / float64(stats.bytes)
	}
	if err := jsonutil.WriteFile(filepath.Join(dir, RecordFile), rec); err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}
	s.put(rec)

	elapsed := s.clock.Now().Sub(start)
	s.metrics.RecordSnapshot(string(format), true, elapsed, rec.SizeBytes)
	log.Info("archive snapshot created",
		"name", name,
		"files", rec.FileCount,
		"size_bytes", rec.SizeBytes,
		"ratio", rec.CompressionRatio,
		"duration", elapsed)
	s.record(model.EventSnapshotCreate, string(id), map[string]any{
		"name":     name,
		"source":   src,
		"format":   string(format),
		"checksum": string(rec.Checksum),
	})

	c := *rec
	return &c, nil
}

// writeArchive streams the tar of src through codec into a temp file in
// dir and renames it to archivePath once complete.
func (s *Snapshotter) writeArchive(ctx context.Context, src, dir, archivePath string, codec *compression.Codec, exclude *pathutil.Matcher) (*integrity.Checksummer, treeStats, error) {
	tmp, err := os.CreateTemp(dir, fsutil.TempPrefix+"*")
	if err != nil {
		return nil, treeStats{}, fmt.Errorf("create temp archive: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	sum := integrity.NewChecksummer()
	cw, err := codec.NewWriter(io.MultiWriter(tmp, sum))
	if err != nil {
		return nil, treeStats{}, fmt.Errorf("open %s writer: %w", codec.Format, err)
	}
	tw := tar.NewWriter(cw)

	stats, err := s.writeTar(ctx, src, tw, exclude)
	if err != nil {
		return nil, treeStats{}, err
	}
	if err := tw.Close(); err != nil {
		return nil, treeStats{}, fmt.Errorf("finish tar stream: %w", err)
	}
	if err := cw.Close(); err != nil {
		return nil, treeStats{}, fmt.Errorf("finish %s stream: %w", codec.Format, err)
	}
	if err := tmp.Sync(); err != nil {
		return nil, treeStats{}, fmt.Errorf("fsync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, treeStats{}, fmt.Errorf("close archive: %w", err)
	}
	if err := fsutil.RenameAndSync(tmpPath, archivePath); err != nil {
		return nil, treeStats{}, err
	}
	committed = true
	return sum, stats, nil
}

// writeTar writes every entry under src to tw with names relative to src.
// The root itself is written as "./" so its mode survives a restore.
func (s *Snapshotter) writeTar(ctx context.Context, src string, tw *tar.Writer, exclude *pathutil.Matcher) (treeStats, error) {
	var stats treeStats
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel != "." && exclude.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var link string
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			if link, err = os.Readlink(path); err != nil {
				return fmt.Errorf("readlink %s: %w", rel, err)
			}
		case info.IsDir(), info.Mode().IsRegular():
		default:
			s.log.Debug("skipping special file", "path", rel, "mode", info.Mode().String())
			return nil
		}

		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return fmt.Errorf("tar header %s: %w", rel, err)
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
			if rel == "." {
				hdr.Name = "./"
			}
		}
		hdr.Uname, hdr.Gname = "", ""
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header %s: %w", rel, err)
		}

		if info.Mode().IsRegular() {
			n, err := copySourceFile(path, tw)
			if err != nil {
				return fmt.Errorf("archive %s: %w", rel, err)
			}
			stats.files++
			stats.bytes += n
		}
		return nil
	})
	return stats, err
}

func copySourceFile(path string, w io.Writer) (int64, error) {
	f, err := openSourceFile(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(w, f)
}
