package snapshot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/engine"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/jsonutil"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// MirrorOptions configures CreateMirror.
type MirrorOptions struct {
	// ParentPath is the tree of a previous mirror. Unchanged regular files
	// are hard-linked against it instead of copied.
	ParentPath string
	Exclude    []string
}

// CreateMirror copies source into a plain directory tree. Mirrors carry no
// checksum; they verify by existence.
func (s *Snapshotter) CreateMirror(ctx context.Context, source, name string, opts MirrorOptions) (rec *model.SnapshotRecord, err error) {
	ctx, span := tracer.Start(ctx, "snapshot.CreateMirror", trace.WithAttributes(
		attribute.String("snapshot.source", source),
		attribute.String("snapshot.link_dest", opts.ParentPath),
	))
	defer func() {
		endSpan(span, err)
		span.End()
	}()

	src, err := s.checkSource(source)
	if err != nil {
		return nil, err
	}
	name = defaultName(name, src)
	if opts.ParentPath != "" {
		if info, statErr := os.Stat(opts.ParentPath); statErr != nil || !info.IsDir() {
			return nil, errclass.ErrSnapshotNotFound.WithMessagef("link-dest %s is not a mirror tree", opts.ParentPath)
		}
	}

	release, err := s.locks.Acquire(src)
	if err != nil {
		return nil, errclass.ErrSnapshotFailed.WithMessage("acquire source lock").Wrap(err)
	}
	defer release()

	start := s.clock.Now()
	id := model.NewSnapshotID()
	dir := s.snapshotDir(name, id)
	log := s.log.With("snapshot_id", string(id), "source", src, "format", string(model.FormatMirror))

	defer func() {
		if err != nil {
			os.RemoveAll(dir)
			s.metrics.RecordSnapshot(string(model.FormatMirror), false, s.clock.Now().Sub(start), 0)
			log.Error("mirror snapshot failed", "error", err)
			err = errclass.ErrSnapshotFailed.WithMessagef("mirror %s", src).Wrap(err)
		}
	}()

	tree := filepath.Join(dir, TreeDir)
	result, err := s.engine.Clone(ctx, src, tree, engine.CloneOptions{
		Exclude:  s.excludes(src, opts.Exclude),
		LinkDest: opts.ParentPath,
	})
	if err != nil {
		return nil, fmt.Errorf("copy tree: %w", err)
	}
	for _, d := range result.Degradations {
		log.Warn("mirror degraded", "degradation", d)
	}

	rec = &model.SnapshotRecord{
		ID:               id,
		Name:             name,
		SourcePath:       src,
		ArchivePath:      tree,
		Format:           model.FormatMirror,
		CreatedAt:        start.UTC(),
		SizeBytes:        result.Bytes - result.LinkedBytes,
		SourceBytes:      result.Bytes,
		CompressionRatio: 1.0,
		FileCount:        result.Files,
		LinkDest:         opts.ParentPath,
	}
	if err := jsonutil.WriteFile(filepath.Join(dir, RecordFile), rec); err != nil {
		return nil, fmt.Errorf("write record: %w", err)
	}
	s.put(rec)

	elapsed := s.clock.Now().Sub(start)
	s.metrics.RecordSnapshot(string(model.FormatMirror), true, elapsed, rec.SizeBytes)
	log.Info("mirror snapshot created",
		"name", name,
		"files", result.Files,
		"linked", result.Linked,
		"duration", elapsed)
	s.record(model.EventSnapshotCreate, string(id), map[string]any{
		"name":      name,
		"source":    src,
		"format":    string(model.FormatMirror),
		"link_dest": opts.ParentPath,
	})

	c := *rec
	return &c, nil
}
