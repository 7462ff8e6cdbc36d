package backup

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/ckpt-project/ckpt/internal/integrity"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
)

// Scan indexes every regular file under source. Excluded directories are
// skipped as a whole. Files are hashed concurrently, bounded by the
// engine's worker count. The storage root is never indexed.
func (e *Engine) Scan(ctx context.Context, source string, exclude *pathutil.Matcher) (model.FileIndex, error) {
	src, err := e.checkSource(source)
	if err != nil {
		return nil, err
	}
	exclude = e.excludes(src, exclude)

	var records []*model.FileRecord
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == src {
			return nil
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if exclude.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		records = append(records, &model.FileRecord{
			Path:    filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime().UTC(),
			Mode:    uint32(info.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", src, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, rec := range records {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			hash, _, err := integrity.ContentHash(filepath.Join(src, filepath.FromSlash(rec.Path)))
			if err != nil {
				return err
			}
			rec.Hash = hash
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hash %s: %w", src, err)
	}

	index := make(model.FileIndex, len(records))
	for _, rec := range records {
		index[rec.Path] = rec
	}
	return index, nil
}
