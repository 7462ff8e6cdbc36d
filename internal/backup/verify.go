package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/integrity"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// VerifyOptions configures VerifyBackup.
type VerifyOptions struct {
	// Deep recomputes the content hash of every stored file.
	Deep bool
}

// VerifyBackup reports whether the backup's storage directory and every
// file it stores are present, and with Deep, unmodified.
func (e *Engine) VerifyBackup(ctx context.Context, id model.BackupID, opts VerifyOptions) (bool, error) {
	problems, err := e.Problems(ctx, id, opts)
	if err != nil {
		return false, err
	}
	for _, p := range problems {
		e.log.Warn("backup failed verification", "backup_id", string(id), "problem", p)
	}
	return len(problems) == 0, nil
}

// Problems lists every integrity problem found in backup id.
func (e *Engine) Problems(ctx context.Context, id model.BackupID, opts VerifyOptions) ([]string, error) {
	ctx, span := tracer.Start(ctx, "backup.Verify", trace.WithAttributes(
		attribute.String("backup.id", string(id)),
		attribute.Bool("verify.deep", opts.Deep),
	))
	defer span.End()

	m, err := e.Get(id)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(m.StorageDir); err != nil || !info.IsDir() {
		return []string{fmt.Sprintf("storage directory %s is missing", m.StorageDir)}, nil
	}

	var problems []string
	for _, p := range m.Files.Paths() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec := m.Files[p]
		if !rec.BackedUp {
			continue
		}
		stored := filepath.Join(m.StorageDir, filepath.FromSlash(rec.BackupPath))
		info, err := os.Stat(stored)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: stored copy missing", p))
			continue
		}
		if info.Size() != rec.Size {
			problems = append(problems, fmt.Sprintf("%s: size %d, expected %d", p, info.Size(), rec.Size))
			continue
		}
		if opts.Deep {
			hash, _, err := integrity.ContentHash(stored)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", p, err))
				continue
			}
			if hash != rec.Hash {
				problems = append(problems, fmt.Sprintf("%s: hash %s, expected %s", p, hash, rec.Hash))
			}
		}
	}
	return problems, nil
}
