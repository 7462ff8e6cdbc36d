package engine

import (
	"context"
	"fmt"
	"os"

	"github.com/ckpt-project/ckpt/pkg/fsutil"
)

// CopyEngine performs a full recursive copy of directories.
type CopyEngine struct{}

// NewCopyEngine creates a new CopyEngine.
func NewCopyEngine() *CopyEngine {
	return &CopyEngine{}
}

// Name returns the engine type.
func (e *CopyEngine) Name() Type {
	return TypeCopy
}

// Clone recursively copies src to dst.
func (e *CopyEngine) Clone(ctx context.Context, src, dst string, opts CloneOptions) (*CloneResult, error) {
	return cloneTree(ctx, src, dst, opts, copyFile)
}

func copyFile(src, dst string, info os.FileInfo, _ *CloneResult) error {
	if _, err := fsutil.CopyFile(src, dst, info.Mode(), info.ModTime(), nil); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return os.Chmod(dst, info.Mode().Perm())
}
