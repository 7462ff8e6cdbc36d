package engine

import (
	"context"
	"os"
)

// ReflinkEngine clones files with copy-on-write reflinks on filesystems
// that support them (btrfs, xfs, bcachefs) and falls back to a regular copy
// per file otherwise.
type ReflinkEngine struct{}

// NewReflinkEngine creates a new ReflinkEngine.
func NewReflinkEngine() *ReflinkEngine {
	return &ReflinkEngine{}
}

// Name returns the engine type.
func (e *ReflinkEngine) Name() Type {
	return TypeReflink
}

// Clone performs a reflink copy if supported, falling back to regular copy.
// The result is marked degraded when any file had to be copied.
func (e *ReflinkEngine) Clone(ctx context.Context, src, dst string, opts CloneOptions) (*CloneResult, error) {
	return cloneTree(ctx, src, dst, opts, func(src, dst string, info os.FileInfo, result *CloneResult) error {
		if err := reflinkFile(src, dst, info); err == nil {
			result.Reflinked++
			return nil
		}
		result.degrade("reflink")
		return copyFile(src, dst, info, result)
	})
}
