package fsutil

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// CopyFile copies src to dst, creating parent directories. When tee is not
// nil every byte written to dst is also written to tee. The copy is synced
// and dst receives modTime when it is non-zero.
func CopyFile(src, dst string, perm os.FileMode, modTime time.Time, tee io.Writer) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open src: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return 0, fmt.Errorf("create parent: %w", err)
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm.Perm())
	if err != nil {
		return 0, fmt.Errorf("create dst: %w", err)
	}

	var w io.Writer = out
	if tee != nil {
		w = io.MultiWriter(out, tee)
	}
	n, err := io.Copy(w, in)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("copy: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, fmt.Errorf("sync: %w", err)
	}
	if err := out.Close(); err != nil {
		return n, fmt.Errorf("close: %w", err)
	}
	if !modTime.IsZero() {
		if err := os.Chtimes(dst, modTime, modTime); err != nil {
			return n, fmt.Errorf("chtimes: %w", err)
		}
	}
	return n, nil
}

// DirSize returns the total size of regular files under root.
func DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
