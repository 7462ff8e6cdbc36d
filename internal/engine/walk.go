package engine

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ckpt-project/ckpt/pkg/fsutil"
)

// fileCloner materialises one regular file at dst.
type fileCloner func(src, dst string, info os.FileInfo, result *CloneResult) error

// cloneTree walks src and recreates it under dst using copyFn for regular
// files. Directory modes are applied after their contents are written.
func cloneTree(ctx context.Context, src, dst string, opts CloneOptions, copyFn fileCloner) (*CloneResult, error) {
	result := &CloneResult{}
	seenInodes := make(map[uint64]string)

	type dirMode struct {
		path string
		mode os.FileMode
	}
	var dirs []dirMode

	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		if rel != "." && opts.Exclude.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		dstPath := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case info.IsDir():
			if err := os.MkdirAll(dstPath, 0755); err != nil {
				return fmt.Errorf("mkdir %s: %w", dstPath, err)
			}
			dirs = append(dirs, dirMode{dstPath, info.Mode().Perm()})
			if rel != "." {
				result.Dirs++
			}
			return nil

		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return fmt.Errorf("symlink %s: %w", dstPath, err)
			}
			result.Symlinks++
			return nil

		case info.Mode().IsRegular():
			if ino, ok := fileInode(info); ok {
				if seenInodes[ino] != "" {
					result.degrade("hardlink")
				} else {
					seenInodes[ino] = path
				}
			}

			result.Files++
			result.Bytes += info.Size()

			if opts.LinkDest != "" && linkUnchanged(filepath.Join(opts.LinkDest, rel), dstPath, info) {
				result.Linked++
				result.LinkedBytes += info.Size()
				return nil
			}
			return copyFn(path, dstPath, info, result)

		default:
			// sockets, devices and fifos are not captured
			result.degrade("special-file")
			return nil
		}
	})
	if err != nil {
		return result, fmt.Errorf("clone %s: %w", src, err)
	}

	for i := len(dirs) - 1; i >= 0; i-- {
		if err := os.Chmod(dirs[i].path, dirs[i].mode); err != nil {
			return result, fmt.Errorf("chmod %s: %w", dirs[i].path, err)
		}
	}

	if err := fsutil.FsyncDir(dst); err != nil {
		return result, fmt.Errorf("fsync dst: %w", err)
	}
	return result, nil
}

// linkUnchanged hard-links prev to dst when prev looks identical to info.
func linkUnchanged(prev, dst string, info os.FileInfo) bool {
	pinfo, err := os.Lstat(prev)
	if err != nil || !pinfo.Mode().IsRegular() {
		return false
	}
	if pinfo.Size() != info.Size() || !pinfo.ModTime().Equal(info.ModTime()) || pinfo.Mode().Perm() != info.Mode().Perm() {
		return false
	}
	return os.Link(prev, dst) == nil
}
