package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
)

// ComputeTreeHash computes a deterministic hash of a directory tree.
// Each entry contributes a line <type>:<path>:<mode>:<hash>; lines are sorted
// by path and hashed together. Modification times are not included, so a
// restored tree hashes equal to its source. Entries matched by exclude are
// skipped.
func ComputeTreeHash(root string, exclude *pathutil.Matcher) (model.HashValue, error) {
	var lines []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return fmt.Errorf("relative path: %w", err)
		}
		if exclude.Match(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		entryHash, err := computeEntryHash(path, info)
		if err != nil {
			return fmt.Errorf("hash entry %s: %w", rel, err)
		}

		line := fmt.Sprintf("%s:%s:%04o:%s", entryType(info), filepath.ToSlash(rel), info.Mode().Perm(), entryHash)
		lines = append(lines, line)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk tree: %w", err)
	}

	sort.Strings(lines)

	var buf strings.Builder
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}

	hash := sha256.Sum256([]byte(buf.String()))
	return model.HashValue(hex.EncodeToString(hash[:])), nil
}

func entryType(info os.FileInfo) string {
	switch {
	case info.IsDir():
		return "dir"
	case info.Mode()&os.ModeSymlink != 0:
		return "symlink"
	case info.Mode().IsRegular():
		return "file"
	}
	return "other"
}

func computeEntryHash(path string, info os.FileInfo) (string, error) {
	h := sha256.New()

	switch {
	case info.IsDir():
		h.Write([]byte(info.Name()))

	case info.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return "", fmt.Errorf("read symlink: %w", err)
		}
		h.Write([]byte(target))

	case info.Mode().IsRegular():
		f, err := os.Open(path)
		if err != nil {
			return "", fmt.Errorf("open file: %w", err)
		}
		defer f.Close()
		if _, err := io.Copy(h, f); err != nil {
			return "", fmt.Errorf("read file: %w", err)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
