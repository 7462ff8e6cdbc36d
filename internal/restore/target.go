// Package restore writes restored content into a destination either by
// staging it beside the destination and swapping it in, or by overlaying
// it onto the existing tree.
package restore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
)

const (
	stagingMarker = ".ckpt-restore-"
	backupMarker  = ".ckpt-old-"
)

// IsStagingName reports whether name belongs to an interrupted restore.
func IsStagingName(name string) bool {
	return strings.Contains(name, stagingMarker) || strings.Contains(name, backupMarker)
}

// Target is the place a restore writes into.
type Target struct {
	dest    string
	dir     string
	overlay bool
	done    bool
	kept    []string
}

// Open prepares dest for a restore. In overlay mode content is written
// directly into dest; otherwise a sibling staging directory is created
// and swapped in by Commit.
func Open(dest string, overlay bool) (*Target, error) {
	dest = filepath.Clean(dest)
	if overlay {
		if err := os.MkdirAll(dest, 0755); err != nil {
			return nil, fmt.Errorf("create destination: %w", err)
		}
		return &Target{dest: dest, dir: dest, overlay: true}, nil
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0755); err != nil {
		return nil, fmt.Errorf("create destination parent: %w", err)
	}
	staging, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+stagingMarker)
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	// MkdirTemp creates 0700; start from the mode dest already has.
	mode := os.FileMode(0755)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		mode = info.Mode().Perm()
	}
	if err := os.Chmod(staging, mode); err != nil {
		os.RemoveAll(staging)
		return nil, fmt.Errorf("chmod staging dir: %w", err)
	}
	return &Target{dest: dest, dir: staging}, nil
}

// Keep protects path when it lies strictly inside the destination: restored
// content is never written there, and Commit carries the existing entry
// over into the restored tree. Paths outside the destination are ignored.
func (t *Target) Keep(path string) {
	rel, ok := pathutil.Within(t.dest, path)
	if !ok || rel == "." {
		return
	}
	t.kept = append(t.kept, rel)
}

// Skips reports whether rel, relative to the destination, lies in a kept
// path and must not be written.
func (t *Target) Skips(rel string) bool {
	return t.Kept().Match(rel)
}

// Kept returns a matcher for the kept paths.
func (t *Target) Kept() *pathutil.Matcher {
	return pathutil.NewMatcher(nil).WithPaths(t.kept...)
}

// Dir returns the directory restored content must be written to.
func (t *Target) Dir() string { return t.dir }

// Dest returns the final destination.
func (t *Target) Dest() string { return t.dest }

// Overlay reports whether the target writes over existing content.
func (t *Target) Overlay() bool { return t.overlay }

// Commit makes the restored content visible at the destination. Kept
// paths are moved into the staged tree, the previous content is moved
// aside, and it is removed only after the staged tree is in place.
func (t *Target) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.overlay {
		return fsutil.FsyncDir(t.dest)
	}

	carried, err := t.carryKept()
	if err != nil {
		t.returnKept(carried)
		os.RemoveAll(t.dir)
		return err
	}

	parent := filepath.Dir(t.dest)
	var old string
	if _, err := os.Lstat(t.dest); err == nil {
		old = filepath.Join(parent, "."+filepath.Base(t.dest)+backupMarker+uuid.NewString()[:8])
		if err := fsutil.RenameAndSync(t.dest, old); err != nil {
			t.returnKept(carried)
			os.RemoveAll(t.dir)
			return fmt.Errorf("move current content aside: %w", err)
		}
	} else if !os.IsNotExist(err) {
		os.RemoveAll(t.dir)
		return fmt.Errorf("stat destination: %w", err)
	}

	if err := fsutil.RenameAndSync(t.dir, t.dest); err != nil {
		if old != "" {
			fsutil.RenameAndSync(old, t.dest)
		}
		t.returnKept(carried)
		os.RemoveAll(t.dir)
		return fmt.Errorf("swap in restored content: %w", err)
	}

	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			return fmt.Errorf("remove previous content: %w", err)
		}
	}
	return nil
}

// carryKept moves every existing kept path from the destination into the
// staged tree and returns the paths moved.
func (t *Target) carryKept() ([]string, error) {
	var moved []string
	for _, rel := range t.kept {
		from := filepath.Join(t.dest, filepath.FromSlash(rel))
		if _, err := os.Lstat(from); os.IsNotExist(err) {
			continue
		} else if err != nil {
			return moved, fmt.Errorf("stat kept path %s: %w", rel, err)
		}
		to := filepath.Join(t.dir, filepath.FromSlash(rel))
		if err := os.RemoveAll(to); err != nil {
			return moved, fmt.Errorf("clear %s in staging: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(to), 0755); err != nil {
			return moved, fmt.Errorf("create parent of %s: %w", rel, err)
		}
		if err := os.Rename(from, to); err != nil {
			return moved, fmt.Errorf("carry %s into restored tree: %w", rel, err)
		}
		moved = append(moved, rel)
	}
	return moved, nil
}

// returnKept undoes carryKept after a failed swap. The destination holds
// its previous content again by the time this runs.
func (t *Target) returnKept(moved []string) {
	for _, rel := range moved {
		os.Rename(filepath.Join(t.dir, filepath.FromSlash(rel)), filepath.Join(t.dest, filepath.FromSlash(rel)))
	}
}

// Abort discards staged content. Overlay writes cannot be undone.
func (t *Target) Abort() {
	if t.done {
		return
	}
	t.done = true
	if !t.overlay {
		os.RemoveAll(t.dir)
	}
}
