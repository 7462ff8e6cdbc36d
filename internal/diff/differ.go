// Package diff compares file indexes captured from a source tree.
package diff

import (
	"fmt"
	"io"
	"sort"

	"github.com/ckpt-project/ckpt/pkg/model"
)

// Changes lists the paths that differ between two indexes. Each list is
// sorted.
type Changes struct {
	New      []string `json:"new"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// Compute compares current against previous. A path present in both is
// modified only when its content hash differs; size and mtime are ignored.
// A nil previous index reports every current file as new.
func Compute(current, previous model.FileIndex) *Changes {
	c := &Changes{
		New:      []string{},
		Modified: []string{},
		Deleted:  []string{},
	}
	for path, cur := range current {
		prev, ok := previous[path]
		switch {
		case !ok:
			c.New = append(c.New, path)
		case prev.Hash != cur.Hash:
			c.Modified = append(c.Modified, path)
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			c.Deleted = append(c.Deleted, path)
		}
	}
	sort.Strings(c.New)
	sort.Strings(c.Modified)
	sort.Strings(c.Deleted)
	return c
}

// Empty reports whether there are no changes.
func (c *Changes) Empty() bool {
	return len(c.New) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Changed returns the set of new and modified paths, which are the files
// an incremental backup must store.
func (c *Changes) Changed() map[string]bool {
	set := make(map[string]bool, len(c.New)+len(c.Modified))
	for _, p := range c.New {
		set[p] = true
	}
	for _, p := range c.Modified {
		set[p] = true
	}
	return set
}

// Write prints the changes in a human-readable format.
func (c *Changes) Write(w io.Writer) {
	if c.Empty() {
		fmt.Fprintln(w, "No changes.")
		return
	}
	for _, p := range c.New {
		fmt.Fprintf(w, "+ %s\n", p)
	}
	for _, p := range c.Modified {
		fmt.Fprintf(w, "~ %s\n", p)
	}
	for _, p := range c.Deleted {
		fmt.Fprintf(w, "- %s\n", p)
	}
	fmt.Fprintf(w, "\n%d new, %d modified, %d deleted\n", len(c.New), len(c.Modified), len(c.Deleted))
}
