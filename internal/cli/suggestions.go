package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ckpt-project/ckpt/internal/catalog"
	"github.com/ckpt-project/ckpt/internal/rollback"
	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/errclass"
)

// hintError carries a suggestion printed below the error.
type hintError struct {
	err  error
	hint string
}

func (e *hintError) Error() string { return e.err.Error() }
func (e *hintError) Unwrap() error { return e.err }

// suggest builds a "Did you mean" hint from the entries that best match
// query. Without matches it points at the list command.
func suggest(query string, entries []catalog.Entry, listCmd string) string {
	matches := catalog.Rank(entries, query, 3)
	if len(matches) == 0 {
		return fmt.Sprintf("Run %s to see what exists.", color.Code(listCmd))
	}
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = color.ID(shortID(m.ID))
		if m.Name != "" {
			names[i] += fmt.Sprintf(" (%s)", color.Dim(m.Name))
		}
	}
	hint := "Did you mean"
	if len(names) > 1 {
		hint += " one of"
	}
	return fmt.Sprintf("%s: %s?", hint, strings.Join(names, ", "))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// withSnapshotHint attaches suggestions to a snapshot lookup failure.
func withSnapshotHint(c *ckpt.Client, query string, err error) error {
	if errclass.CodeOf(err) != errclass.ErrSnapshotNotFound.Code {
		return err
	}
	var entries []catalog.Entry
	for _, rec := range c.Snapshots("") {
		entries = append(entries, catalog.Entry{ID: string(rec.ID), Name: rec.Name, CreatedAt: rec.CreatedAt})
	}
	return &hintError{err: err, hint: suggest(query, entries, "ckpt snapshot list")}
}

// withBackupHint attaches suggestions to a backup lookup failure.
func withBackupHint(c *ckpt.Client, query string, err error) error {
	if errclass.CodeOf(err) != errclass.ErrBackupNotFound.Code {
		return err
	}
	var entries []catalog.Entry
	for _, m := range c.Backups("") {
		entries = append(entries, catalog.Entry{ID: string(m.ID), Name: m.Name, CreatedAt: m.CreatedAt})
	}
	return &hintError{err: err, hint: suggest(query, entries, "ckpt backup list")}
}

// withPointHint attaches suggestions to a rollback point lookup failure.
func withPointHint(c *ckpt.Client, query string, err error) error {
	if errclass.CodeOf(err) != errclass.ErrPointNotFound.Code {
		return err
	}
	points, _ := c.Points("")
	var entries []catalog.Entry
	for _, p := range points {
		entries = append(entries, catalog.Entry{ID: string(p.ID), Name: p.Name, CreatedAt: p.CreatedAt})
	}
	return &hintError{err: err, hint: suggest(query, entries, "ckpt point list")}
}

// suggestInit suggests creating a storage root.
func suggestInit() string {
	return fmt.Sprintf("Run %s to create a storage root, or pass --root.", color.Code("ckpt init"))
}

// formatNotInRootError formats the error for a missing storage root.
func formatNotInRootError() string {
	var sb strings.Builder
	sb.WriteString(color.Error("not a ckpt storage root (or any parent)"))
	sb.WriteString("\n")
	sb.WriteString(color.Dim("  " + suggestInit()))
	return sb.String()
}

// formatSafetyError lists the failed checks of a blocked rollback.
func formatSafetyError(e *rollback.SafetyCheckError) string {
	var sb strings.Builder
	sb.WriteString(color.Error("rollback blocked by safety checks"))
	sb.WriteString("\n")
	for _, check := range e.Checks {
		if check.Passed {
			continue
		}
		fmt.Fprintf(&sb, "  %s %s: %s\n", color.Status("failed"), check.Kind, check.Message)
	}
	sb.WriteString(color.Dim(fmt.Sprintf("  Re-run with %s or %s to proceed anyway.",
		color.Code("--skip-safety-checks"), color.Code("--force"))))
	return sb.String()
}

// reportError prints err to stderr with any attached suggestion.
func reportError(err error) {
	if errors.Is(err, errNotInRoot) {
		fmt.Fprintln(os.Stderr, formatNotInRootError())
		return
	}
	var safetyErr *rollback.SafetyCheckError
	if errors.As(err, &safetyErr) {
		fmt.Fprintln(os.Stderr, formatSafetyError(safetyErr))
		return
	}
	fmtErr("%v", err)
	var he *hintError
	if errors.As(err, &he) {
		fmt.Fprintln(os.Stderr, color.Dim("  "+he.hint))
	}
}
