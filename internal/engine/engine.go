// Package engine copies directory trees for mirror snapshots and restores.
// Engines differ only in how a single regular file is materialised: a full
// byte copy, or a reflink (copy-on-write clone) where the filesystem allows.
package engine

import (
	"context"

	"github.com/ckpt-project/ckpt/pkg/pathutil"
)

// Type identifies an engine.
type Type string

const (
	TypeCopy    Type = "copy"
	TypeReflink Type = "reflink"
	TypeAuto    Type = "auto"
)

// CloneOptions tunes a single Clone call.
type CloneOptions struct {
	// Exclude skips matching entries (and whole directories).
	Exclude *pathutil.Matcher
	// LinkDest is a previous copy of the same tree. Regular files whose size,
	// mode and modification time match the copy under LinkDest are
	// hard-linked instead of copied.
	LinkDest string
}

// CloneResult contains the result of a clone operation.
type CloneResult struct {
	Files       int   // regular files materialised
	Dirs        int   // directories created
	Symlinks    int   // symlinks recreated
	Bytes       int64 // logical size of regular files
	Linked      int   // files hard-linked against LinkDest
	LinkedBytes int64 // logical size of the hard-linked files
	Reflinked   int   // files cloned with reflink

	Degraded     bool     // true if any degradation occurred
	Degradations []string // list of degradation types
}

func (r *CloneResult) degrade(kind string) {
	r.Degraded = true
	for _, d := range r.Degradations {
		if d == kind {
			return
		}
	}
	r.Degradations = append(r.Degradations, kind)
}

// Engine defines the tree copy interface.
type Engine interface {
	// Name returns the engine type identifier.
	Name() Type

	// Clone copies src to dst, creating dst. The context is checked between
	// entries; a cancelled clone leaves a partial dst for the caller to remove.
	Clone(ctx context.Context, src, dst string, opts CloneOptions) (*CloneResult, error)
}

// NewEngine creates an engine based on the specified type. Auto selects the
// reflink engine, which falls back to plain copies per file.
func NewEngine(t Type) Engine {
	switch t {
	case TypeReflink, TypeAuto:
		return NewReflinkEngine()
	default:
		return NewCopyEngine()
	}
}
