// Package repo manages the on-disk layout of a ckpt storage root.
package repo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ckpt-project/ckpt/pkg/config"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
)

const (
	FormatVersion     = 1
	FormatVersionFile = "format_version"
	RepoIDFile        = "repo_id"
	// DotDir is the storage root name looked for by Discover.
	DotDir = ".ckpt"

	SnapshotsDir = "snapshots"
	BackupsDir   = "backups"
	RollbackDir  = "rollback"
	AuditDir     = "audit"
	LocksDir     = "locks"
)

// Repo is an initialized storage root.
type Repo struct {
	Root          string
	FormatVersion int
	RepoID        string
}

// Init creates the storage layout at root. Initializing an existing root
// opens it instead.
func Init(root string) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	if fsutil.Exists(filepath.Join(abs, FormatVersionFile)) {
		return Open(abs)
	}

	dirs := []string{
		abs,
		filepath.Join(abs, SnapshotsDir),
		filepath.Join(abs, BackupsDir),
		filepath.Join(abs, RollbackDir, "configs"),
		filepath.Join(abs, AuditDir),
		filepath.Join(abs, LocksDir),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	repoID := uuid.NewString()
	if err := fsutil.AtomicWrite(filepath.Join(abs, RepoIDFile), []byte(repoID+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("write repo_id: %w", err)
	}
	if err := config.Save(filepath.Join(abs, config.YAMLFile), config.Default()); err != nil {
		return nil, err
	}
	// format_version last: its presence marks a complete root.
	if err := fsutil.AtomicWrite(filepath.Join(abs, FormatVersionFile), []byte(strconv.Itoa(FormatVersion)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("write format_version: %w", err)
	}
	if err := fsutil.FsyncDir(abs); err != nil {
		return nil, fmt.Errorf("fsync root: %w", err)
	}

	return &Repo{Root: abs, FormatVersion: FormatVersion, RepoID: repoID}, nil
}

// Open opens an existing storage root.
func Open(root string) (*Repo, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	version, err := readFormatVersion(abs)
	if err != nil {
		return nil, err
	}
	if version > FormatVersion {
		return nil, errclass.ErrFormatVersionFuture.WithMessagef(
			"format version %d > supported %d", version, FormatVersion).
			WithDetail("format_version", version)
	}
	repoID, _ := readRepoID(abs)
	return &Repo{Root: abs, FormatVersion: version, RepoID: repoID}, nil
}

// Discover walks up from cwd to the first directory containing .ckpt/.
func Discover(cwd string) (*Repo, error) {
	path, err := filepath.Abs(cwd)
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}
	for {
		candidate := filepath.Join(path, DotDir)
		if fsutil.Exists(filepath.Join(candidate, FormatVersionFile)) {
			return Open(candidate)
		}
		parent := filepath.Dir(path)
		if parent == path {
			return nil, errclass.ErrConfigInvalid.WithMessagef(
				"no ckpt storage root found (no %s/ in %s or its parents)", DotDir, cwd)
		}
		path = parent
	}
}

func (r *Repo) SnapshotsPath() string { return filepath.Join(r.Root, SnapshotsDir) }
func (r *Repo) BackupsPath() string   { return filepath.Join(r.Root, BackupsDir) }
func (r *Repo) LocksPath() string     { return filepath.Join(r.Root, LocksDir) }

// ConfigsPath holds configuration copies referenced by rollback points.
func (r *Repo) ConfigsPath() string { return filepath.Join(r.Root, RollbackDir, "configs") }

// StorePath is the badger directory of the rollback store.
func (r *Repo) StorePath() string { return filepath.Join(r.Root, RollbackDir, "store") }

// AuditPath is the hash-chained audit log.
func (r *Repo) AuditPath() string { return filepath.Join(r.Root, AuditDir, "audit.jsonl") }

func readFormatVersion(root string) (int, error) {
	data, err := os.ReadFile(filepath.Join(root, FormatVersionFile))
	if errors.Is(err, os.ErrNotExist) {
		return 0, errclass.ErrConfigInvalid.WithMessagef("%s is not a ckpt storage root (run ckpt init)", root)
	}
	if err != nil {
		return 0, fmt.Errorf("read format_version: %w", err)
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, errclass.ErrRecordCorrupt.WithMessagef("parse format_version: %v", err)
	}
	return version, nil
}

func readRepoID(root string) (string, error) {
	data, err := os.ReadFile(filepath.Join(root, RepoIDFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
