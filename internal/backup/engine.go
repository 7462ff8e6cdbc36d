// Package backup implements incremental file-level backups. Each backup
// records the complete index of its source but stores only the files that
// are new or changed relative to its parent; a restore replays the chain
// from the full backup at its root.
package backup

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/audit"
	"github.com/ckpt-project/ckpt/internal/catalog"
	"github.com/ckpt-project/ckpt/internal/clock"
	"github.com/ckpt-project/ckpt/internal/lock"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/jsonutil"
	"github.com/ckpt-project/ckpt/pkg/logging"
	"github.com/ckpt-project/ckpt/pkg/metrics"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
)

const (
	// DirName is the backup store directory under the storage root.
	DirName = "backups"
	// ManifestFile holds the manifest inside each backup directory.
	ManifestFile = "manifest.json"
	// FilesDir holds the stored file contents inside each backup directory.
	FilesDir = "files"
)

var tracer = otel.Tracer("github.com/ckpt-project/ckpt/internal/backup")

// Options configures an Engine. Every field is optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Audit   audit.Recorder
	Clock   clock.Clock
	// HashWorkers bounds concurrent hashing during a scan. Defaults to the
	// number of CPUs.
	HashWorkers int
	Locks       *lock.Manager
}

// Engine owns the backup store under <root>/backups.
type Engine struct {
	root    string
	dir     string
	log     *slog.Logger
	metrics *metrics.Registry
	audit   audit.Recorder
	clock   clock.Clock
	workers int
	locks   *lock.Manager

	mu        sync.RWMutex
	manifests map[model.BackupID]*model.BackupManifest
}

// New opens the backup store under root and loads every manifest on disk.
func New(root string, opts Options) (*Engine, error) {
	workers := opts.HashWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	locks := opts.Locks
	if locks == nil {
		locks = lock.NewManager(filepath.Join(root, "locks"))
	}
	e := &Engine{
		root:      cleanPath(root),
		dir:       filepath.Join(root, DirName),
		log:       logging.OrDiscard(opts.Logger).With("component", "backup"),
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		clock:     clock.OrReal(opts.Clock),
		workers:   workers,
		locks:     locks,
		manifests: make(map[model.BackupID]*model.BackupManifest),
	}
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return nil, fmt.Errorf("create backup dir: %w", err)
	}
	if err := e.load(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *Engine) load() error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("read backup dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(e.dir, entry.Name())
		var m model.BackupManifest
		if err := jsonutil.ReadFile(filepath.Join(dir, ManifestFile), &m); err != nil {
			e.log.Warn("skipping backup without readable manifest", "dir", dir, "error", err)
			continue
		}
		if m.Files == nil {
			m.Files = model.FileIndex{}
		}
		m.StorageDir = dir
		e.manifests[m.ID] = &m
	}
	e.log.Debug("backup store loaded", "count", len(e.manifests))
	return nil
}

// Dir returns the backup store directory.
func (e *Engine) Dir() string { return e.dir }

func (e *Engine) lookup(id model.BackupID) (*model.BackupManifest, error) {
	e.mu.RLock()
	m, ok := e.manifests[id]
	e.mu.RUnlock()
	if !ok {
		return nil, errclass.ErrBackupNotFound.WithMessagef("backup %s not found", id).WithDetail("backup_id", string(id))
	}
	return m, nil
}

// cloneManifest deep-copies m so callers never share index records.
func cloneManifest(m *model.BackupManifest) *model.BackupManifest {
	c := *m
	c.Files = make(model.FileIndex, len(m.Files))
	for p, f := range m.Files {
		fc := *f
		c.Files[p] = &fc
	}
	return &c
}

// Get returns a copy of the manifest for id.
func (e *Engine) Get(id model.BackupID) (*model.BackupManifest, error) {
	m, err := e.lookup(id)
	if err != nil {
		return nil, err
	}
	return cloneManifest(m), nil
}

// Resolve finds a backup by full ID, unique ID prefix or unique name.
func (e *Engine) Resolve(query string) (*model.BackupManifest, error) {
	e.mu.RLock()
	entries := make([]catalog.Entry, 0, len(e.manifests))
	for _, m := range e.manifests {
		entries = append(entries, catalog.Entry{ID: string(m.ID), Name: m.Name, CreatedAt: m.CreatedAt})
	}
	e.mu.RUnlock()

	id, err := catalog.Resolve(entries, query, errclass.ErrBackupNotFound)
	if err != nil {
		return nil, err
	}
	return e.Get(model.BackupID(id))
}

// List returns copies of the manifests for source, newest first. An empty
// source lists every backup.
func (e *Engine) List(source string) []*model.BackupManifest {
	if source != "" {
		source = cleanPath(source)
	}
	e.mu.RLock()
	out := make([]*model.BackupManifest, 0, len(e.manifests))
	for _, m := range e.manifests {
		if source != "" && m.SourcePath != source {
			continue
		}
		out = append(out, cloneManifest(m))
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// Chain returns the backups from the root full backup to id, oldest first.
func (e *Engine) Chain(id model.BackupID) ([]*model.BackupManifest, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, ok := e.manifests[id]; !ok {
		return nil, errclass.ErrBackupNotFound.WithMessagef("backup %s not found", id).WithDetail("backup_id", string(id))
	}

	var chain []*model.BackupManifest
	seen := make(map[model.BackupID]bool)
	for cur := id; cur != ""; {
		if seen[cur] {
			return nil, errclass.ErrChainBroken.WithMessagef("backup chain of %s loops at %s", id.ShortID(), cur.ShortID())
		}
		seen[cur] = true
		m, ok := e.manifests[cur]
		if !ok {
			return nil, errclass.ErrChainBroken.
				WithMessagef("backup %s depends on missing backup %s", id.ShortID(), cur.ShortID()).
				WithDetail("missing", string(cur))
		}
		chain = append(chain, cloneManifest(m))
		cur = m.ParentID
	}

	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Children returns the IDs of backups whose parent is id, sorted.
func (e *Engine) Children(id model.BackupID) []model.BackupID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.childrenLocked(id)
}

func (e *Engine) childrenLocked(id model.BackupID) []model.BackupID {
	var out []model.BackupID
	for _, m := range e.manifests {
		if m.ParentID == id {
			out = append(out, m.ID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TotalSize returns the bytes physically stored by every backup.
func (e *Engine) TotalSize() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var total int64
	for _, m := range e.manifests {
		total += m.TotalSize
	}
	return total
}

func (e *Engine) record(event model.AuditEventType, subject string, details map[string]any) {
	if e.audit == nil {
		return
	}
	if err := e.audit.Append(event, subject, details); err != nil {
		e.log.Warn("audit append failed", "event", string(event), "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func cleanPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return filepath.Clean(p)
}

func (e *Engine) checkSource(source string) (string, error) {
	if source == "" {
		return "", errclass.ErrSourceNotFound.WithMessage("source path is empty")
	}
	src := cleanPath(source)
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return "", errclass.ErrSourceNotFound.WithMessagef("source %s is not a directory", source).WithDetail("source", src)
	}
	if _, inside := pathutil.Within(e.root, src); inside {
		return "", errclass.ErrPathEscape.WithMessagef("source %s lies inside the storage root", source).WithDetail("root", e.root)
	}
	return src, nil
}

// excludes extends exclude with the storage root when it lies beneath src.
func (e *Engine) excludes(src string, exclude *pathutil.Matcher) *pathutil.Matcher {
	if rel, ok := pathutil.Within(src, e.root); ok {
		return exclude.WithPaths(rel)
	}
	return exclude
}
