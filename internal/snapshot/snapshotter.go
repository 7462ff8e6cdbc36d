// Package snapshot creates, restores and retires point-in-time copies of a
// directory tree, stored either as a single compressed tar archive or as a
// mirrored tree that may hard-link unchanged files against a previous mirror.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/audit"
	"github.com/ckpt-project/ckpt/internal/catalog"
	"github.com/ckpt-project/ckpt/internal/clock"
	"github.com/ckpt-project/ckpt/internal/compression"
	"github.com/ckpt-project/ckpt/internal/engine"
	"github.com/ckpt-project/ckpt/internal/gc"
	"github.com/ckpt-project/ckpt/internal/lock"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/jsonutil"
	"github.com/ckpt-project/ckpt/pkg/logging"
	"github.com/ckpt-project/ckpt/pkg/metrics"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

const (
	// DirName is the snapshot store directory under the storage root.
	DirName = "snapshots"
	// RecordFile holds the snapshot record inside each snapshot directory.
	RecordFile = "record.json"
	// TreeDir holds the copied tree of a mirror snapshot.
	TreeDir = "tree"
)

var tracer = otel.Tracer("github.com/ckpt-project/ckpt/internal/snapshot")

// Options configures a Snapshotter. Every field is optional.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
	Audit   audit.Recorder
	Clock   clock.Clock
	// Engine copies mirror trees. Defaults to the copy engine.
	Engine engine.Engine
	// Compression is a level name accepted by compression.ParseLevel.
	Compression string
	// Locks serializes creation per source. Defaults to a manager keeping
	// lock files under <root>/locks.
	Locks *lock.Manager
}

// Snapshotter owns the snapshot store under <root>/snapshots.
type Snapshotter struct {
	root    string
	dir     string
	log     *slog.Logger
	metrics *metrics.Registry
	audit   audit.Recorder
	clock   clock.Clock
	engine  engine.Engine
	level   compression.CompressionLevel
	locks   *lock.Manager

	mu      sync.RWMutex
	records map[model.SnapshotID]*model.SnapshotRecord
}

// New opens the snapshot store under root, loading every record found on
// disk. Directories without a readable record are skipped.
func New(root string, opts Options) (*Snapshotter, error) {
	level, err := compression.ParseLevel(opts.Compression)
	if err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessage(err.Error())
	}
	eng := opts.Engine
	if eng == nil {
		eng = engine.NewEngine(engine.TypeCopy)
	}
	locks := opts.Locks
	if locks == nil {
		locks = lock.NewManager(filepath.Join(root, "locks"))
	}

	s := &Snapshotter{
		root:    cleanSource(root),
		dir:     filepath.Join(root, DirName),
		log:     logging.OrDiscard(opts.Logger).With("component", "snapshot"),
		metrics: opts.Metrics,
		audit:   opts.Audit,
		clock:   clock.OrReal(opts.Clock),
		engine:  eng,
		level:   level,
		locks:   locks,
		records: make(map[model.SnapshotID]*model.SnapshotRecord),
	}
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Snapshotter) load() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read snapshot dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(s.dir, entry.Name())
		var rec model.SnapshotRecord
		if err := jsonutil.ReadFile(filepath.Join(dir, RecordFile), &rec); err != nil {
			s.log.Warn("skipping snapshot without readable record", "dir", dir, "error", err)
			continue
		}
		// The store may have moved since the record was written.
		rec.ArchivePath = filepath.Join(dir, filepath.Base(rec.ArchivePath))
		s.records[rec.ID] = &rec
	}
	s.log.Debug("snapshot store loaded", "count", len(s.records))
	return nil
}

// Dir returns the snapshot store directory.
func (s *Snapshotter) Dir() string { return s.dir }

func (s *Snapshotter) put(rec *model.SnapshotRecord) {
	s.mu.Lock()
	s.records[rec.ID] = rec
	s.mu.Unlock()
}

func (s *Snapshotter) lookup(id model.SnapshotID) (*model.SnapshotRecord, error) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errclass.ErrSnapshotNotFound.WithMessagef("snapshot %s not found", id).WithDetail("snapshot_id", string(id))
	}
	return rec, nil
}

// Get returns a copy of the record for id.
func (s *Snapshotter) Get(id model.SnapshotID) (*model.SnapshotRecord, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	c := *rec
	return &c, nil
}

// Resolve finds a snapshot by full ID, unique ID prefix or unique name.
func (s *Snapshotter) Resolve(query string) (*model.SnapshotRecord, error) {
	s.mu.RLock()
	entries := make([]catalog.Entry, 0, len(s.records))
	for _, rec := range s.records {
		entries = append(entries, catalog.Entry{ID: string(rec.ID), Name: rec.Name, CreatedAt: rec.CreatedAt})
	}
	s.mu.RUnlock()

	id, err := catalog.Resolve(entries, query, errclass.ErrSnapshotNotFound)
	if err != nil {
		return nil, err
	}
	return s.Get(model.SnapshotID(id))
}

// List returns copies of the records for source, newest first. An empty
// source lists every snapshot.
func (s *Snapshotter) List(source string) []*model.SnapshotRecord {
	if source != "" {
		source = cleanSource(source)
	}
	s.mu.RLock()
	out := make([]*model.SnapshotRecord, 0, len(s.records))
	for _, rec := range s.records {
		if source != "" && rec.SourcePath != source {
			continue
		}
		c := *rec
		out = append(out, &c)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// TotalSize returns the stored bytes of every snapshot.
func (s *Snapshotter) TotalSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, rec := range s.records {
		total += rec.SizeBytes
	}
	return total
}

// MirrorPath returns the tree of a mirror snapshot, for use as the parent
// of a later mirror.
func (s *Snapshotter) MirrorPath(id model.SnapshotID) (string, error) {
	rec, err := s.lookup(id)
	if err != nil {
		return "", err
	}
	if rec.Format != model.FormatMirror {
		return "", errclass.ErrFormatUnsupported.WithMessagef("snapshot %s is a %s archive, not a mirror", id.ShortID(), rec.Format)
	}
	return rec.ArchivePath, nil
}

// Delete removes a snapshot and its files.
func (s *Snapshotter) Delete(ctx context.Context, id model.SnapshotID) error {
	_, span := tracer.Start(ctx, "snapshot.Delete", trace.WithAttributes(attribute.String("snapshot.id", string(id))))
	defer span.End()

	rec, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Dir(rec.ArchivePath)); err != nil {
		endSpan(span, err)
		return errclass.ErrDeleteFailed.WithMessagef("delete snapshot %s", id.ShortID()).Wrap(err)
	}

	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()

	s.log.Info("snapshot deleted", "snapshot_id", string(id), "name", rec.Name)
	s.record(model.EventSnapshotDelete, string(id), map[string]any{"name": rec.Name, "source": rec.SourcePath})
	return nil
}

// CleanupOld applies the retention policy to the snapshots of source and
// returns the IDs it deleted.
func (s *Snapshotter) CleanupOld(ctx context.Context, source string, keepCount int, minAge time.Duration, cb progress.Callback) ([]model.SnapshotID, error) {
	recs := s.List(source)
	items := make([]gc.Item, len(recs))
	for i, rec := range recs {
		items[i] = gc.Item{ID: string(rec.ID), CreatedAt: rec.CreatedAt}
	}

	plan, err := gc.Plan(items, model.RetentionPolicy{KeepCount: keepCount, MinAge: minAge}, s.clock.Now())
	if err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessage(err.Error())
	}
	done, err := gc.Run(ctx, "Deleting snapshots", plan.ToDelete, func(ctx context.Context, id string) error {
		return s.Delete(ctx, model.SnapshotID(id))
	}, cb)

	deleted := make([]model.SnapshotID, len(done))
	for i, id := range done {
		deleted[i] = model.SnapshotID(id)
	}
	s.metrics.RecordCleanup("snapshot", len(deleted))
	if len(deleted) > 0 {
		s.log.Info("snapshot retention applied", "source", source, "deleted", len(deleted), "kept", len(plan.Keep))
		s.record(model.EventRetentionRun, source, map[string]any{"kind": "snapshot", "deleted": done})
	}
	return deleted, err
}

func (s *Snapshotter) record(event model.AuditEventType, subject string, details map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(event, subject, details); err != nil {
		s.log.Warn("audit append failed", "event", string(event), "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func cleanSource(source string) string {
	if abs, err := filepath.Abs(source); err == nil {
		return abs
	}
	return filepath.Clean(source)
}

// checkSource resolves source to an absolute directory path. A source
// inside the storage root is refused.
func (s *Snapshotter) checkSource(source string) (string, error) {
	if source == "" {
		return "", errclass.ErrSourceNotFound.WithMessage("source path is empty")
	}
	src := cleanSource(source)
	info, err := os.Stat(src)
	if err != nil || !info.IsDir() {
		return "", errclass.ErrSourceNotFound.WithMessagef("source %s is not a directory", source).WithDetail("source", src)
	}
	if _, inside := pathutil.Within(s.root, src); inside {
		return "", errclass.ErrPathEscape.WithMessagef("source %s lies inside the storage root", source).WithDetail("root", s.root)
	}
	return src, nil
}

// excludes builds the matcher for a capture of src. The storage root is
// always excluded when it lies beneath src.
func (s *Snapshotter) excludes(src string, patterns []string) *pathutil.Matcher {
	m := pathutil.NewMatcher(patterns)
	if rel, ok := pathutil.Within(src, s.root); ok {
		m = m.WithPaths(rel)
	}
	return m
}

// snapshotDir returns the directory a new snapshot is stored in.
func (s *Snapshotter) snapshotDir(name string, id model.SnapshotID) string {
	return filepath.Join(s.dir, pathutil.SanitizeName(name)+"_"+string(id))
}

func defaultName(name, src string) string {
	if name != "" {
		return name
	}
	return filepath.Base(src)
}
