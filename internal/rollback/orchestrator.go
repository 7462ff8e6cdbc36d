// Package rollback manages rollback points and drives rollback operations
// through validation, safety gating, an automatic checkpoint of the current
// state, and the restore itself.
package rollback

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ckpt-project/ckpt/internal/audit"
	"github.com/ckpt-project/ckpt/internal/backup"
	"github.com/ckpt-project/ckpt/internal/catalog"
	"github.com/ckpt-project/ckpt/internal/clock"
	"github.com/ckpt-project/ckpt/internal/safety"
	"github.com/ckpt-project/ckpt/internal/snapshot"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/logging"
	"github.com/ckpt-project/ckpt/pkg/metrics"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/pathutil"
)

var tracer = otel.Tracer("github.com/ckpt-project/ckpt/internal/rollback")

// Snapshots is the part of the snapshotter the orchestrator drives.
type Snapshots interface {
	Get(id model.SnapshotID) (*model.SnapshotRecord, error)
	Verify(ctx context.Context, id model.SnapshotID) (bool, error)
	Restore(ctx context.Context, id model.SnapshotID, dest string, opts snapshot.RestoreOptions) error
	CreateArchive(ctx context.Context, source, name string, opts snapshot.ArchiveOptions) (*model.SnapshotRecord, error)
}

// Backups is the part of the backup engine the orchestrator drives.
type Backups interface {
	Get(id model.BackupID) (*model.BackupManifest, error)
	VerifyBackup(ctx context.Context, id model.BackupID, opts backup.VerifyOptions) (bool, error)
	RestoreBackup(ctx context.Context, id model.BackupID, dest string, opts backup.RestoreOptions) error
	CreateBackup(ctx context.Context, source, name string, opts backup.CreateOptions) (*model.BackupManifest, error)
}

// Options configures an Orchestrator. Store is required.
type Options struct {
	Store     Store
	Snapshots Snapshots
	Backups   Backups
	// Safety holds the pre-flight checks. Nil runs none.
	Safety *safety.Registry
	// RequireSafetyChecks makes failing checks block a rollback unless forced.
	RequireSafetyChecks bool
	// AutoCheckpoint captures the current state before restoring.
	AutoCheckpoint bool
	// CheckpointDir receives configuration copies.
	CheckpointDir string
	Logger        *slog.Logger
	Metrics       *metrics.Registry
	Audit         audit.Recorder
	Clock         clock.Clock
}

// Orchestrator coordinates rollback points and operations.
type Orchestrator struct {
	store         Store
	snapshots     Snapshots
	backups       Backups
	safety        *safety.Registry
	requireChecks bool
	autoCP        bool
	checkpointDir string
	log           *slog.Logger
	metrics       *metrics.Registry
	audit         audit.Recorder
	clock         clock.Clock

	// opMu makes each read-modify-write of an operation atomic.
	opMu sync.Mutex
	// execMu serializes the checkpoint and restore phase of rollbacks.
	execMu sync.Mutex
}

// New creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("rollback store is required")
	}
	return &Orchestrator{
		store:         opts.Store,
		snapshots:     opts.Snapshots,
		backups:       opts.Backups,
		safety:        opts.Safety,
		requireChecks: opts.RequireSafetyChecks,
		autoCP:        opts.AutoCheckpoint,
		checkpointDir: opts.CheckpointDir,
		log:           logging.OrDiscard(opts.Logger).With("component", "rollback"),
		metrics:       opts.Metrics,
		audit:         opts.Audit,
		clock:         clock.OrReal(opts.Clock),
	}, nil
}

// CreatePointOptions describes a new rollback point.
type CreatePointOptions struct {
	Name             string
	Description      string
	Scope            model.RollbackScope
	SnapshotID       model.SnapshotID
	BackupID         model.BackupID
	ConfigBackupPath string
	ConfigTargetPath string
	Automatic        bool
}

// CreatePoint records a rollback point. Only the name and scope are
// validated; artifacts are checked by VerifyPoint.
func (o *Orchestrator) CreatePoint(ctx context.Context, opts CreatePointOptions) (*model.RollbackPoint, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return nil, errclass.ErrNameInvalid.WithMessage("rollback point name is required")
	}
	if !opts.Scope.Valid() {
		return nil, errclass.ErrScopeInvalid.WithMessagef("unknown rollback scope %q", opts.Scope)
	}

	p := &model.RollbackPoint{
		ID:               model.NewPointID(),
		Name:             name,
		Description:      opts.Description,
		CreatedAt:        o.clock.Now().UTC(),
		Scope:            opts.Scope,
		SnapshotID:       opts.SnapshotID,
		BackupID:         opts.BackupID,
		ConfigBackupPath: opts.ConfigBackupPath,
		ConfigTargetPath: opts.ConfigTargetPath,
		Automatic:        opts.Automatic,
	}
	if err := o.store.PutPoint(p); err != nil {
		return nil, err
	}
	o.log.Info("rollback point created", "point_id", string(p.ID), "name", name, "scope", string(p.Scope), "automatic", p.Automatic)
	o.record(model.EventPointCreate, string(p.ID), map[string]any{
		"name":        name,
		"scope":       string(p.Scope),
		"snapshot_id": string(p.SnapshotID),
		"backup_id":   string(p.BackupID),
		"automatic":   p.Automatic,
	})
	return p, nil
}

// CaptureConfig copies a live configuration file into the checkpoint
// directory and returns the copy's path.
func (o *Orchestrator) CaptureConfig(ctx context.Context, livePath string) (string, error) {
	if o.checkpointDir == "" {
		return "", errclass.ErrConfigInvalid.WithMessage("no checkpoint directory configured")
	}
	info, err := os.Stat(livePath)
	if err != nil || !info.Mode().IsRegular() {
		return "", errclass.ErrSourceNotFound.WithMessagef("configuration file %s not found", livePath)
	}
	id := model.NewPointID()
	dst := filepath.Join(o.checkpointDir, id.ShortID()+"_"+pathutil.SanitizeName(filepath.Base(livePath)))
	if _, err := fsutil.CopyFile(livePath, dst, info.Mode(), info.ModTime(), nil); err != nil {
		return "", errclass.ErrSnapshotFailed.WithMessagef("copy configuration %s", livePath).Wrap(err)
	}
	o.log.Debug("configuration captured", "source", livePath, "copy", dst)
	return dst, nil
}

// GetPoint returns the point with id.
func (o *Orchestrator) GetPoint(id model.PointID) (*model.RollbackPoint, error) {
	return o.store.GetPoint(id)
}

// ResolvePoint finds a point by full ID, unique ID prefix or unique name.
func (o *Orchestrator) ResolvePoint(query string) (*model.RollbackPoint, error) {
	points, err := o.store.ListPoints()
	if err != nil {
		return nil, err
	}
	entries := make([]catalog.Entry, len(points))
	for i, p := range points {
		entries[i] = catalog.Entry{ID: string(p.ID), Name: p.Name, CreatedAt: p.CreatedAt}
	}
	id, err := catalog.Resolve(entries, query, errclass.ErrPointNotFound)
	if err != nil {
		return nil, err
	}
	return o.store.GetPoint(model.PointID(id))
}

// ListPoints returns points newest first, optionally filtered by scope.
func (o *Orchestrator) ListPoints(scope model.RollbackScope) ([]*model.RollbackPoint, error) {
	points, err := o.store.ListPoints()
	if err != nil {
		return nil, err
	}
	if scope == "" {
		return points, nil
	}
	out := points[:0]
	for _, p := range points {
		if p.Scope == scope {
			out = append(out, p)
		}
	}
	return out, nil
}

// DeletePoint removes a rollback point. Referenced artifacts are kept.
func (o *Orchestrator) DeletePoint(ctx context.Context, id model.PointID) error {
	if err := o.store.DeletePoint(id); err != nil {
		return err
	}
	o.log.Info("rollback point deleted", "point_id", string(id))
	o.record(model.EventPointDelete, string(id), nil)
	return nil
}

// VerifyPoint checks that every artifact the point references exists and
// is accessible, and persists the result.
func (o *Orchestrator) VerifyPoint(ctx context.Context, id model.PointID) (bool, error) {
	p, err := o.store.GetPoint(id)
	if err != nil {
		return false, err
	}
	problems := o.artifactProblems(p)
	ok := len(problems) == 0
	for _, problem := range problems {
		o.log.Warn("rollback point failed verification", "point_id", string(id), "problem", problem)
	}
	if p.Verified != ok {
		p.Verified = ok
		if err := o.store.PutPoint(p); err != nil {
			return false, err
		}
	}
	return ok, nil
}

func (o *Orchestrator) artifactProblems(p *model.RollbackPoint) []string {
	if !p.HasArtifacts() {
		return []string{"point references no artifacts"}
	}
	var problems []string
	if p.SnapshotID != "" {
		if o.snapshots == nil {
			problems = append(problems, "no snapshotter configured")
		} else if rec, err := o.snapshots.Get(p.SnapshotID); err != nil {
			problems = append(problems, err.Error())
		} else if !fsutil.Exists(rec.ArchivePath) {
			problems = append(problems, fmt.Sprintf("snapshot data %s is missing", rec.ArchivePath))
		}
	}
	if p.BackupID != "" {
		if o.backups == nil {
			problems = append(problems, "no backup engine configured")
		} else if m, err := o.backups.Get(p.BackupID); err != nil {
			problems = append(problems, err.Error())
		} else if !fsutil.IsDir(m.StorageDir) {
			problems = append(problems, fmt.Sprintf("backup storage %s is missing", m.StorageDir))
		}
	}
	if p.ConfigBackupPath != "" && !fsutil.Exists(p.ConfigBackupPath) {
		problems = append(problems, fmt.Sprintf("configuration copy %s is missing", p.ConfigBackupPath))
	}
	return problems
}

func (o *Orchestrator) record(event model.AuditEventType, subject string, details map[string]any) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Append(event, subject, details); err != nil {
		o.log.Warn("audit append failed", "event", string(event), "error", err)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
