package ckpt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ckpt-project/ckpt/internal/audit"
	"github.com/ckpt-project/ckpt/internal/backup"
	"github.com/ckpt-project/ckpt/internal/doctor"
	"github.com/ckpt-project/ckpt/internal/engine"
	"github.com/ckpt-project/ckpt/internal/lock"
	"github.com/ckpt-project/ckpt/internal/repo"
	"github.com/ckpt-project/ckpt/internal/rollback"
	"github.com/ckpt-project/ckpt/internal/safety"
	"github.com/ckpt-project/ckpt/internal/snapshot"
	"github.com/ckpt-project/ckpt/internal/verify"
	"github.com/ckpt-project/ckpt/pkg/config"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/logging"
	"github.com/ckpt-project/ckpt/pkg/metrics"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

type (
	// RollbackOptions controls a rollback.
	RollbackOptions = rollback.InitiateOptions
	// VerifyResult is the outcome of verifying one artifact.
	VerifyResult = verify.Result
	// DoctorResult holds storage root findings.
	DoctorResult = doctor.Result
	// RepairResult reports one doctor repair.
	RepairResult = doctor.RepairResult
	// RepairAction describes a doctor repair.
	RepairAction = doctor.RepairAction
)

// Options configures Open and Init.
type Options struct {
	// Config overrides the configuration file in the storage root.
	Config *config.Config
	// Logger defaults to one built from the logging section of Config.
	Logger *slog.Logger
	// Metrics defaults to a fresh registry.
	Metrics *metrics.Registry
	// Safety replaces the default safety checks.
	Safety *safety.Registry
}

// Client provides high-level operations on a storage root.
type Client struct {
	repo    *repo.Repo
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Registry
	audit   *audit.FileAppender

	snapshots *snapshot.Snapshotter
	backups   *backup.Engine
	store     rollback.Store
	rollback  *rollback.Orchestrator
	safety    *safety.Registry
	verifier  *verify.Verifier
}

// Init initializes a storage root at path and opens it.
func Init(path string, opts Options) (*Client, error) {
	r, err := repo.Init(path)
	if err != nil {
		return nil, fmt.Errorf("ckpt init: %w", err)
	}
	return open(r, opts)
}

// Open opens an existing storage root.
func Open(path string, opts Options) (*Client, error) {
	r, err := repo.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ckpt open: %w", err)
	}
	return open(r, opts)
}

// OpenOrInit opens the storage root at path, initializing it first if needed.
func OpenOrInit(path string, opts Options) (*Client, error) {
	return Init(path, opts)
}

func open(r *repo.Repo, opts Options) (*Client, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadFromRoot(r.Root)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := opts.Logger
	if log == nil {
		log = logging.New(logging.Options{
			Level:  logging.Level(cfg.Logging.Level),
			Format: logging.Format(cfg.Logging.Format),
		})
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.NewRegistry()
	}

	c := &Client{
		repo:    r,
		cfg:     cfg,
		log:     log,
		metrics: m,
		audit:   audit.NewFileAppender(r.AuditPath()),
	}
	locks := lock.NewManager(r.LocksPath())

	snaps, err := snapshot.New(r.Root, snapshot.Options{
		Logger:      log,
		Metrics:     m,
		Audit:       c.audit,
		Engine:      engine.NewEngine(engine.Type(cfg.Snapshot.Engine)),
		Compression: cfg.Snapshot.Compression,
		Locks:       locks,
	})
	if err != nil {
		return nil, err
	}
	backups, err := backup.New(r.Root, backup.Options{
		Logger:      log,
		Metrics:     m,
		Audit:       c.audit,
		HashWorkers: cfg.Backup.HashWorkers,
		Locks:       locks,
	})
	if err != nil {
		return nil, err
	}
	c.snapshots = snaps
	c.backups = backups

	switch cfg.Store.Type {
	case "memory":
		c.store = rollback.NewMemoryStore()
	default:
		store, err := rollback.OpenBadgerStore(rollback.BadgerConfig{
			Path:       r.StorePath(),
			SyncWrites: cfg.Store.SyncWrites,
			Logger:     log,
		})
		if err != nil {
			return nil, err
		}
		c.store = store
	}

	c.safety = opts.Safety
	if c.safety == nil {
		c.safety = safety.Defaults(safety.Config{
			Root:                r.Root,
			MaxDiskUsagePercent: cfg.Safety.MaxDiskUsagePercent,
			MaxLoadAvg:          cfg.Safety.MaxLoadAvg,
			NetworkProbeAddr:    cfg.Safety.NetworkProbeAddr,
			ProbeTimeout:        cfg.ProbeTimeout(),
			Snapshots:           snaps,
			Backups:             backups,
		})
	}

	c.rollback, err = rollback.New(rollback.Options{
		Store:               c.store,
		Snapshots:           snaps,
		Backups:             backups,
		Safety:              c.safety,
		RequireSafetyChecks: cfg.Rollback.RequireSafetyChecks,
		AutoCheckpoint:      cfg.Rollback.AutoCheckpoint,
		CheckpointDir:       r.ConfigsPath(),
		Logger:              log,
		Metrics:             m,
		Audit:               c.audit,
	})
	if err != nil {
		c.store.Close()
		return nil, err
	}
	c.verifier = verify.NewVerifier(snaps, backups, log)

	_ = m.RegisterGauge("snapshot_storage_bytes", "Bytes held by snapshots.", func() float64 {
		return float64(snaps.TotalSize())
	})
	_ = m.RegisterGauge("backup_storage_bytes", "Bytes held by backups.", func() float64 {
		return float64(backups.TotalSize())
	})

	log.Debug("storage root opened", "root", r.Root, "repo_id", r.RepoID, "store", cfg.Store.Type)
	return c, nil
}

// Close releases the rollback store.
func (c *Client) Close() error {
	return c.store.Close()
}

// Root returns the absolute path of the storage root.
func (c *Client) Root() string { return c.repo.Root }

// RepoID returns the unique storage root identifier.
func (c *Client) RepoID() string { return c.repo.RepoID }

// Config returns the active configuration.
func (c *Client) Config() *config.Config { return c.cfg }

// Metrics returns the metrics registry.
func (c *Client) Metrics() *metrics.Registry { return c.metrics }

// Logger returns the client's logger.
func (c *Client) Logger() *slog.Logger { return c.log }

// AuditRecords returns every audit record, oldest first.
func (c *Client) AuditRecords() ([]model.AuditRecord, error) {
	return c.audit.Records()
}

// Verify checks every snapshot and backup. Deep rehashes backup contents.
func (c *Client) Verify(ctx context.Context, deep bool) ([]*VerifyResult, error) {
	return c.verifier.VerifyAll(ctx, deep)
}

func (c *Client) doctor() *doctor.Doctor {
	return doctor.NewDoctor(c.repo.Root, doctor.Options{
		Snapshots: c.snapshots,
		Backups:   c.backups,
		Audit:     c.audit,
		Verifier:  c.verifier,
	})
}

// Doctor checks the health of the storage root.
func (c *Client) Doctor(ctx context.Context, strict bool) (*DoctorResult, error) {
	return c.doctor().Check(ctx, strict)
}

// RepairActions lists the repairs Repair understands.
func (c *Client) RepairActions() []RepairAction {
	return c.doctor().ListRepairActions()
}

// Repair runs doctor repairs by ID.
func (c *Client) Repair(actions []string) ([]RepairResult, error) {
	return c.doctor().Repair(actions)
}

// RetentionPolicy returns the configured retention policy.
func (c *Client) RetentionPolicy() (model.RetentionPolicy, error) {
	return c.cfg.RetentionPolicy()
}

// CleanupResult lists the artifacts removed by Cleanup.
type CleanupResult struct {
	Snapshots []model.SnapshotID `json:"snapshots"`
	Backups   []model.BackupID   `json:"backups"`
}

// Cleanup applies policy to the snapshots and backups of source. An empty
// source applies it to each source separately. cb follows the deletions and
// may be nil.
func (c *Client) Cleanup(ctx context.Context, source string, policy model.RetentionPolicy, cb progress.Callback) (*CleanupResult, error) {
	if err := policy.Validate(); err != nil {
		return nil, errclass.ErrConfigInvalid.WithMessage(err.Error())
	}
	sources := []string{source}
	if source == "" {
		sources = c.sources()
	}
	res := &CleanupResult{Snapshots: []model.SnapshotID{}, Backups: []model.BackupID{}}
	for _, src := range sources {
		snaps, err := c.snapshots.CleanupOld(ctx, src, policy.KeepCount, policy.MinAge, cb)
		res.Snapshots = append(res.Snapshots, snaps...)
		if err != nil {
			return res, err
		}
		backups, err := c.backups.CleanupOld(ctx, src, policy.KeepCount, policy.MinAge, cb)
		res.Backups = append(res.Backups, backups...)
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

// sources returns every distinct source path with stored artifacts.
func (c *Client) sources() []string {
	seen := map[string]bool{}
	var out []string
	for _, rec := range c.snapshots.List("") {
		if !seen[rec.SourcePath] {
			seen[rec.SourcePath] = true
			out = append(out, rec.SourcePath)
		}
	}
	for _, m := range c.backups.List("") {
		if !seen[m.SourcePath] {
			seen[m.SourcePath] = true
			out = append(out, m.SourcePath)
		}
	}
	return out
}

// Usage reports the bytes held by each store.
type Usage struct {
	SnapshotBytes int64 `json:"snapshot_bytes"`
	BackupBytes   int64 `json:"backup_bytes"`
	Snapshots     int   `json:"snapshots"`
	Backups       int   `json:"backups"`
}

// Usage returns storage usage totals.
func (c *Client) Usage() Usage {
	return Usage{
		SnapshotBytes: c.snapshots.TotalSize(),
		BackupBytes:   c.backups.TotalSize(),
		Snapshots:     len(c.snapshots.List("")),
		Backups:       len(c.backups.List("")),
	}
}
