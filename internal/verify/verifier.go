// Package verify checks the integrity of every stored snapshot and backup.
package verify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ckpt-project/ckpt/internal/backup"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/logging"
	"github.com/ckpt-project/ckpt/pkg/model"
)

const (
	KindSnapshot = "snapshot"
	KindBackup   = "backup"

	SeverityCritical = "critical"
	SeverityError    = "error"
)

// Result contains verification results for a single artifact.
type Result struct {
	Kind           string   `json:"kind"`
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Valid          bool     `json:"valid"`
	TamperDetected bool     `json:"tamper_detected"`
	Severity       string   `json:"severity,omitempty"`
	Problems       []string `json:"problems,omitempty"`
	Error          string   `json:"error,omitempty"`
}

// Snapshots is the part of the snapshotter the verifier reads.
type Snapshots interface {
	Get(id model.SnapshotID) (*model.SnapshotRecord, error)
	List(source string) []*model.SnapshotRecord
	Check(ctx context.Context, id model.SnapshotID) error
}

// Backups is the part of the backup engine the verifier reads.
type Backups interface {
	Get(id model.BackupID) (*model.BackupManifest, error)
	List(source string) []*model.BackupManifest
	Chain(id model.BackupID) ([]*model.BackupManifest, error)
	Problems(ctx context.Context, id model.BackupID, opts backup.VerifyOptions) ([]string, error)
}

// Verifier performs integrity verification. Either store may be nil.
type Verifier struct {
	snapshots Snapshots
	backups   Backups
	log       *slog.Logger
}

// NewVerifier creates a new verifier.
func NewVerifier(snapshots Snapshots, backups Backups, logger *slog.Logger) *Verifier {
	return &Verifier{
		snapshots: snapshots,
		backups:   backups,
		log:       logging.OrDiscard(logger).With("component", "verify"),
	}
}

// VerifySnapshot verifies a single snapshot. Unknown IDs are returned as
// errors; integrity problems are reported in the result.
func (v *Verifier) VerifySnapshot(ctx context.Context, id model.SnapshotID) (*Result, error) {
	if v.snapshots == nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("no snapshotter configured")
	}
	rec, err := v.snapshots.Get(id)
	if err != nil {
		return nil, err
	}
	result := &Result{Kind: KindSnapshot, ID: string(id), Name: rec.Name, Valid: true}

	if err := v.snapshots.Check(ctx, id); err != nil {
		if errclass.KindOf(err) != errclass.KindIntegrityFailure {
			return nil, err
		}
		result.Valid = false
		result.Error = err.Error()
		result.Severity = SeverityError
		if errclass.CodeOf(err) == errclass.ErrChecksumMismatch.Code {
			result.TamperDetected = true
			result.Severity = SeverityCritical
		}
		v.log.Warn("snapshot invalid", "snapshot_id", string(id), "error", err)
	}
	return result, nil
}

// VerifyBackup verifies a backup's stored files and its ancestor chain.
func (v *Verifier) VerifyBackup(ctx context.Context, id model.BackupID, deep bool) (*Result, error) {
	if v.backups == nil {
		return nil, errclass.ErrConfigInvalid.WithMessage("no backup engine configured")
	}
	m, err := v.backups.Get(id)
	if err != nil {
		return nil, err
	}
	result := &Result{Kind: KindBackup, ID: string(id), Name: m.Name, Valid: true}

	if _, err := v.backups.Chain(id); err != nil {
		result.Problems = append(result.Problems, err.Error())
	}
	problems, err := v.backups.Problems(ctx, id, backup.VerifyOptions{Deep: deep})
	if err != nil {
		return nil, err
	}
	result.Problems = append(result.Problems, problems...)

	if len(result.Problems) > 0 {
		result.Valid = false
		result.Severity = SeverityError
		result.Error = fmt.Sprintf("%d problem(s)", len(result.Problems))
		v.log.Warn("backup invalid", "backup_id", string(id), "problems", len(result.Problems))
	}
	return result, nil
}

// VerifyAll verifies every snapshot, then every backup.
func (v *Verifier) VerifyAll(ctx context.Context, deep bool) ([]*Result, error) {
	var results []*Result
	if v.snapshots != nil {
		for _, rec := range v.snapshots.List("") {
			r, err := v.VerifySnapshot(ctx, rec.ID)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
	}
	if v.backups != nil {
		for _, m := range v.backups.List("") {
			r, err := v.VerifyBackup(ctx, m.ID, deep)
			if err != nil {
				return nil, err
			}
			results = append(results, r)
		}
	}
	return results, nil
}

// Failed counts the invalid results.
func Failed(results []*Result) int {
	n := 0
	for _, r := range results {
		if !r.Valid {
			n++
		}
	}
	return n
}
