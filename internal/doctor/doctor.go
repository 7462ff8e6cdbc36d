// Package doctor diagnoses and repairs a ckpt storage root.
package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ckpt-project/ckpt/internal/backup"
	"github.com/ckpt-project/ckpt/internal/repo"
	"github.com/ckpt-project/ckpt/internal/restore"
	"github.com/ckpt-project/ckpt/internal/snapshot"
	"github.com/ckpt-project/ckpt/internal/verify"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/fsutil"
	"github.com/ckpt-project/ckpt/pkg/model"
)

const (
	SeverityCritical = "critical"
	SeverityError    = "error"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityCritical || f.Severity == SeverityError {
		r.Healthy = false
	}
}

// RepairAction describes a repair Repair can run.
type RepairAction struct {
	ID          string `json:"id"`
	Description string `json:"description"`
}

// RepairResult reports one repair.
type RepairResult struct {
	Action  string `json:"action"`
	Success bool   `json:"success"`
	Cleaned int    `json:"cleaned"`
	Message string `json:"message,omitempty"`
}

// Sources lists the source paths artifacts were taken from; restores of
// them stage next to these paths.
type Sources interface {
	List(source string) []*model.SnapshotRecord
}

// BackupSources lists backups and resolves their chains.
type BackupSources interface {
	List(source string) []*model.BackupManifest
	Chain(id model.BackupID) ([]*model.BackupManifest, error)
}

// AuditLog is the audit chain checked by Check.
type AuditLog interface {
	VerifyChain() error
}

// Options wires the stores the doctor inspects. Any may be nil.
type Options struct {
	Snapshots Sources
	Backups   BackupSources
	Audit     AuditLog
	Verifier  *verify.Verifier
}

// Doctor performs storage root health checks.
type Doctor struct {
	root string
	opts Options
}

// NewDoctor creates a new doctor for root.
func NewDoctor(root string, opts Options) *Doctor {
	return &Doctor{root: root, opts: opts}
}

// Check runs all diagnostic checks. Strict also verifies every artifact.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true, Findings: []Finding{}}

	d.checkFormatVersion(result)
	d.checkIncomplete(result)
	d.checkChains(result)
	d.checkAudit(result)
	if strict {
		if err := d.checkIntegrity(ctx, result); err != nil {
			return nil, err
		}
	}
	d.checkOrphanTmp(result)
	d.checkStaging(result)

	return result, nil
}

func (d *Doctor) checkFormatVersion(result *Result) {
	versionPath := filepath.Join(d.root, repo.FormatVersionFile)
	data, err := os.ReadFile(versionPath)
	if err != nil {
		result.add(Finding{
			Category:    "format",
			Description: "format_version file missing or unreadable",
			Severity:    SeverityCritical,
			Path:        versionPath,
		})
		return
	}
	version, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		result.add(Finding{
			Category:    "format",
			Description: fmt.Sprintf("format_version is not a number: %q", strings.TrimSpace(string(data))),
			Severity:    SeverityCritical,
			Path:        versionPath,
		})
		return
	}
	if version > repo.FormatVersion {
		result.add(Finding{
			Category:    "format",
			Description: fmt.Sprintf("format version %d > supported %d", version, repo.FormatVersion),
			Severity:    SeverityCritical,
			Path:        versionPath,
		})
	}
}

// incompleteDirs returns artifact directories that lack their record file.
func (d *Doctor) incompleteDirs() []string {
	var out []string
	for _, area := range []struct{ dir, record string }{
		{filepath.Join(d.root, snapshot.DirName), snapshot.RecordFile},
		{filepath.Join(d.root, backup.DirName), backup.ManifestFile},
	} {
		entries, err := os.ReadDir(area.dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() || fsutil.IsTempName(e.Name()) {
				continue
			}
			dir := filepath.Join(area.dir, e.Name())
			if !fsutil.Exists(filepath.Join(dir, area.record)) {
				out = append(out, dir)
			}
		}
	}
	return out
}

func (d *Doctor) checkIncomplete(result *Result) {
	for _, dir := range d.incompleteDirs() {
		result.add(Finding{
			Category:    "record",
			Description: fmt.Sprintf("artifact directory without a record: %s", filepath.Base(dir)),
			Severity:    SeverityWarning,
			Path:        dir,
		})
	}
}

func (d *Doctor) checkChains(result *Result) {
	if d.opts.Backups == nil {
		return
	}
	for _, m := range d.opts.Backups.List("") {
		if _, err := d.opts.Backups.Chain(m.ID); err != nil {
			result.add(Finding{
				Category:    "chain",
				Description: fmt.Sprintf("backup %s: %v", m.ID.ShortID(), err),
				Severity:    SeverityError,
				Path:        m.StorageDir,
				ErrorCode:   errclass.CodeOf(err),
			})
		}
	}
}

func (d *Doctor) checkAudit(result *Result) {
	if d.opts.Audit == nil {
		return
	}
	if err := d.opts.Audit.VerifyChain(); err != nil {
		result.add(Finding{
			Category:    "audit",
			Description: fmt.Sprintf("audit chain broken: %v", err),
			Severity:    SeverityCritical,
			ErrorCode:   errclass.CodeOf(err),
		})
	}
}

func (d *Doctor) checkIntegrity(ctx context.Context, result *Result) error {
	if d.opts.Verifier == nil {
		return nil
	}
	results, err := d.opts.Verifier.VerifyAll(ctx, true)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		result.add(Finding{
			Category:    "integrity",
			Description: fmt.Sprintf("verification failed: %v", err),
			Severity:    SeverityError,
		})
		return nil
	}
	for _, r := range results {
		if r.Valid {
			continue
		}
		desc := r.Error
		if len(r.Problems) > 0 {
			desc = strings.Join(r.Problems, "; ")
		}
		sev := SeverityError
		if r.TamperDetected {
			sev = SeverityCritical
		}
		result.add(Finding{
			Category:    "integrity",
			Description: fmt.Sprintf("%s %s: %s", r.Kind, r.ID, desc),
			Severity:    sev,
		})
	}
	return nil
}

func (d *Doctor) orphanTmp() []string {
	var out []string
	filepath.Walk(d.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fsutil.IsTempName(info.Name()) {
			out = append(out, path)
			if info.IsDir() {
				return filepath.SkipDir
			}
		}
		return nil
	})
	return out
}

func (d *Doctor) checkOrphanTmp(result *Result) {
	for _, path := range d.orphanTmp() {
		result.add(Finding{
			Category:    "tmp",
			Description: fmt.Sprintf("orphan temp file: %s", filepath.Base(path)),
			Severity:    SeverityInfo,
			Path:        path,
		})
	}
}

// staging returns leftover restore staging directories next to every
// known source path.
func (d *Doctor) staging() []string {
	parents := map[string]bool{}
	if d.opts.Snapshots != nil {
		for _, rec := range d.opts.Snapshots.List("") {
			parents[filepath.Dir(rec.SourcePath)] = true
		}
	}
	if d.opts.Backups != nil {
		for _, m := range d.opts.Backups.List("") {
			parents[filepath.Dir(m.SourcePath)] = true
		}
	}
	var out []string
	for parent := range parents {
		entries, err := os.ReadDir(parent)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if restore.IsStagingName(e.Name()) {
				out = append(out, filepath.Join(parent, e.Name()))
			}
		}
	}
	sort.Strings(out)
	return out
}

func (d *Doctor) checkStaging(result *Result) {
	for _, path := range d.staging() {
		result.add(Finding{
			Category:    "staging",
			Description: fmt.Sprintf("interrupted restore left %s", filepath.Base(path)),
			Severity:    SeverityWarning,
			Path:        path,
		})
	}
}

// ListRepairActions returns the repairs Repair understands.
func (d *Doctor) ListRepairActions() []RepairAction {
	return []RepairAction{
		{ID: "clean_tmp", Description: "remove orphan temporary files from the storage root"},
		{ID: "clean_staging", Description: "remove restore staging directories left by interrupted restores"},
		{ID: "clean_incomplete", Description: "remove artifact directories that have no record"},
	}
}

// Repair runs the named actions in order. Unknown actions are reported as
// unsuccessful results.
func (d *Doctor) Repair(actions []string) ([]RepairResult, error) {
	results := make([]RepairResult, 0, len(actions))
	for _, action := range actions {
		var paths []string
		switch action {
		case "clean_tmp":
			paths = d.orphanTmp()
		case "clean_staging":
			paths = d.staging()
		case "clean_incomplete":
			paths = d.incompleteDirs()
		default:
			results = append(results, RepairResult{
				Action:  action,
				Message: fmt.Sprintf("unknown repair action: %s", action),
			})
			continue
		}
		results = append(results, removeAll(action, paths))
	}
	return results, nil
}

func removeAll(action string, paths []string) RepairResult {
	r := RepairResult{Action: action, Success: true}
	var failed []string
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			failed = append(failed, err.Error())
			continue
		}
		r.Cleaned++
	}
	if len(failed) > 0 {
		r.Success = false
		r.Message = strings.Join(failed, "; ")
	}
	return r
}
