package safety

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ckpt-project/ckpt/internal/backup"
	"github.com/ckpt-project/ckpt/pkg/model"
)

// SnapshotVerifier verifies snapshot integrity.
type SnapshotVerifier interface {
	Verify(ctx context.Context, id model.SnapshotID) (bool, error)
}

// BackupVerifier verifies backup integrity.
type BackupVerifier interface {
	VerifyBackup(ctx context.Context, id model.BackupID, opts backup.VerifyOptions) (bool, error)
}

// Config holds the thresholds and collaborators of the default checks.
type Config struct {
	// Root is the path whose filesystem is checked for free space.
	Root                string
	MaxDiskUsagePercent float64
	MaxLoadAvg          float64
	// NetworkProbeAddr enables the network check when set.
	NetworkProbeAddr string
	ProbeTimeout     time.Duration
	// ProcRoot defaults to /proc.
	ProcRoot  string
	Snapshots SnapshotVerifier
	Backups   BackupVerifier
}

// Defaults returns a registry holding the default checkers for cfg. The
// network check is only registered when a probe address is configured and
// the integrity check only when a verifier is available.
func Defaults(cfg Config) *Registry {
	if cfg.MaxDiskUsagePercent <= 0 {
		cfg.MaxDiskUsagePercent = 90
	}
	if cfg.MaxLoadAvg <= 0 {
		cfg.MaxLoadAvg = 10
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ProcRoot == "" {
		cfg.ProcRoot = "/proc"
	}

	r := NewRegistry()
	r.Register(model.CheckDiskSpace, DiskSpace(cfg.Root, cfg.MaxDiskUsagePercent))
	r.Register(model.CheckSystemLoad, SystemLoad(cfg.ProcRoot, cfg.MaxLoadAvg))
	r.Register(model.CheckRunningProcesses, ProcessCensus(cfg.ProcRoot))
	if cfg.NetworkProbeAddr != "" {
		r.Register(model.CheckNetworkConnectivity, Network(cfg.NetworkProbeAddr, cfg.ProbeTimeout))
	}
	if cfg.Snapshots != nil || cfg.Backups != nil {
		r.Register(model.CheckBackupIntegrity, ArtifactIntegrity(cfg.Snapshots, cfg.Backups))
	}
	return r
}

// DiskSpace fails when the filesystem holding path is more than maxPercent
// full. Platforms without statfs always pass.
func DiskSpace(path string, maxPercent float64) CheckerFunc {
	return func(ctx context.Context, _ *model.RollbackPoint) model.SafetyCheck {
		p := existingAncestor(path)
		total, avail, err := diskUsage(p)
		if err != nil {
			return model.SafetyCheck{Passed: true, Message: fmt.Sprintf("disk usage unavailable: %v", err)}
		}
		if total == 0 {
			return model.SafetyCheck{Passed: true, Message: "disk usage unavailable"}
		}
		used := float64(total-avail) / float64(total) * 100
		check := model.SafetyCheck{
			Passed: used <= maxPercent,
			Details: map[string]any{
				"path":          p,
				"used_percent":  used,
				"free_bytes":    avail,
				"limit_percent": maxPercent,
			},
		}
		if check.Passed {
			check.Message = fmt.Sprintf("disk %.1f%% used", used)
		} else {
			check.Message = fmt.Sprintf("disk %.1f%% used exceeds %.0f%%", used, maxPercent)
		}
		return check
	}
}

func existingAncestor(path string) string {
	if path == "" {
		path = "."
	}
	p := filepath.Clean(path)
	for {
		if _, err := os.Stat(p); err == nil {
			return p
		}
		parent := filepath.Dir(p)
		if parent == p {
			return p
		}
		p = parent
	}
}

// SystemLoad fails when the 1-minute load average exceeds max. An
// unreadable load average passes.
func SystemLoad(procRoot string, max float64) CheckerFunc {
	return func(ctx context.Context, _ *model.RollbackPoint) model.SafetyCheck {
		data, err := os.ReadFile(filepath.Join(procRoot, "loadavg"))
		if err != nil {
			return model.SafetyCheck{Passed: true, Message: "load average unavailable on this platform"}
		}
		fields := strings.Fields(string(data))
		if len(fields) == 0 {
			return model.SafetyCheck{Passed: true, Message: "load average unreadable"}
		}
		load, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return model.SafetyCheck{Passed: true, Message: fmt.Sprintf("load average unreadable: %v", err)}
		}
		check := model.SafetyCheck{
			Passed:  load <= max,
			Details: map[string]any{"load1": load, "limit": max},
		}
		if check.Passed {
			check.Message = fmt.Sprintf("load average %.2f", load)
		} else {
			check.Message = fmt.Sprintf("load average %.2f exceeds %.2f", load, max)
		}
		return check
	}
}

// ProcessCensus counts running processes. It is informational and always
// passes.
func ProcessCensus(procRoot string) CheckerFunc {
	return func(ctx context.Context, _ *model.RollbackPoint) model.SafetyCheck {
		entries, err := os.ReadDir(procRoot)
		if err != nil {
			return model.SafetyCheck{Passed: true, Message: "process list unavailable on this platform"}
		}
		n := 0
		for _, e := range entries {
			if _, err := strconv.Atoi(e.Name()); err == nil && e.IsDir() {
				n++
			}
		}
		return model.SafetyCheck{
			Passed:  true,
			Message: fmt.Sprintf("%d processes running", n),
			Details: map[string]any{"count": n},
		}
	}
}

// Network fails when a TCP connection to addr cannot be opened within
// timeout.
func Network(addr string, timeout time.Duration) CheckerFunc {
	return func(ctx context.Context, _ *model.RollbackPoint) model.SafetyCheck {
		d := net.Dialer{Timeout: timeout}
		start := time.Now()
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return model.SafetyCheck{
				Passed:  false,
				Message: fmt.Sprintf("cannot reach %s: %v", addr, err),
				Details: map[string]any{"addr": addr},
			}
		}
		conn.Close()
		return model.SafetyCheck{
			Passed:  true,
			Message: fmt.Sprintf("reached %s", addr),
			Details: map[string]any{"addr": addr, "latency_ms": time.Since(start).Milliseconds()},
		}
	}
}

// ArtifactIntegrity verifies every artifact the point references.
func ArtifactIntegrity(snapshots SnapshotVerifier, backups BackupVerifier) CheckerFunc {
	return func(ctx context.Context, point *model.RollbackPoint) model.SafetyCheck {
		if point == nil || !point.HasArtifacts() {
			return model.SafetyCheck{Passed: true, Message: "no artifacts to verify"}
		}
		var failures []string
		verified := 0
		if point.SnapshotID != "" && snapshots != nil {
			ok, err := snapshots.Verify(ctx, point.SnapshotID)
			switch {
			case err != nil:
				failures = append(failures, fmt.Sprintf("snapshot %s: %v", point.SnapshotID.ShortID(), err))
			case !ok:
				failures = append(failures, fmt.Sprintf("snapshot %s failed verification", point.SnapshotID.ShortID()))
			default:
				verified++
			}
		}
		if point.BackupID != "" && backups != nil {
			ok, err := backups.VerifyBackup(ctx, point.BackupID, backup.VerifyOptions{})
			switch {
			case err != nil:
				failures = append(failures, fmt.Sprintf("backup %s: %v", point.BackupID.ShortID(), err))
			case !ok:
				failures = append(failures, fmt.Sprintf("backup %s failed verification", point.BackupID.ShortID()))
			default:
				verified++
			}
		}
		if point.ConfigBackupPath != "" {
			if _, err := os.Stat(point.ConfigBackupPath); err != nil {
				failures = append(failures, fmt.Sprintf("configuration copy %s is missing", point.ConfigBackupPath))
			} else {
				verified++
			}
		}

		if len(failures) > 0 {
			return model.SafetyCheck{
				Passed:  false,
				Message: strings.Join(failures, "; "),
				Details: map[string]any{"failures": failures},
			}
		}
		return model.SafetyCheck{
			Passed:  true,
			Message: fmt.Sprintf("%d artifact(s) verified", verified),
			Details: map[string]any{"verified": verified},
		}
	}
}
