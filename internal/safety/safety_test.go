package safety_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpt-project/ckpt/internal/backup"
	"github.com/ckpt-project/ckpt/internal/safety"
	"github.com/ckpt-project/ckpt/pkg/model"
)

func fakeProc(t *testing.T, loadavg string, pids ...string) string {
	t.Helper()
	dir := t.TempDir()
	if loadavg != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "loadavg"), []byte(loadavg), 0644))
	}
	for _, pid := range pids {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, pid), 0755))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sys"), 0755))
	return dir
}

func TestRegistry_RunsInKindOrderAndRecoversPanics(t *testing.T) {
	r := safety.NewRegistry()
	r.Register(model.CheckBackupIntegrity, safety.CheckerFunc(func(context.Context, *model.RollbackPoint) model.SafetyCheck {
		return model.SafetyCheck{Passed: true, Message: "fine"}
	}))
	r.Register(model.CheckDiskSpace, safety.CheckerFunc(func(context.Context, *model.RollbackPoint) model.SafetyCheck {
		panic("boom")
	}))

	assert.Equal(t, []model.SafetyCheckKind{model.CheckDiskSpace, model.CheckBackupIntegrity}, r.Kinds())

	checks := r.Run(context.Background(), &model.RollbackPoint{})
	require.Len(t, checks, 2)
	assert.Equal(t, model.CheckDiskSpace, checks[0].Kind)
	assert.False(t, checks[0].Passed)
	assert.Contains(t, checks[0].Message, "boom")
	assert.Equal(t, model.CheckBackupIntegrity, checks[1].Kind)
	assert.True(t, checks[1].Passed)
	assert.False(t, safety.AllPassed(checks))

	r.Unregister(model.CheckDiskSpace)
	assert.True(t, safety.AllPassed(r.Run(context.Background(), nil)))
}

func TestSystemLoad(t *testing.T) {
	ctx := context.Background()

	check := safety.SystemLoad(fakeProc(t, "0.50 0.40 0.30 1/100 42\n"), 10).Check(ctx, nil)
	assert.True(t, check.Passed)
	assert.Equal(t, 0.5, check.Details["load1"])

	check = safety.SystemLoad(fakeProc(t, "12.5 3 3 1/1 1\n"), 10).Check(ctx, nil)
	assert.False(t, check.Passed)
	assert.Contains(t, check.Message, "exceeds")

	check = safety.SystemLoad(fakeProc(t, ""), 10).Check(ctx, nil)
	assert.True(t, check.Passed)
	assert.Contains(t, check.Message, "unavailable")
}

func TestProcessCensus(t *testing.T) {
	check := safety.ProcessCensus(fakeProc(t, "", "1", "42", "1337")).Check(context.Background(), nil)
	assert.True(t, check.Passed)
	assert.Equal(t, 3, check.Details["count"])

	check = safety.ProcessCensus(filepath.Join(t.TempDir(), "none")).Check(context.Background(), nil)
	assert.True(t, check.Passed)
}

func TestDiskSpace(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	assert.True(t, safety.DiskSpace(filepath.Join(dir, "not", "yet"), 100).Check(ctx, nil).Passed)

	check := safety.DiskSpace(dir, 0.0000001).Check(ctx, nil)
	if check.Details == nil {
		t.Skip("statfs unavailable")
	}
	assert.False(t, check.Passed)
}

func TestNetwork(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	assert.True(t, safety.Network(addr, time.Second).Check(context.Background(), nil).Passed)

	require.NoError(t, ln.Close())
	check := safety.Network(addr, time.Second).Check(context.Background(), nil)
	assert.False(t, check.Passed)
	assert.Equal(t, addr, check.Details["addr"])
}

type fakeSnapshots map[model.SnapshotID]bool

func (f fakeSnapshots) Verify(_ context.Context, id model.SnapshotID) (bool, error) {
	ok, found := f[id]
	if !found {
		return false, errors.New("not found")
	}
	return ok, nil
}

type fakeBackups map[model.BackupID]bool

func (f fakeBackups) VerifyBackup(_ context.Context, id model.BackupID, _ backup.VerifyOptions) (bool, error) {
	return f[id], nil
}

func TestArtifactIntegrity(t *testing.T) {
	ctx := context.Background()
	cfg := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("x: 1"), 0644))
	checker := safety.ArtifactIntegrity(fakeSnapshots{"good": true, "bad": false}, fakeBackups{"b1": true})

	check := checker.Check(ctx, &model.RollbackPoint{SnapshotID: "good", BackupID: "b1", ConfigBackupPath: cfg})
	assert.True(t, check.Passed)
	assert.Equal(t, 3, check.Details["verified"])

	check = checker.Check(ctx, &model.RollbackPoint{SnapshotID: "bad", BackupID: "b2"})
	assert.False(t, check.Passed)
	assert.Len(t, check.Details["failures"], 2)

	check = checker.Check(ctx, &model.RollbackPoint{SnapshotID: "missing"})
	assert.False(t, check.Passed)

	assert.True(t, checker.Check(ctx, &model.RollbackPoint{}).Passed)
}

func TestDefaults(t *testing.T) {
	r := safety.Defaults(safety.Config{Root: t.TempDir(), ProcRoot: fakeProc(t, "0.1 0 0 1/1 1")})
	assert.Equal(t, []model.SafetyCheckKind{model.CheckDiskSpace, model.CheckSystemLoad, model.CheckRunningProcesses}, r.Kinds())

	r = safety.Defaults(safety.Config{NetworkProbeAddr: "localhost:1", Snapshots: fakeSnapshots{}})
	assert.Contains(t, r.Kinds(), model.CheckNetworkConnectivity)
	assert.Contains(t, r.Kinds(), model.CheckBackupIntegrity)
}
