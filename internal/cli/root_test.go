package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ckpt-project/ckpt/internal/rollback"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/errclass"
)

// resetFlags restores every flag of the command tree to its default so
// commands can be executed repeatedly.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func executeCommand(t *testing.T, args ...string) (stdout string, err error) {
	t.Helper()
	resetFlags(rootCmd)
	color.Disable()

	// Commands print with fmt.Printf, so capture os.Stdout.
	oldStdout := os.Stdout
	r, w, pipeErr := os.Pipe()
	require.NoError(t, pipeErr)
	os.Stdout = w

	var buf bytes.Buffer
	copied := make(chan struct{})
	go func() {
		io.Copy(&buf, r)
		close(copied)
	}()

	rootCmd.SetArgs(args)
	err = rootCmd.Execute()

	w.Close()
	<-copied
	os.Stdout = oldStdout
	return buf.String(), err
}

// setupRoot initializes a storage root with host safety checks made
// advisory and returns its path.
func setupRoot(t *testing.T) string {
	t.Helper()
	t.Setenv(RootEnv, "")
	root := filepath.Join(t.TempDir(), ".ckpt")
	_, err := executeCommand(t, "--root", root, "init")
	require.NoError(t, err)
	_, err = executeCommand(t, "--root", root, "config", "set", "rollback.require_safety_checks", "false")
	require.NoError(t, err)
	return root
}

func appDir(t *testing.T) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "app")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.conf"), []byte("good"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "core.so"), []byte("core"), 0644))
	return src
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "rollback point")
	assert.Contains(t, stdout, "snapshot")
}

func TestInitCommand(t *testing.T) {
	t.Setenv(RootEnv, "")
	root := filepath.Join(t.TempDir(), "nested", ".ckpt")

	stdout, err := executeCommand(t, "--root", root, "--json", "init")
	require.NoError(t, err)
	info := decode[map[string]any](t, stdout)
	assert.Equal(t, root, info["root"])
	assert.NotEmpty(t, info["repo_id"])
	assert.FileExists(t, filepath.Join(root, "format_version"))

	// Re-initializing keeps the repo ID.
	again, err := executeCommand(t, "--root", root, "--json", "init")
	require.NoError(t, err)
	assert.Equal(t, info["repo_id"], decode[map[string]any](t, again)["repo_id"])
}

func TestInitCommand_DiscoveredFromWorkingDir(t *testing.T) {
	t.Setenv(RootEnv, "")
	dir := t.TempDir()
	t.Chdir(dir)

	stdout, err := executeCommand(t, "init")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Initialized ckpt storage root")
	assert.DirExists(t, filepath.Join(dir, ".ckpt"))

	sub := filepath.Join(dir, "deep", "er")
	require.NoError(t, os.MkdirAll(sub, 0755))
	t.Chdir(sub)
	stdout, err = executeCommand(t, "info")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Storage root:")
	assert.Contains(t, stdout, "Snapshots: 0")
}

func TestCommands_OutsideStorageRoot(t *testing.T) {
	t.Setenv(RootEnv, "")
	t.Chdir(t.TempDir())

	_, err := executeCommand(t, "snapshot", "list")
	assert.ErrorIs(t, err, errNotInRoot)
	assert.Contains(t, formatNotInRootError(), "ckpt init")

	_, err = executeCommand(t, "config", "show")
	assert.ErrorIs(t, err, errNotInRoot)
}

func TestRootEnv(t *testing.T) {
	root := setupRoot(t)
	t.Setenv(RootEnv, root)
	t.Chdir(t.TempDir())

	stdout, err := executeCommand(t, "--json", "info")
	require.NoError(t, err)
	assert.Equal(t, root, decode[map[string]any](t, stdout)["root"])
}

func TestSnapshotCommands(t *testing.T) {
	root := setupRoot(t)
	src := appDir(t)

	stdout, err := executeCommand(t, "--root", root, "snapshot", "create", src, "--name", "good", "--exclude", "lib")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Created snapshot")

	stdout, err = executeCommand(t, "--root", root, "--json", "snapshot", "list")
	require.NoError(t, err)
	recs := decode[[]map[string]any](t, stdout)
	require.Len(t, recs, 1)
	assert.Equal(t, "tar.gz", recs[0]["format"])
	assert.EqualValues(t, 1, recs[0]["file_count"])

	stdout, err = executeCommand(t, "--root", root, "snapshot", "show", "good")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Checksum:")

	stdout, err = executeCommand(t, "--root", root, "snapshot", "verify", "good")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ok")

	dest := filepath.Join(t.TempDir(), "out")
	_, err = executeCommand(t, "--root", root, "snapshot", "restore", "good", "--dest", dest)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "app.conf"))
	assert.NoDirExists(t, filepath.Join(dest, "lib"))

	_, err = executeCommand(t, "--root", root, "snapshot", "create", src, "--format", "rar")
	assert.ErrorIs(t, err, errclass.ErrFormatUnsupported)

	_, err = executeCommand(t, "--root", root, "snapshot", "delete", "good")
	require.NoError(t, err)
	stdout, err = executeCommand(t, "--root", root, "snapshot", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No snapshots.")
}

func TestSnapshotCommands_NotFoundSuggests(t *testing.T) {
	root := setupRoot(t)
	src := appDir(t)
	_, err := executeCommand(t, "--root", root, "snapshot", "create", src, "--name", "nightly-build")
	require.NoError(t, err)

	_, err = executeCommand(t, "--root", root, "snapshot", "show", "nightly")
	var he *hintError
	require.ErrorAs(t, err, &he)
	assert.ErrorIs(t, err, errclass.ErrSnapshotNotFound)
	assert.Contains(t, he.hint, "Did you mean")
	assert.Contains(t, he.hint, "nightly-build")

	_, err = executeCommand(t, "--root", root, "snapshot", "show", "zzz")
	require.ErrorAs(t, err, &he)
	assert.Contains(t, he.hint, "ckpt snapshot list")
}

func TestBackupCommands(t *testing.T) {
	root := setupRoot(t)
	src := appDir(t)

	_, err := executeCommand(t, "--root", root, "backup", "create", src, "--name", "full")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "new.txt"), []byte("new"), 0644))
	stdout, err := executeCommand(t, "--root", root, "backup", "create", src, "--name", "incr", "-i")
	require.NoError(t, err)
	assert.Contains(t, stdout, "incremental on")

	stdout, err = executeCommand(t, "--root", root, "backup", "chain", "incr")
	require.NoError(t, err)
	assert.Contains(t, stdout, "(full) -> ")
	assert.Contains(t, stdout, "(incr)")

	stdout, err = executeCommand(t, "--root", root, "--json", "backup", "verify", "incr", "--deep")
	require.NoError(t, err)
	assert.Equal(t, true, decode[map[string]any](t, stdout)["valid"])

	dest := filepath.Join(t.TempDir(), "out")
	_, err = executeCommand(t, "--root", root, "backup", "restore", "incr", "--dest", dest)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dest, "new.txt"))

	_, err = executeCommand(t, "--root", root, "backup", "delete", "full")
	var he *hintError
	require.ErrorAs(t, err, &he)
	assert.ErrorIs(t, err, errclass.ErrHasChildren)
	assert.Contains(t, he.hint, "--cascade")

	_, err = executeCommand(t, "--root", root, "backup", "delete", "full", "--cascade")
	require.NoError(t, err)
	stdout, err = executeCommand(t, "--root", root, "backup", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No backups.")
}

func TestPointAndRollbackCommands(t *testing.T) {
	root := setupRoot(t)
	src := appDir(t)

	_, err := executeCommand(t, "--root", root, "snapshot", "create", src, "--name", "good")
	require.NoError(t, err)
	_, err = executeCommand(t, "--root", root, "point", "create", "--name", "known-good", "--snapshot", "good", "-d", "before deploy")
	require.NoError(t, err)

	_, err = executeCommand(t, "--root", root, "point", "create", "--name", "bad-scope", "--scope", "kernel")
	assert.ErrorIs(t, err, errclass.ErrScopeInvalid)

	stdout, err := executeCommand(t, "--root", root, "point", "verify", "known-good")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ok")

	require.NoError(t, os.WriteFile(filepath.Join(src, "app.conf"), []byte("bad"), 0644))

	stdout, err = executeCommand(t, "--root", root, "--json", "rollback", "run", "known-good")
	require.NoError(t, err)
	op := decode[map[string]any](t, stdout)
	assert.Equal(t, "completed", op["state"])
	assert.NotEmpty(t, op["checkpoint_id"])
	data, err := os.ReadFile(filepath.Join(src, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))

	opID := op["id"].(string)
	stdout, err = executeCommand(t, "--root", root, "rollback", "status", opID[:8])
	require.NoError(t, err)
	assert.Contains(t, stdout, "State: completed")

	_, err = executeCommand(t, "--root", root, "rollback", "cancel", opID)
	assert.ErrorIs(t, err, errclass.ErrInvalidStateTransition)

	stdout, err = executeCommand(t, "--root", root, "--json", "rollback", "list", "--state", "completed")
	require.NoError(t, err)
	assert.Len(t, decode[[]map[string]any](t, stdout), 1)

	stdout, err = executeCommand(t, "--root", root, "point", "list")
	require.NoError(t, err)
	assert.Contains(t, stdout, "known-good")
	assert.Contains(t, stdout, "pre-rollback-")

	_, err = executeCommand(t, "--root", root, "rollback", "run", "unknown-point")
	var he *hintError
	require.ErrorAs(t, err, &he)
	assert.ErrorIs(t, err, errclass.ErrPointNotFound)

	_, err = executeCommand(t, "--root", root, "point", "delete", "known-good")
	require.NoError(t, err)
}

func TestRollbackCommand_SafetyGate(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("disk space check needs statfs")
	}
	root := setupRoot(t)
	src := appDir(t)

	for _, kv := range [][2]string{
		{"rollback.require_safety_checks", "true"},
		{"safety.max_disk_usage_percent", "0.0001"},
	} {
		_, err := executeCommand(t, "--root", root, "config", "set", kv[0], kv[1])
		require.NoError(t, err)
	}
	_, err := executeCommand(t, "--root", root, "snapshot", "create", src, "--name", "good")
	require.NoError(t, err)
	_, err = executeCommand(t, "--root", root, "point", "create", "--name", "p", "--snapshot", "good")
	require.NoError(t, err)

	_, err = executeCommand(t, "--root", root, "safety", "p")
	assert.ErrorIs(t, err, errclass.ErrSafetyCheckFailed)

	_, err = executeCommand(t, "--root", root, "rollback", "run", "p")
	var safetyErr *rollback.SafetyCheckError
	require.True(t, errors.As(err, &safetyErr), "got %v", err)
	assert.Contains(t, formatSafetyError(safetyErr), "disk_space")
	assert.Contains(t, formatSafetyError(safetyErr), "--skip-safety-checks")

	stdout, err := executeCommand(t, "--root", root, "--json", "rollback", "run", "p", "--skip-safety-checks")
	require.NoError(t, err)
	assert.Equal(t, "completed", decode[map[string]any](t, stdout)["state"])
}

func TestConfigCommands(t *testing.T) {
	root := setupRoot(t)

	stdout, err := executeCommand(t, "--root", root, "config", "get", "snapshot.default_format")
	require.NoError(t, err)
	assert.Equal(t, "tar.gz\n", stdout)

	_, err = executeCommand(t, "--root", root, "config", "set", "snapshot.default_format", "tar.zst")
	require.NoError(t, err)
	stdout, err = executeCommand(t, "--root", root, "--json", "config", "show")
	require.NoError(t, err)
	cfg := decode[map[string]any](t, stdout)
	assert.Equal(t, "tar.zst", cfg["snapshot"].(map[string]any)["default_format"])

	_, err = executeCommand(t, "--root", root, "config", "set", "snapshot.default_format", "rar")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
	_, err = executeCommand(t, "--root", root, "config", "get", "no.such.key")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)

	stdout, err = executeCommand(t, "--root", root, "config", "keys")
	require.NoError(t, err)
	assert.Contains(t, stdout, "rollback.auto_checkpoint")

	_, err = executeCommand(t, "--root", root, "config", "validate")
	require.NoError(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("logging:\n  level: loud\n"), 0644))
	_, err = executeCommand(t, "--root", root, "config", "validate", bad)
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)

	_, err = executeCommand(t, "--root", root, "--config", bad, "info")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
	_, err = executeCommand(t, "--root", root, "--log-level", "loud", "info")
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestMaintenanceCommands(t *testing.T) {
	root := setupRoot(t)
	src := appDir(t)
	for range 3 {
		_, err := executeCommand(t, "--root", root, "snapshot", "create", src, "--format", "tar")
		require.NoError(t, err)
	}

	stdout, err := executeCommand(t, "--root", root, "verify")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(stdout, " ok"))

	stdout, err = executeCommand(t, "--root", root, "doctor", "--strict")
	require.NoError(t, err)
	assert.Contains(t, stdout, "healthy")

	stdout, err = executeCommand(t, "--root", root, "doctor", "--list-repairs")
	require.NoError(t, err)
	assert.Contains(t, stdout, "clean_tmp")

	_, err = executeCommand(t, "--root", root, "doctor", "--repair", "clean_tmp,bogus")
	assert.Error(t, err)

	stdout, err = executeCommand(t, "--root", root, "--json", "cleanup", "--keep", "1", "--min-age", "0s")
	require.NoError(t, err)
	res := decode[map[string][]string](t, stdout)
	assert.Len(t, res["snapshots"], 2)

	stdout, err = executeCommand(t, "--root", root, "metrics", "--once")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ckpt_snapshot_storage_bytes")
}

func TestCompletionCommand(t *testing.T) {
	stdout, err := executeCommand(t, "completion", "bash")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ckpt")

	_, err = executeCommand(t, "completion", "tcsh")
	assert.Error(t, err)
}

func TestProgressEnabled(t *testing.T) {
	origTerminal, origJSON, origNoProgress := stderrIsTerminal, jsonOutput, noProgress
	t.Cleanup(func() {
		stderrIsTerminal, jsonOutput, noProgress = origTerminal, origJSON, origNoProgress
	})

	tests := []struct {
		name       string
		terminal   bool
		jsonOutput bool
		noProgress bool
		expected   bool
	}{
		{"terminal", true, false, false, true},
		{"not a terminal", false, false, false, false},
		{"json output", true, true, false, false},
		{"no-progress flag", true, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stderrIsTerminal = func() bool { return tt.terminal }
			jsonOutput, noProgress = tt.jsonOutput, tt.noProgress
			assert.Equal(t, tt.expected, progressEnabled())
		})
	}
}

func TestRollbackCommand_RootInsideSource(t *testing.T) {
	t.Setenv(RootEnv, "")
	src := appDir(t)
	root := filepath.Join(src, ".ckpt")
	_, err := executeCommand(t, "--root", root, "init")
	require.NoError(t, err)
	_, err = executeCommand(t, "--root", root, "config", "set", "rollback.require_safety_checks", "false")
	require.NoError(t, err)

	_, err = executeCommand(t, "--root", root, "snapshot", "create", src, "--name", "good")
	require.NoError(t, err)
	_, err = executeCommand(t, "--root", root, "point", "create", "--name", "known-good", "--snapshot", "good")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.conf"), []byte("bad"), 0644))

	stdout, err := executeCommand(t, "--root", root, "--json", "rollback", "run", "known-good")
	require.NoError(t, err)
	op := decode[map[string]any](t, stdout)
	assert.Equal(t, "completed", op["state"])
	data, err := os.ReadFile(filepath.Join(src, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))

	stdout, err = executeCommand(t, "--root", root, "point", "verify", op["checkpoint_id"].(string))
	require.NoError(t, err)
	assert.Contains(t, stdout, "ok")
	stdout, err = executeCommand(t, "--root", root, "verify")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(stdout, " ok"))
}
