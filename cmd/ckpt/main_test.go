package main

import (
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getProjectRoot returns the absolute path to the project root.
func getProjectRoot(t *testing.T) string {
	dir, err := os.Getwd()
	require.NoError(t, err)
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	t.Fatal("go.mod not found")
	return ""
}

// buildBinary builds cmd/ckpt into a temp dir.
func buildBinary(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping build test in short mode")
	}
	binPath := filepath.Join(t.TempDir(), "ckpt-test")
	buildCmd := exec.Command("go", "build", "-o", binPath, ".")
	buildCmd.Dir = filepath.Join(getProjectRoot(t), "cmd", "ckpt")
	output, err := buildCmd.CombinedOutput()
	require.NoError(t, err, "build failed: %s", string(output))
	return binPath
}

func command(bin, dir string, args ...string) *exec.Cmd {
	cmd := exec.Command(bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "CKPT_ROOT=", "NO_COLOR=1")
	return cmd
}

func run(bin, dir string, args ...string) (string, error) {
	out, err := command(bin, dir, args...).CombinedOutput()
	return string(out), err
}

// runStdout keeps log lines on stderr out of JSON output.
func runStdout(bin, dir string, args ...string) (string, error) {
	out, err := command(bin, dir, args...).Output()
	return string(out), err
}

func TestMainEntryPoints(t *testing.T) {
	_ = main
}

func TestMainHelpFlag(t *testing.T) {
	bin := buildBinary(t)

	out, err := run(bin, t.TempDir(), "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "rollback")
	assert.Contains(t, out, "snapshot")
}

func TestMainUnknownCommand(t *testing.T) {
	bin := buildBinary(t)

	out, err := run(bin, t.TempDir(), "unknown-command-xyz")
	assert.Error(t, err)
	assert.Contains(t, strings.ToLower(out), "unknown")
}

func TestBinaryOutsideStorageRoot(t *testing.T) {
	bin := buildBinary(t)

	out, err := run(bin, t.TempDir(), "snapshot", "list")
	assert.Error(t, err)
	assert.Contains(t, out, "not a ckpt storage root")
	assert.Contains(t, out, "ckpt init")
}

func TestBinarySnapshotAndRollback(t *testing.T) {
	bin := buildBinary(t)
	work := t.TempDir()
	src := filepath.Join(work, "app")
	require.NoError(t, os.MkdirAll(src, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.conf"), []byte("good"), 0644))

	out, err := run(bin, work, "init")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Initialized")
	assert.DirExists(t, filepath.Join(work, ".ckpt"))

	// Host safety checks are not under test here.
	out, err = run(bin, work, "config", "set", "rollback.require_safety_checks", "false")
	require.NoError(t, err, out)

	out, err = run(bin, work, "snapshot", "create", src, "--name", "good")
	require.NoError(t, err, out)
	out, err = run(bin, work, "point", "create", "--name", "known-good", "--snapshot", "good")
	require.NoError(t, err, out)

	require.NoError(t, os.WriteFile(filepath.Join(src, "app.conf"), []byte("bad"), 0644))

	out, err = runStdout(bin, work, "--json", "rollback", "run", "known-good")
	require.NoError(t, err, out)
	var op map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &op), out)
	assert.Equal(t, "completed", op["state"])

	data, err := os.ReadFile(filepath.Join(src, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "good", string(data))

	out, err = runStdout(bin, work, "--json", "info")
	require.NoError(t, err, out)
	assert.Contains(t, out, `"repo_id"`)
}
