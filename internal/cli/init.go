package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/internal/repo"
	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a ckpt storage root",
	Long: `Initialize a ckpt storage root.

Creates <dir>/.ckpt (default: the current directory) holding:
  - snapshots/ and backups/ for artifacts
  - rollback/ for rollback points, operations and config copies
  - audit/ for the hash-chained audit log
  - config.yaml with default settings

With --root the storage root is created at exactly that path.
Initializing an existing root is a no-op.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		root := rootFlag
		if root == "" {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			root = filepath.Join(dir, repo.DotDir)
		}
		if err := os.MkdirAll(filepath.Dir(root), 0755); err != nil {
			return err
		}

		c, err := ckpt.Init(root, ckpt.Options{})
		if err != nil {
			return fmt.Errorf("failed to initialize storage root: %w", err)
		}
		defer c.Close()

		return printOr(map[string]any{
			"root":           c.Root(),
			"repo_id":        c.RepoID(),
			"format_version": repo.FormatVersion,
		}, func() {
			fmt.Printf("Initialized ckpt storage root in %s\n", color.Success(c.Root()))
			fmt.Printf("  Repo ID: %s\n", color.Dim(c.RepoID()))
		})
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
