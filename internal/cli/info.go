package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/internal/repo"
	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/model"
)

var infoCmd = &cobra.Command{
	Use:     "info",
	Aliases: []string{"status"},
	Short:   "Show storage root information",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			usage := c.Usage()
			points, err := c.Points("")
			if err != nil {
				return err
			}
			running, err := c.Operations(model.StateInProgress)
			if err != nil {
				return err
			}
			cfg := c.Config()

			info := map[string]any{
				"root":           c.Root(),
				"repo_id":        c.RepoID(),
				"format_version": repo.FormatVersion,
				"store":          cfg.Store.Type,
				"usage":          usage,
				"points":         len(points),
				"in_progress":    len(running),
			}
			return printOr(info, func() {
				fmt.Printf("Storage root: %s\n", c.Root())
				fmt.Printf("  Repo ID: %s\n", c.RepoID())
				fmt.Printf("  Format version: %d\n", repo.FormatVersion)
				fmt.Printf("  Store: %s\n", cfg.Store.Type)
				fmt.Printf("  Snapshots: %d (%s)\n", usage.Snapshots, humanBytes(usage.SnapshotBytes))
				fmt.Printf("  Backups: %d (%s)\n", usage.Backups, humanBytes(usage.BackupBytes))
				fmt.Printf("  Rollback points: %d\n", len(points))
				if len(running) > 0 {
					fmt.Printf("  Rollbacks in progress: %d\n", len(running))
				}
			})
		})
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
