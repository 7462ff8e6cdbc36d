package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

var (
	cleanupKeep   int
	cleanupMinAge time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:     "cleanup [source]",
	Aliases: []string{"gc"},
	Short:   "Apply the retention policy",
	Long: `Apply the retention policy to snapshots and backups.

For each source the newest --keep artifacts are kept and older ones are
deleted once they are at least --min-age old. Backups that a kept
incremental depends on are never deleted. Without a source the policy
is applied to every source separately.

Defaults come from retention.keep_count and retention.min_age.

Examples:
  ckpt cleanup
  ckpt cleanup /srv/app --keep 3 --min-age 24h`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := ""
		if len(args) > 0 {
			source = args[0]
		}
		return withClient(func(c *ckpt.Client) error {
			policy, err := c.RetentionPolicy()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("keep") {
				policy.KeepCount = cleanupKeep
			}
			if cmd.Flags().Changed("min-age") {
				policy.MinAge = cleanupMinAge
			}

			bar := progress.NewTerminal(progressEnabled())
			res, err := c.Cleanup(cmd.Context(), source, policy, bar.Callback())
			bar.Done("")
			if err != nil {
				return err
			}
			return printOr(res, func() {
				if len(res.Snapshots)+len(res.Backups) == 0 {
					fmt.Println("Nothing to clean up.")
					return
				}
				for _, id := range res.Snapshots {
					fmt.Printf("Deleted snapshot %s\n", color.ID(id.ShortID()))
				}
				for _, id := range res.Backups {
					fmt.Printf("Deleted backup %s\n", color.ID(id.ShortID()))
				}
			})
		})
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupKeep, "keep", 0, "number of newest artifacts to keep per source")
	cleanupCmd.Flags().DurationVar(&cleanupMinAge, "min-age", 0, "only delete artifacts at least this old")
	rootCmd.AddCommand(cleanupCmd)
}
