package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/errclass"
)

var safetyCmd = &cobra.Command{
	Use:   "safety <point>",
	Short: "Run pre-flight safety checks for a rollback point",
	Long: `Run the pre-flight safety checks a rollback to <point> would run,
without rolling back. Exits non-zero if any check fails.

Checks: disk space, system load, running processes, network connectivity
(when safety.network_probe_addr is set) and integrity of the point's
snapshot and backup.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			checks, err := c.SafetyChecks(cmd.Context(), args[0])
			if err != nil {
				return withPointHint(c, args[0], err)
			}
			failed := 0
			for _, check := range checks {
				if !check.Passed {
					failed++
				}
			}
			if err := printOr(checks, func() {
				for _, check := range checks {
					status := "passed"
					if !check.Passed {
						status = "failed"
					}
					fmt.Printf("%-20s %s  %s\n", check.Kind, color.Status(status), color.Dim(check.Message))
				}
			}); err != nil {
				return err
			}
			if failed > 0 {
				return errclass.ErrSafetyCheckFailed.WithMessagef("%d of %d safety checks failed", failed, len(checks))
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(safetyCmd)
}
