package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/errclass"
)

var (
	doctorStrict      bool
	doctorRepair      []string
	doctorListRepairs bool
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check storage root health",
	Long: `Check storage root health.

Runs diagnostic checks on the storage root and reports any issues:
format version, incomplete artifacts, broken backup chains, the audit
log hash chain, orphan temporary files and leftover restore staging
directories. Use --strict to include full integrity verification.

Examples:
  ckpt doctor
  ckpt doctor --strict
  ckpt doctor --list-repairs
  ckpt doctor --repair clean_tmp,clean_staging`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			if doctorListRepairs {
				actions := c.RepairActions()
				return printOr(actions, func() {
					for _, a := range actions {
						fmt.Printf("%-18s %s\n", a.ID, color.Dim(a.Description))
					}
				})
			}
			if len(doctorRepair) > 0 {
				results, err := c.Repair(doctorRepair)
				if err != nil {
					return err
				}
				failed := 0
				if err := printOr(results, func() {
					for _, r := range results {
						if r.Success {
							fmt.Printf("%-18s %s  cleaned %d\n", r.Action, color.Status("ok"), r.Cleaned)
						} else {
							fmt.Printf("%-18s %s  %s\n", r.Action, color.Status("failed"), r.Message)
						}
					}
				}); err != nil {
					return err
				}
				for _, r := range results {
					if !r.Success {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d repair(s) failed", failed)
				}
				return nil
			}

			result, err := c.Doctor(cmd.Context(), doctorStrict)
			if err != nil {
				return err
			}
			if err := printOr(result, func() {
				if len(result.Findings) == 0 {
					fmt.Println("Storage root is healthy.")
					return
				}
				fmt.Printf("Findings (%d):\n", len(result.Findings))
				for _, f := range result.Findings {
					fmt.Printf("  [%s] %s: %s\n", color.Status(f.Severity), f.Category, f.Description)
				}
			}); err != nil {
				return err
			}
			if !result.Healthy {
				return errclass.ErrVerificationFailed.WithMessage("storage root is unhealthy")
			}
			return nil
		})
	},
}

func init() {
	doctorCmd.Flags().BoolVar(&doctorStrict, "strict", false, "include full integrity verification")
	doctorCmd.Flags().StringSliceVar(&doctorRepair, "repair", nil, "run repair actions (see --list-repairs)")
	doctorCmd.Flags().BoolVar(&doctorListRepairs, "list-repairs", false, "list available repair actions")
	rootCmd.AddCommand(doctorCmd)
}
