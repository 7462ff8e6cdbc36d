package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/internal/verify"
	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/errclass"
)

var (
	verifyDeep bool
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify every snapshot and backup",
	Long: `Verify every snapshot and backup in the storage root.

Archive snapshots are checked against their sha256 checksum. Backups are
checked for missing or resized files along their whole chain; --deep
also rehashes file contents.

Examples:
  ckpt verify            # fast check
  ckpt verify --deep     # rehash backup contents`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			results, err := c.Verify(cmd.Context(), verifyDeep)
			if err != nil {
				return err
			}
			if err := printOr(results, func() {
				if len(results) == 0 {
					fmt.Println("Nothing to verify.")
					return
				}
				for _, res := range results {
					status := "ok"
					switch {
					case res.TamperDetected:
						status = "tampered"
					case !res.Valid:
						status = "invalid"
					}
					fmt.Printf("%-8s %s  %-24s %s\n", res.Kind, color.ID(shortID(res.ID)), res.Name, color.Status(status))
					for _, p := range res.Problems {
						fmt.Printf("    - %s\n", p)
					}
					if res.Error != "" && len(res.Problems) == 0 {
						fmt.Printf("    - %s\n", res.Error)
					}
				}
			}); err != nil {
				return err
			}
			if failed := verify.Failed(results); failed > 0 {
				return errclass.ErrVerificationFailed.WithMessagef("%d of %d artifacts failed verification", failed, len(results))
			}
			return nil
		})
	},
}

func init() {
	verifyCmd.Flags().BoolVar(&verifyDeep, "deep", false, "rehash backup file contents")
	rootCmd.AddCommand(verifyCmd)
}
