package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/model"
)

var (
	rollbackForce      bool
	rollbackSkipChecks bool
	rollbackTimeout    time.Duration
	rollbackListState  string
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Roll back to a rollback point",
	Long: `Roll back to a rollback point.

A rollback verifies the point's artifacts, runs the pre-flight safety
checks, takes an automatic checkpoint of the current state (unless
rollback.auto_checkpoint is off) and then restores what the point's
scope selects. Every attempt is recorded as an operation moving through
pending, validating, in_progress and a terminal state.`,
}

var rollbackRunCmd = &cobra.Command{
	Use:   "run <point>",
	Short: "Roll back to a point",
	Long: `Roll back to a point.

Examples:
  ckpt rollback run pre-deploy
  ckpt rollback run pre-deploy --skip-safety-checks
  ckpt rollback run 3f2a9c1e --force --timeout 10m

--skip-safety-checks still runs the checks but does not let failures
block. --force also skips the point verification.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if rollbackTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, rollbackTimeout)
			defer cancel()
		}
		return withClient(func(c *ckpt.Client) error {
			op, err := c.Rollback(ctx, args[0], ckpt.RollbackOptions{
				Force:            rollbackForce,
				SkipSafetyChecks: rollbackSkipChecks,
			})
			if err != nil {
				return withPointHint(c, args[0], err)
			}
			return printOr(op, func() { printOperation(op) })
		})
	},
}

var rollbackStatusCmd = &cobra.Command{
	Use:   "status <operation>",
	Short: "Show a rollback operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			op, err := c.Operation(args[0])
			if err != nil {
				return err
			}
			return printOr(op, func() { printOperation(op) })
		})
	},
}

var rollbackCancelCmd = &cobra.Command{
	Use:   "cancel <operation>",
	Short: "Cancel a rollback that has not started restoring",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			op, err := c.CancelRollback(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOr(op, func() {
				fmt.Printf("Cancelled rollback %s\n", color.ID(op.ID.ShortID()))
			})
		})
	},
}

var rollbackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rollback operations, most recent first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			ops, err := c.Operations(model.RollbackState(rollbackListState))
			if err != nil {
				return err
			}
			return printOr(ops, func() {
				if len(ops) == 0 {
					fmt.Println("No rollback operations.")
					return
				}
				for _, op := range ops {
					fmt.Printf("%s  point %s  %-22s %s\n",
						color.ID(op.ID.ShortID()), op.PointID.ShortID(), color.Status(string(op.State)), ago(op.StartedAt))
				}
			})
		})
	},
}

func printOperation(op *model.RollbackOperation) {
	fmt.Printf("Rollback operation: %s\n", color.ID(string(op.ID)))
	fmt.Printf("  Point: %s\n", op.PointID)
	fmt.Printf("  State: %s\n", color.Status(string(op.State)))
	fmt.Printf("  Started: %s\n", op.StartedAt.Format(time.RFC3339))
	if op.CompletedAt != nil {
		fmt.Printf("  Finished: %s (took %s)\n", op.CompletedAt.Format(time.RFC3339), op.CompletedAt.Sub(op.StartedAt).Round(time.Millisecond))
	}
	if op.CheckpointID != "" {
		fmt.Printf("  Checkpoint: %s\n", color.ID(op.CheckpointID.ShortID()))
	}
	if len(op.SafetyChecks) > 0 {
		fmt.Println("  Safety checks:")
		for _, check := range op.SafetyChecks {
			status := "passed"
			if !check.Passed {
				status = "failed"
			}
			fmt.Printf("    %-20s %s  %s\n", check.Kind, color.Status(status), color.Dim(check.Message))
		}
	}
	if op.Error != "" {
		fmt.Printf("  Error: %s\n", color.Error(op.Error))
	}
}

func init() {
	rollbackRunCmd.Flags().BoolVar(&rollbackForce, "force", false, "skip point verification and do not block on safety checks")
	rollbackRunCmd.Flags().BoolVar(&rollbackSkipChecks, "skip-safety-checks", false, "do not block on failed safety checks")
	rollbackRunCmd.Flags().DurationVar(&rollbackTimeout, "timeout", 0, "cancel the rollback if it has not started restoring by then")
	rollbackListCmd.Flags().StringVar(&rollbackListState, "state", "", "only list operations in this state")

	rollbackCmd.AddCommand(rollbackRunCmd, rollbackStatusCmd, rollbackCancelCmd, rollbackListCmd)
	rootCmd.AddCommand(rollbackCmd)
}
