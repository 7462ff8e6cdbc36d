package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
)

var (
	pointName        string
	pointDescription string
	pointScope       string
	pointSnapshot    string
	pointBackup      string
	pointConfigFile  string
	pointListScope   string
)

var pointCmd = &cobra.Command{
	Use:     "point",
	Aliases: []string{"points"},
	Short:   "Manage rollback points",
	Long: `Manage rollback points.

A rollback point names a known-good state by referencing a snapshot, a
backup and/or a copy of a configuration file. Its scope decides what a
rollback restores:

  filesystem     the snapshot (or the backup if there is none)
  application    the backup (or the snapshot if there is none)
  configuration  the configuration file copy
  full_system    everything the point references`,
}

func parseScope(s string) (model.RollbackScope, error) {
	scope := model.RollbackScope(s)
	if !scope.Valid() {
		return "", errclass.ErrScopeInvalid.WithMessagef("unknown scope %q (filesystem, application, configuration, full_system)", s)
	}
	return scope, nil
}

var pointCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record a rollback point",
	Long: `Record a rollback point.

Examples:
  ckpt point create --name pre-deploy --snapshot before-upgrade
  ckpt point create --name app-ok --scope application --backup nightly
  ckpt point create --name cfg --scope configuration --config-file /etc/app.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := parseScope(pointScope)
		if err != nil {
			return err
		}
		return withClient(func(c *ckpt.Client) error {
			p, err := c.CreatePoint(cmd.Context(), ckpt.PointOptions{
				Name:        pointName,
				Description: pointDescription,
				Scope:       scope,
				Snapshot:    pointSnapshot,
				Backup:      pointBackup,
				ConfigFile:  pointConfigFile,
			})
			if err != nil {
				switch {
				case pointSnapshot != "" && errclass.CodeOf(err) == errclass.ErrSnapshotNotFound.Code:
					return withSnapshotHint(c, pointSnapshot, err)
				case pointBackup != "" && errclass.CodeOf(err) == errclass.ErrBackupNotFound.Code:
					return withBackupHint(c, pointBackup, err)
				}
				return err
			}
			return printOr(p, func() {
				fmt.Printf("Created rollback point %s (%s, %s)\n", color.ID(p.ID.ShortID()), p.Name, color.Scope(string(p.Scope)))
			})
		})
	},
}

var pointListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rollback points, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var scope model.RollbackScope
		if pointListScope != "" {
			s, err := parseScope(pointListScope)
			if err != nil {
				return err
			}
			scope = s
		}
		return withClient(func(c *ckpt.Client) error {
			points, err := c.Points(scope)
			if err != nil {
				return err
			}
			return printOr(points, func() {
				if len(points) == 0 {
					fmt.Println("No rollback points.")
					return
				}
				for _, p := range points {
					flags := ""
					if p.Verified {
						flags += " " + color.Success("verified")
					}
					if p.Automatic {
						flags += " " + color.Dim("auto")
					}
					fmt.Printf("%s  %-28s %-14s %-14s%s\n",
						color.ID(p.ID.ShortID()), p.Name, color.Scope(string(p.Scope)), ago(p.CreatedAt), flags)
				}
			})
		})
	},
}

var pointShowCmd = &cobra.Command{
	Use:   "show <point>",
	Short: "Show rollback point details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			p, err := c.Point(args[0])
			if err != nil {
				return withPointHint(c, args[0], err)
			}
			return printOr(p, func() {
				fmt.Printf("Rollback point: %s\n", color.ID(string(p.ID)))
				fmt.Printf("  Name: %s\n", p.Name)
				if p.Description != "" {
					fmt.Printf("  Description: %s\n", p.Description)
				}
				fmt.Printf("  Scope: %s\n", color.Scope(string(p.Scope)))
				fmt.Printf("  Created: %s (%s)\n", p.CreatedAt.Format("2006-01-02 15:04:05Z07:00"), ago(p.CreatedAt))
				fmt.Printf("  Snapshot: %s\n", orDash(string(p.SnapshotID)))
				fmt.Printf("  Backup: %s\n", orDash(string(p.BackupID)))
				if p.ConfigTargetPath != "" {
					fmt.Printf("  Config: %s (copy at %s)\n", p.ConfigTargetPath, p.ConfigBackupPath)
				}
				fmt.Printf("  Verified: %v\n", p.Verified)
				if p.Automatic {
					fmt.Println("  Automatic checkpoint")
				}
			})
		})
	},
}

var pointVerifyCmd = &cobra.Command{
	Use:   "verify <point>",
	Short: "Check that a point's artifacts exist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			ok, err := c.VerifyPoint(cmd.Context(), args[0])
			if err != nil {
				return withPointHint(c, args[0], err)
			}
			if err := printOr(map[string]any{"point": args[0], "verified": ok}, func() {
				status := "ok"
				if !ok {
					status = "invalid"
				}
				fmt.Printf("%s  %s\n", args[0], color.Status(status))
			}); err != nil {
				return err
			}
			if !ok {
				return errclass.ErrVerificationFailed.WithMessagef("rollback point %s references missing artifacts", args[0])
			}
			return nil
		})
	},
}

var pointDeleteCmd = &cobra.Command{
	Use:     "delete <point>",
	Aliases: []string{"rm"},
	Short:   "Delete a rollback point",
	Long:    "Delete a rollback point. The snapshots and backups it references are kept.",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			p, err := c.DeletePoint(cmd.Context(), args[0])
			if err != nil {
				return withPointHint(c, args[0], err)
			}
			return printOr(p, func() {
				fmt.Printf("Deleted rollback point %s\n", color.ID(p.ID.ShortID()))
			})
		})
	},
}

func init() {
	pointCreateCmd.Flags().StringVarP(&pointName, "name", "n", "", "point name (required)")
	pointCreateCmd.Flags().StringVarP(&pointDescription, "description", "d", "", "free-form description")
	pointCreateCmd.Flags().StringVarP(&pointScope, "scope", "s", string(model.ScopeFilesystem), "filesystem, application, configuration or full_system")
	pointCreateCmd.Flags().StringVar(&pointSnapshot, "snapshot", "", "snapshot to reference")
	pointCreateCmd.Flags().StringVar(&pointBackup, "backup", "", "backup to reference")
	pointCreateCmd.Flags().StringVar(&pointConfigFile, "config-file", "", "configuration file to capture")
	_ = pointCreateCmd.MarkFlagRequired("name")

	pointListCmd.Flags().StringVarP(&pointListScope, "scope", "s", "", "only list points of this scope")

	pointCmd.AddCommand(pointCreateCmd, pointListCmd, pointShowCmd, pointVerifyCmd, pointDeleteCmd)
	rootCmd.AddCommand(pointCmd)
}
