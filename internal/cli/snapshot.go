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
	snapshotName    string
	snapshotFormat  string
	snapshotExclude []string
	snapshotParent  string

	restoreDest     string
	restoreOverlay  bool
	restoreNoVerify bool
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Create and manage archive snapshots",
	Long: `Create and manage archive snapshots.

A snapshot is a point-in-time copy of a directory tree, stored either as
a tar archive (tar, tar.gz, tar.bz2, tar.xz, tar.zst) or as a mirror
directory. Archives carry a sha256 checksum verified before restore.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create <source>",
	Short: "Snapshot a directory tree",
	Long: `Snapshot a directory tree.

Examples:
  ckpt snapshot create /srv/app --name before-upgrade
  ckpt snapshot create /srv/app --format tar.zst --exclude '*.log'
  ckpt snapshot create /srv/app --format mirror --parent nightly`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format := model.ArchiveFormat("")
		if snapshotFormat != "" {
			f, ok := model.ParseArchiveFormat(snapshotFormat)
			if !ok {
				return errclass.ErrFormatUnsupported.WithMessagef("unknown format %q", snapshotFormat)
			}
			format = f
		}
		return withClient(func(c *ckpt.Client) error {
			rec, err := c.CreateSnapshot(cmd.Context(), args[0], ckpt.SnapshotOptions{
				Name:    snapshotName,
				Format:  format,
				Exclude: snapshotExclude,
				Parent:  snapshotParent,
			})
			if err != nil {
				if snapshotParent != "" {
					return withSnapshotHint(c, snapshotParent, err)
				}
				return err
			}
			return printOr(rec, func() {
				fmt.Printf("Created snapshot %s (%s)\n", color.ID(rec.ID.ShortID()), rec.Name)
				fmt.Printf("  Format: %s  Files: %d  Size: %s\n", rec.Format, rec.FileCount, humanBytes(rec.SizeBytes))
			})
		})
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [source]",
	Short: "List snapshots, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := ""
		if len(args) > 0 {
			source = args[0]
		}
		return withClient(func(c *ckpt.Client) error {
			recs := c.Snapshots(source)
			return printOr(recs, func() {
				if len(recs) == 0 {
					fmt.Println("No snapshots.")
					return
				}
				for _, rec := range recs {
					fmt.Printf("%s  %-24s %-8s %10s  %-14s %s\n",
						color.ID(rec.ID.ShortID()), rec.Name, rec.Format, humanBytes(rec.SizeBytes),
						ago(rec.CreatedAt), color.Dim(rec.SourcePath))
				}
			})
		})
	},
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show <snapshot>",
	Short: "Show snapshot details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			rec, err := c.Snapshot(args[0])
			if err != nil {
				return withSnapshotHint(c, args[0], err)
			}
			return printOr(rec, func() {
				fmt.Printf("Snapshot: %s\n", color.ID(string(rec.ID)))
				fmt.Printf("  Name: %s\n", rec.Name)
				fmt.Printf("  Source: %s\n", rec.SourcePath)
				fmt.Printf("  Stored at: %s\n", rec.ArchivePath)
				fmt.Printf("  Format: %s\n", rec.Format)
				fmt.Printf("  Created: %s (%s)\n", rec.CreatedAt.Format("2006-01-02 15:04:05Z07:00"), ago(rec.CreatedAt))
				fmt.Printf("  Files: %d\n", rec.FileCount)
				fmt.Printf("  Size: %s of %s (ratio %.2f)\n", humanBytes(rec.SizeBytes), humanBytes(rec.SourceBytes), rec.CompressionRatio)
				fmt.Printf("  Checksum: %s\n", orDash(string(rec.Checksum)))
				if rec.LinkDest != "" {
					fmt.Printf("  Linked against: %s\n", rec.LinkDest)
				}
			})
		})
	},
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot>",
	Short: "Restore a snapshot",
	Long: `Restore a snapshot onto its source path, or onto --dest.

The destination is replaced atomically unless --overlay is given, in
which case restored files are written over the existing tree.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			rec, err := c.RestoreSnapshot(cmd.Context(), args[0], ckpt.RestoreOptions{
				Dest:     restoreDest,
				Overlay:  restoreOverlay,
				NoVerify: restoreNoVerify,
			})
			if err != nil {
				return withSnapshotHint(c, args[0], err)
			}
			dest := restoreDest
			if dest == "" {
				dest = rec.SourcePath
			}
			return printOr(map[string]any{"snapshot": rec, "dest": dest}, func() {
				fmt.Printf("Restored snapshot %s to %s\n", color.ID(rec.ID.ShortID()), color.Success(dest))
			})
		})
	},
}

var snapshotVerifyCmd = &cobra.Command{
	Use:   "verify <snapshot>",
	Short: "Verify a snapshot's checksum",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			ok, err := c.VerifySnapshot(cmd.Context(), args[0])
			if err != nil {
				return withSnapshotHint(c, args[0], err)
			}
			if err := printOr(map[string]any{"snapshot": args[0], "valid": ok}, func() {
				if ok {
					fmt.Printf("%s  %s\n", args[0], color.Status("ok"))
				} else {
					fmt.Printf("%s  %s\n", args[0], color.Status("invalid"))
				}
			}); err != nil {
				return err
			}
			if !ok {
				return errclass.ErrVerificationFailed.WithMessagef("snapshot %s failed verification", args[0])
			}
			return nil
		})
	},
}

var snapshotDeleteCmd = &cobra.Command{
	Use:     "delete <snapshot>",
	Aliases: []string{"rm"},
	Short:   "Delete a snapshot",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			rec, err := c.DeleteSnapshot(cmd.Context(), args[0])
			if err != nil {
				return withSnapshotHint(c, args[0], err)
			}
			return printOr(rec, func() {
				fmt.Printf("Deleted snapshot %s\n", color.ID(rec.ID.ShortID()))
			})
		})
	},
}

func addRestoreFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&restoreDest, "dest", "", "restore into this directory instead of the source path")
	cmd.Flags().BoolVar(&restoreOverlay, "overlay", false, "write over the destination instead of replacing it")
}

func init() {
	snapshotCreateCmd.Flags().StringVarP(&snapshotName, "name", "n", "", "snapshot name (default: generated)")
	snapshotCreateCmd.Flags().StringVarP(&snapshotFormat, "format", "f", "", "tar, tar.gz, tar.bz2, tar.xz, tar.zst or mirror (default from config)")
	snapshotCreateCmd.Flags().StringSliceVarP(&snapshotExclude, "exclude", "x", nil, "exclude pattern (can be repeated)")
	snapshotCreateCmd.Flags().StringVar(&snapshotParent, "parent", "", "mirror snapshot to hard-link unchanged files against")

	addRestoreFlags(snapshotRestoreCmd)
	snapshotRestoreCmd.Flags().BoolVar(&restoreNoVerify, "no-verify", false, "skip the checksum check")

	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotShowCmd,
		snapshotRestoreCmd, snapshotVerifyCmd, snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}
