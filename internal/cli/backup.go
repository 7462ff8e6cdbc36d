package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/pkg/ckpt"
	"github.com/ckpt-project/ckpt/pkg/color"
	"github.com/ckpt-project/ckpt/pkg/errclass"
	"github.com/ckpt-project/ckpt/pkg/model"
	"github.com/ckpt-project/ckpt/pkg/progress"
)

var (
	backupName        string
	backupParent      string
	backupIncremental bool
	backupExclude     []string
	backupNoChain     bool
	backupDeep        bool
	backupCascade     bool
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and manage incremental backups",
	Long: `Create and manage incremental backups.

A full backup stores every file of a tree. An incremental backup stores
only files added or modified since its parent, and records deletions, so
restoring it replays the chain from the full backup forward.`,
}

var backupCreateCmd = &cobra.Command{
	Use:   "create <source>",
	Short: "Back up a directory tree",
	Long: `Back up a directory tree.

Examples:
  ckpt backup create /srv/data                  # full backup
  ckpt backup create /srv/data --incremental    # against the newest backup
  ckpt backup create /srv/data --parent weekly  # against a given backup`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			bar := progress.NewTerminal(progressEnabled())
			m, err := c.CreateBackup(cmd.Context(), args[0], ckpt.BackupOptions{
				Name:        backupName,
				Parent:      backupParent,
				Incremental: backupIncremental,
				Exclude:     backupExclude,
				Progress:    bar.Callback(),
			})
			bar.Done("")
			if err != nil {
				if backupParent != "" {
					return withBackupHint(c, backupParent, err)
				}
				return err
			}
			return printOr(m, func() {
				kind := backupKind(m)
				if !m.IsFull() {
					kind += " on " + m.ParentID.ShortID()
				}
				fmt.Printf("Created backup %s (%s, %s)\n", color.ID(m.ID.ShortID()), m.Name, kind)
				fmt.Printf("  New: %d  Modified: %d  Deleted: %d  Stored: %d files\n",
					m.NewFiles, m.ModifiedFiles, m.DeletedFiles, m.StoredFiles())
			})
		})
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list [source]",
	Short: "List backups, newest first",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source := ""
		if len(args) > 0 {
			source = args[0]
		}
		return withClient(func(c *ckpt.Client) error {
			ms := c.Backups(source)
			return printOr(ms, func() {
				if len(ms) == 0 {
					fmt.Println("No backups.")
					return
				}
				for _, m := range ms {
					parent := backupKind(m)
					if !m.IsFull() {
						parent = "<- " + m.ParentID.ShortID()
					}
					fmt.Printf("%s  %-24s %-12s %6d files  %-14s %s\n",
						color.ID(m.ID.ShortID()), m.Name, parent, len(m.Files), ago(m.CreatedAt), color.Dim(m.SourcePath))
				}
			})
		})
	},
}

var backupShowCmd = &cobra.Command{
	Use:   "show <backup>",
	Short: "Show backup details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			m, err := c.Backup(args[0])
			if err != nil {
				return withBackupHint(c, args[0], err)
			}
			return printOr(m, func() {
				fmt.Printf("Backup: %s\n", color.ID(string(m.ID)))
				fmt.Printf("  Name: %s\n", m.Name)
				fmt.Printf("  Source: %s\n", m.SourcePath)
				fmt.Printf("  Stored at: %s\n", m.StorageDir)
				fmt.Printf("  Parent: %s\n", orDash(string(m.ParentID)))
				fmt.Printf("  Created: %s (%s)\n", m.CreatedAt.Format("2006-01-02 15:04:05Z07:00"), ago(m.CreatedAt))
				fmt.Printf("  Files: %d (%d stored here)\n", len(m.Files), m.StoredFiles())
				fmt.Printf("  Changes: +%d ~%d -%d\n", m.NewFiles, m.ModifiedFiles, m.DeletedFiles)
				fmt.Printf("  Total size: %s\n", humanBytes(m.TotalSize))
			})
		})
	},
}

var backupRestoreCmd = &cobra.Command{
	Use:   "restore <backup>",
	Short: "Restore a backup",
	Long: `Restore a backup onto its source path, or onto --dest.

The backup's chain is replayed from the full backup forward. With
--no-chain only the files stored by this backup itself are restored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			bar := progress.NewTerminal(progressEnabled())
			m, err := c.RestoreBackup(cmd.Context(), args[0], ckpt.RestoreOptions{
				Dest:     restoreDest,
				Overlay:  restoreOverlay,
				NoChain:  backupNoChain,
				Progress: bar.Callback(),
			})
			bar.Done("")
			if err != nil {
				return withBackupHint(c, args[0], err)
			}
			dest := restoreDest
			if dest == "" {
				dest = m.SourcePath
			}
			return printOr(map[string]any{"backup": m, "dest": dest}, func() {
				fmt.Printf("Restored backup %s to %s\n", color.ID(m.ID.ShortID()), color.Success(dest))
			})
		})
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify <backup>",
	Short: "Verify a backup and its chain",
	Long: `Verify a backup and its chain.

Checks that every file the backup needs is present with the recorded
size. --deep also rehashes file contents.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			problems, err := c.VerifyBackup(cmd.Context(), args[0], backupDeep)
			if err != nil {
				return withBackupHint(c, args[0], err)
			}
			if err := printOr(map[string]any{"backup": args[0], "valid": len(problems) == 0, "problems": problems}, func() {
				if len(problems) == 0 {
					fmt.Printf("%s  %s\n", args[0], color.Status("ok"))
					return
				}
				fmt.Printf("%s  %s\n", args[0], color.Status("invalid"))
				for _, p := range problems {
					fmt.Printf("  - %s\n", p)
				}
			}); err != nil {
				return err
			}
			if len(problems) > 0 {
				return errclass.ErrVerificationFailed.WithMessagef("backup %s has %d problem(s)", args[0], len(problems))
			}
			return nil
		})
	},
}

var backupChainCmd = &cobra.Command{
	Use:   "chain <backup>",
	Short: "Show the chain a backup restores from",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			chain, err := c.BackupChain(args[0])
			if err != nil {
				return withBackupHint(c, args[0], err)
			}
			return printOr(chain, func() {
				parts := make([]string, len(chain))
				for i, m := range chain {
					parts[i] = fmt.Sprintf("%s (%s)", color.ID(m.ID.ShortID()), m.Name)
				}
				fmt.Println(strings.Join(parts, " -> "))
			})
		})
	},
}

var backupDeleteCmd = &cobra.Command{
	Use:     "delete <backup>",
	Aliases: []string{"rm"},
	Short:   "Delete a backup",
	Long: `Delete a backup.

A backup that later incrementals depend on is only deleted with
--cascade, which removes the dependents too.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			m, err := c.DeleteBackup(cmd.Context(), args[0], backupCascade)
			if err != nil {
				if errclass.CodeOf(err) == errclass.ErrHasChildren.Code {
					return &hintError{err: err, hint: fmt.Sprintf("Use %s to delete dependents too.", color.Code("--cascade"))}
				}
				return withBackupHint(c, args[0], err)
			}
			return printOr(m, func() {
				fmt.Printf("Deleted backup %s\n", color.ID(m.ID.ShortID()))
			})
		})
	},
}

// backupKind describes a manifest for listings.
func backupKind(m *model.BackupManifest) string {
	if m.IsFull() {
		return "full"
	}
	return "incremental"
}

func init() {
	backupCreateCmd.Flags().StringVarP(&backupName, "name", "n", "", "backup name (default: generated)")
	backupCreateCmd.Flags().StringVar(&backupParent, "parent", "", "backup to be incremental to")
	backupCreateCmd.Flags().BoolVarP(&backupIncremental, "incremental", "i", false, "be incremental to the newest backup of the source")
	backupCreateCmd.Flags().StringSliceVarP(&backupExclude, "exclude", "x", nil, "exclude pattern (can be repeated)")

	addRestoreFlags(backupRestoreCmd)
	backupRestoreCmd.Flags().BoolVar(&backupNoChain, "no-chain", false, "restore only files stored by this backup")

	backupVerifyCmd.Flags().BoolVar(&backupDeep, "deep", false, "rehash file contents")
	backupDeleteCmd.Flags().BoolVar(&backupCascade, "cascade", false, "also delete dependent backups")

	backupCmd.AddCommand(backupCreateCmd, backupListCmd, backupShowCmd, backupRestoreCmd,
		backupVerifyCmd, backupChainCmd, backupDeleteCmd)
	rootCmd.AddCommand(backupCmd)
}
