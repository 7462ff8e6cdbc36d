package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/pkg/ckpt"
)

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for ckpt.

To load completions for your shell:

Bash:
  # To load completions for each session, execute once:
  # Linux:
  ckpt completion bash > /etc/bash_completion.d/ckpt
  # macOS:
  ckpt completion bash > /usr/local/etc/bash_completion.d/ckpt

  # Or add to your ~/.bashrc or ~/.bash_profile:
  source <(ckpt completion bash)

Zsh:
  # To load completions for each session, execute once:
  ckpt completion zsh > "${fpath[1]}/_ckpt"

  # Or add to your ~/.zshrc:
  source <(ckpt completion zsh)

  # You may need to force rebuild the completion cache:
  rm -f ~/.zcompdump
  compinit

Fish:
  # To load completions for each session, execute once:
  ckpt completion fish > ~/.config/fish/completions/ckpt.fish

  # Or add to your ~/.config/fish/config.fish:
  ckpt completion fish | source

PowerShell:
  # To load completions for each session, run:
  ckpt completion powershell | Out-String | Invoke-Expression

  # Or add to your PowerShell profile:
  # (Microsoft.PowerShell_profile.ps1 or profile.ps1)
  ckpt completion powershell | Out-String | Invoke-Expression`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		shell := args[0]

		var err error
		switch shell {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		default:
			err = fmt.Errorf("unsupported shell type: %s", shell)
		}

		if err != nil {
			return fmt.Errorf("failed to generate completion for %s: %w", shell, err)
		}
		return nil
	},
}

type completionFunc = func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective)

// completeFirstArg completes the first positional argument with the
// values list returns for the storage root.
func completeFirstArg(list func(c *ckpt.Client) []string) completionFunc {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) > 0 {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		c, err := openClient()
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		defer c.Close()
		return list(c), cobra.ShellCompDirectiveNoFileComp
	}
}

func snapshotNames(c *ckpt.Client) []string {
	var out []string
	for _, rec := range c.Snapshots("") {
		out = append(out, rec.ID.ShortID()+"\t"+rec.Name)
	}
	return out
}

func backupNames(c *ckpt.Client) []string {
	var out []string
	for _, m := range c.Backups("") {
		out = append(out, m.ID.ShortID()+"\t"+m.Name)
	}
	return out
}

func pointNames(c *ckpt.Client) []string {
	points, _ := c.Points("")
	var out []string
	for _, p := range points {
		out = append(out, p.Name+"\t"+string(p.Scope))
	}
	return out
}

func operationIDs(c *ckpt.Client) []string {
	ops, _ := c.Operations("")
	var out []string
	for _, op := range ops {
		out = append(out, op.ID.ShortID()+"\t"+string(op.State))
	}
	return out
}

func init() {
	for _, cmd := range []*cobra.Command{snapshotShowCmd, snapshotRestoreCmd, snapshotVerifyCmd, snapshotDeleteCmd} {
		cmd.ValidArgsFunction = completeFirstArg(snapshotNames)
	}
	for _, cmd := range []*cobra.Command{backupShowCmd, backupRestoreCmd, backupVerifyCmd, backupChainCmd, backupDeleteCmd} {
		cmd.ValidArgsFunction = completeFirstArg(backupNames)
	}
	for _, cmd := range []*cobra.Command{pointShowCmd, pointVerifyCmd, pointDeleteCmd, rollbackRunCmd, safetyCmd} {
		cmd.ValidArgsFunction = completeFirstArg(pointNames)
	}
	for _, cmd := range []*cobra.Command{rollbackStatusCmd, rollbackCancelCmd} {
		cmd.ValidArgsFunction = completeFirstArg(operationIDs)
	}
	rootCmd.AddCommand(completionCmd)
}
