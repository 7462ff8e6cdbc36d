package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ckpt-project/ckpt/pkg/color"
)

var (
	jsonOutput bool
	rootFlag   string
	configFlag string
	logLevel   string
	noColor    bool
	noProgress bool

	rootCmd = &cobra.Command{
		Use:   "ckpt",
		Short: "ckpt - checkpoints, incremental backups and rollback",
		Long: `ckpt captures point-in-time snapshots and incremental backups of
directory trees, and rolls a system back to a recorded rollback point
after pre-flight safety checks.

The storage root is taken from --root, then $CKPT_ROOT, then the first
.ckpt/ directory found walking up from the current directory.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			color.Init(noColor || jsonOutput)
		},
	}
)

func init() {
	addPersistentFlags(rootCmd)
}

func addPersistentFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().StringVar(&rootFlag, "root", "", "storage root (default $CKPT_ROOT or nearest .ckpt/)")
	cmd.PersistentFlags().StringVar(&configFlag, "config", "", "configuration file to use instead of the root's config.yaml")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	cmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "disable progress bars")
}

var stderrIsTerminal = func() bool { return term.IsTerminal(int(os.Stderr.Fd())) }

// progressEnabled reports whether progress bars should be drawn.
func progressEnabled() bool {
	return !noProgress && !jsonOutput && stderrIsTerminal()
}

// Execute runs the root command and exits non-zero on error. SIGINT and
// SIGTERM cancel the command's context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		reportError(err)
		os.Exit(1)
	}
}

// outputJSON prints v as indented JSON.
func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printOr prints v as JSON if --json is set, otherwise calls human.
func printOr(v any, human func()) error {
	if jsonOutput {
		return outputJSON(v)
	}
	human()
	return nil
}

func fmtErr(format string, args ...any) {
	prefix := "ckpt: "
	if color.Enabled() {
		prefix = color.Error("ckpt:") + " "
	}
	fmt.Fprintf(os.Stderr, prefix+format+"\n", args...)
}
