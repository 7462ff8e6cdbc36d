package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ckpt-project/ckpt/pkg/ckpt"
)

var (
	metricsAddr string
	metricsOnce bool
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Serve or print Prometheus metrics",
	Long: `Serve Prometheus metrics for the storage root.

This exposes a /metrics endpoint with:
  - ckpt_snapshot_storage_bytes and ckpt_backup_storage_bytes
  - operation counters and durations for work done by this process

The server runs in the foreground until interrupted. With --once the
metrics are printed to stdout instead.

Examples:
  ckpt metrics                    # serve on :2112
  ckpt metrics --addr :9090
  ckpt metrics --once`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *ckpt.Client) error {
			if metricsOnce {
				return c.Metrics().WriteText(os.Stdout)
			}
			fmt.Printf("Serving metrics at http://%s/metrics\n", metricsAddr)
			fmt.Println("Press Ctrl+C to stop")
			return c.Metrics().Serve(cmd.Context(), metricsAddr)
		})
	},
}

func init() {
	metricsCmd.Flags().StringVarP(&metricsAddr, "addr", "a", ":2112", "address to listen on")
	metricsCmd.Flags().BoolVar(&metricsOnce, "once", false, "print metrics and exit")
	rootCmd.AddCommand(metricsCmd)
}
