// driftmq - lightweight federated MQTT broker for IoT devices
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build-time variables set via ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "driftmq",
	Short: "Lightweight federated MQTT broker for IoT devices",
	Long: `driftmq is an MQTT broker with a device HTTP adapter, per-device
timeseries capture, delayed message scheduling, and optional federation
with peer brokers.

Configuration is environment-driven; see 'driftmq serve --help' for the
variables that matter.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("driftmq %s (commit %s, built %s)\n", Version, Commit, BuildDate)
	},
}

func main() {
	rootCmd.AddCommand(serveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
