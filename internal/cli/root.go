// Package cli implements the devicectl command-line interface using Cobra.
// Each subcommand maps to one operator task against the device daemon.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "devicectl",
	Short: "devicectl — run and operate the grow-light/air-pump device core",
	Long: `devicectl hosts the device core described in spec §1-§10 as a single
process: the command pipeline, schedule engine, network supervisor, cloud
link, local commissioning channel, firmware-update pipeline, telemetry, and
safety watchdog.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var dataDir string

func init() {
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Device data directory (overrides DEVICE_DATA_HOME)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
