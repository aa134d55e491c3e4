// Tuyalink is a command-line tool for battery-powered devices that speak the
// encrypted datapoint protocol over a lossy radio link.
//
// It pairs devices into a local registry, connects to them through a
// WebSocket bridge or a serial radio module, sets and watches datapoints,
// runs timed actuator sequences, and can stand up a simulated device for
// development without hardware.
//
// Usage:
//
//	tuyalink [command] [flags]
//
// See 'tuyalink --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/tuyalink/internal/logging"
	"github.com/muurk/tuyalink/internal/version"
)

func main() {
	logging.InitializeFromEnv()
	defer logging.Sync()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tuyalink",
	Short: "Control tool for link-local encrypted datapoint devices",
	Long: `A command-line tool for battery-powered devices that speak the
encrypted datapoint protocol over a lossy radio link.

Pairs devices into a local registry, connects through a WebSocket bridge
or serial radio module, sets and watches datapoints, and runs timed
actuator sequences.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("tuyalink %s (commit: %s)\n", version.Version, version.Commit)
	},
}
