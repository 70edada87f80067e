// Package cli wires the Driveline binaries: the combined HTTP/WS
// server with the sync scheduler, the manual import commands, and the
// version dump. Commands share one configuration tree loaded through
// the config package; flags only override what a one-off run needs.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
)

// RootCmd is the driveline command tree root.
var RootCmd = &cobra.Command{
	Use:   "driveline",
	Short: "Parts catalog platform: chat fabric, sync engine and API server",
	Long: `Driveline runs the parts-catalog core services:

- serve: HTTP/WS API server with the chat fabric and sync scheduler
- import: one-off data loads from AS400, FileMaker or drop files
- version: build information

Configuration is read from --config, ./config.yaml, ./configs,
$HOME/.driveline or /etc/driveline, with DRIVELINE_* environment
variables taking precedence.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the command tree and exits non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		RootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, ./configs, $HOME/.driveline, /etc/driveline)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging regardless of configured level")
}
