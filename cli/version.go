package cli

import (
	"github.com/spf13/cobra"

	"github.com/drivelinehq/driveline/version"
)

var versionVerbose bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, _ []string) {
		info := version.GetBuildInfo()
		cmd.Printf("driveline %s\n", info.Version)
		if info.Revision != "" {
			cmd.Printf("  revision: %s\n", info.Revision)
		}
		cmd.Printf("  go:       %s\n", info.GoVersion)
		cmd.Printf("  module:   %s\n", info.MainModule)
		if versionVerbose {
			for _, dep := range info.Dependencies {
				line := dep.Path + " " + dep.Version
				if dep.Replace != "" {
					line += " => " + dep.Replace
				}
				cmd.Println("  " + line)
			}
		}
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionVerbose, "deps", false, "list linked module dependencies")
	RootCmd.AddCommand(versionCmd)
}
