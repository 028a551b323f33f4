// Package main is the entry point for the georange CLI.
//
// A range test can be run either as a library (SDK) or as a standalone binary
// with YAML configuration. This CLI provides the standalone binary approach.
//
// Usage:
//
//	georange run -c georange.yaml      # Walk the primary and log samples
//	georange nodes -c georange.yaml    # Show target selection without polling
//	georange validate -c georange.yaml # Validate configuration
//	georange version                   # Show version info
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information, set at build time via ldflags.
// Example: go build -ldflags "-X main.version=1.0.0"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// rootCmd only displays help; functionality is in subcommands.
var rootCmd = &cobra.Command{
	Use:   "georange",
	Short: "Radio range test with a GPS-equipped node",
	Long: `georange measures radio range by walking a GPS-equipped node away from
the controller. Every sample interval it polls the node for its position,
polls every other reachable node for firmware metadata, and appends the
position, transmit power and signal strength to a log.

Quick start:
  1. Create a config file (georange.yaml)
  2. Run: georange run -c georange.yaml
  3. Walk. Stop with Ctrl+C.

Example config:
  sample_interval: 5s
  output:
    file: geoloc.csv
  transport:
    kind: uart
    uart:
      port: /dev/ttyUSB0`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// cobra already printed the error
		os.Exit(1)
	}
}

func main() {
	Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Print the version, commit hash, and build date of this georange binary.`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("georange %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
