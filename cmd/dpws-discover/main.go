// Dpws-discover finds, inspects and announces WS-Discovery / DPWS devices.
//
// It probes the local network for devices, resolves and fetches their
// metadata, follows Hello and Bye traffic live, hosts devices described
// in the configuration file, and streams registry events to websocket
// clients.
//
// Usage:
//
//	dpws-discover [command] [flags]
//
// See 'dpws-discover --help' for available commands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/muurk/dpws/internal/logging"
	"github.com/muurk/dpws/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dpws-discover",
	Short: "WS-Discovery / DPWS device discovery tool",
	Long: `Discover and inspect devices speaking WS-Discovery and the Devices Profile
for Web Services (DPWS 2006 and DPWS 2009).

Devices are found with multicast Probes and followed through their Hello and
Bye announcements. Metadata is fetched over HTTP. Devices listed in the
configuration file can be hosted and announced on the network.

Logging is silent unless --log-level or DPWS_LOG_LEVEL is set.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Initialize(logLevel)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dpws-discover %s\n", version.Full())
	},
}
