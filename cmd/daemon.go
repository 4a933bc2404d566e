// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/vnet/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the vnet daemon in foreground",
	Long: `Run the vnet daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and the packet memory arena
  3. Create the switching fabric and bring up the configured topology
  4. Start the UDS server for CLI control
  5. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: daemon failed: %v\n", err)
			os.Exit(1)
		}
	},
}

func runDaemon() error {
	fmt.Println("Starting vnet daemon...")
	fmt.Printf("Config: %s\n", configFile)

	d, err := daemon.New(configFile)
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	if err := d.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	// Run main loop (blocks until shutdown)
	return d.Run()
}
