// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/vnet/internal/command"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the vnet daemon",
	Long: `Stop the vnet daemon gracefully.

This command sends a shutdown request to the running daemon via Unix
Domain Socket. The daemon deactivates all switches, closes the fabric
and exits cleanly.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStopCommand()
	},
}

func runStopCommand() {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		exitWithError("daemon is not running or socket is inaccessible", err)
	}

	resp, err := client.Shutdown(ctx)
	if err != nil {
		exitWithError("failed to send shutdown request", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("daemon.shutdown failed: %s", resp.Error.Message), nil)
	}

	fmt.Println("Shutdown requested. Daemon is stopping.")
}
