// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/vnet/internal/command"
)

var switchCmd = &cobra.Command{
	Use:   "switch",
	Short: "Inspect virtual switches",
	Long:  `Inspect the virtual switches hosted by a running vnet daemon.`,
}

var switchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active switches",
	Run: func(cmd *cobra.Command, args []string) {
		printCallResult("switch.list", nil)
	},
}

var switchModesCmd = &cobra.Command{
	Use:   "modes",
	Short: "List registered switch modes",
	Run: func(cmd *cobra.Command, args []string) {
		printCallResult("switch.modes", nil)
	},
}

var switchPortsCmd = &cobra.Command{
	Use:   "ports <switch>",
	Short: "List ports of a switch",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		printCallResult("port.list", command.PortListParams{Switch: args[0]})
	},
}

func init() {
	switchCmd.AddCommand(switchListCmd)
	switchCmd.AddCommand(switchModesCmd)
	switchCmd.AddCommand(switchPortsCmd)
}

// printCallResult issues one control command and pretty-prints the result.
func printCallResult(method string, params interface{}) {
	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	resp, err := client.Call(ctx, method, params)
	if err != nil {
		exitWithError("daemon is not running or socket is inaccessible", err)
	}
	if resp.Error != nil {
		exitWithError(fmt.Sprintf("%s failed: %s", method, resp.Error.Message), nil)
	}

	resultJSON, err := json.MarshalIndent(resp.Result, "", "  ")
	if err != nil {
		exitWithError("failed to format result", err)
	}

	fmt.Println(string(resultJSON))
}
