// Package cmd implements CLI commands.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/vnet/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration files",
	Long: `Validate the daemon configuration and its topology file without
starting the daemon.

With --topology, validates a standalone topology YAML file instead.

Examples:
  vnet validate -c /etc/vnet/config.yaml
  vnet validate --topology topology.yaml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

var validateTopologyFile string

func init() {
	validateCmd.Flags().StringVarP(&validateTopologyFile, "topology", "t", "",
		"topology file to validate on its own")
}

func runValidateCommand() {
	if validateTopologyFile != "" {
		topo, err := config.LoadTopology(validateTopologyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("VALID: %d switch(es)\n", len(topo.Switches))
		return
	}

	summary, err := validateConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(summary)
}

// validateConfig loads the daemon config and, when set, the topology it
// references. Returns a one-line summary on success.
func validateConfig(path string) (string, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}

	if cfg.Topology == "" {
		return fmt.Sprintf("VALID: %d switch slot(s), no topology file", cfg.Fabric.NumSwitches), nil
	}

	topo, err := config.LoadTopology(cfg.Topology)
	if err != nil {
		return "", err
	}
	if len(topo.Switches) > cfg.Fabric.NumSwitches {
		return "", fmt.Errorf("topology declares %d switches but fabric has only %d slots",
			len(topo.Switches), cfg.Fabric.NumSwitches)
	}
	return fmt.Sprintf("VALID: %d switch slot(s), topology brings up %d switch(es)",
		cfg.Fabric.NumSwitches, len(topo.Switches)), nil
}
