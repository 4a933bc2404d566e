// Package main is the entry point for the vnet switching fabric daemon.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/vnet/cmd"
	_ "firestige.xyz/vnet/plugins"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
