// Package plugins registers all built-in plugins.
package plugins

import (
	"firestige.xyz/vnet/internal/vswitch"
	"firestige.xyz/vnet/plugins/switchmode/hub"
	"firestige.xyz/vnet/plugins/switchmode/loopback"
	"firestige.xyz/vnet/plugins/switchmode/nulldev"
)

func init() {
	// Register switch mode plugins
	vswitch.RegisterMode(hub.Name, hub.New)
	vswitch.RegisterMode(loopback.Name, loopback.New)
	vswitch.RegisterMode(nulldev.Name, nulldev.New)
}
