// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"firestige.xyz/vnet/internal/log"
)

// GlobalConfig is the top-level static configuration. Maps to the
// `vnet:` root key in YAML; env vars override via the VNET_ prefix
// (e.g. VNET_LOG_LEVEL).
type GlobalConfig struct {
	Control  ControlConfig    `mapstructure:"control"`
	Fabric   FabricConfig     `mapstructure:"fabric"`
	Memory   MemoryConfig     `mapstructure:"memory"`
	Metrics  MetricsConfig    `mapstructure:"metrics"`
	Log      log.LoggerConfig `mapstructure:"log"`
	Topology string           `mapstructure:"topology"` // path to the topology YAML
}

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// FabricConfig sizes the switching fabric.
type FabricConfig struct {
	// NumSwitches is rounded up to a power of two; it fixes the slot
	// index bits of every port ID, so it cannot change at runtime.
	NumSwitches int `mapstructure:"num_switches"`
}

// MemoryConfig sizes the packet buffer arena.
type MemoryConfig struct {
	ArenaSizeMB int `mapstructure:"arena_size_mb"`
}

// MetricsConfig configures the Prometheus scrape endpoint. An empty
// listen address disables the endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

// configRoot is the top-level wrapper matching the YAML structure `vnet: ...`.
type configRoot struct {
	VNet GlobalConfig `mapstructure:"vnet"`
}

// Load loads configuration from file.
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// No explicit env prefix; the `vnet.` key prefix naturally maps to
	// VNET_ env vars via the key replacer (key "vnet.log.level", env
	// "VNET_LOG_LEVEL").
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.VNet

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration. All keys use the
// "vnet." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("vnet.control.socket", "/var/run/vnet.sock")
	v.SetDefault("vnet.control.pid_file", "/var/run/vnet.pid")

	v.SetDefault("vnet.fabric.num_switches", 8)
	v.SetDefault("vnet.memory.arena_size_mb", 16)

	v.SetDefault("vnet.metrics.listen", "")
	v.SetDefault("vnet.metrics.path", "/metrics")

	v.SetDefault("vnet.log.level", "info")
	v.SetDefault("vnet.log.pattern", log.DefaultPattern)
	v.SetDefault("vnet.log.time", log.DefaultTimeLayout)
}

// ValidateAndApplyDefaults validates configuration and applies runtime
// defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be trace/debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Fabric.NumSwitches <= 0 {
		return fmt.Errorf("fabric.num_switches must be positive, got %d", cfg.Fabric.NumSwitches)
	}
	if cfg.Memory.ArenaSizeMB <= 0 {
		return fmt.Errorf("memory.arena_size_mb must be positive, got %d", cfg.Memory.ArenaSizeMB)
	}
	if cfg.Control.Socket == "" {
		return fmt.Errorf("control.socket is required")
	}
	return nil
}
