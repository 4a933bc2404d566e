// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"firestige.xyz/vnet/internal/command"
	"firestige.xyz/vnet/internal/config"
	"firestige.xyz/vnet/internal/log"
	"firestige.xyz/vnet/internal/memseg"
	"firestige.xyz/vnet/internal/metrics"
	"firestige.xyz/vnet/internal/pkt"
	"firestige.xyz/vnet/internal/vswitch"
)

// Daemon manages the vnet daemon process lifecycle: packet memory,
// the switching fabric, the configured topology and the control socket.
type Daemon struct {
	config     *config.GlobalConfig
	configPath string

	arena     *memseg.Arena
	alloc     *pkt.Allocator
	fabric    *vswitch.Fabric
	activated []string

	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server

	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	shutdownOnce sync.Once
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New creates a new Daemon instance from a config file.
func New(configPath string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		shutdownChan: make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Fabric returns the switching fabric. Nil before Start.
func (d *Daemon) Fabric() *vswitch.Fabric { return d.fabric }

// Allocator returns the packet allocator. Nil before Start.
func (d *Daemon) Allocator() *pkt.Allocator { return d.alloc }

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	log.Init(&d.config.Log)
	logger := log.GetLogger()
	logger.WithFields(map[string]any{
		"config": d.configPath,
		"socket": d.config.Control.Socket,
	}).Info("starting vnet daemon")

	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	d.arena = memseg.NewArena(d.config.Memory.ArenaSizeMB << 20)
	d.alloc = pkt.NewAllocator(d.arena)

	fabric, err := vswitch.New(d.config.Fabric.NumSwitches)
	if err != nil {
		return fmt.Errorf("failed to create fabric: %w", err)
	}
	d.fabric = fabric

	if err := d.activateTopology(); err != nil {
		d.fabric.Close()
		return err
	}

	d.cmdHandler = command.NewCommandHandler(d.fabric, d.alloc, d.arena)
	d.cmdHandler.SetShutdownFunc(func() {
		logger.Info("shutdown triggered via daemon.shutdown command")
		d.TriggerShutdown()
	})

	d.udsServer = command.NewUDSServer(d.config.Control.Socket, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("uds server failed")
		}
	}()

	if d.config.Metrics.Listen != "" {
		collector := metrics.NewFabricCollector(d.fabric, d.alloc, d.arena)
		d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path, collector)
		if err := d.metricsServer.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	logger.Info("daemon started successfully")
	return nil
}

// activateTopology brings up every switch named in the topology file.
// A daemon without a topology file starts with an empty fabric;
// switches are then activated through the control surface.
func (d *Daemon) activateTopology() error {
	if d.config.Topology == "" {
		return nil
	}
	topo, err := config.LoadTopology(d.config.Topology)
	if err != nil {
		return fmt.Errorf("failed to load topology: %w", err)
	}
	for _, sw := range topo.Switches {
		if _, err := d.fabric.Activate(sw.Name, sw.Mode, sw.NumPorts, sw.Options); err != nil {
			return fmt.Errorf("failed to activate switch %q: %w", sw.Name, err)
		}
		d.activated = append(d.activated, sw.Name)
	}
	return nil
}

// Stop performs graceful shutdown of all daemon components.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	logger := log.GetLogger()
	logger.Info("initiating graceful shutdown")

	if d.udsServer != nil {
		d.udsServer.Stop()
	}
	if d.metricsServer != nil {
		if err := d.metricsServer.Stop(context.Background()); err != nil {
			logger.WithError(err).Error("error stopping metrics server")
		}
	}

	for _, name := range d.activated {
		if err := d.fabric.Deactivate(name); err != nil {
			logger.WithError(err).WithField("switch", name).Error("error deactivating switch")
		}
	}
	if d.fabric != nil {
		d.fabric.Close()
	}

	d.cancel()

	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	if err := d.removePIDFile(); err != nil {
		logger.WithError(err).Error("error removing PID file")
	}

	logger.Info("daemon stopped gracefully")
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. the daemon.shutdown command via the control socket
//  3. SIGHUP triggers config reload
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	logger := log.GetLogger()
	logger.Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				logger.WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil

			case syscall.SIGHUP:
				logger.Info("received reload signal")
				if err := d.Reload(); err != nil {
					logger.WithError(err).Error("failed to reload config")
				} else {
					logger.Info("configuration reloaded successfully")
				}
			}

		case <-d.shutdownChan:
			logger.Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			logger.WithError(d.ctx.Err()).Info("context cancelled")
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload reloads the global configuration. Hot-reloadable: log settings.
// Cold (requires restart): fabric sizing, arena sizing, control socket,
// topology.
func (d *Daemon) Reload() error {
	logger := log.GetLogger()
	logger.WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}

	log.Init(&newConfig.Log)

	var requiresRestart []string
	if newConfig.Fabric.NumSwitches != d.config.Fabric.NumSwitches {
		requiresRestart = append(requiresRestart, "fabric.num_switches")
	}
	if newConfig.Memory.ArenaSizeMB != d.config.Memory.ArenaSizeMB {
		requiresRestart = append(requiresRestart, "memory.arena_size_mb")
	}
	if newConfig.Control.Socket != d.config.Control.Socket {
		requiresRestart = append(requiresRestart, "control.socket")
	}
	if newConfig.Metrics.Listen != d.config.Metrics.Listen {
		requiresRestart = append(requiresRestart, "metrics.listen")
	}
	d.config = newConfig

	log.GetLogger().WithField("requires_restart", fmt.Sprint(requiresRestart)).
		Info("configuration reloaded")
	return nil
}

// TriggerShutdown triggers graceful shutdown from an external caller.
func (d *Daemon) TriggerShutdown() {
	d.shutdownOnce.Do(func() { close(d.shutdownChan) })
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.config.Control.PIDFile == "" {
		return nil
	}
	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(d.config.Control.PIDFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.config.Control.PIDFile, err)
	}
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.config.Control.PIDFile == "" {
		return nil
	}
	if err := os.Remove(d.config.Control.PIDFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.config.Control.PIDFile, err)
	}
	return nil
}
