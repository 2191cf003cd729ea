// Package server wires the modules together and owns the process lifecycle:
// initial table reset, the monitoring run, the autoreload watchdog, and the
// cleanstop teardown.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/config"
	"github.com/easzlab/godirectord/pkg/external"
	"github.com/easzlab/godirectord/pkg/ipvsadm"
	"github.com/easzlab/godirectord/pkg/metrics"
	"github.com/easzlab/godirectord/pkg/monitor"
	"github.com/easzlab/godirectord/pkg/probe"
)

// Server runs godirectord instances: each instance monitors one parsed
// configuration tree until shutdown or a configuration change replaces it.
type Server struct {
	configPath string
	settings   *external.Settings
	runner     ipvsadm.Runner
	logger     *zap.Logger
}

// New creates a Server driving the real ipvsadm binary.
func New(configPath string, settings *external.Settings, logger *zap.Logger) *Server {
	runner := ipvsadm.NewRunner(settings.IpvsadmPath, logger.Named("ipvsadm"))
	return newWithRunner(configPath, settings, runner, logger)
}

// newWithRunner allows tests to substitute the subprocess runner.
func newWithRunner(configPath string, settings *external.Settings, runner ipvsadm.Runner, logger *zap.Logger) *Server {
	return &Server{
		configPath: configPath,
		settings:   settings,
		runner:     runner,
		logger:     logger,
	}
}

// Run parses the configuration and runs instances until the context is
// cancelled or a fatal error occurs. A hot reload (config file change with
// autoreload, or SIGHUP) tears the current instance down and starts a fresh
// one from the newly parsed tree.
func (s *Server) Run(ctx context.Context) error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	for {
		next, err := s.runInstance(ctx, cfg)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		s.logger.Info("restarting with new configuration")
		cfg = next
	}
}

// runInstance monitors one configuration tree. It returns (nil, nil) on
// shutdown, (newCfg, nil) when a reload should replace the instance, and an
// error when the initial setup or monitoring failed fatally. Once the initial
// setup has succeeded, cleanup runs on every exit path; a failed initial setup
// returns without it.
func (s *Server) runInstance(ctx context.Context, cfg *config.Config) (*config.Config, error) {
	instanceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := s.setupMetrics(instanceCtx, cfg)
	driver := ipvsadm.NewDriver(s.runner, m, s.logger.Named("ipvsadm"))

	if err := driver.InitialSetup(cfg); err != nil {
		return nil, fmt.Errorf("initial ipvs table setup: %w", err)
	}

	registry := probe.NewRegistry(&cfg.Global, s.logger.Named("probe"))
	mon := monitor.New(cfg, driver, registry, m, s.logger.Named("monitor"))

	if cfg.Global.MaintenanceDir != "" {
		go watchMaintenanceDir(instanceCtx, cfg.Global.MaintenanceDir, mon, s.logger.Named("maintenance"))
	}

	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- mon.Run(instanceCtx)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var poll <-chan time.Time
	if cfg.Global.AutoReload {
		ticker := time.NewTicker(s.settings.ConfigCheckPeriod)
		defer ticker.Stop()
		poll = ticker.C
	}
	lastModified := s.configModTime()

	stop := func() {
		cancel()
		<-monitorDone
		driver.Cleanup(cfg)
	}

	for {
		select {
		case err := <-monitorDone:
			// The monitor only returns on its own when something inside the
			// state machine or the driver failed; shut down cleanly.
			driver.Cleanup(cfg)
			return nil, err

		case <-ctx.Done():
			s.logger.Info("shutting down")
			stop()
			return nil, nil

		case <-hup:
			s.logger.Info("reload requested")
			if next, ok := s.reloadConfig(); ok {
				stop()
				return next, nil
			}

		case <-poll:
			modified := s.configModTime()
			if modified.Equal(lastModified) {
				continue
			}
			lastModified = modified
			s.logger.Info("configuration file changed", zap.String("file", s.configPath))
			if next, ok := s.reloadConfig(); ok {
				stop()
				return next, nil
			}
		}
	}
}

// reloadConfig parses the config file again. A parse failure keeps the
// current instance running.
func (s *Server) reloadConfig() (*config.Config, bool) {
	next, err := config.Load(s.configPath)
	if err != nil {
		s.logger.Error("failed to reload config, keeping previous config", zap.Error(err))
		return nil, false
	}
	return next, true
}

func (s *Server) configModTime() time.Time {
	info, err := os.Stat(s.configPath)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (s *Server) setupMetrics(ctx context.Context, cfg *config.Config) *metrics.Metrics {
	if cfg.Global.MetricsPort == 0 {
		return nil
	}
	m := metrics.New()
	go m.Serve(ctx, cfg.Global.MetricsPort, s.logger.Named("metrics"))
	return m
}
