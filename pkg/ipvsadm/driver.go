// Package ipvsadm wraps the external table-management tool. The driver
// translates virtual/real entities into ipvsadm argument vectors and issues
// them either synchronously (initial reset, cleanup) or asynchronously
// (routine post-probe edits). It is the single writer of the kernel table.
package ipvsadm

import (
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/config"
	"github.com/easzlab/godirectord/pkg/metrics"
)

// Driver issues table operations through a Runner.
type Driver struct {
	runner  Runner
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewDriver creates a Driver. metrics may be nil.
func NewDriver(runner Runner, m *metrics.Metrics, logger *zap.Logger) *Driver {
	return &Driver{runner: runner, metrics: m, logger: logger}
}

// protocolFlag maps the virtual's protocol to its ipvsadm flag. Firewall-mark
// services are reserved.
func protocolFlag(p config.Protocol) (string, error) {
	switch p {
	case config.ProtocolTCP:
		return "-t", nil
	case config.ProtocolUDP:
		return "-u", nil
	case config.ProtocolFWM:
		return "", fmt.Errorf("firewall-mark services are not implemented")
	default:
		return "", fmt.Errorf("unsupported protocol %q", p)
	}
}

func methodFlag(m config.ForwardingMethod) (string, error) {
	switch m {
	case config.MethodGate:
		return "-g", nil
	case config.MethodMasq:
		return "-m", nil
	case config.MethodIPIP:
		return "-i", nil
	default:
		return "", fmt.Errorf("unsupported forwarding method %q", m)
	}
}

func virtualArgs(op string, virtual *config.Virtual, withScheduler bool) ([]string, error) {
	pf, err := protocolFlag(virtual.Protocol)
	if err != nil {
		return nil, err
	}
	args := []string{op, pf, virtual.Address()}
	if withScheduler {
		args = append(args, "-s", virtual.Scheduler)
	}
	return args, nil
}

func realArgs(op string, virtual *config.Virtual, real *config.Real, withWeight bool) ([]string, error) {
	pf, err := protocolFlag(virtual.Protocol)
	if err != nil {
		return nil, err
	}
	args := []string{op, pf, virtual.Address(), "-r", real.Address()}
	if withWeight {
		mf, err := methodFlag(real.Method)
		if err != nil {
			return nil, err
		}
		args = append(args, mf, "-w", strconv.Itoa(real.CurrentWeight))
	}
	return args, nil
}

func (d *Driver) issue(op string, args []string, sync bool) error {
	d.logger.Debug("invoking ipvsadm", zap.Strings("args", args), zap.Bool("sync", sync))
	d.metrics.ObserveTableOp(op)
	if sync {
		return d.runner.RunSync(args)
	}
	return d.runner.Start(args)
}

// AddVirtual issues `-A <proto> ip:port -s <scheduler>`.
func (d *Driver) AddVirtual(virtual *config.Virtual, sync bool) error {
	args, err := virtualArgs("-A", virtual, true)
	if err != nil {
		return err
	}
	return d.issue("add_virtual", args, sync)
}

// DeleteVirtual issues `-D <proto> ip:port`.
func (d *Driver) DeleteVirtual(virtual *config.Virtual, sync bool) error {
	args, err := virtualArgs("-D", virtual, false)
	if err != nil {
		return err
	}
	return d.issue("delete_virtual", args, sync)
}

// EditVirtual issues `-E <proto> ip:port -s <scheduler>`.
func (d *Driver) EditVirtual(virtual *config.Virtual, sync bool) error {
	args, err := virtualArgs("-E", virtual, true)
	if err != nil {
		return err
	}
	return d.issue("edit_virtual", args, sync)
}

// AddReal issues `-a <proto> ip:port -r rip:rport -g|-m|-i -w <weight>`,
// pushing the real's current weight.
func (d *Driver) AddReal(virtual *config.Virtual, real *config.Real, sync bool) error {
	args, err := realArgs("-a", virtual, real, true)
	if err != nil {
		return err
	}
	return d.issue("add_real", args, sync)
}

// DeleteReal issues `-d <proto> ip:port -r rip:rport`.
func (d *Driver) DeleteReal(virtual *config.Virtual, real *config.Real, sync bool) error {
	args, err := realArgs("-d", virtual, real, false)
	if err != nil {
		return err
	}
	return d.issue("delete_real", args, sync)
}

// EditReal issues `-e <proto> ip:port -r rip:rport -g|-m|-i -w <weight>`.
func (d *Driver) EditReal(virtual *config.Virtual, real *config.Real, sync bool) error {
	args, err := realArgs("-e", virtual, real, true)
	if err != nil {
		return err
	}
	return d.issue("edit_real", args, sync)
}

// InitialSetup resets and seeds the kernel table before monitoring starts.
// For every virtual: delete it (tolerating failure, the entry may not exist),
// re-add it, seed all reals with weight 0 when quiescent mode is effective,
// and add the fallback with weight 1. Every step is synchronous; any failure
// in a non-tolerated step is fatal to startup.
func (d *Driver) InitialSetup(cfg *config.Config) error {
	d.logger.Debug("beginning initial ipvs table setup")
	for _, virtual := range cfg.Virtuals {
		if err := d.DeleteVirtual(virtual, true); err != nil {
			d.logger.Debug("deleting virtual service failed during initialization (probably ok)",
				zap.String("virtual", virtual.Address()),
			)
		}
		virtual.IsPresent = false

		d.logger.Info("adding virtual service", zap.String("virtual", virtual.Address()))
		if err := d.AddVirtual(virtual, true); err != nil {
			return fmt.Errorf("adding virtual service %s: %w", virtual.Address(), err)
		}
		virtual.IsPresent = true

		if virtual.EffectiveQuiescent(&cfg.Global) {
			for _, real := range virtual.Reals {
				real.CurrentWeight = 0
				d.logger.Info("adding real server",
					zap.String("virtual", virtual.Address()),
					zap.String("real", real.Address()),
				)
				if err := d.AddReal(virtual, real, true); err != nil {
					return fmt.Errorf("adding real server %s: %w", real.Address(), err)
				}
				real.IsPresent = true
			}
		}

		if fallback := virtual.Fallback; fallback != nil {
			fallback.CurrentWeight = 1
			d.logger.Info("adding fallback server", zap.String("virtual", virtual.Address()))
			if err := d.AddReal(virtual, fallback, true); err != nil {
				return fmt.Errorf("adding fallback server for %s: %w", virtual.Address(), err)
			}
			fallback.IsPresent = true
		}
	}
	d.logger.Debug("initial ipvs table setup done")
	return nil
}

// Cleanup removes every virtual service for which cleanstop is effective.
// Failures are logged, not fatal: the process is exiting either way.
func (d *Driver) Cleanup(cfg *config.Config) {
	for _, virtual := range cfg.Virtuals {
		if !virtual.IsPresent || !virtual.EffectiveCleanStop(&cfg.Global) {
			continue
		}
		d.logger.Info("removing virtual service", zap.String("virtual", virtual.Address()))
		if err := d.DeleteVirtual(virtual, true); err != nil {
			d.logger.Error("could not remove virtual service",
				zap.String("virtual", virtual.Address()),
				zap.Error(err),
			)
			continue
		}
		virtual.IsPresent = false
	}
}
