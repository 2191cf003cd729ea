// Package monitor drives the health checks: a single event loop owns all
// virtual/real state, arms one timer per (virtual, real) pair, runs probes in
// their own goroutines, and feeds every outcome through the state machine
// into the table driver. Nothing outside this loop touches entity state, so
// no locking is needed.
package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/config"
	"github.com/easzlab/godirectord/pkg/metrics"
	"github.com/easzlab/godirectord/pkg/probe"
)

// TableDriver is the reconciler surface the state machine drives. All calls
// are asynchronous; a returned error means the tool could not even be
// spawned, which is fatal.
type TableDriver interface {
	AddReal(virtual *config.Virtual, real *config.Real, sync bool) error
	EditReal(virtual *config.Virtual, real *config.Real, sync bool) error
	DeleteReal(virtual *config.Virtual, real *config.Real, sync bool) error
}

// CheckerSource resolves the probe for a virtual service.
type CheckerSource interface {
	ForVirtual(virtual *config.Virtual) (probe.Checker, error)
}

type pairKey struct {
	virtual string
	real    string
}

type outcome struct {
	virtual *config.Virtual
	real    *config.Real
	err     error
}

// Monitor is the check scheduler plus the outcome state machine.
type Monitor struct {
	cfg      *config.Config
	driver   TableDriver
	checkers CheckerSource
	metrics  *metrics.Metrics
	logger   *zap.Logger

	outcomes chan outcome
	kicks    chan string
	timers   map[pairKey]*time.Timer
}

// New creates a Monitor. metrics may be nil.
func New(cfg *config.Config, driver TableDriver, checkers CheckerSource, m *metrics.Metrics, logger *zap.Logger) *Monitor {
	return &Monitor{
		cfg:      cfg,
		driver:   driver,
		checkers: checkers,
		metrics:  m,
		logger:   logger,
		outcomes: make(chan outcome),
		kicks:    make(chan string, 16),
		timers:   make(map[pairKey]*time.Timer),
	}
}

// Kick requests an immediate re-check of every pair whose real matches the
// given address (an IP or ip:port). Safe to call from any goroutine.
func (m *Monitor) Kick(address string) {
	select {
	case m.kicks <- address:
	default:
	}
}

// Run fires one immediate probe per (virtual, real) pair and then processes
// outcomes until the context is cancelled. A state-machine or driver error is
// returned and stops the loop; probe failures never do. Outcomes still in
// flight when the context is cancelled are dropped.
func (m *Monitor) Run(ctx context.Context) error {
	for _, virtual := range m.cfg.Virtuals {
		for _, real := range virtual.Reals {
			m.launch(ctx, virtual, real)
		}
	}
	defer m.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-m.outcomes:
			if err := m.handleOutcome(o); err != nil {
				return fmt.Errorf("outcome handling for %s: %w", o.real.Address(), err)
			}
			m.schedule(ctx, o.virtual, o.real)
		case address := <-m.kicks:
			m.recheck(ctx, address)
		}
	}
}

// launch runs one probe asynchronously and delivers its outcome to the loop.
// The send races shutdown on purpose: once the context is cancelled the
// outcome is dropped and can no longer cause table writes.
func (m *Monitor) launch(ctx context.Context, virtual *config.Virtual, real *config.Real) {
	go func() {
		err := m.runProbe(ctx, virtual, real)
		select {
		case m.outcomes <- outcome{virtual: virtual, real: real, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (m *Monitor) runProbe(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	if path, down := m.maintenanceFile(real); down {
		return fmt.Errorf("maintenance file %s present", path)
	}
	checker, err := m.checkers.ForVirtual(virtual)
	if err != nil {
		return err
	}
	return checker.Check(ctx, virtual, real)
}

// maintenanceFile reports whether the maintenance directory holds a file
// named after the real's IP or ip:port, forcing it down.
func (m *Monitor) maintenanceFile(real *config.Real) (string, bool) {
	dir := m.cfg.Global.MaintenanceDir
	if dir == "" {
		return "", false
	}
	for _, name := range []string{real.Address(), real.IP.String()} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// schedule arms the next probe one effective interval after the completion of
// the previous one.
func (m *Monitor) schedule(ctx context.Context, virtual *config.Virtual, real *config.Real) {
	interval := virtual.EffectiveCheckInterval(&m.cfg.Global)
	key := pairKey{virtual: virtual.Address(), real: real.Address()}
	m.timers[key] = time.AfterFunc(interval, func() {
		m.launch(ctx, virtual, real)
	})
}

// recheck fires pending probes immediately for every pair matching the
// address. Pairs whose probe is already in flight are left alone: stopping a
// fired timer reports false.
func (m *Monitor) recheck(ctx context.Context, address string) {
	for _, virtual := range m.cfg.Virtuals {
		for _, real := range virtual.Reals {
			if real.Address() != address && real.IP.String() != address {
				continue
			}
			key := pairKey{virtual: virtual.Address(), real: real.Address()}
			if timer, ok := m.timers[key]; ok && timer.Stop() {
				delete(m.timers, key)
				m.logger.Info("immediate recheck triggered",
					zap.String("virtual", virtual.Address()),
					zap.String("real", real.Address()),
				)
				m.launch(ctx, virtual, real)
			}
		}
	}
}

func (m *Monitor) stopTimers() {
	for key, timer := range m.timers {
		timer.Stop()
		delete(m.timers, key)
	}
}
