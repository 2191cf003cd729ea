package monitor

import (
	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/config"
)

// handleOutcome routes one probe outcome through the state machine. It runs
// on the monitor loop and is the only code that mutates real/fallback state.
func (m *Monitor) handleOutcome(o outcome) error {
	var err error
	if o.err != nil {
		m.metrics.ObserveProbe(o.virtual.Name, "failure")
		err = m.handleFailure(o.virtual, o.real, o.err)
	} else {
		m.metrics.ObserveProbe(o.virtual.Name, "success")
		err = m.handleSuccess(o.virtual, o.real)
	}
	m.metrics.SetHealthyReals(o.virtual.Name, countHealthy(o.virtual))
	return err
}

// handleSuccess restores the real to its target weight and retires the
// fallback once any real is serving again.
func (m *Monitor) handleSuccess(virtual *config.Virtual, real *config.Real) error {
	m.logger.Debug("check ok", zap.String("real", real.Address()))

	real.FailCount = 0

	if !real.IsPresent || real.CurrentWeight < real.Weight {
		real.CurrentWeight = real.Weight
		m.logger.Info("setting real server weight",
			zap.String("real", real.Address()),
			zap.Int("weight", real.CurrentWeight),
		)
		if real.IsPresent {
			if err := m.driver.EditReal(virtual, real, false); err != nil {
				return err
			}
		} else {
			if err := m.driver.AddReal(virtual, real, false); err != nil {
				return err
			}
			real.IsPresent = true
		}
	}

	fallback := virtual.Fallback
	if fallback != nil && (fallback.CurrentWeight > 0 || fallback.IsPresent) {
		fallback.CurrentWeight = 0
		if fallback.IsPresent {
			m.logger.Info("removing fallback", zap.String("virtual", virtual.Address()))
			if err := m.driver.DeleteReal(virtual, fallback, false); err != nil {
				return err
			}
			fallback.IsPresent = false
		}
	}
	return nil
}

// handleFailure counts the failure against the threshold and, once reached,
// quiesces or removes the real and activates the fallback if the whole pool
// is down.
func (m *Monitor) handleFailure(virtual *config.Virtual, real *config.Real, cause error) error {
	m.logger.Debug("check failed",
		zap.String("real", real.Address()),
		zap.Error(cause),
	)

	failureCount := virtual.EffectiveFailureCount(&m.cfg.Global)
	real.FailCount++
	if real.FailCount < failureCount {
		return nil
	}
	real.FailCount = failureCount

	quiescent := virtual.EffectiveQuiescent(&m.cfg.Global)
	readdQuiescent := virtual.EffectiveReaddQuiescent(&m.cfg.Global)

	switch {
	case quiescent && real.IsPresent && real.CurrentWeight != 0:
		real.CurrentWeight = 0
		m.logger.Info("setting real server weight",
			zap.String("real", real.Address()),
			zap.Int("weight", 0),
		)
		if err := m.driver.EditReal(virtual, real, false); err != nil {
			return err
		}
	case quiescent && !real.IsPresent && readdQuiescent:
		real.CurrentWeight = 0
		m.logger.Info("adding real server with weight 0 due to readdquiescent",
			zap.String("real", real.Address()),
		)
		if err := m.driver.AddReal(virtual, real, false); err != nil {
			return err
		}
		real.IsPresent = true
	case !quiescent:
		real.CurrentWeight = 0
		if real.IsPresent {
			m.logger.Info("removing real server", zap.String("real", real.Address()))
			if err := m.driver.DeleteReal(virtual, real, false); err != nil {
				return err
			}
			real.IsPresent = false
		}
	}

	return m.activateFallback(virtual)
}

// activateFallback brings the fallback up iff no real in the virtual is
// present with a non-zero weight.
func (m *Monitor) activateFallback(virtual *config.Virtual) error {
	fallback := virtual.Fallback
	if fallback == nil {
		return nil
	}
	for _, sibling := range virtual.Reals {
		if sibling.IsPresent && sibling.CurrentWeight > 0 {
			return nil
		}
	}
	if fallback.IsPresent && fallback.CurrentWeight >= 1 {
		return nil
	}

	fallback.CurrentWeight = 1
	if !fallback.IsPresent {
		m.logger.Info("adding fallback", zap.String("virtual", virtual.Address()))
		if err := m.driver.AddReal(virtual, fallback, false); err != nil {
			return err
		}
		fallback.IsPresent = true
		return nil
	}
	m.logger.Info("setting fallback weight",
		zap.String("virtual", virtual.Address()),
		zap.Int("weight", fallback.CurrentWeight),
	)
	return m.driver.EditReal(virtual, fallback, false)
}

func countHealthy(virtual *config.Virtual) int {
	count := 0
	for _, real := range virtual.Reals {
		if real.IsPresent && real.CurrentWeight > 0 {
			count++
		}
	}
	return count
}
