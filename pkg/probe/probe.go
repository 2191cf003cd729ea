// Package probe implements the health probes and the registry that maps
// service names to them. A probe tests a single real server and reports
// success (nil) or failure (non-nil error); it never mutates virtual or real
// state.
package probe

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/easzlab/godirectord/pkg/config"
)

// userAgent is sent by the HTTP and HTTPS probes.
const userAgent = "GoDirectord/0.9.2"

// Checker is the probe contract: a bounded health test of one real server.
// Implementations impose their own timeout from the virtual's effective
// negotiate/connect timeout and have read-only access to the entities.
type Checker interface {
	Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error
}

// UnexpectedResultError reports a probe that completed but whose response did
// not match expectations (body mismatch, fingerprint mismatch, empty result).
type UnexpectedResultError struct {
	Detail string
}

func (e *UnexpectedResultError) Error() string {
	return e.Detail
}

// MissingParameterError reports a probe invoked without a required
// configuration parameter. It is fatal at probe time in the sense that no
// amount of retrying will fix it, but it is still routed through the state
// machine as a failure.
type MissingParameterError struct {
	Probe     string
	Parameter string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("no %q specified for %s check", e.Parameter, e.Probe)
}

// Registry maps probe names to their compiled-in implementations. It replaces
// the original's filesystem scan with compile-time registration; the service
// string in the configuration keys into it.
type Registry struct {
	global   *config.GlobalConfig
	checkers map[string]Checker
	connect  Checker
	logger   *zap.Logger
}

// NewRegistry builds the registry with the full built-in probe set.
func NewRegistry(global *config.GlobalConfig, logger *zap.Logger) *Registry {
	r := &Registry{
		global:  global,
		connect: &ConnectChecker{global: global},
		logger:  logger,
	}
	r.checkers = map[string]Checker{
		"http":  &HTTPChecker{global: global},
		"https": &HTTPChecker{global: global, tls: true},
		"imap":  &IMAPChecker{global: global},
		"smtp":  &SMTPChecker{global: global},
		"ssh":   &SSHChecker{global: global},
		"ldap":  &LDAPChecker{global: global},
		"mysql": &MySQLChecker{global: global, logger: logger},
		"pgsql": &PgSQLChecker{global: global, logger: logger},
	}
	for name := range r.checkers {
		logger.Debug("registered check module", zap.String("name", name))
	}
	return r
}

// Lookup returns the checker registered under name.
func (r *Registry) Lookup(name string) (Checker, error) {
	checker, ok := r.checkers[name]
	if !ok {
		return nil, fmt.Errorf("no check module found for %q", name)
	}
	return checker, nil
}

// ForVirtual resolves the checker for a virtual service: checktype connect
// bypasses the registry, negotiate selects by service name, everything else
// is reserved.
func (r *Registry) ForVirtual(virtual *config.Virtual) (Checker, error) {
	switch virtual.Checktype {
	case config.CheckConnect:
		return r.connect, nil
	case config.CheckNegotiate:
		return r.Lookup(virtual.Service)
	default:
		return nil, fmt.Errorf("checktype %q is not implemented", virtual.Checktype)
	}
}
