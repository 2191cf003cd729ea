package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/go-ldap/ldap/v3"

	"github.com/easzlab/godirectord/pkg/config"
)

// LDAPChecker performs a simple bind against the real server using the
// virtual's login and passwd; a successful bind is a healthy backend.
type LDAPChecker struct {
	global *config.GlobalConfig
}

func (c *LDAPChecker) Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	if virtual.Login == "" {
		return &MissingParameterError{Probe: "ldap", Parameter: "login"}
	}

	address := net.JoinHostPort(real.IP.String(), strconv.Itoa(int(real.Port)))
	timeout := virtual.EffectiveNegotiateTimeout(c.global)

	conn, err := ldap.DialURL(
		fmt.Sprintf("ldap://%s", address),
		ldap.DialWithDialer(&net.Dialer{Timeout: timeout}),
	)
	if err != nil {
		return fmt.Errorf("ldap connect to %s failed: %w", address, err)
	}
	defer conn.Close()
	conn.SetTimeout(timeout)

	if err := conn.Bind(virtual.Login, virtual.Passwd); err != nil {
		return fmt.Errorf("ldap bind as %q on %s failed: %w", virtual.Login, address, err)
	}
	return nil
}
