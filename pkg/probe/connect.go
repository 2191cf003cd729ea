package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/easzlab/godirectord/pkg/config"
)

// ConnectChecker is the built-in TCP connect probe: a successful connection
// within the effective check timeout is a healthy backend.
type ConnectChecker struct {
	global *config.GlobalConfig
}

func (c *ConnectChecker) Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	address := net.JoinHostPort(real.IP.String(), strconv.Itoa(int(virtual.CheckPortFor(real))))
	dialer := net.Dialer{Timeout: virtual.EffectiveCheckTimeout(c.global)}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("tcp connect to %s failed: %w", address, err)
	}
	conn.Close()
	return nil
}
