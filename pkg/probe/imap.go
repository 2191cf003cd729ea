package probe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/easzlab/godirectord/pkg/config"
)

// IMAPChecker verifies an IMAP4 server by its untagged greeting: the server
// is healthy when the greeting advertises a non-empty capability list.
type IMAPChecker struct {
	global *config.GlobalConfig
}

func (c *IMAPChecker) Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	address := net.JoinHostPort(real.IP.String(), strconv.Itoa(int(virtual.CheckPortFor(real))))
	timeout := virtual.EffectiveNegotiateTimeout(c.global)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("imap connect to %s failed: %w", address, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	greeting, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("connection to %s lost before greeting: %w", address, err)
	}
	greeting = strings.TrimRight(greeting, "\r\n")

	if !strings.HasPrefix(greeting, "* OK") {
		return &UnexpectedResultError{
			Detail: fmt.Sprintf("unexpected imap greeting %q", greeting),
		}
	}
	if len(greetingCapabilities(greeting)) == 0 {
		return &UnexpectedResultError{Detail: "capability list is empty"}
	}

	fmt.Fprintf(conn, "a1 LOGOUT\r\n")
	return nil
}

// greetingCapabilities extracts the capability atoms from a greeting of the
// form `* OK [CAPABILITY IMAP4rev1 ...] ready`.
func greetingCapabilities(greeting string) []string {
	start := strings.Index(greeting, "[CAPABILITY")
	if start < 0 {
		return nil
	}
	rest := greeting[start+len("[CAPABILITY"):]
	end := strings.Index(rest, "]")
	if end < 0 {
		return nil
	}
	return strings.Fields(rest[:end])
}
