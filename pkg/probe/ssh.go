package probe

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/easzlab/godirectord/pkg/config"
)

// SSHChecker completes the SSH transport key exchange. The backend is healthy
// once the connection is secure; authentication is neither attempted with
// credentials nor required to succeed. When the virtual carries a
// fingerprint, the observed host key must match it exactly.
type SSHChecker struct {
	global *config.GlobalConfig
}

func (c *SSHChecker) Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	address := net.JoinHostPort(real.IP.String(), strconv.Itoa(int(virtual.CheckPortFor(real))))
	timeout := virtual.EffectiveNegotiateTimeout(c.global)

	var observed string
	var mismatch bool
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		observed = ssh.FingerprintSHA256(key)
		if virtual.Fingerprint != "" &&
			virtual.Fingerprint != observed &&
			virtual.Fingerprint != ssh.FingerprintLegacyMD5(key) {
			mismatch = true
			return fmt.Errorf("host key rejected")
		}
		return nil
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("ssh connect to %s failed: %w", address, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	clientConfig := &ssh.ClientConfig{
		User:            "godirectord",
		HostKeyCallback: hostKeyCallback,
		Timeout:         timeout,
	}

	client, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	if err == nil {
		ssh.NewClient(client, chans, reqs).Close()
		return nil
	}
	if mismatch {
		return &UnexpectedResultError{
			Detail: fmt.Sprintf("fingerprint mismatch (received %s)", observed),
		}
	}
	// The key exchange completed and the host key was accepted; a rejected
	// authentication attempt still proves a live SSH server.
	if observed != "" && strings.Contains(err.Error(), "unable to authenticate") {
		return nil
	}
	return fmt.Errorf("ssh handshake with %s failed: %w", address, err)
}
