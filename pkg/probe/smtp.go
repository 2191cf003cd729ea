package probe

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/easzlab/godirectord/pkg/config"
)

// SMTPChecker performs the minimal SMTP dialogue: expect a 220 banner, HELO,
// expect a 2xx reply, QUIT. Multi-line replies are accumulated; informational
// lines starting with '0' are ignored.
type SMTPChecker struct {
	global *config.GlobalConfig
}

func (c *SMTPChecker) Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	address := net.JoinHostPort(real.IP.String(), strconv.Itoa(int(real.Port)))
	timeout := virtual.EffectiveNegotiateTimeout(c.global)

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("smtp connect to %s failed: %w", address, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))

	reader := bufio.NewReader(conn)

	code, err := readSMTPReply(reader)
	if err != nil {
		return fmt.Errorf("reading smtp banner from %s: %w", address, err)
	}
	if code != 220 {
		return &UnexpectedResultError{
			Detail: fmt.Sprintf("smtp banner from %s had code %d, expected 220", address, code),
		}
	}

	fmt.Fprintf(conn, "HELO %s\r\n", localIdentity())

	code, err = readSMTPReply(reader)
	if err != nil {
		return fmt.Errorf("reading HELO reply from %s: %w", address, err)
	}
	if code/100 != 2 {
		return &UnexpectedResultError{
			Detail: fmt.Sprintf("HELO rejected by %s with code %d", address, code),
		}
	}

	fmt.Fprintf(conn, "QUIT\r\n")
	return nil
}

// readSMTPReply consumes one complete server reply, following continuation
// lines (code followed by '-') until the final line, and returns its code.
func readSMTPReply(reader *bufio.Reader) (int, error) {
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return 0, err
		}
		line = strings.TrimRight(line, "\r\n")

		// Verbose informational message, ignore it.
		if strings.HasPrefix(line, "0") {
			continue
		}
		if len(line) < 3 {
			return 0, fmt.Errorf("invalid smtp reply %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return 0, fmt.Errorf("invalid smtp reply %q", line)
		}
		if len(line) > 3 && line[3] == '-' {
			continue
		}
		return code, nil
	}
}

func localIdentity() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "localhost"
	}
	return hostname
}
