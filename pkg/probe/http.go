package probe

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/easzlab/godirectord/pkg/config"
)

// HTTPChecker probes a backend over HTTP or, with tls set, HTTPS. The TCP
// connection targets the real's IP; the Host header carries the virtual's
// hostname (falling back to the real's IP), which is also the TLS
// verification name for HTTPS.
type HTTPChecker struct {
	global *config.GlobalConfig
	tls    bool
}

func (c *HTTPChecker) Check(ctx context.Context, virtual *config.Virtual, real *config.Real) error {
	var method string
	switch virtual.HTTPMethod {
	case config.MethodHEAD:
		method = http.MethodHead
	default:
		method = http.MethodGet
	}

	host := virtual.Hostname
	if host == "" {
		host = real.IP.String()
	}
	path := real.Request
	if path == "" {
		path = virtual.Request
	}
	path = "/" + strings.TrimPrefix(path, "/")

	scheme := "http"
	if c.tls {
		scheme = "https"
	}
	address := net.JoinHostPort(real.IP.String(), strconv.Itoa(int(virtual.CheckPortFor(real))))
	url := fmt.Sprintf("%s://%s%s", scheme, address, path)

	timeout := virtual.EffectiveNegotiateTimeout(c.global)
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	request, err := http.NewRequestWithContext(reqCtx, method, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}
	request.Host = host
	request.Header.Set("User-Agent", userAgent)

	client := &http.Client{Timeout: timeout}
	if c.tls {
		// The system trust store verifies the chain; the virtual's hostname,
		// when set, is the SNI and peer name instead of the dialed IP.
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{ServerName: virtual.Hostname},
		}
	}

	response, err := client.Do(request)
	if err != nil {
		return fmt.Errorf("%s request to %s failed: %w", scheme, address, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", address, err)
	}

	receive := real.Receive
	if receive == "" {
		receive = virtual.Receive
	}
	if receive != "" && !bytes.Equal(body, []byte(receive)) {
		return &UnexpectedResultError{
			Detail: fmt.Sprintf("got %q, expected %q", body, receive),
		}
	}
	return nil
}
