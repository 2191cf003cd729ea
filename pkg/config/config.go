package config

import (
	"net"
	"strconv"
	"time"
)

// Protocol is the transport protocol of a virtual service.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
	// ProtocolFWM selects firewall-mark services. Reserved: the table driver
	// rejects it until fwm support lands.
	ProtocolFWM Protocol = "fwm"
)

// ForwardingMethod is the packet-forwarding technique for a real server.
type ForwardingMethod string

const (
	MethodGate ForwardingMethod = "gate"
	MethodMasq ForwardingMethod = "masq"
	MethodIPIP ForwardingMethod = "ipip"
)

// Checktype selects how a virtual service's backends are probed.
type Checktype string

const (
	// CheckConnect always uses the built-in TCP connect probe, regardless of
	// the configured service name.
	CheckConnect Checktype = "connect"
	// CheckNegotiate runs the protocol-level probe registered under the
	// virtual service's service name.
	CheckNegotiate Checktype = "negotiate"
)

// reservedChecktypes are accepted by the original grammar but not implemented;
// the parser rejects them with a configuration error.
var reservedChecktypes = map[string]bool{
	"external":          true,
	"ping":              true,
	"off":               true,
	"on":                true,
	"negotiate_connect": true,
}

// HTTPMethod is the request method used by the HTTP and HTTPS probes.
type HTTPMethod string

const (
	MethodGET  HTTPMethod = "GET"
	MethodHEAD HTTPMethod = "HEAD"
)

// validSchedulers is the set of supported IPVS scheduling algorithms.
var validSchedulers = map[string]bool{
	"rr": true, "wrr": true, "lc": true, "wlc": true, "lblc": true,
	"lblcr": true, "dh": true, "sh": true, "sed": true, "nq": true,
}

// Defaults applied when neither the config file nor the virtual service
// overrides a value.
const (
	DefaultCheckTimeout     = 5 * time.Second
	DefaultNegotiateTimeout = 30 * time.Second
	DefaultCheckInterval    = 10 * time.Second
	DefaultFailureCount     = 1
)

// GlobalConfig holds the process-wide settings from the [global] section plus
// the defaults that per-service settings fall back to.
type GlobalConfig struct {
	CheckTimeout     time.Duration
	NegotiateTimeout time.Duration
	CheckInterval    time.Duration
	FailureCount     int

	Quiescent      bool
	ReaddQuiescent bool
	CleanStop      bool
	AutoReload     bool
	Supervised     bool

	SMTP           string
	LogFile        string
	Callback       string
	MaintenanceDir string
	ConfigFile     string
	MetricsPort    int
}

// NewGlobalConfig returns a GlobalConfig carrying the built-in defaults.
func NewGlobalConfig() GlobalConfig {
	return GlobalConfig{
		CheckTimeout:     DefaultCheckTimeout,
		NegotiateTimeout: DefaultNegotiateTimeout,
		CheckInterval:    DefaultCheckInterval,
		FailureCount:     DefaultFailureCount,
		Quiescent:        true,
		ReaddQuiescent:   true,
		CleanStop:        true,
	}
}

// Config is the desired-state tree produced by the configuration parser.
type Config struct {
	Global   GlobalConfig
	Virtuals []*Virtual
}

// Virtual describes one virtual service ([section] in the config) together
// with its reals, its optional fallback, and its runtime presence state.
type Virtual struct {
	Name      string
	IP        net.IP
	Port      uint16
	Protocol  Protocol
	Scheduler string

	// Persistent is the persistence timeout in seconds, 0 when disabled.
	Persistent int

	Checktype    Checktype
	Service      string
	CheckCommand string
	CheckPort    uint16

	// Per-service overrides; zero values mean "inherit the global default".
	CheckTimeout     time.Duration
	NegotiateTimeout time.Duration
	CheckInterval    time.Duration
	FailureCount     int

	// Three-valued overrides: nil means "inherit the global default".
	Quiescent      *bool
	ReaddQuiescent *bool
	CleanStop      *bool

	HTTPMethod  HTTPMethod
	Request     string
	Receive     string
	Hostname    string
	Login       string
	Passwd      string
	Database    string
	Secret      string
	Fingerprint string

	EmailAlert     string
	EmailAlertFrom string
	EmailAlertFreq int

	// Custom preserves unknown section keys.
	Custom map[string]string

	Reals    []*Real
	Fallback *Real

	// IsPresent mirrors the kernel-table presence of the virtual service as
	// last driven by this process.
	IsPresent bool
}

// Real describes a backend server and its runtime check state. A fallback
// shares this shape; its weight is fixed at 1.
type Real struct {
	IP     net.IP
	Port   uint16
	Method ForwardingMethod
	Weight int

	// Per-real probe overrides.
	Request string
	Receive string

	// Runtime state, owned by the monitor loop.
	FailCount     int
	CurrentWeight int
	IsPresent     bool
}

// Address returns the ip:port form used on the ipvsadm command line.
func (v *Virtual) Address() string {
	return net.JoinHostPort(v.IP.String(), strconv.Itoa(int(v.Port)))
}

// Address returns the ip:port form used on the ipvsadm command line.
func (r *Real) Address() string {
	return net.JoinHostPort(r.IP.String(), strconv.Itoa(int(r.Port)))
}

// CheckPortFor returns the port a probe should target for the given real:
// the virtual's checkport if set, the real's own port otherwise.
func (v *Virtual) CheckPortFor(r *Real) uint16 {
	if v.CheckPort != 0 {
		return v.CheckPort
	}
	return r.Port
}

// EffectiveCheckInterval returns the virtual's interval or the global default.
func (v *Virtual) EffectiveCheckInterval(g *GlobalConfig) time.Duration {
	if v.CheckInterval != 0 {
		return v.CheckInterval
	}
	return g.CheckInterval
}

// EffectiveCheckTimeout returns the virtual's connect timeout or the global
// default.
func (v *Virtual) EffectiveCheckTimeout(g *GlobalConfig) time.Duration {
	if v.CheckTimeout != 0 {
		return v.CheckTimeout
	}
	return g.CheckTimeout
}

// EffectiveNegotiateTimeout returns the virtual's negotiate timeout or the
// global default.
func (v *Virtual) EffectiveNegotiateTimeout(g *GlobalConfig) time.Duration {
	if v.NegotiateTimeout != 0 {
		return v.NegotiateTimeout
	}
	return g.NegotiateTimeout
}

// EffectiveFailureCount returns the virtual's failure threshold or the global
// default.
func (v *Virtual) EffectiveFailureCount(g *GlobalConfig) int {
	if v.FailureCount != 0 {
		return v.FailureCount
	}
	return g.FailureCount
}

// EffectiveQuiescent resolves the three-valued quiescent override.
func (v *Virtual) EffectiveQuiescent(g *GlobalConfig) bool {
	if v.Quiescent != nil {
		return *v.Quiescent
	}
	return g.Quiescent
}

// EffectiveReaddQuiescent resolves the three-valued readdquiescent override.
func (v *Virtual) EffectiveReaddQuiescent(g *GlobalConfig) bool {
	if v.ReaddQuiescent != nil {
		return *v.ReaddQuiescent
	}
	return g.ReaddQuiescent
}

// EffectiveCleanStop resolves the three-valued cleanstop override.
func (v *Virtual) EffectiveCleanStop(g *GlobalConfig) bool {
	if v.CleanStop != nil {
		return *v.CleanStop
	}
	return g.CleanStop
}
