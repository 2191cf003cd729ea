package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

// knownServices are the probe names the compiled-in registry provides. Used
// to validate the service key and to infer it from well-known ports.
var knownServices = map[string]bool{
	"http": true, "https": true, "imap": true, "smtp": true,
	"ssh": true, "ldap": true, "mysql": true, "pgsql": true,
}

// servicesByPort infers the probe name from the virtual service port when the
// service key is not set.
var servicesByPort = map[uint16]string{
	22: "ssh", 25: "smtp", 80: "http", 143: "imap",
	389: "ldap", 443: "https", 3306: "mysql", 5432: "pgsql",
}

// Load parses the INI configuration file into the desired-state tree.
// Any error is a configuration error: it names the offending section and key
// and, where applicable, the allowed values.
func Load(path string) (*Config, error) {
	file, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	cfg := &Config{Global: NewGlobalConfig()}
	cfg.Global.ConfigFile = path

	for _, section := range file.Sections() {
		switch section.Name() {
		case ini.DefaultSection:
			if len(section.Keys()) > 0 {
				return nil, fmt.Errorf("keys outside of a [section] are not allowed")
			}
		case "global":
			if err := parseGlobal(section, &cfg.Global); err != nil {
				return nil, err
			}
		default:
			virtual, err := parseVirtual(section)
			if err != nil {
				return nil, err
			}
			cfg.Virtuals = append(cfg.Virtuals, virtual)
		}
	}

	if len(cfg.Virtuals) == 0 {
		return nil, fmt.Errorf("at least one virtual service section is required")
	}
	return cfg, nil
}

func parseGlobal(section *ini.Section, global *GlobalConfig) error {
	for _, key := range section.Keys() {
		name, value := strings.ToLower(key.Name()), key.Value()
		var err error
		switch name {
		case "checktimeout":
			global.CheckTimeout, err = parseSeconds(value)
		case "negotiatetimeout":
			global.NegotiateTimeout, err = parseSeconds(value)
		case "checkinterval":
			global.CheckInterval, err = parseSeconds(value)
		case "failurecount":
			global.FailureCount, err = parsePositiveInt(value)
		case "quiescent":
			global.Quiescent, err = parseBool(value)
		case "readdquiescent":
			global.ReaddQuiescent, err = parseBool(value)
		case "cleanstop":
			global.CleanStop, err = parseBool(value)
		case "autoreload":
			global.AutoReload, err = parseBool(value)
		case "supervised":
			global.Supervised, err = parseBool(value)
		case "smtp":
			global.SMTP = value
		case "logfile":
			global.LogFile = value
		case "callback":
			global.Callback = value
		case "maintenancedir":
			global.MaintenanceDir = value
		case "configfile":
			global.ConfigFile = value
		case "metricsport":
			var port int
			port, err = parsePort(value)
			global.MetricsPort = port
		default:
			return fmt.Errorf("[global]: unknown key %q", key.Name())
		}
		if err != nil {
			return fmt.Errorf("[global] %s: %w", name, err)
		}
	}
	return nil
}

func parseVirtual(section *ini.Section) (*Virtual, error) {
	virtual := &Virtual{
		Name:       section.Name(),
		Protocol:   ProtocolTCP,
		Scheduler:  "wrr",
		Checktype:  CheckNegotiate,
		HTTPMethod: MethodGET,
		Custom:     make(map[string]string),
	}

	fail := func(key string, err error) (*Virtual, error) {
		return nil, fmt.Errorf("[%s] %s: %w", section.Name(), key, err)
	}

	for _, key := range section.Keys() {
		name, value := strings.ToLower(key.Name()), key.Value()
		var err error
		switch name {
		case "host":
			virtual.IP = net.ParseIP(value)
			if virtual.IP == nil {
				err = fmt.Errorf("invalid IP address %q", value)
			}
		case "port":
			var port int
			port, err = parsePort(value)
			virtual.Port = uint16(port)
		case "checkport":
			var port int
			port, err = parsePort(value)
			virtual.CheckPort = uint16(port)
		case "checktimeout":
			virtual.CheckTimeout, err = parseSeconds(value)
		case "negotiatetimeout":
			virtual.NegotiateTimeout, err = parseSeconds(value)
		case "checkinterval":
			virtual.CheckInterval, err = parseSeconds(value)
		case "failurecount":
			virtual.FailureCount, err = parsePositiveInt(value)
		case "cleanstop":
			virtual.CleanStop, err = parseOptionalBool(value)
		case "quiescent":
			virtual.Quiescent, err = parseOptionalBool(value)
		case "readdquiescent":
			virtual.ReaddQuiescent, err = parseOptionalBool(value)
		case "persistent":
			virtual.Persistent, err = parsePositiveInt(value)
		case "protocol":
			switch Protocol(value) {
			case ProtocolTCP, ProtocolUDP, ProtocolFWM:
				virtual.Protocol = Protocol(value)
			default:
				err = fmt.Errorf("invalid protocol %q (allowed: tcp, udp, fwm)", value)
			}
		case "checktype":
			switch {
			case Checktype(value) == CheckConnect || Checktype(value) == CheckNegotiate:
				virtual.Checktype = Checktype(value)
			case reservedChecktypes[value]:
				err = fmt.Errorf("checktype %q is reserved and not implemented (allowed: connect, negotiate)", value)
			default:
				err = fmt.Errorf("invalid checktype %q (allowed: connect, negotiate)", value)
			}
		case "scheduler":
			if !validSchedulers[value] {
				err = fmt.Errorf("invalid scheduler %q (allowed: rr, wrr, lc, wlc, lblc, lblcr, dh, sh, sed, nq)", value)
			} else {
				virtual.Scheduler = value
			}
		case "httpmethod":
			switch strings.ToLower(value) {
			case "get":
				virtual.HTTPMethod = MethodGET
			case "head":
				virtual.HTTPMethod = MethodHEAD
			default:
				err = fmt.Errorf("invalid httpmethod %q (allowed: get, head)", value)
			}
		case "service":
			if !knownServices[value] {
				err = fmt.Errorf("unknown service %q", value)
			} else {
				virtual.Service = value
			}
		case "checkcommand":
			virtual.CheckCommand = value
		case "hostname":
			virtual.Hostname = value
		case "login":
			virtual.Login = value
		case "passwd":
			virtual.Passwd = value
		case "database":
			virtual.Database = value
		case "secret":
			virtual.Secret = value
		case "fingerprint":
			virtual.Fingerprint = value
		case "request":
			virtual.Request = unquote(value)
		case "receive":
			virtual.Receive = unquote(value)
		case "emailalert":
			virtual.EmailAlert = value
		case "emailalertfrom":
			virtual.EmailAlertFrom = value
		case "emailalertfreq":
			virtual.EmailAlertFreq, err = parsePositiveInt(value)
		case "real":
			for _, host := range key.ValueWithShadows() {
				real, rerr := parseRealLine(host)
				if rerr != nil {
					return fail("real", rerr)
				}
				virtual.Reals = append(virtual.Reals, real)
			}
		case "fallback":
			fallback, ferr := parseRealLine(value)
			if ferr != nil {
				return fail("fallback", ferr)
			}
			fallback.Weight = 1
			fallback.CurrentWeight = 1
			virtual.Fallback = fallback
		default:
			virtual.Custom[key.Name()] = value
		}
		if err != nil {
			return fail(name, err)
		}
	}

	if virtual.IP == nil {
		return nil, fmt.Errorf("[%s]: host is required", section.Name())
	}
	if virtual.Port == 0 {
		return nil, fmt.Errorf("[%s]: port is required", section.Name())
	}
	if len(virtual.Reals) == 0 {
		return nil, fmt.Errorf("[%s]: at least one real is required", section.Name())
	}
	if virtual.Checktype == CheckNegotiate && virtual.Service == "" {
		service, ok := servicesByPort[virtual.Port]
		if !ok {
			return nil, fmt.Errorf("[%s]: service is required for checktype negotiate on port %d", section.Name(), virtual.Port)
		}
		virtual.Service = service
	}
	return virtual, nil
}

// parseRealLine parses a real/fallback host string of the form
//
//	IP:PORT method [weight ["request" ["receive"]]]
func parseRealLine(line string) (*Real, error) {
	fields := splitRealLine(line)
	if len(fields) < 2 {
		return nil, fmt.Errorf("invalid host string %q (expected \"IP:PORT method\")", line)
	}

	host, portStr, err := net.SplitHostPort(fields[0])
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", fields[0], err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("invalid IP address %q", host)
	}
	port, err := parsePort(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	real := &Real{IP: ip, Port: uint16(port), Weight: 1}

	switch ForwardingMethod(fields[1]) {
	case MethodGate, MethodMasq, MethodIPIP:
		real.Method = ForwardingMethod(fields[1])
	default:
		return nil, fmt.Errorf("invalid forwarding method %q (allowed: gate, masq, ipip)", fields[1])
	}

	if len(fields) >= 3 {
		weight, err := strconv.Atoi(fields[2])
		if err != nil || weight < 0 || weight > 65535 {
			return nil, fmt.Errorf("invalid weight %q (allowed: 0..65535)", fields[2])
		}
		real.Weight = weight
	}
	if len(fields) >= 4 {
		real.Request = unquote(fields[3])
	}
	if len(fields) >= 5 {
		real.Receive = unquote(fields[4])
	}
	return real, nil
}

// splitRealLine splits on whitespace but keeps double-quoted request/receive
// strings as single fields.
func splitRealLine(line string) []string {
	var fields []string
	var current strings.Builder
	inQuotes := false
	for _, r := range line {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			current.WriteRune(r)
		case (r == ' ' || r == '\t') && !inQuotes:
			if current.Len() > 0 {
				fields = append(fields, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}
	if current.Len() > 0 {
		fields = append(fields, current.String())
	}
	return fields
}

func unquote(value string) string {
	if len(value) >= 2 && value[0] == '"' && value[len(value)-1] == '"' {
		return value[1 : len(value)-1]
	}
	return value
}

func parseBool(value string) (bool, error) {
	switch strings.ToLower(value) {
	case "yes", "on", "true", "1":
		return true, nil
	case "no", "off", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q (allowed: yes/no, on/off, true/false, 1/0)", value)
}

func parseOptionalBool(value string) (*bool, error) {
	b, err := parseBool(value)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func parseSeconds(value string) (time.Duration, error) {
	n, err := parsePositiveInt(value)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func parsePositiveInt(value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid value %q (expected a positive integer)", value)
	}
	return n, nil
}

func parsePort(value string) (int, error) {
	port, err := strconv.Atoi(value)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q (allowed: 1..65535)", value)
	}
	return port, nil
}
