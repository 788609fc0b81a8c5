package broker

import (
	"fmt"
	"net/url"
	"strconv"
)

// Default MQTT ports.
const (
	DefaultPort    = 1883
	DefaultTLSPort = 8883
)

// Endpoint is a parsed broker address.
type Endpoint struct {
	Host string
	Port int
	TLS  bool
}

// ParseURL parses a broker URL such as mqtt://host:1883 or
// mqtts://host. The schemes mqtts and ssl enable TLS. A missing port
// takes the scheme's default.
func ParseURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse broker URL: %w", err)
	}

	var ep Endpoint
	switch u.Scheme {
	case "mqtt", "tcp":
		ep.Port = DefaultPort
	case "mqtts", "ssl", "tls":
		ep.TLS = true
		ep.Port = DefaultTLSPort
	default:
		return Endpoint{}, fmt.Errorf("broker URL %q: unsupported scheme %q", raw, u.Scheme)
	}

	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("broker URL %q: missing host", raw)
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return Endpoint{}, fmt.Errorf("broker URL %q: invalid port %q", raw, p)
		}
		ep.Port = n
	}
	return ep, nil
}
