package message

import (
	"fmt"
	"net/url"
	"strings"
)

// Wildcard is the origin that matches everything, in allowlists and as a target.
const Wildcard = "*"

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ws":    "80",
	"wss":   "443",
}

// NormalizeOrigin reduces a URL or origin to its lower-cased
// scheme://host[:port] form, dropping the path, query and default ports.
// Opaque origins ("null", "data:...") and anything without a host are rejected.
func NormalizeOrigin(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("message: invalid origin %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", fmt.Errorf("message: invalid origin %q", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", fmt.Errorf("message: invalid origin %q: empty host", raw)
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if port == "" || defaultPorts[scheme] == port {
		return scheme + "://" + host, nil
	}
	return scheme + "://" + host + ":" + port, nil
}

// SameOrigin reports whether two origins normalise to the same value.
// An unparsable side never matches.
func SameOrigin(a, b string) bool {
	na, err := NormalizeOrigin(a)
	if err != nil {
		return false
	}
	nb, err := NormalizeOrigin(b)
	if err != nil {
		return false
	}
	return na == nb
}
