// Package origin decides which browser origins may use the REST API and open
// viewer websockets.
//
// With no configured allow list only same-host requests pass: the Origin's
// host[:port] must equal the request's Host, default ports folded away.
// Scheme is not compared so a TLS terminating proxy in front of the relay
// does not break same-host pages.
package origin

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type Policy struct {
	allowed map[string]bool
	any     bool
}

// NewPolicy builds a policy from allow-list entries. "*" allows every
// origin; other entries must be http(s) origins.
func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]bool)}
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.any = true
			continue
		}
		norm, _, ok := Normalize(raw)
		if !ok || norm == "null" {
			return nil, fmt.Errorf("invalid allowed origin %q", raw)
		}
		p.allowed[norm] = true
	}
	return p, nil
}

// Check reports whether r may proceed. Requests without an Origin header
// always pass and yield an empty origin.
func (p *Policy) Check(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	norm, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	if p.any || p.allowed[norm] {
		return norm, true
	}
	if len(p.allowed) > 0 || norm == "null" {
		return "", false
	}
	scheme, _, _ := strings.Cut(norm, "://")
	reqHost, ok := canonicalHost(scheme, r.Host)
	return norm, ok && reqHost == host
}

// CheckOrigin has the shape websocket.Upgrader expects.
func (p *Policy) CheckOrigin(r *http.Request) bool {
	_, ok := p.Check(r)
	return ok
}

// Normalize validates an Origin header value and returns it as
// scheme://host[:port] together with its host[:port]. "null" is returned
// unchanged with an empty host.
func Normalize(header string) (norm, host string, ok bool) {
	header = strings.TrimSpace(header)
	if header == "null" {
		return "null", "", true
	}
	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(scheme, u.Host)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases hostport, validates the port and drops it when it
// is the scheme's default.
func canonicalHost(scheme, hostport string) (string, bool) {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	if hostport == "" {
		return "", false
	}
	hostname, port := hostport, ""
	if strings.HasPrefix(hostport, "[") || strings.Count(hostport, ":") == 1 {
		h, p, err := net.SplitHostPort(hostport)
		if err != nil {
			// Bracketed IPv6 literal without a port.
			if !strings.HasPrefix(hostport, "[") || !strings.HasSuffix(hostport, "]") {
				return "", false
			}
			h, p = hostport[1:len(hostport)-1], ""
		} else if p == "" {
			return "", false
		}
		hostname, port = h, p
	} else if strings.Contains(hostport, ":") {
		// Unbracketed IPv6 is not a valid authority.
		return "", false
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}
