// Package origin validates browser Origin headers against an allow-list.
package origin

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port], default ports
// removed) and the host[:port] part for same-host comparisons. The opaque
// origin "null" is returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" || u.ForceQuery {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Policy decides which browser origins may open signaling connections.
//
// With an empty allow-list only same-host origins are accepted. A "*" entry
// accepts every well-formed origin.
type Policy struct {
	any     bool
	allowed map[string]struct{}
}

// NewPolicy normalizes the allow-list once so that per-request checks are
// plain map lookups. Entries that are not valid origins are rejected.
func NewPolicy(allowedOrigins []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(allowedOrigins))}
	for _, raw := range allowedOrigins {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.any = true
			continue
		}
		normalized, _, ok := NormalizeHeader(raw)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q", raw)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// AllowsAny reports whether the policy contains a "*" entry.
func (p *Policy) AllowsAny() bool { return p != nil && p.any }

// Allow reports whether a normalized origin may access requestHost.
func (p *Policy) Allow(normalizedOrigin, originHost, requestHost string) bool {
	if p != nil && (p.any || len(p.allowed) > 0) {
		if p.any {
			return true
		}
		_, ok := p.allowed[normalizedOrigin]
		return ok
	}

	// Same host:port. The scheme is not compared because a TLS-terminating proxy
	// may forward the request as plain HTTP.
	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}
	reqHost, ok := canonicalAuthority(strings.TrimSpace(requestHost), scheme)
	return ok && reqHost == originHost
}

// Check inspects r's Origin header. Requests without one come from non-browser
// clients and are allowed with an empty normalized origin. Requests carrying
// several Origin headers are rejected.
func (p *Policy) Check(r *http.Request) (normalizedOrigin string, allowed bool) {
	values := r.Header.Values("Origin")
	switch len(values) {
	case 0:
		return "", true
	case 1:
	default:
		return "", false
	}
	if strings.TrimSpace(values[0]) == "" {
		return "", true
	}

	normalized, host, ok := NormalizeHeader(values[0])
	if !ok {
		return "", false
	}
	return normalized, p.Allow(normalized, host, r.Host)
}

// canonicalAuthority lower-cases host[:port], drops the scheme's default port
// and re-brackets IPv6 literals.
func canonicalAuthority(authority, scheme string) (string, bool) {
	rawHostname, rawPort, ok := splitHostPort(authority)
	if !ok {
		return "", false
	}
	hostname := strings.ToLower(rawHostname)
	if hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits host[:port]. IPv6 hostnames are returned without
// brackets; the port is returned unvalidated.
func splitHostPort(raw string) (hostname, port string, ok bool) {
	if raw == "" {
		return "", "", false
	}

	if strings.HasPrefix(raw, "[") {
		end := strings.IndexByte(raw, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = raw[1:end]
		rest := raw[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(raw, ":") {
	case 0:
		return raw, "", true
	case 1:
		hostname, port, _ = strings.Cut(raw, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		return "", "", false
	}
}
