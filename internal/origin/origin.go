// Package origin decides which browser origins may open signaling
// connections and call the HTTP API.
package origin

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

var ErrInvalidAllowedOrigin = errors.New("origin: invalid allowed origin")

// Policy is an origin allow-list.
//
// With no entries it allows same-host requests only (the Origin host[:port]
// must match the request Host; default ports are equivalent). An entry of "*"
// allows any origin. Requests without an Origin header are not browser
// cross-origin requests and are always allowed.
type Policy struct {
	allowed  map[string]struct{}
	wildcard bool
}

// NewPolicy normalizes every entry in allowed.
func NewPolicy(allowed []string) (*Policy, error) {
	p := &Policy{allowed: make(map[string]struct{}, len(allowed))}
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if raw == "*" {
			p.wildcard = true
			continue
		}
		normalized, _, ok := Normalize(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAllowedOrigin, raw)
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, nil
}

// Wildcard reports whether the policy allows every origin.
func (p *Policy) Wildcard() bool { return p.wildcard }

// SameHostOnly reports whether the policy has no explicit entries.
func (p *Policy) SameHostOnly() bool { return !p.wildcard && len(p.allowed) == 0 }

// Check returns the normalized Origin of r and whether it is allowed. The
// origin is empty when r carries no Origin header.
func (p *Policy) Check(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	return normalized, p.Allows(normalized, host, r.Host)
}

// Allows applies the policy to an origin already returned by Normalize.
func (p *Policy) Allows(normalized, originHost, requestHost string) bool {
	if p.wildcard {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[normalized]
		return ok
	}

	// Scheme is not compared: a TLS-terminating proxy in front of the relay
	// makes an https Origin arrive on a plain http request.
	scheme, _, found := strings.Cut(normalized, "://")
	if !found {
		// "null" never matches a host.
		return false
	}
	requestHost, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == requestHost
}

// Normalize validates a browser Origin header value. It returns the origin as
// scheme://host[:port] with default ports removed, and the host[:port] part.
//
// The opaque origin "null" is returned as-is with an empty host.
func Normalize(header string) (normalized, host string, ok bool) {
	trimmed := strings.TrimSpace(header)
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
	if u.User != nil || u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases an authority, re-brackets IPv6 literals, and drops
// the scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
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

// splitHostPort splits an authority host[:port]. IPv6 hostnames are returned
// without brackets; the port is returned unvalidated.
func splitHostPort(authority string) (hostname, port string, ok bool) {
	if authority == "" {
		return "", "", false
	}

	if strings.HasPrefix(authority, "[") {
		end := strings.IndexByte(authority, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = authority[1:end]
		rest := authority[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(authority, ":") {
	case 0:
		return authority, "", true
	case 1:
		hostname, port, _ = strings.Cut(authority, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// Unbracketed IPv6 literals are not valid in an authority.
		return "", "", false
	}
}
