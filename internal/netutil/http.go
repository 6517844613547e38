// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"regexp"
	"strings"
)

var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var subdomainLabelRE = regexp.MustCompile(`^[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// ValidSubdomainLabel reports whether label is a single DNS label of 1..63
// alphanumerics and inner hyphens.
func ValidSubdomainLabel(label string) bool {
	return subdomainLabelRE.MatchString(label)
}

// ExtractSubdomain returns the single leading label of host when host is
// exactly one label below one of baseDomains. Loopback names, IP literals,
// apex hosts and deeper nesting return false.
func ExtractSubdomain(host string, baseDomains []string) (string, bool) {
	host = NormalizeHost(host)
	if host == "" || IsLocalOrIP(host) {
		return "", false
	}
	for _, base := range baseDomains {
		base = NormalizeHost(base)
		if base == "" || host == base {
			continue
		}
		label, ok := strings.CutSuffix(host, "."+base)
		if !ok || strings.Contains(label, ".") {
			continue
		}
		if !ValidSubdomainLabel(label) {
			return "", false
		}
		return strings.ToLower(label), true
	}
	return "", false
}

// IsLocalOrIP reports whether host is localhost or an IP literal.
func IsLocalOrIP(host string) bool {
	host = NormalizeHost(host)
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	return net.ParseIP(host) != nil
}

// ClientIP returns the best-effort caller address, preferring the first
// X-Forwarded-For hop.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RemoveHopByHopHeaders strips hop-by-hop headers that must not be proxied,
// including any header named by a Connection token.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}

	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token))
			if key != "" {
				h.Del(key)
			}
		}
	}

	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

// IsWebSocketUpgrade reports whether r asks for a websocket upgrade.
func IsWebSocketUpgrade(r *http.Request) bool {
	if !strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket") {
		return false
	}
	for _, connectionValue := range r.Header.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
