// Package url provides URL validation and domain-extraction helpers shared
// by the fetcher, rate limiter, and robots policy cache.
package url

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// parseURL requires rawURL to be non-empty and absolute with a host, but
// does not restrict scheme: callers that need an http(s)-only URL go
// through ParseAndValidate instead. This split lets HTTP-layer validation
// run SSRF/host checks ahead of the scheme check, so a non-http(s) scheme
// (e.g. ftp://) falls through to the fetcher's own invalid_url
// classification instead of being rejected at the API boundary.
func parseURL(rawURL string) (*url.URL, error) {
	if strings.TrimSpace(rawURL) == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}

	parsedURL, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	if parsedURL.Host == "" {
		return nil, fmt.Errorf("url must be absolute with a host")
	}

	return parsedURL, nil
}

// ParseAndValidate parses a URL string and validates it has an http(s) scheme and host.
func ParseAndValidate(rawURL string) (*url.URL, error) {
	parsedURL, err := parseURL(rawURL)
	if err != nil {
		return nil, err
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("url scheme must be http or https")
	}

	return parsedURL, nil
}

// ValidateExternal validates that a URL is syntactically well-formed and
// does not resolve to a private, loopback, or link-local IP address. Used
// to block SSRF attempts against the fetch API. It deliberately does not
// enforce scheme, so callers that need http(s)-only also call
// ParseAndValidate.
func ValidateExternal(rawURL string) error {
	parsedURL, err := parseURL(rawURL)
	if err != nil {
		return err
	}
	return validateHostExternal(parsedURL.Host)
}

func validateHostExternal(hostport string) error {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	host = strings.Trim(host, "[]")

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("requests to private IP addresses are not allowed")
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Resolution failure is reported by the caller during the actual
		// fetch; we don't fail validation early on DNS errors.
		return nil
	}

	for _, resolvedIP := range ips {
		if isBlockedIP(resolvedIP) {
			return fmt.Errorf("url resolves to private IP address: %s", host)
		}
	}

	return nil
}

func isBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified()
}

// ExtractHost extracts the hostname (no port) from a URL string.
func ExtractHost(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse URL: %w", err)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("url has no host: %s", rawURL)
	}
	return parsed.Hostname(), nil
}

// multiPartTLDs lists second-level labels that are conventionally treated as
// part of the public suffix (e.g. "co.uk", "com.au"). This is a pragmatic
// approximation, not a full public-suffix-list implementation.
var multiPartTLDs = map[string]bool{
	"co": true, "com": true, "gov": true, "ac": true, "org": true, "net": true,
}

// ExtractRegistrableDomain returns the eTLD+1-ish registrable domain for a
// hostname, used as the rate-limiter and robots-cache partition key so that
// "a.example.com" and "b.example.com" share one budget.
func ExtractRegistrableDomain(hostname string) string {
	if hostname == "" {
		return ""
	}

	if net.ParseIP(hostname) != nil {
		return hostname
	}

	if hostname == "localhost" {
		return hostname
	}

	parts := strings.Split(hostname, ".")
	if len(parts) < 2 {
		return hostname
	}

	base := parts[len(parts)-2] + "." + parts[len(parts)-1]

	if len(parts) >= 3 {
		tld := parts[len(parts)-1]
		sld := parts[len(parts)-2]
		if multiPartTLDs[sld] {
			base = parts[len(parts)-3] + "." + sld + "." + tld
		}
	}

	return base
}
