// Package netutil provides shared host/label normalization and validation
// helpers.
package netutil

import (
	"net"
	"net/url"
	"strings"
)

const maxLabelLen = 63

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

// NormalizeLabel lower-cases and trims a subdomain label. Uniqueness checks
// and persistence always operate on the normalized form.
func NormalizeLabel(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// IsValidLabel reports whether v is a valid single DNS label: 1-63
// characters of [a-z0-9-], not starting or ending with a hyphen.
func IsValidLabel(v string) bool {
	if v == "" || len(v) > maxLabelLen {
		return false
	}
	if v[0] == '-' || v[len(v)-1] == '-' {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			continue
		}
		return false
	}
	return true
}

// ValidateServiceURL checks that raw is an absolute http or https URL with a
// host, and returns it trimmed.
func ValidateServiceURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &url.Error{Op: "parse", URL: raw, Err: errSchemeNotHTTP}
	}
	if u.Host == "" {
		return "", &url.Error{Op: "parse", URL: raw, Err: errMissingHost}
	}
	return raw, nil
}

var (
	errSchemeNotHTTP = stringError("scheme must be http or https")
	errMissingHost   = stringError("missing host")
)

type stringError string

func (e stringError) Error() string { return string(e) }

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
