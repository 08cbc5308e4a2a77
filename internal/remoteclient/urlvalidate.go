// Package remoteclient implements the remote-espbrewd client (spec.md
// §4.10, C10): resolving a target server (explicit URL or mDNS
// discovery), validating it against SSRF-style abuse, fetching its
// board list with bounded retry, and driving a flash/monitor against it
// over the same HTTP/WebSocket surface C8 exposes.
//
// Request plumbing is grounded on mos/httputils.go's callAPI and
// cli/build_remote.go's multipart-upload-to-a-remote-builder pattern,
// generalized from one hardcoded --server flag to any host an operator
// names or mDNS discovers. ValidateServerURL follows the scheme/host
// allow-list shape of original_source/src/security/url_validator.rs's
// validate_server_url, adapted to Go's net/url.
package remoteclient

import (
	"net"
	"net/url"
	"strings"

	"github.com/cesanta/errors"
)

// ValidateServerURL rejects anything that is not a plain http(s) URL to
// a host, with no embedded credentials, fragment, or path-traversal
// pattern — the same checks
// original_source/src/security/url_validator.rs applies before trusting
// a server URL typed by a user or read from a QR code/deep link.
func ValidateServerURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Annotatef(err, "invalid server URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("invalid URL scheme %q, only http and https are allowed", u.Scheme)
	}
	if u.User != nil {
		return nil, errors.Errorf("server URL must not contain embedded credentials")
	}
	if u.Fragment != "" {
		return nil, errors.Errorf("server URL must not contain a fragment")
	}
	host := u.Hostname()
	if host == "" {
		return nil, errors.Errorf("server URL must have a host")
	}
	if strings.Contains(raw, "..") {
		return nil, errors.Errorf("server URL contains suspicious path-traversal pattern")
	}
	if len(host) > 253 {
		return nil, errors.Errorf("server URL host is too long")
	}
	return u, nil
}

// IsPrivateOrLocalHost reports whether host is loopback, a private IPv4/
// IPv6 range, or ends in a well-known local-network suffix (.local,
// .lan, .internal) — the boundary
// original_source/src/security/url_validator.rs uses to skip the
// stricter public-host checks.
func IsPrivateOrLocalHost(host string) bool {
	if host == "localhost" {
		return true
	}
	if strings.HasSuffix(host, ".local") || strings.HasSuffix(host, ".lan") || strings.HasSuffix(host, ".internal") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
