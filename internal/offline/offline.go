// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package offline

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrInvalidURLScheme is returned for anything other than http or https.
	ErrInvalidURLScheme = errors.New("only http and https URLs are allowed")

	// ErrMissingHost is returned for URLs without a host.
	ErrMissingHost = errors.New("URL has no host")

	// ErrNonLocal is returned in local-only mode for hosts outside the
	// machine or private network.
	ErrNonLocal = errors.New("only local or private-network hosts are allowed in local-only mode")

	// ErrRemoteBlocked is returned in local-only mode for remote services.
	ErrRemoteBlocked = errors.New("remote services are disabled in local-only mode")
)

// =============================================================================
// MODE MANAGEMENT
// =============================================================================

// Guard decides which outbound connections are allowed. The zero value
// allows everything with a valid scheme. It is safe for concurrent use.
type Guard struct {
	localOnly atomic.Bool
}

// NewGuard creates a guard, optionally in local-only mode.
func NewGuard(localOnly bool) *Guard {
	g := &Guard{}
	g.localOnly.Store(localOnly)
	return g
}

// SetLocalOnly switches local-only mode on or off.
func (g *Guard) SetLocalOnly(enabled bool) {
	g.localOnly.Store(enabled)
}

// LocalOnly reports whether local-only mode is on.
func (g *Guard) LocalOnly() bool {
	return g.localOnly.Load()
}

// ValidateBackendURL checks a backend host URL. The scheme and host are
// always checked; local-only mode also requires a loopback or private host.
func (g *Guard) ValidateBackendURL(rawURL string) error {
	u, err := ParseHTTPURL(rawURL)
	if err != nil {
		return err
	}
	if g.LocalOnly() && !IsLocalhost(u.Hostname()) && !IsPrivate(u.Hostname()) {
		return fmt.Errorf("%w: %s", ErrNonLocal, u.Hostname())
	}
	return nil
}

// CheckRemote returns ErrRemoteBlocked in local-only mode. service names the
// caller in the error.
func (g *Guard) CheckRemote(service string) error {
	if g.LocalOnly() {
		return fmt.Errorf("%s: %w", service, ErrRemoteBlocked)
	}
	return nil
}

// =============================================================================
// URL VALIDATION
// =============================================================================

// SECURITY: Scheme validation blocks file://, javascript:, data: and custom
// protocol handlers.

// ParseHTTPURL parses rawURL and requires an http or https scheme and a host.
func ParseHTTPURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrInvalidURLScheme
	}
	if u.Hostname() == "" {
		return nil, ErrMissingHost
	}
	return u, nil
}

// IsLocalhost reports whether host refers to this machine. Ports and IPv6
// brackets are ignored; every loopback address matches.
func IsLocalhost(host string) bool {
	host = normalizeHost(host)
	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// IsPrivate reports whether host is an RFC 1918 / RFC 4193 address, as used
// by a GPU box on the local network.
func IsPrivate(host string) bool {
	if ip := net.ParseIP(normalizeHost(host)); ip != nil {
		return ip.IsPrivate()
	}
	return false
}

func normalizeHost(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(strings.Trim(host, "[]"))
}
