// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package net guards outbound media URLs handed to the pipeline by clients
// or third-party services.
package net

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

var (
	// ErrBlockedAddress indicates the host resolves to an internal address.
	ErrBlockedAddress = errors.New("outbound url resolves to a blocked address")
	// ErrSchemeNotAllowed indicates a non-http(s) URL.
	ErrSchemeNotAllowed = errors.New("outbound url scheme not allowed")
)

// OutboundPolicy controls which media URLs may be fetched.
type OutboundPolicy struct {
	// AllowPrivate permits loopback and RFC 1918 destinations.
	AllowPrivate bool
	// AllowHosts are exempt from the address check.
	AllowHosts []string
}

// Resolver looks up host addresses.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// NormalizeHost validates and normalizes a host for comparison.
func NormalizeHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if strings.ContainsAny(host, "/@%") || strings.Contains(host, "://") {
		return "", fmt.Errorf("invalid host %q", raw)
	}
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	}
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", fmt.Errorf("host is empty")
	}
	if ip := net.ParseIP(host); ip != nil {
		return strings.ToLower(ip.String()), nil
	}
	if strings.Contains(host, ":") {
		return "", fmt.Errorf("host must not include port: %s", raw)
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	return strings.ToLower(ascii), nil
}

// ValidateOutboundURL checks raw against policy and returns the normalized
// URL. Hosts are resolved so DNS names pointing at internal ranges are
// rejected too.
func ValidateOutboundURL(ctx context.Context, raw string, policy OutboundPolicy) (string, error) {
	return validateWith(ctx, net.DefaultResolver, raw, policy)
}

func validateWith(ctx context.Context, r Resolver, raw string, policy OutboundPolicy) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: %q", ErrSchemeNotAllowed, u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("missing url host")
	}
	if u.User != nil {
		return "", fmt.Errorf("credentials in url not allowed")
	}
	u.Fragment, u.RawFragment = "", ""

	host, err := NormalizeHost(u.Hostname())
	if err != nil {
		return "", err
	}
	u.Scheme = scheme
	u.Host = joinHostPort(host, u.Port())

	for _, h := range policy.AllowHosts {
		if n, err := NormalizeHost(h); err == nil && n == host {
			return u.String(), nil
		}
	}
	if policy.AllowPrivate {
		return u.String(), nil
	}

	ips, err := resolveHostIPs(ctx, r, host)
	if err != nil {
		return "", err
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return "", fmt.Errorf("%w: %s -> %s", ErrBlockedAddress, host, ip)
		}
	}
	return u.String(), nil
}

func resolveHostIPs(ctx context.Context, r Resolver, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	addrs, err := r.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve host %q: %w", host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("resolve host %q: no addresses", host)
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

func isBlockedIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast()
}

func joinHostPort(host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return net.JoinHostPort(host, port)
}
