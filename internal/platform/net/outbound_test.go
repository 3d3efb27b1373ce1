// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package net

import (
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticResolver map[string][]string

func (r staticResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := r[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]net.IPAddr, len(ips))
	for i, s := range ips {
		out[i] = net.IPAddr{IP: net.ParseIP(s)}
	}
	return out, nil
}

func TestValidateOutboundURL(t *testing.T) {
	resolver := staticResolver{
		"cdn.example.com":      {"93.184.216.34"},
		"internal.example.com": {"93.184.216.34", "10.0.0.7"},
		"xn--bcher-kva.example": {"93.184.216.35"},
	}

	cases := []struct {
		name    string
		raw     string
		policy  OutboundPolicy
		want    string
		wantErr error
	}{
		{name: "public host", raw: "https://CDN.example.com/a.mp4#t=1", want: "https://cdn.example.com/a.mp4"},
		{name: "idn host", raw: "http://bücher.example/v.mp4", want: "http://xn--bcher-kva.example/v.mp4"},
		{name: "metadata ip", raw: "http://169.254.169.254/latest", wantErr: ErrBlockedAddress},
		{name: "loopback", raw: "http://127.0.0.1:8080/x", wantErr: ErrBlockedAddress},
		{name: "ipv4 mapped loopback", raw: "http://[::ffff:127.0.0.1]/x", wantErr: ErrBlockedAddress},
		{name: "private", raw: "http://10.10.55.64/x", wantErr: ErrBlockedAddress},
		{name: "dns to private", raw: "https://internal.example.com/x", wantErr: ErrBlockedAddress},
		{name: "file scheme", raw: "file:///etc/passwd", wantErr: ErrSchemeNotAllowed},
		{name: "private allowed", raw: "http://127.0.0.1:9000/x", policy: OutboundPolicy{AllowPrivate: true}, want: "http://127.0.0.1:9000/x"},
		{name: "host exempt", raw: "http://minio:9000/b/k", policy: OutboundPolicy{AllowHosts: []string{"minio"}}, want: "http://minio:9000/b/k"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := validateWith(context.Background(), resolver, tc.raw, tc.policy)
			if tc.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestValidateOutboundURL_RejectsCredentials(t *testing.T) {
	_, err := validateWith(context.Background(), staticResolver{}, "https://user:pw@cdn.example.com/a", OutboundPolicy{})
	assert.Error(t, err)
}

func TestSanitizeURL(t *testing.T) {
	assert.Equal(t, "https://s3.example.com/b/k.mp4", SanitizeURL("https://u:p@s3.example.com/b/k.mp4?X-Amz-Signature=abc"))
	assert.Equal(t, "invalid-url-redacted", SanitizeURL("http://[::1"))
}
