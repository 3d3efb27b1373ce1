// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package validate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_URL(t *testing.T) {
	tests := []struct {
		name           string
		value          string
		allowedSchemes []string
		wantErr        bool
	}{
		{"valid http", "http://example.com", []string{"http", "https"}, false},
		{"valid https", "https://example.com", []string{"http", "https"}, false},
		{"empty url", "", []string{"http"}, true},
		{"no host", "http://", []string{"http"}, true},
		{"invalid scheme", "ftp://example.com", []string{"http", "https"}, true},
		{"no scheme", "example.com", []string{"http"}, true},
		{"with port", "http://example.com:8080", []string{"http"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := New()
			v.URL("testURL", tt.value, tt.allowedSchemes)
			assert.Equal(t, tt.wantErr, !v.IsValid(), "err: %v", v.Err())
		})
	}
}

func TestValidator_OptionalURLSkipsEmpty(t *testing.T) {
	v := New()
	v.OptionalURL("u", "  ", []string{"http"})
	assert.True(t, v.IsValid())
	v.OptionalURL("u", "gopher://x", []string{"http"})
	assert.False(t, v.IsValid())
}

func TestValidator_ListenAddr(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{":8080", false},
		{"127.0.0.1:9000", false},
		{"localhost", true},
		{":http", true},
		{":0", true},
	}
	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			v := New()
			v.ListenAddr("listen", tt.addr)
			assert.Equal(t, tt.wantErr, !v.IsValid())
		})
	}
}

func TestValidator_Ranges(t *testing.T) {
	v := New()
	v.Range("a", 5, 1, 10)
	v.FloatRange("b", 0.5, 0, 1)
	v.Positive("c", 1)
	v.NonNegative("d", 0)
	v.MinDuration("e", time.Second, time.Second)
	require.True(t, v.IsValid(), "%v", v.Err())

	v.Range("a", 11, 1, 10)
	v.FloatRange("b", -0.1, 0, 1)
	v.Positive("c", 0)
	v.NonNegative("d", -1)
	v.MinDuration("e", time.Millisecond, time.Second)
	assert.Len(t, v.Errors(), 5)
}

func TestValidator_OneOfAndNotEmpty(t *testing.T) {
	v := New()
	v.OneOf("backend", "sqlite", []string{"sqlite", "memory"})
	v.NotEmpty("name", "x")
	require.True(t, v.IsValid())

	v.OneOf("backend", "postgres", []string{"sqlite", "memory"})
	v.NotEmpty("name", "   ")
	assert.Len(t, v.Errors(), 2)
}

func TestValidator_Directory(t *testing.T) {
	root := t.TempDir()

	v := New()
	created := filepath.Join(root, "new", "nested")
	v.Directory("dir", created, false)
	require.True(t, v.IsValid(), "%v", v.Err())
	info, err := os.Stat(created)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	v = New()
	v.Directory("dir", filepath.Join(root, "missing"), true)
	assert.False(t, v.IsValid())

	file := filepath.Join(root, "file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
	v = New()
	v.Directory("dir", file, true)
	assert.False(t, v.IsValid())

	v = New()
	v.Directory("dir", "../escape", false)
	assert.False(t, v.IsValid())
}

func TestValidationError_Aggregates(t *testing.T) {
	v := New()
	assert.NoError(t, v.Err())

	v.AddError("a", "bad", 1)
	v.AddError("b", "worse", 2)
	err := v.Err()
	require.Error(t, err)
	assert.Equal(t, "validation failed for a: bad; validation failed for b: worse", err.Error())

	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Errors(), 2)
}
