// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package artifact stores finished media and hands out time-limited URLs.
package artifact

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"
)

// Store is the object storage used for final artifacts and for staging
// remote-stage inputs. Uploads to the same key overwrite, so retries are safe.
type Store interface {
	// Upload copies the file at localPath to key and returns a signed URL
	// valid for the store's default TTL.
	Upload(ctx context.Context, key, localPath string) (string, error)
	// SignedURL returns a fresh download URL for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error
	// Backend names the implementation for logs and metrics.
	Backend() string
}

// FinalKey is the object key of a job's deliverable.
func FinalKey(jobID string) string {
	return "jobs/" + jobID + "/final.mp4"
}

// SegmentKey is the object key of a segment staged for a remote stage.
func SegmentKey(jobID string, index int) string {
	return fmt.Sprintf("jobs/%s/segments/%d.mp4", jobID, index)
}

// ValidateKey rejects keys that are empty, absolute or escape the store root.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if strings.HasPrefix(key, "/") || strings.Contains(key, `\`) {
		return fmt.Errorf("invalid key %q", key)
	}
	if path.Clean(key) != key {
		return fmt.Errorf("key %q is not canonical", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." || part == "." {
			return fmt.Errorf("invalid key %q", key)
		}
	}
	return nil
}

func contentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a":
		return "audio/mp4"
	case ".srt":
		return "application/x-subrip"
	case ".vtt":
		return "text/vtt"
	}
	return "application/octet-stream"
}
