// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// ErrTooLarge reports a body above the download limit.
var ErrTooLarge = errors.New("response body exceeds limit")

// Download streams rawURL into dst and returns the byte count. A positive
// limit is enforced on the advertised length and on the bytes received. On
// error dst is removed.
func Download(ctx context.Context, client *http.Client, rawURL, dst string, limit int64) (n int64, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, &StatusError{Method: http.MethodGet, URL: redact(rawURL), Code: resp.StatusCode}
	}
	if limit > 0 && resp.ContentLength > limit {
		return 0, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, resp.ContentLength, limit)
	}

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	var body io.Reader = resp.Body
	if limit > 0 {
		body = io.LimitReader(resp.Body, limit+1)
	}
	n, err = io.Copy(f, body)
	if err != nil {
		return n, err
	}
	if limit > 0 && n > limit {
		return n, fmt.Errorf("%w: %d bytes", ErrTooLarge, limit)
	}
	return n, nil
}

// redact drops the query, which carries signatures on presigned URLs.
func redact(rawURL string) string {
	base, _, _ := strings.Cut(rawURL, "?")
	return base
}
