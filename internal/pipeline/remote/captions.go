// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/platform/httpx"
)

const maxCaptionBytes = 4 << 20

// CaptionTextFunc reads the spoken text of the caption track at ref.
type CaptionTextFunc func(ctx context.Context, ref string) (string, error)

// HTTPCaptionText downloads an SRT or WebVTT track and returns its cue text.
func HTTPCaptionText(client *http.Client) CaptionTextFunc {
	if client == nil {
		client = httpx.NewClient(30 * time.Second)
	}
	return func(ctx context.Context, ref string) (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
		if err != nil {
			return "", fmt.Errorf("caption request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("fetch captions: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return "", &httpx.StatusError{Method: http.MethodGet, Code: resp.StatusCode}
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCaptionBytes+1))
		if err != nil {
			return "", fmt.Errorf("read captions: %w", err)
		}
		if len(body) > maxCaptionBytes {
			return "", fmt.Errorf("caption track exceeds %d bytes", maxCaptionBytes)
		}
		text := CueText(string(body))
		if text == "" {
			return "", errors.New("caption track has no cue text")
		}
		return text, nil
	}
}

// CueText strips headers, cue numbers, timings and inline tags from an SRT
// or WebVTT document and returns the cue lines in order.
func CueText(doc string) string {
	var (
		out  []string
		skip bool
	)
	sc := bufio.NewScanner(strings.NewReader(strings.TrimPrefix(doc, "\ufeff")))
	sc.Buffer(make([]byte, 0, 64<<10), maxCaptionBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			skip = false
		case skip:
		case strings.HasPrefix(line, "WEBVTT"),
			strings.HasPrefix(line, "NOTE"),
			strings.HasPrefix(line, "STYLE"),
			strings.HasPrefix(line, "REGION"):
			skip = true
		case strings.Contains(line, "-->"):
		case isCueNumber(line):
		default:
			if t := stripTags(line); t != "" {
				out = append(out, t)
			}
		}
	}
	return strings.Join(out, "\n")
}

func isCueNumber(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stripTags(s string) string {
	var b strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '<':
			depth++
		case r == '>' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
