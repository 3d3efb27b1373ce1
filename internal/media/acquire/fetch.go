// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/cache"
	"github.com/ManuGH/mediaforge/internal/metrics"
	"github.com/ManuGH/mediaforge/internal/platform/httpx"
	"github.com/ManuGH/mediaforge/internal/resilience"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Resolution statuses returned by the fetch service.
const (
	ResolveOK          = "ok"
	ResolveUnsupported = "unsupported"
	ResolvePrivate     = "private"
)

// Resolution is the fetch service verdict for a page or share URL.
type Resolution struct {
	Status      string `json:"status"`
	DownloadURL string `json:"download_url,omitempty"`
	Title       string `json:"title,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Resolver turns a user-supplied URL into a direct media download URL.
type Resolver interface {
	Resolve(ctx context.Context, sourceURL string) (Resolution, error)
}

// ErrUnresolvable marks a definitive negative answer from the fetch service.
var ErrUnresolvable = errors.New("source url cannot be resolved")

// FetchOptions configures a FetchClient.
type FetchOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	// RequestsPerSecond throttles calls to the service. Zero disables it.
	RequestsPerSecond float64
	Burst             int
	// Cache holds positive resolutions for CacheTTL.
	Cache    cache.Cache
	CacheTTL time.Duration
	Breaker  *resilience.CircuitBreaker
}

// FetchClient calls the external fetch service.
type FetchClient struct {
	opts    FetchOptions
	client  *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
}

// NewFetchClient creates a FetchClient.
func NewFetchClient(opts FetchOptions) *FetchClient {
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 10 * time.Minute
	}
	if opts.Breaker == nil {
		opts.Breaker = resilience.NewCircuitBreaker("fetch", 5, 30*time.Second,
			resilience.WithFailureFilter(httpx.IsTemporary))
	}
	c := &FetchClient{opts: opts, client: httpx.NewClient(opts.Timeout)}
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c
}

// Resolve asks the fetch service for a direct download URL. Concurrent
// calls for the same URL share one request.
func (c *FetchClient) Resolve(ctx context.Context, sourceURL string) (Resolution, error) {
	key := "resolve:" + sourceURL
	if c.opts.Cache != nil {
		if res, ok := cache.GetJSON[Resolution](ctx, c.opts.Cache, key); ok {
			metrics.RecordCacheResult("fetch", "hit")
			return res, nil
		}
		metrics.RecordCacheResult("fetch", "miss")
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		return c.resolve(ctx, sourceURL)
	})
	if err != nil {
		return Resolution{}, err
	}
	res := v.(Resolution)

	switch res.Status {
	case ResolveOK:
		if res.DownloadURL == "" {
			return Resolution{}, fmt.Errorf("fetch service returned ok without download_url")
		}
		if c.opts.Cache != nil {
			_ = cache.SetJSON(ctx, c.opts.Cache, key, res, c.opts.CacheTTL)
		}
		return res, nil
	case ResolveUnsupported, ResolvePrivate:
		msg := res.Status
		if res.Reason != "" {
			msg += ": " + res.Reason
		}
		return res, fmt.Errorf("%w: %s", ErrUnresolvable, msg)
	default:
		return res, fmt.Errorf("fetch service returned unknown status %q", res.Status)
	}
}

func (c *FetchClient) resolve(ctx context.Context, sourceURL string) (Resolution, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Resolution{}, err
		}
	}
	var res Resolution
	err := c.opts.Breaker.Execute(ctx, func(ctx context.Context) error {
		return httpx.DoJSON(ctx, c.client, httpx.JSONRequest{
			Method: http.MethodPost,
			URL:    c.opts.BaseURL + "/resolve",
			APIKey: c.opts.APIKey,
			Body:   map[string]string{"url": sourceURL},
		}, &res)
	})
	return res, err
}
