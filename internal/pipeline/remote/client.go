// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ManuGH/mediaforge/internal/pipeline/model"
	"github.com/ManuGH/mediaforge/internal/platform/httpx"
	"github.com/ManuGH/mediaforge/internal/resilience"
	"golang.org/x/time/rate"
)

// SubmitRequest is the payload of one remote AI job.
type SubmitRequest struct {
	Kind model.StageKind `json:"kind"`
	// Inputs are signed URLs of the segments, in index order.
	Inputs []string `json:"inputs"`
	// Text feeds speech synthesis with the caption text.
	Text   string            `json:"text,omitempty"`
	Params model.StageParams `json:"params,omitempty"`
	// IdempotencyKey makes retried submissions return the same job.
	IdempotencyKey string `json:"-"`
}

// Status is one observation of a remote job.
type Status struct {
	Status model.RemoteStatus  `json:"status"`
	Result *model.RemoteResult `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// Client is the remote AI processing service.
type Client interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	GetStatus(ctx context.Context, externalJobID string) (Status, error)
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	Breaker           *resilience.CircuitBreaker
}

// HTTPClient calls the remote service over JSON/HTTP. All calls share one
// rate limiter and one circuit breaker.
type HTTPClient struct {
	base    string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("remote", 5, 30*time.Second,
			resilience.WithFailureFilter(httpx.IsTemporary))
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}
	return &HTTPClient{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  httpx.NewClient(opts.Timeout),
		limiter: rate.NewLimiter(limit, burst),
		breaker: breaker,
	}
}

func (c *HTTPClient) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	hdr := http.Header{}
	if req.IdempotencyKey != "" {
		hdr.Set("Idempotency-Key", req.IdempotencyKey)
	}
	err := c.call(ctx, httpx.JSONRequest{
		Method: http.MethodPost,
		URL:    c.base + "/v1/jobs",
		Header: hdr,
		Body:   req,
	}, &out)
	if err != nil {
		return "", fmt.Errorf("submit %s: %w", req.Kind, err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("submit %s: empty job id", req.Kind)
	}
	return out.ID, nil
}

func (c *HTTPClient) GetStatus(ctx context.Context, externalJobID string) (Status, error) {
	var out Status
	err := c.call(ctx, httpx.JSONRequest{
		Method: http.MethodGet,
		URL:    c.base + "/v1/jobs/" + url.PathEscape(externalJobID),
	}, &out)
	if err != nil {
		return Status{}, fmt.Errorf("status %s: %w", externalJobID, err)
	}
	return out, nil
}

func (c *HTTPClient) call(ctx context.Context, req httpx.JSONRequest, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req.APIKey = c.apiKey
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return httpx.DoJSON(ctx, c.client, req, out)
	})
}

var _ Client = (*HTTPClient)(nil)
