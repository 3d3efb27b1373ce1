// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package ledger is the client side of the credit ledger. A job debits the
// ledger at most once, keyed by the job id as the debit reason.
package ledger

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/mediaforge/internal/platform/httpx"
	"github.com/ManuGH/mediaforge/internal/resilience"
)

// DebitResult is the ledger's answer to a debit.
type DebitResult struct {
	Success    bool  `json:"success"`
	NewBalance int64 `json:"newBalance"`
}

// Ledger holds user credit balances.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	// Debit subtracts amount. Repeating a debit with the same reason returns
	// the original result without charging again.
	Debit(ctx context.Context, userID string, amount int64, reason string) (DebitResult, error)
}

// HTTPOptions configures an HTTPLedger.
type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Breaker *resilience.CircuitBreaker
}

// HTTPLedger talks to the billing service.
type HTTPLedger struct {
	base    string
	apiKey  string
	client  *http.Client
	breaker *resilience.CircuitBreaker
}

// NewHTTPLedger creates an HTTPLedger.
func NewHTTPLedger(opts HTTPOptions) *HTTPLedger {
	breaker := opts.Breaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker("ledger", 5, 30*time.Second,
			resilience.WithFailureFilter(httpx.IsTemporary))
	}
	return &HTTPLedger{
		base:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  httpx.NewClient(opts.Timeout),
		breaker: breaker,
	}
}

func (l *HTTPLedger) GetBalance(ctx context.Context, userID string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		return httpx.DoJSON(ctx, l.client, httpx.JSONRequest{
			Method: http.MethodGet,
			URL:    l.base + "/v1/balances/" + url.PathEscape(userID),
			APIKey: l.apiKey,
		}, &out)
	})
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return out.Balance, nil
}

func (l *HTTPLedger) Debit(ctx context.Context, userID string, amount int64, reason string) (DebitResult, error) {
	var out DebitResult
	err := l.breaker.Execute(ctx, func(ctx context.Context) error {
		return httpx.DoJSON(ctx, l.client, httpx.JSONRequest{
			Method: http.MethodPost,
			URL:    l.base + "/v1/debits",
			APIKey: l.apiKey,
			Header: http.Header{"Idempotency-Key": []string{reason}},
			Body: map[string]any{
				"userId": userID,
				"amount": amount,
				"reason": reason,
			},
		}, &out)
	})
	if err != nil {
		return DebitResult{}, fmt.Errorf("debit: %w", err)
	}
	return out, nil
}

// MemoryLedger is an in-process ledger for single-node deployments and
// tests. Unknown users start with the initial balance.
type MemoryLedger struct {
	mu       sync.Mutex
	initial  int64
	balances map[string]int64
	debits   map[string]DebitResult
}

// NewMemoryLedger creates a MemoryLedger.
func NewMemoryLedger(initialBalance int64) *MemoryLedger {
	return &MemoryLedger{
		initial:  initialBalance,
		balances: make(map[string]int64),
		debits:   make(map[string]DebitResult),
	}
}

// SetBalance overrides the balance of userID.
func (m *MemoryLedger) SetBalance(userID string, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
}

func (m *MemoryLedger) GetBalance(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceLocked(userID), nil
}

func (m *MemoryLedger) balanceLocked(userID string) int64 {
	if b, ok := m.balances[userID]; ok {
		return b
	}
	return m.initial
}

func (m *MemoryLedger) Debit(_ context.Context, userID string, amount int64, reason string) (DebitResult, error) {
	if amount < 0 {
		return DebitResult{}, fmt.Errorf("negative debit %d", amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := userID + "\x00" + reason
	if res, ok := m.debits[key]; ok {
		return res, nil
	}
	bal := m.balanceLocked(userID)
	if bal < amount {
		return DebitResult{Success: false, NewBalance: bal}, nil
	}
	res := DebitResult{Success: true, NewBalance: bal - amount}
	m.balances[userID] = res.NewBalance
	m.debits[key] = res
	return res, nil
}

// Debits returns the number of distinct successful debits.
func (m *MemoryLedger) Debits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.debits)
}

var (
	_ Ledger = (*HTTPLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
