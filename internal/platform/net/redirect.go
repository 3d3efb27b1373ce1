// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package net

import (
	"errors"
	"fmt"
	"net/http"
)

const maxRedirects = 10

// CheckRedirect returns an http.Client.CheckRedirect that applies policy to
// every redirect target.
func CheckRedirect(policy OutboundPolicy) func(*http.Request, []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return errors.New("stopped after 10 redirects")
		}
		if _, err := ValidateOutboundURL(req.Context(), req.URL.String(), policy); err != nil {
			return fmt.Errorf("redirect: %w", err)
		}
		return nil
	}
}
