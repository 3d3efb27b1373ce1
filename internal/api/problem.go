// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/mediaforge/internal/log"
	"github.com/ManuGH/mediaforge/internal/pipeline/model"
)

const (
	// HeaderRequestID is the canonical header for request correlation.
	HeaderRequestID = "X-Request-ID"
	// HeaderUserID carries the caller identity set by the auth gateway.
	HeaderUserID = "X-User-ID"
)

// writeProblem writes an RFC 7807 problem details response. code is the
// stable machine-readable identifier clients switch on.
func writeProblem(w http.ResponseWriter, r *http.Request, status int, code, detail string, extra map[string]any) {
	reqID := log.RequestIDFromContext(r.Context())
	if reqID == "" {
		reqID = w.Header().Get(HeaderRequestID)
	}

	res := map[string]any{
		"type":      "mediaforge/" + code,
		"title":     http.StatusText(status),
		"status":    status,
		"code":      code,
		"instance":  r.URL.EscapedPath(),
		"requestId": reqID,
	}
	if detail != "" {
		res["detail"] = detail
	}
	for k, v := range extra {
		switch k {
		case "type", "title", "status", "detail", "instance", "code":
			continue
		}
		res[k] = v
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		lg := log.WithComponentFromContext(r.Context(), "api")
		lg.Error().
			Err(err).
			Str("code", code).
			Int("status", status).
			Msg("failed to encode problem response")
	}
}

// writeError maps err onto a problem response by its error code. Internal
// errors never leak their message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := model.CodeOf(err)
	status := statusFor(code)
	detail := err.Error()
	if status >= http.StatusInternalServerError {
		lg := log.WithComponentFromContext(r.Context(), "api")
		lg.Error().
			Err(err).
			Str("code", string(code)).
			Str(log.FieldPath, r.URL.Path).
			Msg("request failed")
		detail = "internal error"
	}
	var extra map[string]any
	var me *model.Error
	if errors.As(err, &me) && me.Stage != "" {
		extra = map[string]any{"stage": me.Stage}
	}
	writeProblem(w, r, status, string(code), detail, extra)
}

func statusFor(code model.ErrorCode) int {
	switch code {
	case model.CodeValidation:
		return http.StatusBadRequest
	case model.CodeAcquisition:
		return http.StatusUnprocessableEntity
	case model.CodeInsufficientBalance:
		return http.StatusPaymentRequired
	case model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeCancelled:
		return http.StatusConflict
	case model.CodeEngineCapacity:
		return http.StatusServiceUnavailable
	case model.CodeTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
