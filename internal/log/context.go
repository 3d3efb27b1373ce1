// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

import (
	"context"

	"github.com/rs/zerolog"
)

// scope is the set of identifiers carried through a request or job run.
// It is stored by value; every ContextWith* call copies it.
type scope struct {
	requestID string
	jobID     string
	userID    string
	stage     string
}

type scopeKey struct{}

func scopeFrom(ctx context.Context) scope {
	if ctx == nil {
		return scope{}
	}
	s, _ := ctx.Value(scopeKey{}).(scope)
	return s
}

func withScope(ctx context.Context, edit func(*scope)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	s := scopeFrom(ctx)
	edit(&s)
	return context.WithValue(ctx, scopeKey{}, s)
}

func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *scope) { s.requestID = id })
}

func ContextWithJobID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *scope) { s.jobID = id })
}

// ContextWithUserID tags log lines with the job owner.
func ContextWithUserID(ctx context.Context, id string) context.Context {
	return withScope(ctx, func(s *scope) { s.userID = id })
}

// ContextWithStage tags log lines with the enhancement stage being run.
func ContextWithStage(ctx context.Context, stage string) context.Context {
	return withScope(ctx, func(s *scope) { s.stage = stage })
}

func RequestIDFromContext(ctx context.Context) string { return scopeFrom(ctx).requestID }
func JobIDFromContext(ctx context.Context) string     { return scopeFrom(ctx).jobID }

// WithContext adds the non-empty identifiers in ctx to logger.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	s := scopeFrom(ctx)
	if s == (scope{}) {
		return logger
	}
	b := logger.With()
	for _, f := range [...]struct{ key, val string }{
		{FieldRequestID, s.requestID},
		{FieldJobID, s.jobID},
		{FieldUserID, s.userID},
		{FieldStage, s.stage},
	} {
		if f.val != "" {
			b = b.Str(f.key, f.val)
		}
	}
	return b.Logger()
}

// WithComponentFromContext is WithContext applied to the component logger.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}
