// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package model

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorCode is the stable machine-readable cause of a pipeline error.
type ErrorCode string

const (
	CodeValidation              ErrorCode = "VALIDATION"
	CodeAcquisition             ErrorCode = "ACQUISITION"
	CodeEngineCapacity          ErrorCode = "ENGINE_CAPACITY"
	CodeEngine                  ErrorCode = "ENGINE"
	CodeSegmentation            ErrorCode = "SEGMENTATION"
	CodeRemoteStage             ErrorCode = "REMOTE_STAGE"
	CodeCompose                 ErrorCode = "COMPOSE"
	CodeInsufficientBalance     ErrorCode = "INSUFFICIENT_BALANCE"
	CodeSettlementInconsistency ErrorCode = "SETTLEMENT_INCONSISTENCY"
	CodeCancelled               ErrorCode = "CANCELLED"
	CodeTimeout                 ErrorCode = "TIMEOUT"
	CodeInterrupted             ErrorCode = "INTERRUPTED"
	CodeUpload                  ErrorCode = "UPLOAD"
	CodeNotFound                ErrorCode = "NOT_FOUND"
	CodeInternal                ErrorCode = "INTERNAL"
)

// Sentinels for errors.Is matching. Any *Error with the same code matches.
var (
	ErrValidation              = &Error{Code: CodeValidation}
	ErrAcquisition             = &Error{Code: CodeAcquisition}
	ErrEngineCapacityExceeded  = &Error{Code: CodeEngineCapacity}
	ErrEngine                  = &Error{Code: CodeEngine}
	ErrSegmentation            = &Error{Code: CodeSegmentation}
	ErrRemoteStage             = &Error{Code: CodeRemoteStage}
	ErrCompose                 = &Error{Code: CodeCompose}
	ErrInsufficientBalance     = &Error{Code: CodeInsufficientBalance}
	ErrSettlementInconsistency = &Error{Code: CodeSettlementInconsistency}
	ErrCancelled               = &Error{Code: CodeCancelled}
	ErrTimeout                 = &Error{Code: CodeTimeout}
	ErrNotFound                = &Error{Code: CodeNotFound}
)

// Error is the typed pipeline error. Stage is empty for job-level errors.
type Error struct {
	Code    ErrorCode
	Stage   StageKind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Stage != "" {
		msg += " [" + string(e.Stage) + "]"
	}
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code so callers can compare against the sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Stage == "" || t.Stage == e.Stage)
}

// NewError builds an *Error with a formatted message.
func NewError(code ErrorCode, op string, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Message: fmt.Sprintf(format, args...)}
}

// WrapError wraps err under code. It returns nil if err is nil.
func WrapError(code ErrorCode, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Op: op, Err: err}
}

// StageError wraps err as a failure of one stage.
func StageError(code ErrorCode, stage StageKind, err error) *Error {
	return &Error{Code: code, Stage: stage, Err: err}
}

// CodeOf extracts the code of the first *Error in err's chain.
// Context errors map to CANCELLED/TIMEOUT; anything else is INTERNAL.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	}
	return CodeInternal
}

// ErrorInfo is the persisted form of a job's lastError.
type ErrorInfo struct {
	Code    ErrorCode `json:"code"`
	Stage   StageKind `json:"stage,omitempty"`
	Message string    `json:"message"`
	AtUnix  int64     `json:"atUnix"`
}

// NewErrorInfo captures err for the job record.
func NewErrorInfo(err error, now time.Time) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Code: CodeOf(err), Message: err.Error(), AtUnix: now.Unix()}
	var e *Error
	if errors.As(err, &e) {
		info.Stage = e.Stage
	}
	return info
}
