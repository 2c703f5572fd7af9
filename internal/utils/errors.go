package utils

import (
	"errors"
	"fmt"
)

// Code classifies an AppError so boundaries can map it to a reason code.
type Code string

const (
	CodeValidation                   Code = "validation"
	CodeInvalidInput                 Code = "invalid_input"
	CodeFeatureSchemaMismatch        Code = "feature_schema_mismatch"
	CodeDeliveryTimeout              Code = "delivery_timeout"
	CodeAgentStale                   Code = "agent_stale"
	CodeAgentOffline                 Code = "agent_offline"
	CodeInterpolationHorizonExceeded Code = "interpolation_horizon_exceeded"
	CodeNotFound                     Code = "not_found"
	CodeConflict                     Code = "conflict"
	CodeFailedPrecondition           Code = "failed_precondition"
	CodeResourceExhausted            Code = "resource_exhausted"
	CodeInternal                     Code = "internal"
)

// AppError wraps an operation, reason code, human-facing message, and underlying error.
type AppError struct {
	Code Code
	Op   string
	Msg  string
	Err  error
}

func (e *AppError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is a bare class marker (no Op, no Msg) sharing e's code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Op == "" && t.Msg == "" && t.Code == e.Code
}

// NewAppError constructs an AppError.
func NewAppError(code Code, op, msg string, err error) error {
	return &AppError{Code: code, Op: op, Msg: msg, Err: err}
}

// Class markers usable with errors.Is.
var (
	ErrValidation                   = &AppError{Code: CodeValidation}
	ErrInvalidInput                 = &AppError{Code: CodeInvalidInput}
	ErrFeatureSchemaMismatch        = &AppError{Code: CodeFeatureSchemaMismatch}
	ErrDeliveryTimeout              = &AppError{Code: CodeDeliveryTimeout}
	ErrAgentStale                   = &AppError{Code: CodeAgentStale}
	ErrAgentOffline                 = &AppError{Code: CodeAgentOffline}
	ErrInterpolationHorizonExceeded = &AppError{Code: CodeInterpolationHorizonExceeded}
	ErrNotFound                     = &AppError{Code: CodeNotFound}
	ErrConflict                     = &AppError{Code: CodeConflict}
)

// CodeOf extracts the reason code carried by err, or CodeInternal when none is present.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
