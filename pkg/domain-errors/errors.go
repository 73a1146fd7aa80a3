// Package domainerrors provides coded errors shared by services and stores.
//
// Services return these so callers (job runners, transports, CLIs) can branch
// on a stable Code instead of parsing messages:
//
//	if dErrors.HasCode(err, dErrors.CodeInvalidTransition) { ... }
//
// Infrastructure facts (not found, lock not acquired) live in
// pkg/platform/sentinel and are translated into coded errors at service level.
package domainerrors

import (
	"errors"
)

// Code classifies an error for callers.
type Code string

const (
	CodeInternal           Code = "internal_error"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeValidation         Code = "validation_error"
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
	CodeUnavailable        Code = "unavailable"

	// CodeInvalidCriteria marks criteria that cannot be compiled: unknown
	// fields, wrong argument arity or argument types.
	CodeInvalidCriteria Code = "invalid_criteria"
	// CodeInvalidTransition marks a lifecycle event applied in the wrong status.
	// The message names the status the selection must be in.
	CodeInvalidTransition Code = "invalid_transition"
	// CodeScoringNotConfigured marks a scoring run without a scoring rule.
	CodeScoringNotConfigured Code = "scoring_not_configured"
	// CodeTransient marks infrastructure failures worth retrying
	// (lock timeout, scoring engine timeout).
	CodeTransient Code = "transient"
	// CodeInvalidSampling marks sampling arguments rejected before computation.
	CodeInvalidSampling Code = "invalid_sampling"
)

// Error is a coded domain error. Err is optional and kept for unwrapping.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to err. A nil err yields nil.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any coded error in err's chain carries code.
func HasCode(err error, code Code) bool {
	for err != nil {
		var de *Error
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Err
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or CodeInternal for
// uncoded errors.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// Is is errors.Is, re-exported so callers need a single import.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As is errors.As, re-exported so callers need a single import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// permanentCodes are user-input or configuration failures. Retrying them
// cannot succeed.
var permanentCodes = []Code{
	CodeInvalidCriteria,
	CodeInvalidTransition,
	CodeScoringNotConfigured,
	CodeInvalidSampling,
	CodeValidation,
	CodeBadRequest,
	CodeInvalidInput,
	CodeNotFound,
	CodeInvariantViolation,
}

// Permanent reports whether a background job failing with err must not be
// retried.
func Permanent(err error) bool {
	if err == nil {
		return false
	}
	for _, code := range permanentCodes {
		if HasCode(err, code) {
			return true
		}
	}
	return false
}
