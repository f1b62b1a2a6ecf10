package model

import "fmt"

// Standard error codes.
const (
	ErrBadRequest         = "BAD_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrForbidden          = "FORBIDDEN"
	ErrNotFound           = "NOT_FOUND"
	ErrConflict           = "CONFLICT"
	ErrValidationError    = "VALIDATION_ERROR"
	ErrInternalError      = "INTERNAL_ERROR"
	ErrBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrBackendTimeout     = "BACKEND_TIMEOUT"
)

// Flow-specific error codes.
const (
	ErrUnknownStep      = "UNKNOWN_STEP"
	ErrFlowConfig       = "FLOW_CONFIG_ERROR"
	ErrBrokenReference  = "BROKEN_REFERENCE"
	ErrExternalCall     = "EXTERNAL_CALL_ERROR"
	ErrSessionNotActive = "SESSION_NOT_ACTIVE"
	ErrInvalidOption    = "INVALID_OPTION"
	ErrInvalidInput     = "INVALID_INPUT"
)

// genericFailureMessage is what users see for fatal configuration-class
// errors. The real cause is logged, never exposed.
const genericFailureMessage = "Something went wrong. Please try again."

// ErrorEnvelope is the standard error response envelope returned by the
// service. It implements the error interface.
type ErrorEnvelope struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
	// Internal carries the underlying cause for logging. Never serialized.
	Internal string `json:"-"`
}

// Error implements the error interface.
func (e *ErrorEnvelope) Error() string {
	if e.Internal != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Internal)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FieldError describes a field-level validation error.
type FieldError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewBadRequestError returns a BAD_REQUEST error.
func NewBadRequestError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrBadRequest, Message: msg}
}

// NewUnauthorizedError returns an UNAUTHORIZED error.
func NewUnauthorizedError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrUnauthorized, Message: msg}
}

// NewForbiddenError returns a FORBIDDEN error.
func NewForbiddenError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrForbidden, Message: msg}
}

// NewNotFoundError returns a NOT_FOUND error.
func NewNotFoundError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrNotFound, Message: msg}
}

// NewConflictError returns a CONFLICT error.
func NewConflictError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrConflict, Message: msg}
}

// NewValidationError returns a VALIDATION_ERROR with field-level details.
func NewValidationError(details []FieldError) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrValidationError,
		Message: "One or more fields are invalid",
		Details: details,
	}
}

// NewInternalError returns an INTERNAL_ERROR.
func NewInternalError() *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInternalError,
		Message: "An unexpected error occurred",
	}
}

// NewUnknownStepError returns an UNKNOWN_STEP error. Fatal: the session
// references a step that is not in the flow table. Users see the generic
// failure message; the step id goes to the log via Internal.
func NewUnknownStepError(flowID string, stepID int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:     ErrUnknownStep,
		Message:  genericFailureMessage,
		Internal: fmt.Sprintf("step %d not found in flow %q", stepID, flowID),
	}
}

// NewFlowConfigError returns a FLOW_CONFIG_ERROR. Fatal: the flow table
// cannot produce a valid next state from the current step.
func NewFlowConfigError(detail string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:     ErrFlowConfig,
		Message:  genericFailureMessage,
		Internal: detail,
	}
}

// NewBrokenReferenceError returns a BROKEN_REFERENCE error. Normally caught
// by load-time validation; fatal if encountered during traversal.
func NewBrokenReferenceError(fromStep, toStep int) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:     ErrBrokenReference,
		Message:  genericFailureMessage,
		Internal: fmt.Sprintf("step %d references missing step %d", fromStep, toStep),
	}
}

// NewExternalCallError returns an EXTERNAL_CALL_ERROR. Recoverable: the
// variable context is unchanged and the user may retry.
func NewExternalCallError(err error) *ErrorEnvelope {
	envelope := &ErrorEnvelope{
		Code:    ErrExternalCall,
		Message: "The calculation service could not be reached. Please try again.",
	}
	if err != nil {
		envelope.Internal = err.Error()
	}
	return envelope
}

// NewSessionNotActiveError returns a SESSION_NOT_ACTIVE error.
func NewSessionNotActiveError(sessionID, status string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrSessionNotActive,
		Message: fmt.Sprintf("session is %s and accepts no further input", status),
		Internal: fmt.Sprintf("session %s status %s", sessionID, status),
	}
}

// NewInvalidOptionError returns an INVALID_OPTION error.
func NewInvalidOptionError(value string) *ErrorEnvelope {
	return &ErrorEnvelope{
		Code:    ErrInvalidOption,
		Message: fmt.Sprintf("option %q is not available on this step", value),
	}
}

// NewInvalidInputError returns an INVALID_INPUT error with a reason the
// user can act on.
func NewInvalidInputError(msg string) *ErrorEnvelope {
	return &ErrorEnvelope{Code: ErrInvalidInput, Message: msg}
}
