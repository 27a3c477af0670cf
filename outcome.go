package keypool

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"
)

// FailureClass is the closed set of reasons an attempt can fail.
type FailureClass string

const (
	// Exhausted: the credential's quota or rate limit is exceeded.
	Exhausted FailureClass = "exhausted"
	// Rejected: bad credential or structurally invalid request. Never retried.
	Rejected FailureClass = "rejected"
	// Unavailable: any other transient service-side failure.
	Unavailable FailureClass = "unavailable"
	// Empty: the call succeeded but returned no usable content.
	Empty FailureClass = "empty"
	// ParseOrValidation: the content could not be parsed or failed the schema.
	ParseOrValidation FailureClass = "validation"
)

// AttemptStatus is the outcome recorded for one attempt in an audit trail.
type AttemptStatus string

const (
	StatusSuccess           AttemptStatus = "success"
	StatusValidationError   AttemptStatus = "validation_error"
	StatusResourceExhausted AttemptStatus = "resource_exhausted"
	StatusSystemError       AttemptStatus = "system_error"
	StatusFatal             AttemptStatus = "fatal"
)

// Status maps a failure class to the status stored in the audit trail.
func (c FailureClass) Status() AttemptStatus {
	switch c {
	case Exhausted:
		return StatusResourceExhausted
	case Unavailable:
		return StatusSystemError
	case Rejected:
		return StatusFatal
	default:
		return StatusValidationError
	}
}

// CallError is an attempt failure tagged with its class.
type CallError struct {
	Class FailureClass
	Cause error
}

func (e *CallError) Error() string {
	if e.Cause == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Cause)
}

func (e *CallError) Unwrap() error { return e.Cause }

// Kind names the error for audit records: the service status when the
// service reported one, the class otherwise.
func (e *CallError) Kind() string {
	var apiErr genai.APIError
	if errors.As(e.Cause, &apiErr) && apiErr.Status != "" {
		return apiErr.Status
	}
	var apiErrPtr *genai.APIError
	if errors.As(e.Cause, &apiErrPtr) && apiErrPtr != nil && apiErrPtr.Status != "" {
		return apiErrPtr.Status
	}
	return string(e.Class)
}

func classified(class FailureClass, cause error) *CallError {
	return &CallError{Class: class, Cause: cause}
}

// ErrNoContent is returned when a response carries no usable text.
var ErrNoContent = errors.New("no usable content in response")

// Classify maps a transport error onto the failure taxonomy.
// A *CallError keeps its class; anything unrecognised is Unavailable.
func Classify(err error) FailureClass {
	if err == nil {
		return ""
	}
	var ce *CallError
	if errors.As(err, &ce) {
		return ce.Class
	}
	if errors.Is(err, ErrNoContent) {
		return Empty
	}
	if errors.Is(err, ErrConfiguration) {
		return Rejected
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return classifyAPIError(apiErr.Code, apiErr.Status)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return classifyAPIError(apiErrPtr.Code, apiErrPtr.Status)
	}
	return Unavailable
}

func classifyAPIError(code int, status string) FailureClass {
	switch status {
	case "RESOURCE_EXHAUSTED":
		return Exhausted
	case "INVALID_ARGUMENT", "PERMISSION_DENIED", "UNAUTHENTICATED":
		return Rejected
	}
	switch code {
	case http.StatusTooManyRequests:
		return Exhausted
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return Rejected
	}
	return Unavailable
}
