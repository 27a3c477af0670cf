package keypool

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// State is a state of the per-request retry machine.
type State string

const (
	StateAttempting          State = "attempting"
	StateSuccess             State = "success"
	StateValidationExhausted State = "validation_exhausted"
	StateQuotaExhausted      State = "quota_exhausted"
	StateSystemExhausted     State = "system_exhausted"
	StateFatal               State = "fatal"
	StateCancelled           State = "cancelled"
)

// Terminal failure sentinels; match them with errors.Is.
var (
	ErrValidationExhausted = errors.New("content never became valid")
	ErrQuotaExhausted      = errors.New("all credentials are rate limited")
	ErrSystemExhausted     = errors.New("service persistently unavailable")
	ErrFatal               = errors.New("request or credential rejected")
)

func (s State) sentinel() error {
	switch s {
	case StateValidationExhausted:
		return ErrValidationExhausted
	case StateQuotaExhausted:
		return ErrQuotaExhausted
	case StateSystemExhausted:
		return ErrSystemExhausted
	case StateFatal:
		return ErrFatal
	}
	return nil
}

// TerminalError ends a run that did not succeed. Trail holds every attempt made
// before the run gave up.
type TerminalError struct {
	State State
	Trail *AuditTrail
	Cause error // last attempt error, or the context error when cancelled
}

func (e *TerminalError) Error() string {
	attempts := 0
	if e.Trail != nil {
		attempts = len(e.Trail.Attempts)
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s after %d attempts", e.State, attempts)
	}
	return fmt.Sprintf("%s after %d attempts: %v", e.State, attempts, e.Cause)
}

// Unwrap exposes both the state sentinel and the cause.
func (e *TerminalError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.State.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// TrailOf returns the audit trail attached to err, if any.
func TrailOf(err error) *AuditTrail {
	var te *TerminalError
	if errors.As(err, &te) {
		return te.Trail
	}
	return nil
}

// HTTPStatus maps a run error to the response code a service should return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidationExhausted):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrQuotaExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrFatal), errors.Is(err, ErrConfiguration):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusServiceUnavailable
	}
}
