/*
errors.go - Centralized error taxonomy for reconciliation

PURPOSE:
  All error types in one place for consistency and discoverability.
  Gateway adapters, the reconciliation engine and the HTTP boundary all
  classify failures with these, so the boundary can decide between
  "reject", "ack" and "ask the gateway to retry".

ERROR CATEGORIES:
  1. ValidationError       - malformed input, 4xx, no mutation
  2. AuthenticationError   - bad/missing webhook signature, no mutation
  3. NotFoundError         - unknown txRef/order/user, ack + anomaly log
  4. ConflictError         - duplicate delivery or lost claim, ack, no mutation
  5. TransientError        - persistence/gateway failure, safe to retry
  6. InvalidTransitionError - event against a cancelled order, operator attention

USAGE:
  if errors.Is(err, generic.ErrConflict) {
      // duplicate delivery, acknowledge
  }

  var it *generic.InvalidTransitionError
  if errors.As(err, &it) { ... }

SEE ALSO:
  - order.go: Raises InvalidTransitionError
  - api/handlers.go: Maps categories to HTTP responses
*/
package generic

import (
	"errors"
	"fmt"
	"net/http"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation        = errors.New("validation error")
	ErrAuthentication    = errors.New("authentication error")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrTransient         = errors.New("transient error")
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrConcurrentModification is returned by stores when an optimistic
	// version check fails. The engine converts it into a ConflictError or
	// retries the unit of work.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateTxRef is returned when creating a Payment whose txRef exists.
	ErrDuplicateTxRef = errors.New("duplicate txRef")

	// ErrGatewayTimeout marks an outbound gateway call that ran out of time.
	// The outcome is unknown, not failed.
	ErrGatewayTimeout = errors.New("gateway call timed out")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

type AuthenticationError struct {
	Gateway string
	Reason  string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication error: %s: %s", e.Gateway, e.Reason)
}

func (e *AuthenticationError) Unwrap() error { return ErrAuthentication }

type NotFoundError struct {
	Kind string // "payment", "order", "user", "product", "gateway"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func NewNotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

type ConflictError struct {
	TxRef  TxRef
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.TxRef, e.Reason)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransientError wraps a downstream failure that is safe to retry.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *TransientError) Unwrap() []error { return []error{ErrTransient, e.Err} }

func NewTransient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

type InvalidTransitionError struct {
	OrderID OrderID
	From    OrderStatus
	Event   string
	Reason  string
}

func (e *InvalidTransitionError) Error() string {
	msg := fmt.Sprintf("invalid transition for order %s: %s from %s", e.OrderID, e.Event, e.From)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrAuthentication)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// HTTPStatus maps the taxonomy to a status code for administrative surfaces.
// Gateway-facing handlers apply their own ack policy instead.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateTxRef):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case IsRetryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode is a stable short code for an error, safe to show to customers.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "invalid_request"
	case errors.Is(err, ErrAuthentication):
		return "unauthenticated"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateTxRef):
		return "duplicate"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case IsRetryable(err):
		return "try_again"
	default:
		return "internal"
	}
}
