package generic_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/warp/payment-reconciler/generic"
)

func TestErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		status    int
		code      string
		retryable bool
	}{
		{"validation", generic.NewValidationError("amount", "negative"), http.StatusBadRequest, "invalid_request", false},
		{"authentication", &generic.AuthenticationError{Gateway: "paystack", Reason: "bad signature"}, http.StatusUnauthorized, "unauthenticated", false},
		{"not found", generic.NewNotFound("payment", "tx-1"), http.StatusNotFound, "not_found", false},
		{"conflict", &generic.ConflictError{TxRef: "tx-1", Reason: "already applied"}, http.StatusConflict, "duplicate", false},
		{"duplicate tx ref", fmt.Errorf("create: %w", generic.ErrDuplicateTxRef), http.StatusConflict, "duplicate", false},
		{"invalid transition", &generic.InvalidTransitionError{OrderID: "ord-1", From: generic.OrderCancelled, Event: "payment_confirmed"}, http.StatusUnprocessableEntity, "invalid_transition", false},
		{"transient", generic.NewTransient("save order", errors.New("database is locked")), http.StatusServiceUnavailable, "try_again", true},
		{"concurrent modification", fmt.Errorf("save: %w", generic.ErrConcurrentModification), http.StatusServiceUnavailable, "try_again", true},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, "internal", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := generic.HTTPStatus(tt.err); got != tt.status {
				t.Errorf("status: expected %d, got %d", tt.status, got)
			}
			if got := generic.ErrorCode(tt.err); got != tt.code {
				t.Errorf("code: expected %s, got %s", tt.code, got)
			}
			if got := generic.IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("retryable: expected %v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestTransientError_KeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := generic.NewTransient("verify", cause)

	if !errors.Is(err, cause) || !errors.Is(err, generic.ErrTransient) {
		t.Fatalf("expected both sentinel and cause in chain: %v", err)
	}
	if generic.IsClientError(err) {
		t.Error("transient errors are not client errors")
	}
}
