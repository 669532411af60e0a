package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKind(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("checkout: %w", ErrEmptyCart)

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "empty_cart", err: ErrEmptyCart, want: "empty_cart"},
		{name: "empty_cart_wrapped", err: wrapped, want: "empty_cart"},
		{name: "invalid_amount", err: ErrInvalidAmount, want: "invalid_amount"},
		{name: "invalid_currency", err: ErrInvalidCurrency, want: "invalid_currency"},
		{name: "missing_request_id", err: ErrMissingRequestID, want: "missing_request_id"},
		{name: "request_conflict", err: ErrRequestConflict, want: "request_conflict"},
		{name: "order_closed", err: ErrOrderClosed, want: "order_closed"},
		{name: "order_changed", err: ErrOrderChanged, want: "order_changed"},
		{name: "gateway", err: ErrGatewayUnavailable, want: "gateway_unavailable"},
		{name: "catalog", err: ErrCatalogUnavailable, want: "catalog_unavailable"},
		{name: "signature", err: ErrSignature, want: "invalid_signature"},
		{name: "deadline", err: context.DeadlineExceeded, want: "timeout"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "unknown", err: errors.New("unknown"), want: "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := Kind(tt.err); got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("create transaction: %w", ErrGatewayUnavailable)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "nil", err: nil, want: http.StatusOK},
		{name: "empty_cart", err: ErrEmptyCart, want: http.StatusBadRequest},
		{name: "invalid_amount", err: ErrInvalidAmount, want: http.StatusBadRequest},
		{name: "signature", err: ErrSignature, want: http.StatusBadRequest},
		{name: "unauthenticated", err: ErrUnauthenticated, want: http.StatusUnauthorized},
		{name: "not_found", err: ErrNotFound, want: http.StatusNotFound},
		{name: "order_closed", err: ErrOrderClosed, want: http.StatusConflict},
		{name: "order_changed", err: ErrOrderChanged, want: http.StatusConflict},
		{name: "gateway_wrapped", err: wrapped, want: http.StatusBadGateway},
		{name: "catalog", err: ErrCatalogUnavailable, want: http.StatusServiceUnavailable},
		{name: "deadline", err: context.DeadlineExceeded, want: http.StatusGatewayTimeout},
		{name: "canceled", err: context.Canceled, want: http.StatusRequestTimeout},
		{name: "unknown", err: errors.New("unknown"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := HTTPStatus(tt.err); got != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	if !Retryable(fmt.Errorf("x: %w", ErrGatewayUnavailable)) {
		t.Fatal("gateway errors must be retryable")
	}
	if !Retryable(ErrOrderChanged) {
		t.Fatal("a changed order must be retryable")
	}
	if Retryable(ErrEmptyCart) {
		t.Fatal("client input errors must not be retryable")
	}
}
