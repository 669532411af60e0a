// Package apperr defines the error taxonomy shared by checkout,
// reconciliation and the HTTP layer.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

// Client input errors.
var (
	ErrEmptyCart        = errors.New("cart is empty")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidCurrency  = errors.New("invalid currency")
	ErrMissingRequestID = errors.New("missing request id")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrNotFound         = errors.New("not found")
)

// State errors.
var (
	ErrRequestConflict = errors.New("request id belongs to another owner")
	ErrOrderClosed     = errors.New("order is no longer pending")
	ErrOrderChanged    = errors.New("order changed during checkout")
)

// External dependency errors.
var (
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	ErrCatalogUnavailable = errors.New("catalog unavailable")
	ErrSignature          = errors.New("invalid event signature")
)

// Kind returns a stable, client-facing classification of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""

	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"

	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"

	case errors.Is(err, ErrInvalidCurrency):
		return "invalid_currency"

	case errors.Is(err, ErrMissingRequestID):
		return "missing_request_id"

	case errors.Is(err, ErrInvalidRequest):
		return "bad_request"

	case errors.Is(err, ErrUnauthenticated):
		return "unauthenticated"

	case errors.Is(err, ErrNotFound):
		return "not_found"

	case errors.Is(err, ErrRequestConflict):
		return "request_conflict"

	case errors.Is(err, ErrOrderClosed):
		return "order_closed"

	case errors.Is(err, ErrOrderChanged):
		return "order_changed"

	case errors.Is(err, ErrGatewayUnavailable):
		return "gateway_unavailable"

	case errors.Is(err, ErrCatalogUnavailable):
		return "catalog_unavailable"

	case errors.Is(err, ErrSignature):
		return "invalid_signature"

	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"

	case errors.Is(err, context.Canceled):
		return "canceled"

	default:
		return "internal"
	}
}

// HTTPStatus maps err to the status code returned to clients.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK

	case errors.Is(err, ErrEmptyCart),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrInvalidCurrency),
		errors.Is(err, ErrMissingRequestID),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrSignature):
		return http.StatusBadRequest

	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized

	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrRequestConflict),
		errors.Is(err, ErrOrderClosed),
		errors.Is(err, ErrOrderChanged):
		return http.StatusConflict

	case errors.Is(err, ErrGatewayUnavailable):
		return http.StatusBadGateway

	case errors.Is(err, ErrCatalogUnavailable):
		return http.StatusServiceUnavailable

	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout

	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout

	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable) ||
		errors.Is(err, ErrOrderChanged) ||
		errors.Is(err, ErrCatalogUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}
