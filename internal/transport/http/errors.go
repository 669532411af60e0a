package httptransport

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/model"
)

// kindToMessage holds the client-facing message per error kind. Kinds
// without an entry get a generic message so internal detail never leaks.
var kindToMessage = map[string]string{
	"empty_cart":          "cart is empty",
	"invalid_amount":      "amount is invalid or out of range",
	"invalid_currency":    "currency is not supported",
	"missing_request_id":  "request_id is required",
	"bad_request":         "invalid request",
	"unauthenticated":     "missing owner identity",
	"not_found":           "not found",
	"request_conflict":    "request_id is already in use",
	"order_closed":        "order is no longer pending",
	"order_changed":       "order changed during checkout, retry",
	"gateway_unavailable": "payment provider unavailable, retry later",
	"catalog_unavailable": "catalog unavailable, retry later",
	"invalid_signature":   "invalid signature",
	"timeout":             "request timed out, retry later",
	"canceled":            "request canceled",
}

// errorKind returns the kind of an error.
func errorKind(err error) string {
	return apperr.Kind(err)
}

func httpStatus(err error) int {
	return apperr.HTTPStatus(err)
}

// errorPayload builds the response body for err.
func errorPayload(err error) model.ErrorPayload {
	kind := errorKind(err)
	msg, ok := kindToMessage[kind]
	if !ok {
		msg = "internal error"
	}
	return model.ErrorPayload{
		Error:     kind,
		Message:   msg,
		Retryable: apperr.Retryable(err),
	}
}

// writeError logs err on the request logger and writes its payload.
// Server-side failures are logged at error level, the rest at debug.
func writeError(w http.ResponseWriter, r *http.Request, err error, details map[string]string) {
	status := httpStatus(err)
	log := zerolog.Ctx(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Msg("request rejected")
	}

	p := errorPayload(err)
	p.Details = details
	writeJSON(w, status, p)
}

// badRequest marks err as a client input error.
func badRequest(err error) error {
	if errors.Is(err, apperr.ErrInvalidRequest) {
		return err
	}
	return errors.Join(apperr.ErrInvalidRequest, err)
}
