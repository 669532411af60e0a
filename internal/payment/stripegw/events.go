package stripegw

import (
	"encoding/json"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/iliamunaev/marketplace-checkout/internal/payment"
)

// EventPayload renders a payment intent event in Stripe's wire format.
func EventPayload(eventID, eventType string, txn payment.Transaction, metadata map[string]string) ([]byte, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	body := map[string]any{
		"id":          eventID,
		"object":      "event",
		"api_version": stripe.APIVersion,
		"created":     time.Now().Unix(),
		"type":        eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":            txn.ID,
				"object":        "payment_intent",
				"amount":        txn.Amount,
				"currency":      txn.Currency,
				"status":        string(txn.Status),
				"client_secret": txn.ClientSecret,
				"metadata":      metadata,
			},
		},
	}
	return json.Marshal(body)
}

// Sign returns the Stripe-Signature header for payload.
func Sign(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}
