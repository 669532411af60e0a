// Package model defines the request and response payloads used by the API.
// It keeps transport-level types in one place for reuse.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// CheckoutRequest is the input payload for POST /checkout.
//
// Amount is a major-unit decimal given either as a JSON string ("12.50")
// or number (12.5). It is required unless CartCheckout is set.
type CheckoutRequest struct {
	RequestID    string           `json:"request_id,omitempty"`
	CartCheckout bool             `json:"cart_checkout"`
	Amount       *decimal.Decimal `json:"amount,omitempty"`
	Title        string           `json:"title,omitempty"`
	Currency     string           `json:"currency,omitempty"`
}

// CheckoutResponse is the payment handle returned to the client.
type CheckoutResponse struct {
	OrderID       string `json:"order_id"`
	RequestID     string `json:"request_id"`
	TransactionID string `json:"transaction_id"`
	ClientSecret  string `json:"client_secret"`
	Amount        string `json:"amount"`       // "10.00"
	AmountMinor   int64  `json:"amount_minor"` // 1000
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	Reused        bool   `json:"reused"`
}

// CartItemRequest adds an item to the cart. Quantity defaults to 1.
type CartItemRequest struct {
	ItemID   string `json:"item_id"`
	Quantity *int   `json:"quantity,omitempty"`
}

// QuantityRequest overwrites the quantity of a cart line.
type QuantityRequest struct {
	Quantity int `json:"quantity"`
}

// LineView is one priced line of a cart or an order.
type LineView struct {
	ItemID    string `json:"item_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	Subtotal  string `json:"subtotal"`
}

// CartView is the priced view of an owner's cart. Items the catalog no
// longer knows are left out.
type CartView struct {
	Items      []LineView `json:"items"`
	Total      string     `json:"total"`
	TotalMinor int64      `json:"total_minor"`
	Currency   string     `json:"currency"`
}

// OrderView is an order as shown to its owner.
type OrderView struct {
	ID            string     `json:"id"`
	RequestID     string     `json:"request_id"`
	Title         string     `json:"title"`
	Source        string     `json:"source"`
	Amount        string     `json:"amount"`
	AmountMinor   int64      `json:"amount_minor"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	Items         []LineView `json:"items,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// WebhookResponse acknowledges a processed payment event.
type WebhookResponse struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// ErrorPayload describes an error response.
type ErrorPayload struct {
	Error     string            `json:"error"`             // "empty_cart", "gateway_unavailable"
	Message   string            `json:"message,omitempty"` // human-readable, never internal detail
	Details   map[string]string `json:"details,omitempty"`
	Retryable bool              `json:"retryable,omitempty"`
}
