// Package payment is the boundary to the external payment processor:
// payment transactions (intents), billing customers and signed events.
package payment

import (
	"context"
)

// TxnStatus is the processor-side status of a transaction.
type TxnStatus string

const (
	TxnRequiresPaymentMethod TxnStatus = "requires_payment_method"
	TxnRequiresConfirmation  TxnStatus = "requires_confirmation"
	TxnRequiresAction        TxnStatus = "requires_action"
	TxnProcessing            TxnStatus = "processing"
	TxnRequiresCapture       TxnStatus = "requires_capture"
	TxnSucceeded             TxnStatus = "succeeded"
	TxnCanceled              TxnStatus = "canceled"
)

// Reusable reports whether a client may still complete payment on a
// transaction in this status.
func (s TxnStatus) Reusable() bool {
	switch s {
	case TxnSucceeded, TxnCanceled, TxnRequiresCapture:
		return false
	default:
		return true
	}
}

// Transaction is the processor's view of a pending or completed charge.
// Amount is in minor units.
type Transaction struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       TxnStatus
}

// CreateParams describes a new transaction.
type CreateParams struct {
	Amount         int64
	Currency       string
	CustomerRef    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Gateway creates, retrieves and cancels transactions. Transport failures
// are reported wrapping apperr.ErrGatewayUnavailable.
type Gateway interface {
	CreateTransaction(ctx context.Context, p CreateParams) (Transaction, error)
	RetrieveTransaction(ctx context.Context, id string) (Transaction, error)
	CancelTransaction(ctx context.Context, id string) error
	CreateCustomer(ctx context.Context, ownerID string) (string, error)
}

// Metadata keys attached to every transaction at creation time.
const (
	MetaOrderID   = "order_id"
	MetaOwnerID   = "owner_id"
	MetaRequestID = "request_id"
	MetaSource    = "source"
)

// EventKind is the closed set of event kinds the reconciler acts on.
type EventKind int

const (
	EventOther EventKind = iota
	EventSucceeded
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventSucceeded:
		return "succeeded"
	case EventFailed:
		return "failed"
	default:
		return "other"
	}
}

// Event is a verified payment notification.
type Event struct {
	ID            string
	Kind          EventKind
	Type          string
	TransactionID string
	Amount        int64
	Currency      string
	Metadata      map[string]string
}

// OrderID returns the order id the orchestrator attached, if any.
func (e Event) OrderID() string { return e.Metadata[MetaOrderID] }

// OwnerID returns the owner id the orchestrator attached, if any.
func (e Event) OwnerID() string { return e.Metadata[MetaOwnerID] }

// Verifier authenticates a raw event body against its signature header.
// It fails closed: any doubt is reported wrapping apperr.ErrSignature.
type Verifier interface {
	VerifySignedEvent(raw []byte, signature string) (Event, error)
}
