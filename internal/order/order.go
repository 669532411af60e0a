// Package order defines the durable order record and the ledger contract
// used by checkout and reconciliation.
//
// Every state change on an order is a conditional write: the ledger only
// moves an order that is still pending, so concurrent callers and replayed
// events can never reopen or double-apply a terminal order.
package order

import (
	"context"
	"strings"
	"time"
)

// Status is the payment status of an order.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusFailed
}

// Source records how the order amount was computed.
type Source string

const (
	SourceCart   Source = "cart"
	SourceDirect Source = "direct"
)

// Item is a snapshot of one cart line at checkout time.
type Item struct {
	ItemID    string `json:"item_id"`
	Name      string `json:"name"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
}

// Order is one checkout attempt and its monetary outcome.
// Amount is in minor units; Currency is a lower-cased ISO code.
type Order struct {
	ID             string
	OwnerID        string
	RequestID      string
	Title          string
	Source         Source
	Amount         int64
	Currency       string
	Status         Status
	TransactionID  string
	IdempotencyKey string
	Items          []Item
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Draft carries the pre-payment fields written by Upsert.
type Draft struct {
	OwnerID   string
	RequestID string
	Title     string
	Source    Source
	Amount    int64
	Currency  string
	Items     []Item
}

// Charge is a transaction together with the amount and currency it
// collects.
type Charge struct {
	TransactionID string
	Amount        int64
	Currency      string
}

// Matches reports whether the charge collects exactly the order's amount.
// Currency case is ignored.
func (c Charge) Matches(o Order) bool {
	return c.Amount == o.Amount && strings.EqualFold(c.Currency, o.Currency)
}

// Effect is an outbox record stored in the same write as a transition.
type Effect struct {
	EventID string
	Topic   string
	Key     string
	Payload []byte
}

// EffectFunc builds the effect from the order as stored by the transition.
type EffectFunc func(Order) (Effect, error)

// Ledger stores orders.
//
// Upsert inserts a pending order for draft.RequestID, or refreshes the
// pre-payment fields of the existing row when it is pending and owned by
// draft.OwnerID. In every case it returns the row as stored; callers must
// check OwnerID and Status.
//
// AttachTransaction sets TransactionID to c.TransactionID only if the order
// is pending, its current TransactionID equals expected ("" meaning none)
// and its amount and currency still match c. It returns the row after the
// attempt and whether the swap happened.
//
// MarkPaid moves a pending order to paid when its amount and currency match
// c, attaching c.TransactionID when none is set. It refuses orders bound to
// another transaction. A non-nil effect is stored in the same write, and
// when it cannot be stored the order stays pending. MarkFailed moves a
// pending order to failed. Both report whether a row changed.
type Ledger interface {
	Upsert(ctx context.Context, draft Draft) (Order, error)
	Get(ctx context.Context, id string) (Order, error)
	GetByRequestID(ctx context.Context, requestID string) (Order, error)
	ListByOwner(ctx context.Context, ownerID string) ([]Order, error)
	AttachTransaction(ctx context.Context, id, expected string, c Charge, idemKey string) (Order, bool, error)
	MarkPaid(ctx context.Context, id string, c Charge, effect EffectFunc) (bool, error)
	MarkFailed(ctx context.Context, id string) (bool, error)
}

// CloneItems copies an item snapshot.
func CloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	copy(out, items)
	return out
}
