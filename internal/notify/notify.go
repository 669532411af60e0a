// Package notify delivers the fulfillment-completed side effect through a
// transactional outbox. The ledger stores one record per paid order in the
// same write that marks it paid, and a relay publishes pending records to
// Kafka.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/iliamunaev/marketplace-checkout/internal/order"
)

// EventFulfilled is the type of the record written when an order is paid.
const EventFulfilled = "order.fulfilled"

// Record is one outbox row.
type Record struct {
	ID        int64           `json:"id"`
	EventID   string          `json:"event_id"`
	Topic     string          `json:"topic"`
	Key       string          `json:"key"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at"`
}

// Outbox stores records until they are published. Insert ignores a record
// whose event id is already stored.
type Outbox interface {
	Insert(ctx context.Context, eventID, topic, key string, payload []byte) error
	FetchPending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) error
}

// Fulfilled is the published payload.
type Fulfilled struct {
	EventID       string       `json:"event_id"`
	Type          string       `json:"type"`
	OrderID       string       `json:"order_id"`
	OwnerID       string       `json:"owner_id"`
	RequestID     string       `json:"request_id"`
	TransactionID string       `json:"transaction_id"`
	Title         string       `json:"title"`
	Amount        int64        `json:"amount"`
	Currency      string       `json:"currency"`
	Items         []order.Item `json:"items,omitempty"`
	PaidAt        time.Time    `json:"paid_at"`
}

// Fulfillments builds the fulfillment record stored with a paid order.
type Fulfillments struct {
	topic string
	now   func() time.Time
}

func NewFulfillments(topic string) *Fulfillments {
	return &Fulfillments{
		topic: topic,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Fulfilled returns the record for a paid order. The event id is derived
// from the order, so storing it twice keeps one record.
func (f *Fulfillments) Fulfilled(o order.Order) (order.Effect, error) {
	ev := Fulfilled{
		EventID:       "fulfilled-" + o.ID,
		Type:          EventFulfilled,
		OrderID:       o.ID,
		OwnerID:       o.OwnerID,
		RequestID:     o.RequestID,
		TransactionID: o.TransactionID,
		Title:         o.Title,
		Amount:        o.Amount,
		Currency:      o.Currency,
		Items:         order.CloneItems(o.Items),
		PaidAt:        f.now(),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return order.Effect{}, fmt.Errorf("encode fulfillment event: %w", err)
	}
	return order.Effect{EventID: ev.EventID, Topic: f.topic, Key: o.ID, Payload: data}, nil
}
