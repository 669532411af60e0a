package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
)

// EffectSink stores effects for the in-process ledger.
type EffectSink interface {
	Insert(ctx context.Context, eventID, topic, key string, payload []byte) error
}

// Memory is an in-process Ledger with the same conditional-write semantics
// as the PostgreSQL store.
type Memory struct {
	mu        sync.Mutex
	effects   EffectSink
	byID      map[string]*Order
	byRequest map[string]string
	byTxn     map[string]string
	now       func() time.Time
}

// NewMemory returns an empty ledger.
func NewMemory() *Memory {
	return &Memory{
		byID:      make(map[string]*Order),
		byRequest: make(map[string]string),
		byTxn:     make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithEffects sets where MarkPaid stores its effect. The sink is written
// under the ledger lock, so a failed insert leaves the order pending.
func (m *Memory) WithEffects(sink EffectSink) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.effects = sink
	return m
}

func (m *Memory) Upsert(ctx context.Context, d Draft) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if id, ok := m.byRequest[d.RequestID]; ok {
		o := m.byID[id]
		if o.OwnerID == d.OwnerID && o.Status == StatusPending {
			o.Title = d.Title
			o.Source = d.Source
			o.Amount = d.Amount
			o.Currency = d.Currency
			o.Items = CloneItems(d.Items)
			o.UpdatedAt = now
		}
		return snapshot(o), nil
	}

	o := &Order{
		ID:        uuid.NewString(),
		OwnerID:   d.OwnerID,
		RequestID: d.RequestID,
		Title:     d.Title,
		Source:    d.Source,
		Amount:    d.Amount,
		Currency:  d.Currency,
		Status:    StatusPending,
		Items:     CloneItems(d.Items),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.byID[o.ID] = o
	m.byRequest[o.RequestID] = o.ID
	return snapshot(o), nil
}

func (m *Memory) Get(ctx context.Context, id string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.byID[id]
	if !ok {
		return Order{}, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	return snapshot(o), nil
}

func (m *Memory) GetByRequestID(ctx context.Context, requestID string) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byRequest[requestID]
	if !ok {
		return Order{}, fmt.Errorf("order for request %s: %w", requestID, apperr.ErrNotFound)
	}
	return snapshot(m.byID[id]), nil
}

func (m *Memory) ListByOwner(ctx context.Context, ownerID string) ([]Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Order
	for _, o := range m.byID {
		if o.OwnerID == ownerID {
			out = append(out, snapshot(o))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) AttachTransaction(ctx context.Context, id, expected string, c Charge, idemKey string) (Order, bool, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.byID[id]
	if !ok {
		return Order{}, false, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	if o.Status != StatusPending || o.TransactionID != expected || !c.Matches(*o) {
		return snapshot(o), false, nil
	}
	if owner, taken := m.byTxn[c.TransactionID]; taken && owner != id {
		return Order{}, false, fmt.Errorf("transaction %s already bound to order %s", c.TransactionID, owner)
	}

	if o.TransactionID != "" {
		delete(m.byTxn, o.TransactionID)
	}
	o.TransactionID = c.TransactionID
	o.IdempotencyKey = idemKey
	o.UpdatedAt = m.now()
	m.byTxn[c.TransactionID] = id
	return snapshot(o), true, nil
}

func (m *Memory) MarkPaid(ctx context.Context, id string, c Charge, effect EffectFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.byID[id]
	if !ok || o.Status != StatusPending || !c.Matches(*o) {
		return false, nil
	}
	if o.TransactionID != "" && o.TransactionID != c.TransactionID {
		return false, nil
	}
	if o.TransactionID == "" {
		if owner, taken := m.byTxn[c.TransactionID]; taken && owner != id {
			return false, fmt.Errorf("transaction %s already bound to order %s", c.TransactionID, owner)
		}
	}

	paid := snapshot(o)
	paid.TransactionID = c.TransactionID
	paid.Status = StatusPaid
	paid.UpdatedAt = m.now()
	if effect != nil {
		if m.effects == nil {
			return false, fmt.Errorf("mark order %s paid: no effect sink", id)
		}
		e, err := effect(paid)
		if err != nil {
			return false, fmt.Errorf("build effect for order %s: %w", id, err)
		}
		if err := m.effects.Insert(ctx, e.EventID, e.Topic, e.Key, e.Payload); err != nil {
			return false, fmt.Errorf("store effect for order %s: %w", id, err)
		}
	}

	if o.TransactionID == "" {
		m.byTxn[c.TransactionID] = id
	}
	o.TransactionID = paid.TransactionID
	o.Status = paid.Status
	o.UpdatedAt = paid.UpdatedAt
	return true, nil
}

func (m *Memory) MarkFailed(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.byID[id]
	if !ok || o.Status != StatusPending {
		return false, nil
	}
	o.Status = StatusFailed
	o.UpdatedAt = m.now()
	return true, nil
}

func snapshot(o *Order) Order {
	out := *o
	out.Items = CloneItems(o.Items)
	return out
}
