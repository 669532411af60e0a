// Package billing maps owners to their customer record at the payment
// processor. Each owner gets exactly one customer, created on first checkout.
package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
)

// Store persists owner → customer id. Put keeps the first id stored for an
// owner and returns whichever id is stored after the call.
type Store interface {
	CustomerID(ctx context.Context, ownerID string) (string, error)
	PutCustomerID(ctx context.Context, ownerID, customerID string) (string, error)
}

// Creator creates a customer at the processor.
type Creator interface {
	CreateCustomer(ctx context.Context, ownerID string) (string, error)
}

// Directory resolves customer ids, creating them once per owner.
type Directory struct {
	store   Store
	creator Creator
	timeout time.Duration
	log     zerolog.Logger
	group   singleflight.Group
}

// NewDirectory returns a Directory. timeout bounds the shared creation,
// which outlives the request that started it.
func NewDirectory(store Store, creator Creator, timeout time.Duration, log zerolog.Logger) *Directory {
	if store == nil || creator == nil {
		panic("billing.NewDirectory: nil dependency")
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Directory{
		store:   store,
		creator: creator,
		timeout: timeout,
		log:     log.With().Str("component", "billing").Logger(),
	}
}

// Resolve returns the owner's customer id.
func (d *Directory) Resolve(ctx context.Context, ownerID string) (string, error) {
	id, err := d.store.CustomerID(ctx, ownerID)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return "", fmt.Errorf("lookup customer for %s: %w", ownerID, err)
	}

	ch := d.group.DoChan(ownerID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		created, err := d.creator.CreateCustomer(ctx, ownerID)
		if err != nil {
			return "", err
		}
		stored, err := d.store.PutCustomerID(ctx, ownerID, created)
		if err != nil {
			return "", fmt.Errorf("store customer for %s: %w", ownerID, err)
		}
		if stored != created {
			d.log.Warn().
				Str("owner_id", ownerID).
				Str("customer_id", created).
				Str("stored_customer_id", stored).
				Msg("customer created concurrently, keeping stored id")
		}
		return stored, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", fmt.Errorf("resolve customer for %s: %w", ownerID, ctx.Err())
	}
}

// Memory is an in-process Store.
type Memory struct {
	mu  sync.Mutex
	ids map[string]string
}

func NewMemory() *Memory {
	return &Memory{ids: make(map[string]string)}
}

func (m *Memory) CustomerID(_ context.Context, ownerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.ids[ownerID]
	if !ok {
		return "", fmt.Errorf("customer for %s: %w", ownerID, apperr.ErrNotFound)
	}
	return id, nil
}

func (m *Memory) PutCustomerID(_ context.Context, ownerID, customerID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.ids[ownerID]; ok {
		return id, nil
	}
	m.ids[ownerID] = customerID
	return customerID, nil
}
