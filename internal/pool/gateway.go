package pool

import (
	"context"
	"fmt"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/payment"
)

// Gateway bounds concurrent calls to the wrapped payment gateway.
// A caller that cannot get a slot before its context ends sees a
// gateway-unavailable error, same as a transport failure.
type Gateway struct {
	next payment.Gateway
	pool *Pool
}

// LimitGateway wraps next with a pool of size slots.
func LimitGateway(next payment.Gateway, size int) *Gateway {
	if next == nil {
		panic("pool.LimitGateway: nil gateway")
	}
	return &Gateway{next: next, pool: New(size)}
}

func (g *Gateway) CreateTransaction(ctx context.Context, p payment.CreateParams) (payment.Transaction, error) {
	if err := g.acquire(ctx, "create transaction"); err != nil {
		return payment.Transaction{}, err
	}
	defer g.pool.Release()
	return g.next.CreateTransaction(ctx, p)
}

func (g *Gateway) RetrieveTransaction(ctx context.Context, id string) (payment.Transaction, error) {
	if err := g.acquire(ctx, "retrieve transaction"); err != nil {
		return payment.Transaction{}, err
	}
	defer g.pool.Release()
	return g.next.RetrieveTransaction(ctx, id)
}

func (g *Gateway) CancelTransaction(ctx context.Context, id string) error {
	if err := g.acquire(ctx, "cancel transaction"); err != nil {
		return err
	}
	defer g.pool.Release()
	return g.next.CancelTransaction(ctx, id)
}

func (g *Gateway) CreateCustomer(ctx context.Context, ownerID string) (string, error) {
	if err := g.acquire(ctx, "create customer"); err != nil {
		return "", err
	}
	defer g.pool.Release()
	return g.next.CreateCustomer(ctx, ownerID)
}

func (g *Gateway) acquire(ctx context.Context, op string) error {
	if err := g.pool.Acquire(ctx); err != nil {
		return fmt.Errorf("%s: waiting for gateway slot: %w: %w", op, apperr.ErrGatewayUnavailable, err)
	}
	return nil
}
