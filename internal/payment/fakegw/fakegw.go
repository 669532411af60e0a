// Package fakegw is an in-process payment gateway for development and tests.
// A repeated idempotency key returns the first transaction created with it.
// Events are signed with the Stripe webhook scheme.
package fakegw

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/payment"
	"github.com/iliamunaev/marketplace-checkout/internal/payment/stripegw"
)

type keyed struct {
	txnID    string
	amount   int64
	currency string
}

type stored struct {
	txn      payment.Transaction
	metadata map[string]string
}

// Gateway is a payment.Gateway and payment.Verifier kept in memory.
type Gateway struct {
	secret string

	mu            sync.Mutex
	seq           int
	txns          map[string]*stored
	byKey         map[string]keyed
	customers     map[string]string
	calls         map[string]int
	unavailable   bool
	retrieveDelay time.Duration
}

// New returns a gateway whose events are signed with secret.
func New(secret string) *Gateway {
	return &Gateway{
		secret:    secret,
		txns:      make(map[string]*stored),
		byKey:     make(map[string]keyed),
		customers: make(map[string]string),
		calls:     make(map[string]int),
	}
}

func (g *Gateway) CreateTransaction(ctx context.Context, p payment.CreateParams) (payment.Transaction, error) {
	if err := g.enter(ctx, "create"); err != nil {
		return payment.Transaction{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if p.IdempotencyKey != "" {
		if k, ok := g.byKey[p.IdempotencyKey]; ok {
			if k.amount != p.Amount || k.currency != p.Currency {
				return payment.Transaction{}, fmt.Errorf("create transaction: key %q reused with different parameters: %w",
					p.IdempotencyKey, apperr.ErrGatewayUnavailable)
			}
			return g.txns[k.txnID].txn, nil
		}
	}

	g.seq++
	id := fmt.Sprintf("pi_fake_%d", g.seq)
	s := &stored{
		txn: payment.Transaction{
			ID:           id,
			ClientSecret: id + "_secret",
			Amount:       p.Amount,
			Currency:     p.Currency,
			Status:       payment.TxnRequiresPaymentMethod,
		},
		metadata: maps.Clone(p.Metadata),
	}
	g.txns[id] = s
	if p.IdempotencyKey != "" {
		g.byKey[p.IdempotencyKey] = keyed{txnID: id, amount: p.Amount, currency: p.Currency}
	}
	return s.txn, nil
}

func (g *Gateway) RetrieveTransaction(ctx context.Context, id string) (payment.Transaction, error) {
	if err := g.enter(ctx, "retrieve"); err != nil {
		return payment.Transaction{}, err
	}

	g.mu.Lock()
	delay := g.retrieveDelay
	g.mu.Unlock()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return payment.Transaction{}, fmt.Errorf("retrieve transaction %s: %w: %w", id, apperr.ErrGatewayUnavailable, ctx.Err())
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.txns[id]
	if !ok {
		return payment.Transaction{}, fmt.Errorf("retrieve transaction %s: no such transaction: %w", id, apperr.ErrGatewayUnavailable)
	}
	return s.txn, nil
}

func (g *Gateway) CancelTransaction(ctx context.Context, id string) error {
	if err := g.enter(ctx, "cancel"); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.txns[id]
	if !ok {
		return fmt.Errorf("cancel transaction %s: no such transaction: %w", id, apperr.ErrGatewayUnavailable)
	}
	if s.txn.Status == payment.TxnSucceeded || s.txn.Status == payment.TxnCanceled {
		return fmt.Errorf("cancel transaction %s: status %s: %w", id, s.txn.Status, apperr.ErrGatewayUnavailable)
	}
	s.txn.Status = payment.TxnCanceled
	return nil
}

func (g *Gateway) CreateCustomer(ctx context.Context, ownerID string) (string, error) {
	if err := g.enter(ctx, "customer"); err != nil {
		return "", err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if id, ok := g.customers[ownerID]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cus_fake_%d", len(g.customers)+1)
	g.customers[ownerID] = id
	return id, nil
}

// VerifySignedEvent checks signature with the gateway's secret.
func (g *Gateway) VerifySignedEvent(raw []byte, signature string) (payment.Event, error) {
	return stripegw.VerifyEvent(raw, signature, g.secret)
}

// SetStatus forces the processor-side status of a transaction.
func (g *Gateway) SetStatus(id string, status payment.TxnStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s, ok := g.txns[id]; ok {
		s.txn.Status = status
	}
}

// SetUnavailable makes every call fail as a transport error.
func (g *Gateway) SetUnavailable(v bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unavailable = v
}

// SetRetrieveDelay delays RetrieveTransaction by d or until ctx is done.
func (g *Gateway) SetRetrieveDelay(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.retrieveDelay = d
}

// Calls returns how many times op ("create", "retrieve", "cancel",
// "customer") was invoked.
func (g *Gateway) Calls(op string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[op]
}

// Transaction returns a stored transaction.
func (g *Gateway) Transaction(id string) (payment.Transaction, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.txns[id]
	if !ok {
		return payment.Transaction{}, false
	}
	return s.txn, true
}

// Reusable returns the ids of transactions a client could still pay, sorted.
func (g *Gateway) Reusable() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for id, s := range g.txns {
		if s.txn.Status.Reusable() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Complete marks the transaction succeeded and returns a signed
// payment_intent.succeeded event carrying its creation metadata.
func (g *Gateway) Complete(eventID, txnID string) (raw []byte, signature string, err error) {
	g.SetStatus(txnID, payment.TxnSucceeded)
	return g.SignedEvent(eventID, stripegw.TypeSucceeded, txnID)
}

// SignedEvent renders and signs an event for a stored transaction.
func (g *Gateway) SignedEvent(eventID, eventType, txnID string) (raw []byte, signature string, err error) {
	g.mu.Lock()
	s, ok := g.txns[txnID]
	var txn payment.Transaction
	var meta map[string]string
	if ok {
		txn = s.txn
		meta = maps.Clone(s.metadata)
	}
	g.mu.Unlock()
	if !ok {
		return nil, "", fmt.Errorf("signed event: no such transaction %s", txnID)
	}
	return g.Sign(eventID, eventType, txn, meta)
}

// Sign renders and signs an arbitrary event body.
func (g *Gateway) Sign(eventID, eventType string, txn payment.Transaction, meta map[string]string) ([]byte, string, error) {
	raw, err := stripegw.EventPayload(eventID, eventType, txn, meta)
	if err != nil {
		return nil, "", err
	}
	return raw, stripegw.Sign(raw, g.secret, time.Now()), nil
}

func (g *Gateway) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrGatewayUnavailable, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls[op]++
	if g.unavailable {
		return fmt.Errorf("%s: connection refused: %w", op, apperr.ErrGatewayUnavailable)
	}
	return nil
}
