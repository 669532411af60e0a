// Package stripegw implements the payment gateway on Stripe payment intents.
package stripegw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	stripe "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/payment"
)

// Stripe event types the reconciler understands.
const (
	TypeSucceeded = "payment_intent.succeeded"
	TypeFailed    = "payment_intent.payment_failed"
)

// Config configures the Stripe gateway.
type Config struct {
	SecretKey     string
	WebhookSecret string
	Require3DS    bool
	HTTPTimeout   time.Duration
}

// Gateway talks to the Stripe API.
type Gateway struct {
	api           *client.API
	webhookSecret string
	require3DS    bool
}

// New returns a Gateway. The HTTP client timeout bounds every call in
// addition to the caller's context.
func New(cfg Config) *Gateway {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backends := stripe.NewBackends(&http.Client{Timeout: timeout})
	return &Gateway{
		api:           client.New(cfg.SecretKey, backends),
		webhookSecret: cfg.WebhookSecret,
		require3DS:    cfg.Require3DS,
	}
}

func (g *Gateway) CreateTransaction(ctx context.Context, p payment.CreateParams) (payment.Transaction, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(p.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if p.CustomerRef != "" {
		params.Customer = stripe.String(p.CustomerRef)
	}
	if g.require3DS {
		params.PaymentMethodOptions = &stripe.PaymentIntentPaymentMethodOptionsParams{
			Card: &stripe.PaymentIntentPaymentMethodOptionsCardParams{
				RequestThreeDSecure: stripe.String("any"),
			},
		}
	}
	for k, v := range p.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx
	if p.IdempotencyKey != "" {
		params.SetIdempotencyKey(p.IdempotencyKey)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return payment.Transaction{}, classify("create payment intent", err)
	}
	return fromIntent(pi), nil
}

func (g *Gateway) RetrieveTransaction(ctx context.Context, id string) (payment.Transaction, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(id, params)
	if err != nil {
		return payment.Transaction{}, classify("retrieve payment intent "+id, err)
	}
	return fromIntent(pi), nil
}

func (g *Gateway) CancelTransaction(ctx context.Context, id string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	if _, err := g.api.PaymentIntents.Cancel(id, params); err != nil {
		return classify("cancel payment intent "+id, err)
	}
	return nil
}

func (g *Gateway) CreateCustomer(ctx context.Context, ownerID string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddMetadata(payment.MetaOwnerID, ownerID)
	params.SetIdempotencyKey("customer-" + ownerID)

	c, err := g.api.Customers.New(params)
	if err != nil {
		return "", classify("create customer", err)
	}
	return c.ID, nil
}

// VerifySignedEvent checks the Stripe-Signature header with the configured
// webhook secret.
func (g *Gateway) VerifySignedEvent(raw []byte, signature string) (payment.Event, error) {
	return VerifyEvent(raw, signature, g.webhookSecret)
}

// VerifyEvent authenticates raw against signature and decodes it.
// An empty secret or signature is always rejected.
func VerifyEvent(raw []byte, signature, secret string) (payment.Event, error) {
	if secret == "" {
		return payment.Event{}, fmt.Errorf("webhook secret not configured: %w", apperr.ErrSignature)
	}
	if signature == "" {
		return payment.Event{}, fmt.Errorf("missing signature: %w", apperr.ErrSignature)
	}

	ev, err := webhook.ConstructEvent(raw, signature, secret)
	if err != nil {
		return payment.Event{}, fmt.Errorf("%w: %v", apperr.ErrSignature, err)
	}
	return decodeEvent(ev)
}

func decodeEvent(ev stripe.Event) (payment.Event, error) {
	out := payment.Event{ID: ev.ID, Type: string(ev.Type), Kind: payment.EventOther}

	switch out.Type {
	case TypeSucceeded:
		out.Kind = payment.EventSucceeded
	case TypeFailed:
		out.Kind = payment.EventFailed
	default:
		return out, nil
	}

	if ev.Data == nil {
		return payment.Event{}, fmt.Errorf("event %s: no data: %w", ev.ID, apperr.ErrInvalidRequest)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(ev.Data.Raw, &pi); err != nil {
		return payment.Event{}, fmt.Errorf("event %s: decode payment intent: %w", ev.ID, apperr.ErrInvalidRequest)
	}
	out.TransactionID = pi.ID
	out.Amount = pi.Amount
	out.Currency = string(pi.Currency)
	out.Metadata = pi.Metadata
	return out, nil
}

func fromIntent(pi *stripe.PaymentIntent) payment.Transaction {
	return payment.Transaction{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       payment.TxnStatus(pi.Status),
	}
}

// classify wraps every Stripe failure as a gateway error while keeping the
// Stripe error in the chain for logging.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return fmt.Errorf("%s: %w: stripe %s (status %d, code %s)",
			op, apperr.ErrGatewayUnavailable, se.Type, se.HTTPStatusCode, se.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrGatewayUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrGatewayUnavailable, err)
}
