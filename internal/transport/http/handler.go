// Package httptransport implements the HTTP surface of the checkout
// service: carts, checkout, orders and the payment webhook.
package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/catalog"
	"github.com/iliamunaev/marketplace-checkout/internal/checkout"
	"github.com/iliamunaev/marketplace-checkout/internal/metrics"
	"github.com/iliamunaev/marketplace-checkout/internal/middleware"
	"github.com/iliamunaev/marketplace-checkout/internal/model"
	"github.com/iliamunaev/marketplace-checkout/internal/money"
	"github.com/iliamunaev/marketplace-checkout/internal/order"
	"github.com/iliamunaev/marketplace-checkout/internal/payment"
	"github.com/iliamunaev/marketplace-checkout/internal/reconcile"
)

const (
	ownerHeader     = "X-Owner-Id"
	idemHeader      = "Idempotency-Key"
	signatureHeader = "Stripe-Signature"

	maxBodyBytes    = 64 << 10
	maxWebhookBytes = 1 << 20
)

type checkoutRunner interface {
	Checkout(ctx context.Context, req checkout.Request) (checkout.Result, error)
}

type eventApplier interface {
	ApplyEvent(ctx context.Context, ev payment.Event) (reconcile.Outcome, error)
}

type cartEditor interface {
	Get(ownerID string) map[string]int
	AddItem(ownerID, itemID string, qty int) error
	SetQuantity(ownerID, itemID string, qty int) error
	RemoveItem(ownerID, itemID string)
}

type orderReader interface {
	Get(ctx context.Context, id string) (order.Order, error)
	ListByOwner(ctx context.Context, ownerID string) ([]order.Order, error)
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Checkout   checkoutRunner
	Reconciler eventApplier
	Verifier   payment.Verifier
	Carts      cartEditor
	Catalog    catalog.Resolver
	Orders     orderReader

	// Metrics serves /metrics; Server records per-route request metrics.
	// Both are optional.
	Metrics http.Handler
	Server  *metrics.ServerMetrics

	Log            zerolog.Logger
	RequestTimeout time.Duration
	Currency       string
}

// Handler handles HTTP requests to the checkout core.
type Handler struct {
	checkout       checkoutRunner
	reconciler     eventApplier
	verifier       payment.Verifier
	carts          cartEditor
	catalog        catalog.Resolver
	orders         orderReader
	metrics        http.Handler
	server         *metrics.ServerMetrics
	log            zerolog.Logger
	requestTimeout time.Duration
	currency       string
}

// New returns a Handler configured with d.
//
// It panics if a required dependency is nil. If RequestTimeout is
// non-positive, a default timeout is applied.
func New(d Deps) *Handler {
	if d.Checkout == nil || d.Reconciler == nil || d.Verifier == nil ||
		d.Carts == nil || d.Catalog == nil || d.Orders == nil {
		panic("httptransport.New: nil dependency")
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 10 * time.Second
	}
	if d.Currency == "" {
		d.Currency = "usd"
	}
	return &Handler{
		checkout:       d.Checkout,
		reconciler:     d.Reconciler,
		verifier:       d.Verifier,
		carts:          d.Carts,
		catalog:        d.Catalog,
		orders:         d.Orders,
		metrics:        d.Metrics,
		server:         d.Server,
		log:            d.Log,
		requestTimeout: d.RequestTimeout,
		currency:       d.Currency,
	}
}

// Routes builds the router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logging(h.log))
	if h.server != nil {
		r.Use(middleware.Metrics(h.server))
	}
	r.Use(chimw.Recoverer)

	r.Get("/health", h.HandleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}
	r.Post("/webhook", h.HandleWebhook)

	r.Group(func(r chi.Router) {
		r.Use(requireOwner)

		r.Get("/cart", h.HandleGetCart)
		r.Post("/cart/items", h.HandleAddCartItem)
		r.Patch("/cart/items/{itemID}", h.HandleSetCartItem)
		r.Delete("/cart/items/{itemID}", h.HandleRemoveCartItem)

		r.Post("/checkout", h.HandleCheckout)

		r.Get("/orders", h.HandleListOrders)
		r.Get("/orders/{orderID}", h.HandleGetOrder)
	})
	return r
}

func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleCheckout creates or resumes the pending order for a request id.
//
// request_id may also be sent as the Idempotency-Key header. A repeated
// request answers 200 with the same handle; a new one answers 201.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	var req model.CheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err, nil)
		return
	}

	creq := checkout.Request{
		OwnerID:   ownerFrom(r.Context()),
		RequestID: strings.TrimSpace(req.RequestID),
	}
	if creq.RequestID == "" {
		creq.RequestID = strings.TrimSpace(r.Header.Get(idemHeader))
	}

	switch {
	case req.CartCheckout && req.Amount != nil:
		writeError(w, r, badRequest(errors.New("amount is not accepted with cart_checkout")), nil)
		return
	case !req.CartCheckout && req.Amount == nil:
		writeError(w, r, fmt.Errorf("amount is required: %w", apperr.ErrInvalidAmount), nil)
		return
	case !req.CartCheckout:
		minor, err := money.ToMinor(*req.Amount)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		creq.Direct = &checkout.Direct{Amount: minor, Currency: req.Currency, Title: req.Title}
	}

	// Set a deadline for the whole checkout, gateway calls included.
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	res, err := h.checkout.Checkout(ctx, creq)
	if err != nil {
		var details map[string]string
		if errors.Is(err, apperr.ErrOrderClosed) && res.OrderID != "" {
			details = map[string]string{"order_id": res.OrderID, "status": string(res.Status)}
		}
		writeError(w, r, err, details)
		return
	}

	status := http.StatusCreated
	if res.Reused {
		status = http.StatusOK
	}
	writeJSON(w, status, model.CheckoutResponse{
		OrderID:       res.OrderID,
		RequestID:     res.RequestID,
		TransactionID: res.TransactionID,
		ClientSecret:  res.ClientSecret,
		Amount:        money.FromMinor(res.Amount).StringFixed(2),
		AmountMinor:   res.Amount,
		Currency:      res.Currency,
		Status:        string(res.Status),
		Reused:        res.Reused,
	})
}

// HandleWebhook verifies and applies one payment event.
//
// Only a signature failure answers 400. Once the event is recorded the
// answer is 200, refusals included, so the processor stops retrying.
// Infrastructure failures answer 500 so that it does retry.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, r, badRequest(fmt.Errorf("read body: %w", err)), nil)
		return
	}

	ev, err := h.verifier.VerifySignedEvent(raw, r.Header.Get(signatureHeader))
	if err != nil {
		if !errors.Is(err, apperr.ErrSignature) {
			err = fmt.Errorf("%w: %w", apperr.ErrSignature, err)
		}
		zerolog.Ctx(r.Context()).Warn().Err(err).Msg("webhook signature rejected")
		writeError(w, r, err, nil)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	outcome, err := h.reconciler.ApplyEvent(ctx, ev)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, model.WebhookResponse{Received: true, Outcome: string(outcome)})
}

type ownerKey struct{}

// requireOwner reads the identity set by the upstream identity proxy.
func requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := strings.TrimSpace(r.Header.Get(ownerHeader))
		if owner == "" {
			writeError(w, r, apperr.ErrUnauthenticated, nil)
			return
		}
		ctx := context.WithValue(r.Context(), ownerKey{}, owner)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// decodeJSON decodes exactly one JSON value from the request body.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest(fmt.Errorf("invalid JSON: %w", err))
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return badRequest(errors.New("invalid JSON: trailing data"))
	}
	return nil
}

// writeJSON writes v as a JSON response with the given status code.
// The Content-Type is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
