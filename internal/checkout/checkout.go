// Package checkout turns a cart or a direct charge request into a pending
// order with exactly one live payment transaction.
//
// The order row is never locked across a gateway call. Instead the ledger
// upsert before the call and the compare-and-swap attach after it decide
// which transaction wins when the same request is checked out concurrently.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/cart"
	"github.com/iliamunaev/marketplace-checkout/internal/catalog"
	"github.com/iliamunaev/marketplace-checkout/internal/metrics"
	"github.com/iliamunaev/marketplace-checkout/internal/order"
	"github.com/iliamunaev/marketplace-checkout/internal/payment"
)

const (
	maxTitleLen  = 120
	defaultTitle = "Service"
)

// Direct is an explicit charge that bypasses the cart.
// Amount is in minor units.
type Direct struct {
	Amount   int64
	Currency string
	Title    string
}

// Request is one checkout attempt. A nil Direct checks out the owner's cart.
type Request struct {
	OwnerID   string
	RequestID string
	Direct    *Direct
}

func (r Request) source() order.Source {
	if r.Direct != nil {
		return order.SourceDirect
	}
	return order.SourceCart
}

// Result is the payment handle returned to the client.
type Result struct {
	OrderID       string
	RequestID     string
	TransactionID string
	ClientSecret  string
	Amount        int64
	Currency      string
	Status        order.Status
	Reused        bool
}

// CustomerResolver returns the processor-side customer for an owner.
type CustomerResolver interface {
	Resolve(ctx context.Context, ownerID string) (string, error)
}

// Config bounds what a checkout may charge.
type Config struct {
	Currency          string
	AllowedCurrencies []string
	MinAmount         int64
	MaxAmount         int64
	GatewayTimeout    time.Duration
}

// Deps are the collaborators of the orchestrator.
type Deps struct {
	Carts     cart.Store
	Catalog   catalog.Resolver
	Ledger    order.Ledger
	Gateway   payment.Gateway
	Customers CustomerResolver
	Metrics   *metrics.Domain
	Log       zerolog.Logger
}

// Orchestrator runs checkouts.
type Orchestrator struct {
	cfg     Config
	allowed map[string]bool

	carts     cart.Store
	catalog   catalog.Resolver
	ledger    order.Ledger
	gateway   payment.Gateway
	customers CustomerResolver
	metrics   *metrics.Domain
	log       zerolog.Logger
}

// New returns an Orchestrator. It panics on a missing dependency.
func New(cfg Config, d Deps) *Orchestrator {
	if d.Carts == nil || d.Catalog == nil || d.Ledger == nil || d.Gateway == nil || d.Customers == nil {
		panic("checkout.New: nil dependency")
	}
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if len(cfg.AllowedCurrencies) == 0 {
		cfg.AllowedCurrencies = []string{"usd", "eur", "gbp"}
	}
	if cfg.MinAmount <= 0 {
		cfg.MinAmount = 50
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = 99999900
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = 5 * time.Second
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NopDomain()
	}

	allowed := make(map[string]bool, len(cfg.AllowedCurrencies))
	for _, c := range cfg.AllowedCurrencies {
		allowed[strings.ToLower(c)] = true
	}

	return &Orchestrator{
		cfg:       cfg,
		allowed:   allowed,
		carts:     d.Carts,
		catalog:   d.Catalog,
		ledger:    d.Ledger,
		gateway:   d.Gateway,
		customers: d.Customers,
		metrics:   d.Metrics,
		log:       d.Log.With().Str("component", "checkout").Logger(),
	}
}

// Checkout creates or refreshes the pending order for req.RequestID and
// returns a payment handle for it. Repeating a request with identical
// inputs returns the same order and the same transaction.
func (o *Orchestrator) Checkout(ctx context.Context, req Request) (Result, error) {
	res, err := o.checkout(ctx, req)
	o.metrics.Checkouts.WithLabelValues(string(req.source()), outcome(res, err)).Inc()
	return res, err
}

func (o *Orchestrator) checkout(ctx context.Context, req Request) (Result, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return Result{}, apperr.ErrUnauthenticated
	}
	req.RequestID = strings.TrimSpace(req.RequestID)

	draft, err := o.draft(ctx, req)
	if err != nil {
		return Result{}, err
	}
	log := o.log.With().
		Str("owner_id", draft.OwnerID).
		Str("request_id", draft.RequestID).
		Str("source", string(draft.Source)).
		Logger()

	ord, err := o.ledger.Upsert(ctx, draft)
	if err != nil {
		return Result{}, fmt.Errorf("upsert order: %w", err)
	}
	log = log.With().Str("order_id", ord.ID).Logger()

	if ord.OwnerID != draft.OwnerID {
		log.Warn().Msg("request id reused by another owner")
		return Result{}, apperr.ErrRequestConflict
	}

	var customerRef string
	for attempt := 1; ; attempt++ {
		res, next, err := o.pay(ctx, ord, draft, &customerRef, log)
		if next == nil {
			return res, err
		}
		if attempt == maxPayAttempts {
			log.Warn().Int("attempts", attempt).Msg("order kept changing during checkout")
			return Result{}, fmt.Errorf("order %s: %w", ord.ID, apperr.ErrOrderChanged)
		}
		log.Info().Int64("amount", next.Amount).Str("currency", next.Currency).Msg("order changed during checkout, retrying")
		ord = *next
	}
}

// maxPayAttempts bounds retries when concurrent checkouts of the same
// request keep changing the order's amount.
const maxPayAttempts = 3

// pay hands back a live transaction for ord. A non-nil order means the row
// changed under us and pay must run again against it.
func (o *Orchestrator) pay(ctx context.Context, ord order.Order, draft order.Draft, customerRef *string, log zerolog.Logger) (Result, *order.Order, error) {
	if ord.Status.Terminal() {
		return closedResult(ord), nil, fmt.Errorf("order %s is %s: %w", ord.ID, ord.Status, apperr.ErrOrderClosed)
	}

	stale := ord.TransactionID
	if stale != "" {
		txn, reusable, err := o.reusable(ctx, ord)
		if err != nil {
			return closedResult(ord), nil, err
		}
		if reusable {
			o.clearCart(draft)
			return handle(ord, txn, true), nil, nil
		}
		log.Info().Str("transaction_id", stale).Msg("replacing stale transaction")
		o.cancel(ctx, stale, log)
	}

	if *customerRef == "" {
		ref, err := o.resolveCustomer(ctx, draft.OwnerID)
		if err != nil {
			log.Error().Err(err).Msg("resolve billing customer")
			return Result{}, nil, err
		}
		*customerRef = ref
	}

	key := IdempotencyKey(draft.RequestID, stale, ord.Amount, ord.Currency)
	txn, err := o.create(ctx, ord, *customerRef, key)
	if err == nil && !txn.Status.Reusable() {
		// The processor replayed a transaction that can no longer be paid.
		log.Info().Str("transaction_id", txn.ID).Str("status", string(txn.Status)).Msg("idempotency key replayed a closed transaction")
		key = key + "-" + uuid.NewString()
		txn, err = o.create(ctx, ord, *customerRef, key)
	}
	if err != nil {
		log.Error().Err(err).Msg("create transaction")
		return Result{}, nil, err
	}
	if !txn.Status.Reusable() {
		return Result{}, nil, fmt.Errorf("transaction %s is %s: %w", txn.ID, txn.Status, apperr.ErrGatewayUnavailable)
	}

	charge := order.Charge{TransactionID: txn.ID, Amount: txn.Amount, Currency: txn.Currency}
	attached, swapped, err := o.ledger.AttachTransaction(ctx, ord.ID, stale, charge, key)
	if err != nil {
		// The transaction stays open: a retry with the same key gets it back
		// and an unattached one expires unused.
		log.Error().Err(err).Str("transaction_id", txn.ID).Msg("attach transaction")
		return Result{}, nil, fmt.Errorf("attach transaction: %w", err)
	}
	if swapped || (attached.TransactionID == txn.ID && charge.Matches(attached)) {
		o.clearCart(draft)
		log.Info().
			Str("transaction_id", txn.ID).
			Int64("amount", txn.Amount).
			Str("currency", txn.Currency).
			Msg("checkout ready")
		return handle(attached, txn, false), nil, nil
	}

	if attached.TransactionID == stale || attached.TransactionID == txn.ID {
		// Same binding but a different amount: a concurrent checkout
		// refreshed the row after we read it.
		if attached.TransactionID != txn.ID {
			o.cancel(ctx, txn.ID, log)
		}
		if attached.Status.Terminal() {
			return closedResult(attached), nil, fmt.Errorf("order %s is %s: %w", attached.ID, attached.Status, apperr.ErrOrderClosed)
		}
		return Result{}, &attached, nil
	}
	return o.lostRace(ctx, attached, txn, draft, log)
}

func (o *Orchestrator) create(ctx context.Context, ord order.Order, customerRef, key string) (payment.Transaction, error) {
	var txn payment.Transaction
	err := o.call(ctx, "create", func(ctx context.Context) error {
		var err error
		txn, err = o.gateway.CreateTransaction(ctx, payment.CreateParams{
			Amount:      ord.Amount,
			Currency:    ord.Currency,
			CustomerRef: customerRef,
			Metadata: map[string]string{
				payment.MetaOrderID:   ord.ID,
				payment.MetaOwnerID:   ord.OwnerID,
				payment.MetaRequestID: ord.RequestID,
				payment.MetaSource:    string(ord.Source),
			},
			IdempotencyKey: key,
		})
		return err
	})
	return txn, err
}

// lostRace handles a concurrent checkout of the same request that attached
// its transaction first. Ours is cancelled and the winner's handle returned
// when it still charges the order's amount.
func (o *Orchestrator) lostRace(ctx context.Context, winner order.Order, ours payment.Transaction, draft order.Draft, log zerolog.Logger) (Result, *order.Order, error) {
	log.Info().
		Str("transaction_id", ours.ID).
		Str("winner_transaction_id", winner.TransactionID).
		Msg("lost attach race")
	o.cancel(ctx, ours.ID, log)

	if winner.Status.Terminal() {
		return closedResult(winner), nil, fmt.Errorf("order %s is %s: %w", winner.ID, winner.Status, apperr.ErrOrderClosed)
	}
	if winner.TransactionID == "" {
		return Result{}, &winner, nil
	}

	var txn payment.Transaction
	err := o.call(ctx, "retrieve", func(ctx context.Context) error {
		var err error
		txn, err = o.gateway.RetrieveTransaction(ctx, winner.TransactionID)
		return err
	})
	if err != nil {
		log.Error().Err(err).Str("transaction_id", winner.TransactionID).Msg("retrieve winning transaction")
		return Result{}, nil, err
	}
	if !txn.Status.Reusable() || !(order.Charge{Amount: txn.Amount, Currency: txn.Currency}).Matches(winner) {
		return Result{}, &winner, nil
	}
	o.clearCart(draft)
	return handle(winner, txn, true), nil, nil
}

// reusable reports whether the order's attached transaction can be handed
// back to the client. A retrieve failure or timeout counts as not reusable.
// A transaction that already succeeded is never replaced: its webhook is on
// the way and a second charge must not be opened.
func (o *Orchestrator) reusable(ctx context.Context, ord order.Order) (payment.Transaction, bool, error) {
	var txn payment.Transaction
	err := o.call(ctx, "retrieve", func(ctx context.Context) error {
		var err error
		txn, err = o.gateway.RetrieveTransaction(ctx, ord.TransactionID)
		return err
	})
	if err != nil {
		o.log.Warn().Err(err).
			Str("order_id", ord.ID).
			Str("transaction_id", ord.TransactionID).
			Msg("retrieve attached transaction failed, replacing it")
		return payment.Transaction{}, false, nil
	}
	if txn.Status == payment.TxnSucceeded {
		return txn, false, fmt.Errorf("order %s: transaction %s already succeeded: %w", ord.ID, txn.ID, apperr.ErrOrderClosed)
	}
	if !txn.Status.Reusable() {
		return txn, false, nil
	}
	return txn, txn.Amount == ord.Amount && txn.Currency == ord.Currency, nil
}

// cancel is best effort; a failure leaves an unattached transaction that
// expires unused at the processor.
func (o *Orchestrator) cancel(ctx context.Context, txnID string, log zerolog.Logger) {
	err := o.call(ctx, "cancel", func(ctx context.Context) error {
		return o.gateway.CancelTransaction(ctx, txnID)
	})
	if err != nil {
		log.Warn().Err(err).Str("transaction_id", txnID).Msg("cancel transaction")
	}
}

func (o *Orchestrator) resolveCustomer(ctx context.Context, ownerID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()

	ref, err := o.customers.Resolve(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("resolve customer: %w", err)
	}
	return ref, nil
}

// call runs one gateway operation under the gateway timeout.
func (o *Orchestrator) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.GatewayTimeout)
	defer cancel()

	err := fn(ctx)
	result := "ok"
	if err != nil {
		result = "error"
		if !errors.Is(err, apperr.ErrGatewayUnavailable) {
			err = fmt.Errorf("%s: %w: %w", op, apperr.ErrGatewayUnavailable, err)
		}
	}
	o.metrics.GatewayCalls.WithLabelValues(op, result).Inc()
	return err
}

func (o *Orchestrator) clearCart(d order.Draft) {
	if d.Source == order.SourceCart {
		o.carts.Clear(d.OwnerID)
	}
}

// draft validates the request and computes the order's pre-payment fields.
func (o *Orchestrator) draft(ctx context.Context, req Request) (order.Draft, error) {
	if req.Direct != nil {
		return o.directDraft(req)
	}
	return o.cartDraft(ctx, req)
}

func (o *Orchestrator) directDraft(req Request) (order.Draft, error) {
	if req.RequestID == "" {
		return order.Draft{}, apperr.ErrMissingRequestID
	}
	d := req.Direct

	currency := strings.ToLower(strings.TrimSpace(d.Currency))
	if currency == "" {
		currency = o.cfg.Currency
	}
	if !o.allowed[currency] {
		return order.Draft{}, fmt.Errorf("currency %q: %w", d.Currency, apperr.ErrInvalidCurrency)
	}
	if err := o.checkAmount(d.Amount); err != nil {
		return order.Draft{}, err
	}

	title := strings.TrimSpace(d.Title)
	if title == "" {
		title = defaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return order.Draft{}, fmt.Errorf("title longer than %d characters: %w", maxTitleLen, apperr.ErrInvalidRequest)
	}

	return order.Draft{
		OwnerID:   req.OwnerID,
		RequestID: req.RequestID,
		Title:     title,
		Source:    order.SourceDirect,
		Amount:    d.Amount,
		Currency:  currency,
	}, nil
}

func (o *Orchestrator) cartDraft(ctx context.Context, req Request) (order.Draft, error) {
	quantities := o.carts.Get(req.OwnerID)
	if len(quantities) == 0 {
		return o.retryDraft(ctx, req)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ids := make([]string, 0, len(quantities))
	for id := range quantities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	resolved, err := o.catalog.ResolveItems(ctx, ids)
	if err != nil {
		return order.Draft{}, fmt.Errorf("resolve cart items: %w: %w", apperr.ErrCatalogUnavailable, err)
	}
	if len(resolved) == 0 {
		return order.Draft{}, apperr.ErrEmptyCart
	}

	items := make([]order.Item, 0, len(resolved))
	var total int64
	for _, it := range resolved {
		qty := quantities[it.ID]
		if qty <= 0 {
			continue
		}
		if it.UnitPrice > (o.cfg.MaxAmount-total)/int64(qty) {
			return order.Draft{}, fmt.Errorf("cart total above %d: %w", o.cfg.MaxAmount, apperr.ErrInvalidAmount)
		}
		total += it.UnitPrice * int64(qty)
		items = append(items, order.Item{ItemID: it.ID, Name: it.Name, UnitPrice: it.UnitPrice, Quantity: qty})
	}
	if len(items) == 0 {
		return order.Draft{}, apperr.ErrEmptyCart
	}
	if err := o.checkAmount(total); err != nil {
		return order.Draft{}, err
	}

	return order.Draft{
		OwnerID:   req.OwnerID,
		RequestID: req.RequestID,
		Title:     CartTitle(items),
		Source:    order.SourceCart,
		Amount:    total,
		Currency:  o.cfg.Currency,
		Items:     items,
	}, nil
}

// retryDraft serves a cart checkout retried after the first attempt already
// cleared the cart: the stored snapshot stands in for the cart.
func (o *Orchestrator) retryDraft(ctx context.Context, req Request) (order.Draft, error) {
	if req.RequestID == "" {
		return order.Draft{}, apperr.ErrEmptyCart
	}
	prev, err := o.ledger.GetByRequestID(ctx, req.RequestID)
	if errors.Is(err, apperr.ErrNotFound) {
		return order.Draft{}, apperr.ErrEmptyCart
	}
	if err != nil {
		return order.Draft{}, fmt.Errorf("load order for request %s: %w", req.RequestID, err)
	}
	if prev.OwnerID != req.OwnerID {
		return order.Draft{}, apperr.ErrRequestConflict
	}
	if prev.Source != order.SourceCart || len(prev.Items) == 0 {
		return order.Draft{}, apperr.ErrEmptyCart
	}
	return order.Draft{
		OwnerID:   prev.OwnerID,
		RequestID: prev.RequestID,
		Title:     prev.Title,
		Source:    prev.Source,
		Amount:    prev.Amount,
		Currency:  prev.Currency,
		Items:     prev.Items,
	}, nil
}

func (o *Orchestrator) checkAmount(amount int64) error {
	if amount < o.cfg.MinAmount {
		return fmt.Errorf("amount %d below minimum %d: %w", amount, o.cfg.MinAmount, apperr.ErrInvalidAmount)
	}
	if amount > o.cfg.MaxAmount {
		return fmt.Errorf("amount %d above maximum %d: %w", amount, o.cfg.MaxAmount, apperr.ErrInvalidAmount)
	}
	return nil
}

// IdempotencyKey derives the gateway idempotency key for an order's
// transaction. A replacement names the transaction it replaces, and the
// amount and currency are part of the key so a changed charge never
// collides with the processor's replay of an earlier one.
func IdempotencyKey(requestID, replaces string, amount int64, currency string) string {
	var b strings.Builder
	b.WriteString("pay-")
	b.WriteString(requestID)
	if replaces != "" {
		b.WriteString("-after-")
		b.WriteString(replaces)
	}
	b.WriteString("-")
	b.WriteString(strconv.FormatInt(amount, 10))
	b.WriteString(currency)
	return b.String()
}

// CartTitle renders "Cart: Plumbing (x2), AC Repair (x1)", cut to the
// title limit.
func CartTitle(items []order.Item) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		name := it.Name
		if name == "" {
			name = it.ItemID
		}
		parts = append(parts, fmt.Sprintf("%s (x%d)", name, it.Quantity))
	}
	title := "Cart: " + strings.Join(parts, ", ")
	if utf8.RuneCountInString(title) > maxTitleLen {
		title = string([]rune(title)[:maxTitleLen])
	}
	return title
}

func handle(ord order.Order, txn payment.Transaction, reused bool) Result {
	return Result{
		OrderID:       ord.ID,
		RequestID:     ord.RequestID,
		TransactionID: txn.ID,
		ClientSecret:  txn.ClientSecret,
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		Status:        ord.Status,
		Reused:        reused,
	}
}

func closedResult(ord order.Order) Result {
	return Result{
		OrderID:       ord.ID,
		RequestID:     ord.RequestID,
		TransactionID: ord.TransactionID,
		Amount:        ord.Amount,
		Currency:      ord.Currency,
		Status:        ord.Status,
	}
}

func outcome(res Result, err error) string {
	switch {
	case err == nil && res.Reused:
		return "reused"
	case err == nil:
		return "created"
	case errors.Is(err, apperr.ErrOrderClosed):
		return "closed"
	case apperr.HTTPStatus(err) < 500:
		return "rejected"
	default:
		return "error"
	}
}
