// Package reconcile applies verified payment events to orders.
//
// Delivery is at least once. The event inbox turns a replayed event id into
// a no-op, and every order transition is conditioned on the order still
// being pending, so concurrent or late duplicates never apply twice.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/metrics"
	"github.com/iliamunaev/marketplace-checkout/internal/order"
	"github.com/iliamunaev/marketplace-checkout/internal/payment"
)

// Outcome is what applying one event did.
type Outcome string

const (
	// OutcomePaid: the order moved pending → paid.
	OutcomePaid Outcome = "paid"
	// OutcomeFailed: the order moved pending → failed, either on a failed
	// event or on an amount/currency mismatch.
	OutcomeFailed Outcome = "failed"
	// OutcomeRejected: the event failed an identity or binding check and
	// no order was touched.
	OutcomeRejected Outcome = "rejected"
	// OutcomeNoop: duplicate delivery or the order is already terminal.
	OutcomeNoop Outcome = "noop"
	// OutcomeIgnored: the event kind is not acted on.
	OutcomeIgnored Outcome = "ignored"
)

// Inbox records received event ids.
//
// Begin records the event if it is new and reports whether it was already
// processed. Finish marks it processed with the outcome.
type Inbox interface {
	Begin(ctx context.Context, eventID, eventType string) (processed bool, err error)
	Finish(ctx context.Context, eventID, outcome string) error
}

// Fulfillment builds the fulfillment-completed record that the ledger
// stores together with the paid transition.
type Fulfillment interface {
	Fulfilled(o order.Order) (order.Effect, error)
}

// Reconciler applies payment events.
type Reconciler struct {
	ledger   order.Ledger
	inbox    Inbox
	fulfill  Fulfillment
	metrics  *metrics.Domain
	log      zerolog.Logger
}

// New returns a Reconciler. A nil metrics bundle records nowhere.
func New(ledger order.Ledger, inbox Inbox, fulfill Fulfillment, m *metrics.Domain, log zerolog.Logger) *Reconciler {
	if ledger == nil || inbox == nil || fulfill == nil {
		panic("reconcile.New: nil dependency")
	}
	if m == nil {
		m = metrics.NopDomain()
	}
	return &Reconciler{
		ledger:   ledger,
		inbox:    inbox,
		fulfill:  fulfill,
		metrics:  m,
		log:      log.With().Str("component", "reconcile").Logger(),
	}
}

// ApplyEvent applies ev at most once per event id. Refusals are outcomes,
// not errors; the error is reserved for ledger or inbox failures, after
// which the event must be delivered again.
func (r *Reconciler) ApplyEvent(ctx context.Context, ev payment.Event) (Outcome, error) {
	if ev.ID == "" {
		r.log.Error().Str("event_type", ev.Type).Str("transaction_id", ev.TransactionID).Msg("event without id, refusing")
		r.observe(ev, OutcomeRejected)
		return OutcomeRejected, nil
	}

	processed, err := r.inbox.Begin(ctx, ev.ID, ev.Type)
	if err != nil {
		return "", fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	if processed {
		r.observe(ev, OutcomeNoop)
		return OutcomeNoop, nil
	}

	out, err := r.apply(ctx, ev)
	if err != nil {
		r.log.Error().Err(err).
			Str("event_id", ev.ID).
			Str("order_id", ev.OrderID()).
			Str("transaction_id", ev.TransactionID).
			Msg("apply event")
		return "", err
	}
	if err := r.inbox.Finish(ctx, ev.ID, string(out)); err != nil {
		return out, fmt.Errorf("finish event %s: %w", ev.ID, err)
	}
	r.observe(ev, out)
	return out, nil
}

func (r *Reconciler) apply(ctx context.Context, ev payment.Event) (Outcome, error) {
	log := r.log.With().
		Str("event_id", ev.ID).
		Str("event_type", ev.Type).
		Str("transaction_id", ev.TransactionID).
		Logger()

	if ev.Kind == payment.EventOther {
		log.Debug().Msg("ignoring event")
		return OutcomeIgnored, nil
	}

	orderID, ownerID := ev.OrderID(), ev.OwnerID()
	if orderID == "" || ownerID == "" {
		log.Error().Msg("event lacks order or owner metadata, refusing")
		return OutcomeRejected, nil
	}
	log = log.With().Str("order_id", orderID).Str("owner_id", ownerID).Logger()

	ord, err := r.ledger.Get(ctx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		log.Error().Msg("event names an unknown order, refusing")
		return OutcomeRejected, nil
	}
	if err != nil {
		return "", fmt.Errorf("load order %s: %w", orderID, err)
	}

	if ord.OwnerID != ownerID {
		log.Error().Str("order_owner_id", ord.OwnerID).Msg("owner mismatch, refusing")
		return OutcomeRejected, nil
	}
	if ord.TransactionID != "" && ord.TransactionID != ev.TransactionID {
		log.Error().Str("order_transaction_id", ord.TransactionID).Msg("transaction binding mismatch, refusing")
		return OutcomeRejected, nil
	}
	if ord.Status.Terminal() {
		log.Info().Str("status", string(ord.Status)).Msg("order already terminal")
		return OutcomeNoop, nil
	}

	switch ev.Kind {
	case payment.EventSucceeded:
		return r.succeeded(ctx, ord, ev, log)
	case payment.EventFailed:
		return r.fail(ctx, ord, log)
	default:
		return OutcomeIgnored, nil
	}
}

// maxPaidAttempts bounds re-reads when the pending row changes between the
// read and the conditional write.
const maxPaidAttempts = 3

func (r *Reconciler) succeeded(ctx context.Context, ord order.Order, ev payment.Event, log zerolog.Logger) (Outcome, error) {
	charge := order.Charge{TransactionID: ev.TransactionID, Amount: ev.Amount, Currency: ev.Currency}

	for attempt := 1; ; attempt++ {
		if !charge.Matches(ord) {
			log.Error().
				Int64("order_amount", ord.Amount).
				Str("order_currency", ord.Currency).
				Int64("event_amount", ev.Amount).
				Str("event_currency", ev.Currency).
				Msg("amount mismatch, failing order")
			return r.fail(ctx, ord, log)
		}

		changed, err := r.ledger.MarkPaid(ctx, ord.ID, charge, r.fulfill.Fulfilled)
		if err != nil {
			return "", fmt.Errorf("mark order %s paid: %w", ord.ID, err)
		}
		if changed {
			log.Info().Int64("amount", ord.Amount).Str("currency", ord.Currency).Msg("order paid")
			return OutcomePaid, nil
		}

		cur, err := r.ledger.Get(ctx, ord.ID)
		if err != nil {
			return "", fmt.Errorf("reload order %s: %w", ord.ID, err)
		}
		switch {
		case cur.Status.Terminal():
			log.Info().Str("status", string(cur.Status)).Msg("order changed concurrently, nothing to apply")
			return OutcomeNoop, nil
		case cur.TransactionID != "" && cur.TransactionID != ev.TransactionID:
			log.Error().Str("order_transaction_id", cur.TransactionID).Msg("transaction binding mismatch, refusing")
			return OutcomeRejected, nil
		case attempt == maxPaidAttempts:
			return "", fmt.Errorf("order %s kept changing while applying event %s", ord.ID, ev.ID)
		}
		ord = cur
	}
}

func (r *Reconciler) fail(ctx context.Context, ord order.Order, log zerolog.Logger) (Outcome, error) {
	changed, err := r.ledger.MarkFailed(ctx, ord.ID)
	if err != nil {
		return "", fmt.Errorf("mark order %s failed: %w", ord.ID, err)
	}
	if !changed {
		return OutcomeNoop, nil
	}
	log.Info().Msg("order failed")
	return OutcomeFailed, nil
}

func (r *Reconciler) observe(ev payment.Event, out Outcome) {
	r.metrics.Events.WithLabelValues(ev.Kind.String(), string(out)).Inc()
}
