package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliamunaev/marketplace-checkout/internal/metrics"
	"github.com/iliamunaev/marketplace-checkout/internal/order"
	"github.com/iliamunaev/marketplace-checkout/internal/payment"
)

// recordingFulfillment builds effects and keeps the orders it was given.
type recordingFulfillment struct {
	mu     sync.Mutex
	orders []order.Order
}

func (f *recordingFulfillment) Fulfilled(o order.Order) (order.Effect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders = append(f.orders, o)
	return order.Effect{EventID: "fulfilled-" + o.ID, Topic: "t", Key: o.ID, Payload: []byte(`{}`)}, nil
}

// effectStore is the ledger's effect sink.
type effectStore struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (s *effectStore) Insert(_ context.Context, eventID, _, _ string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, eventID)
	return nil
}

func (s *effectStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *effectStore) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type fixture struct {
	ledger  *order.Memory
	inbox   *MemoryInbox
	fulfill *recordingFulfillment
	effects *effectStore
	metrics *metrics.Domain
	rec     *Reconciler
	order   order.Order
}

// newFixture stores a pending cart order of 1000 usd owned by u1 with
// transaction pi_1 attached.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()
	f := &fixture{
		inbox:   NewMemoryInbox(),
		fulfill: &recordingFulfillment{},
		effects: &effectStore{},
		metrics: metrics.NopDomain(),
	}
	f.ledger = order.NewMemory().WithEffects(f.effects)
	f.rec = New(f.ledger, f.inbox, f.fulfill, f.metrics, zerolog.Nop())

	o, err := f.ledger.Upsert(ctx, order.Draft{
		OwnerID:   "u1",
		RequestID: "r1",
		Source:    order.SourceCart,
		Amount:    1000,
		Currency:  "usd",
		Items:     []order.Item{{ItemID: "item42", UnitPrice: 500, Quantity: 2}},
	})
	require.NoError(t, err)
	o, ok, err := f.ledger.AttachTransaction(ctx, o.ID, "", order.Charge{TransactionID: "pi_1", Amount: 1000, Currency: "usd"}, "pay-r1-1000usd")
	require.NoError(t, err)
	require.True(t, ok)
	f.order = o
	return f
}

func (f *fixture) event(id string, kind payment.EventKind, amount int64) payment.Event {
	return payment.Event{
		ID:            id,
		Kind:          kind,
		Type:          "payment_intent." + kind.String(),
		TransactionID: "pi_1",
		Amount:        amount,
		Currency:      "usd",
		Metadata: map[string]string{
			payment.MetaOrderID: f.order.ID,
			payment.MetaOwnerID: "u1",
		},
	}
}

func (f *fixture) status(t *testing.T) order.Status {
	t.Helper()
	o, err := f.ledger.Get(context.Background(), f.order.ID)
	require.NoError(t, err)
	return o.Status
}

func TestApplyEvent_SucceededMarksPaid(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	out, err := f.rec.ApplyEvent(context.Background(), f.event("evt_1", payment.EventSucceeded, 1000))
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, out)
	assert.Equal(t, order.StatusPaid, f.status(t))

	require.Equal(t, 1, f.effects.count())
	require.Len(t, f.fulfill.orders, 1)
	assert.Equal(t, order.StatusPaid, f.fulfill.orders[0].Status)
	assert.Equal(t, "pi_1", f.fulfill.orders[0].TransactionID)

	recorded, ok := f.inbox.Outcome("evt_1")
	require.True(t, ok)
	assert.Equal(t, string(OutcomePaid), recorded)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Events.WithLabelValues("succeeded", "paid")))
}

func TestApplyEvent_AmountMismatchFailsOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	ev := f.event("evt_1", payment.EventSucceeded, 900)

	out, err := f.rec.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Equal(t, order.StatusFailed, f.status(t))

	out, err = f.rec.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Equal(t, order.StatusFailed, f.status(t))

	// A fresh delivery id with the same body is still refused by status.
	ev.ID = "evt_2"
	out, err = f.rec.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoop, out)
	assert.Zero(t, f.effects.count())
}

func TestApplyEvent_CurrencyMismatchFailsOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ev := f.event("evt_1", payment.EventSucceeded, 1000)
	ev.Currency = "eur"

	out, err := f.rec.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Equal(t, order.StatusFailed, f.status(t))
}

func TestApplyEvent_CurrencyCaseIsIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ev := f.event("evt_1", payment.EventSucceeded, 1000)
	ev.Currency = "USD"

	out, err := f.rec.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, out)
}

func TestApplyEvent_DuplicateIsNoop(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	ev := f.event("evt_1", payment.EventSucceeded, 1000)

	first, err := f.rec.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	second, err := f.rec.ApplyEvent(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, OutcomePaid, first)
	assert.Equal(t, OutcomeNoop, second)
	assert.Equal(t, 1, f.effects.count())
}

func TestApplyEvent_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Go(func() {
			// Distinct ids so the inbox does not shortcut them.
			ev := f.event("evt_"+string(rune('a'+i)), payment.EventSucceeded, 1000)
			out, err := f.rec.ApplyEvent(context.Background(), ev)
			assert.NoError(t, err)
			outcomes[i] = out
		})
	}
	wg.Wait()

	paid := 0
	for _, out := range outcomes {
		if out == OutcomePaid {
			paid++
		} else {
			assert.Equal(t, OutcomeNoop, out)
		}
	}
	assert.Equal(t, 1, paid)
	assert.Equal(t, 1, f.effects.count())
}

func TestApplyEvent_Refusals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(f *fixture, ev *payment.Event)
	}{
		{
			name: "owner_mismatch",
			mutate: func(_ *fixture, ev *payment.Event) {
				ev.Metadata[payment.MetaOwnerID] = "u2"
			},
		},
		{
			name: "transaction_binding_mismatch",
			mutate: func(_ *fixture, ev *payment.Event) {
				ev.TransactionID = "pi_other"
			},
		},
		{
			name: "missing_order_metadata",
			mutate: func(_ *fixture, ev *payment.Event) {
				delete(ev.Metadata, payment.MetaOrderID)
			},
		},
		{
			name: "missing_owner_metadata",
			mutate: func(_ *fixture, ev *payment.Event) {
				delete(ev.Metadata, payment.MetaOwnerID)
			},
		},
		{
			name: "unknown_order",
			mutate: func(_ *fixture, ev *payment.Event) {
				ev.Metadata[payment.MetaOrderID] = "no-such-order"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			for _, kind := range []payment.EventKind{payment.EventSucceeded, payment.EventFailed} {
				f := newFixture(t)
				ev := f.event("evt_1", kind, 1000)
				tt.mutate(f, &ev)

				out, err := f.rec.ApplyEvent(context.Background(), ev)
				require.NoError(t, err)
				assert.Equal(t, OutcomeRejected, out, kind.String())
				assert.Equal(t, order.StatusPending, f.status(t), kind.String())
				assert.Zero(t, f.effects.count())
			}
		})
	}
}

func TestApplyEvent_UnboundOrderAttachesTransaction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	o, err := f.ledger.Upsert(ctx, order.Draft{OwnerID: "u1", RequestID: "r2", Source: order.SourceDirect, Amount: 700, Currency: "usd"})
	require.NoError(t, err)

	ev := payment.Event{
		ID:            "evt_9",
		Kind:          payment.EventSucceeded,
		TransactionID: "pi_9",
		Amount:        700,
		Currency:      "usd",
		Metadata:      map[string]string{payment.MetaOrderID: o.ID, payment.MetaOwnerID: "u1"},
	}
	out, err := f.rec.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, out)

	got, err := f.ledger.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, "pi_9", got.TransactionID)
}

func TestApplyEvent_FailedEvent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	out, err := f.rec.ApplyEvent(context.Background(), f.event("evt_1", payment.EventFailed, 1000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Equal(t, order.StatusFailed, f.status(t))
	assert.Zero(t, f.effects.count())
}

func TestApplyEvent_TerminalOrdersDoNotChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("paid_then_failed", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, err := f.rec.ApplyEvent(ctx, f.event("evt_1", payment.EventSucceeded, 1000))
		require.NoError(t, err)

		out, err := f.rec.ApplyEvent(ctx, f.event("evt_2", payment.EventFailed, 1000))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, out)
		assert.Equal(t, order.StatusPaid, f.status(t))
	})

	t.Run("failed_then_succeeded", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		_, err := f.rec.ApplyEvent(ctx, f.event("evt_1", payment.EventFailed, 1000))
		require.NoError(t, err)

		out, err := f.rec.ApplyEvent(ctx, f.event("evt_2", payment.EventSucceeded, 1000))
		require.NoError(t, err)
		assert.Equal(t, OutcomeNoop, out)
		assert.Equal(t, order.StatusFailed, f.status(t))
		assert.Zero(t, f.effects.count())
	})
}

func TestApplyEvent_OtherKindIgnored(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ev := payment.Event{ID: "evt_1", Kind: payment.EventOther, Type: "charge.refunded"}

	out, err := f.rec.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, order.StatusPending, f.status(t))
}

func TestApplyEvent_EffectFailureKeepsOrderPendingForRedelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	ev := f.event("evt_1", payment.EventSucceeded, 1000)
	f.effects.fail(errors.New("outbox down"))

	_, err := f.rec.ApplyEvent(ctx, ev)
	require.Error(t, err)
	assert.Equal(t, order.StatusPending, f.status(t))
	assert.Zero(t, f.effects.count())

	f.effects.fail(nil)
	out, err := f.rec.ApplyEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomePaid, out)
	assert.Equal(t, order.StatusPaid, f.status(t))
	assert.Equal(t, []string{"fulfilled-" + f.order.ID}, f.effects.events)
}

// drifting refreshes the pending order to another amount right before the
// paid write, the way a concurrent checkout retry would.
type drifting struct {
	*order.Memory
	once  sync.Once
	draft order.Draft
}

func (d *drifting) MarkPaid(ctx context.Context, id string, c order.Charge, effect order.EffectFunc) (bool, error) {
	d.once.Do(func() { _, _ = d.Memory.Upsert(ctx, d.draft) })
	return d.Memory.MarkPaid(ctx, id, c, effect)
}

func TestApplyEvent_AmountChangedBeforePaidWriteFailsOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	ledger := &drifting{
		Memory: f.ledger,
		draft: order.Draft{
			OwnerID:   "u1",
			RequestID: "r1",
			Source:    order.SourceCart,
			Amount:    2000,
			Currency:  "usd",
		},
	}
	rec := New(ledger, NewMemoryInbox(), f.fulfill, nil, zerolog.Nop())

	out, err := rec.ApplyEvent(ctx, f.event("evt_1", payment.EventSucceeded, 1000))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)

	got, err := f.ledger.Get(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFailed, got.Status)
	assert.Equal(t, int64(2000), got.Amount)
	assert.Zero(t, f.effects.count())
}

func TestApplyEvent_EmptyIDIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ev := f.event("", payment.EventSucceeded, 1000)

	out, err := f.rec.ApplyEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out)
	assert.Equal(t, order.StatusPending, f.status(t))
}

type failingInbox struct{ MemoryInbox }

func (*failingInbox) Begin(context.Context, string, string) (bool, error) {
	return false, errors.New("connection reset")
}

func TestApplyEvent_InboxFailureIsError(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	rec := New(f.ledger, &failingInbox{}, f.fulfill, nil, zerolog.Nop())

	_, err := rec.ApplyEvent(context.Background(), f.event("evt_1", payment.EventSucceeded, 1000))
	require.Error(t, err)
	assert.Equal(t, order.StatusPending, f.status(t))
}

func TestMemoryInbox(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	in := NewMemoryInbox()

	processed, err := in.Begin(ctx, "evt_1", "payment_intent.succeeded")
	require.NoError(t, err)
	assert.False(t, processed)

	// Received but unfinished events are retried.
	processed, err = in.Begin(ctx, "evt_1", "payment_intent.succeeded")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, in.Finish(ctx, "evt_1", "paid"))
	require.NoError(t, in.Finish(ctx, "evt_1", "noop"))

	processed, err = in.Begin(ctx, "evt_1", "payment_intent.succeeded")
	require.NoError(t, err)
	assert.True(t, processed)

	outcome, ok := in.Outcome("evt_1")
	require.True(t, ok)
	assert.Equal(t, "paid", outcome)
}
