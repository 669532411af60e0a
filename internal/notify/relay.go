package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iliamunaev/marketplace-checkout/internal/metrics"
)

// Publisher sends one record downstream.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Relay moves pending outbox records to a Publisher.
type Relay struct {
	outbox   Outbox
	pub      Publisher
	interval time.Duration
	batch    int
	metrics  *metrics.Domain
	log      zerolog.Logger
}

func NewRelay(outbox Outbox, pub Publisher, interval time.Duration, batch int, m *metrics.Domain, log zerolog.Logger) *Relay {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batch <= 0 {
		batch = 100
	}
	if m == nil {
		m = metrics.NopDomain()
	}
	return &Relay{
		outbox:   outbox,
		pub:      pub,
		interval: interval,
		batch:    batch,
		metrics:  m,
		log:      log.With().Str("component", "relay").Logger(),
	}
}

// Run flushes the outbox every interval until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.log.Warn().Err(err).Msg("outbox flush")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Flush publishes one batch in insertion order and stops at the first
// failure so records are never published out of order.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	records, err := r.outbox.FetchPending(ctx, r.batch)
	if err != nil {
		return 0, fmt.Errorf("fetch pending: %w", err)
	}

	sent := 0
	for _, rec := range records {
		if err := r.pub.Publish(ctx, rec.Topic, rec.Key, rec.Payload); err != nil {
			return sent, fmt.Errorf("publish %s: %w", rec.EventID, err)
		}
		if err := r.outbox.MarkSent(ctx, rec.ID); err != nil {
			return sent, fmt.Errorf("mark %s sent: %w", rec.EventID, err)
		}
		r.metrics.OutboxSent.Inc()
		r.log.Debug().Str("event_id", rec.EventID).Str("topic", rec.Topic).Msg("published")
		sent++
	}
	return sent, nil
}
