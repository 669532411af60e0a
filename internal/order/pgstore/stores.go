package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/notify"
)

// Customers is a billing.Store.
type Customers struct {
	pool *pgxpool.Pool
}

func NewCustomers(pool *pgxpool.Pool) *Customers {
	return &Customers{pool: pool}
}

func (c *Customers) CustomerID(ctx context.Context, ownerID string) (string, error) {
	var id string
	err := c.pool.QueryRow(ctx, `SELECT customer_id FROM billing_customers WHERE owner_id = $1`, ownerID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("customer for %s: %w", ownerID, apperr.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get customer for %s: %w", ownerID, err)
	}
	return id, nil
}

// PutCustomerID keeps the first stored id; the no-op update makes
// RETURNING yield the existing row on conflict.
func (c *Customers) PutCustomerID(ctx context.Context, ownerID, customerID string) (string, error) {
	var stored string
	err := c.pool.QueryRow(ctx, `
		INSERT INTO billing_customers (owner_id, customer_id) VALUES ($1, $2)
		ON CONFLICT (owner_id) DO UPDATE SET owner_id = EXCLUDED.owner_id
		RETURNING customer_id`, ownerID, customerID).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("put customer for %s: %w", ownerID, err)
	}
	return stored, nil
}

// Inbox is a reconcile.Inbox.
type Inbox struct {
	pool *pgxpool.Pool
}

func NewInbox(pool *pgxpool.Pool) *Inbox {
	return &Inbox{pool: pool}
}

func (i *Inbox) Begin(ctx context.Context, eventID, eventType string) (bool, error) {
	var processed bool
	err := i.pool.QueryRow(ctx, `
		WITH ins AS (
			INSERT INTO payment_events (event_id, event_type) VALUES ($1, $2)
			ON CONFLICT (event_id) DO NOTHING
			RETURNING event_id
		)
		SELECT COALESCE((SELECT processed_at IS NOT NULL FROM payment_events WHERE event_id = $1), false)`,
		eventID, eventType).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("record event %s: %w", eventID, err)
	}
	return processed, nil
}

func (i *Inbox) Finish(ctx context.Context, eventID, outcome string) error {
	_, err := i.pool.Exec(ctx, `
		INSERT INTO payment_events (event_id, processed_at, outcome) VALUES ($1, now(), $2)
		ON CONFLICT (event_id) DO UPDATE
		   SET processed_at = now(), outcome = EXCLUDED.outcome
		 WHERE payment_events.processed_at IS NULL`, eventID, outcome)
	if err != nil {
		return fmt.Errorf("finish event %s: %w", eventID, err)
	}
	return nil
}

// Outbox is a notify.Outbox.
type Outbox struct {
	pool *pgxpool.Pool
}

func NewOutbox(pool *pgxpool.Pool) *Outbox {
	return &Outbox{pool: pool}
}

func (o *Outbox) Insert(ctx context.Context, eventID, topic, key string, payload []byte) error {
	return insertOutbox(ctx, o.pool, eventID, topic, key, payload)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertOutbox(ctx context.Context, db execer, eventID, topic, key string, payload []byte) error {
	_, err := db.Exec(ctx, `
		INSERT INTO outbox (event_id, topic, key, payload) VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING`, eventID, topic, key, string(payload))
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", eventID, err)
	}
	return nil
}

func (o *Outbox) FetchPending(ctx context.Context, limit int) ([]notify.Record, error) {
	rows, err := o.pool.Query(ctx, `
		SELECT id, event_id, topic, key, payload, created_at, sent_at
		  FROM outbox WHERE sent_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch outbox: %w", err)
	}
	defer rows.Close()

	var out []notify.Record
	for rows.Next() {
		var rec notify.Record
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &payload, &rec.CreatedAt, &rec.SentAt); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (o *Outbox) MarkSent(ctx context.Context, id int64) error {
	if _, err := o.pool.Exec(ctx, `UPDATE outbox SET sent_at = now() WHERE id = $1`, id); err != nil {
		return fmt.Errorf("mark outbox %d sent: %w", id, err)
	}
	return nil
}
