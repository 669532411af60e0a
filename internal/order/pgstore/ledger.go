package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iliamunaev/marketplace-checkout/internal/apperr"
	"github.com/iliamunaev/marketplace-checkout/internal/order"
)

const orderColumns = `id, owner_id, request_id, title, source, amount, currency, status,
	transaction_id, idempotency_key, items, created_at, updated_at`

// Ledger is an order.Ledger on PostgreSQL.
type Ledger struct {
	pool *pgxpool.Pool
}

func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

func (l *Ledger) Upsert(ctx context.Context, d order.Draft) (order.Order, error) {
	items, err := json.Marshal(itemsOrEmpty(d.Items))
	if err != nil {
		return order.Order{}, fmt.Errorf("encode items: %w", err)
	}

	// The conditional DO UPDATE leaves terminal rows and rows of other
	// owners untouched; RETURNING is then empty and the stored row is read.
	row := l.pool.QueryRow(ctx, `
		INSERT INTO orders (id, owner_id, request_id, title, source, amount, currency, items)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (request_id) DO UPDATE
		   SET title = EXCLUDED.title,
		       source = EXCLUDED.source,
		       amount = EXCLUDED.amount,
		       currency = EXCLUDED.currency,
		       items = EXCLUDED.items,
		       updated_at = now()
		 WHERE orders.status = 'pending' AND orders.owner_id = EXCLUDED.owner_id
		RETURNING `+orderColumns,
		uuid.NewString(), d.OwnerID, d.RequestID, d.Title, string(d.Source), d.Amount, d.Currency, string(items))

	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return l.GetByRequestID(ctx, d.RequestID)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("upsert order %s: %w", d.RequestID, err)
	}
	return o, nil
}

func (l *Ledger) Get(ctx context.Context, id string) (order.Order, error) {
	o, err := scanOrder(l.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, fmt.Errorf("order %s: %w", id, apperr.ErrNotFound)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("get order %s: %w", id, err)
	}
	return o, nil
}

func (l *Ledger) GetByRequestID(ctx context.Context, requestID string) (order.Order, error) {
	o, err := scanOrder(l.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE request_id = $1`, requestID))
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, fmt.Errorf("order for request %s: %w", requestID, apperr.ErrNotFound)
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("get order for request %s: %w", requestID, err)
	}
	return o, nil
}

func (l *Ledger) ListByOwner(ctx context.Context, ownerID string) ([]order.Order, error) {
	rows, err := l.pool.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE owner_id = $1 ORDER BY created_at DESC, id DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (l *Ledger) AttachTransaction(ctx context.Context, id, expected string, c order.Charge, idemKey string) (order.Order, bool, error) {
	row := l.pool.QueryRow(ctx, `
		UPDATE orders
		   SET transaction_id = $3, idempotency_key = $4, updated_at = now()
		 WHERE id = $1 AND status = 'pending' AND transaction_id IS NOT DISTINCT FROM $2::text
		   AND amount = $5 AND lower(currency) = lower($6)
		RETURNING `+orderColumns,
		id, nullable(expected), c.TransactionID, idemKey, c.Amount, c.Currency)

	o, err := scanOrder(row)
	switch {
	case err == nil:
		return o, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		cur, err := l.Get(ctx, id)
		if err != nil {
			return order.Order{}, false, err
		}
		return cur, false, nil
	case isUniqueViolation(err):
		return order.Order{}, false, fmt.Errorf("transaction %s already bound to another order", c.TransactionID)
	default:
		return order.Order{}, false, fmt.Errorf("attach transaction to %s: %w", id, err)
	}
}

// MarkPaid commits the paid transition and the effect row together.
func (l *Ledger) MarkPaid(ctx context.Context, id string, c order.Charge, effect order.EffectFunc) (bool, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		UPDATE orders
		   SET status = 'paid', transaction_id = COALESCE(transaction_id, $2), updated_at = now()
		 WHERE id = $1 AND status = 'pending' AND (transaction_id IS NULL OR transaction_id = $2)
		   AND amount = $3 AND lower(currency) = lower($4)
		RETURNING `+orderColumns,
		id, c.TransactionID, c.Amount, c.Currency)

	paid, err := scanOrder(row)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	case isUniqueViolation(err):
		return false, fmt.Errorf("transaction %s already bound to another order", c.TransactionID)
	case err != nil:
		return false, fmt.Errorf("mark order %s paid: %w", id, err)
	}

	if effect != nil {
		e, err := effect(paid)
		if err != nil {
			return false, fmt.Errorf("build effect for order %s: %w", id, err)
		}
		if err := insertOutbox(ctx, tx, e.EventID, e.Topic, e.Key, e.Payload); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit paid order %s: %w", id, err)
	}
	return true, nil
}

func (l *Ledger) MarkFailed(ctx context.Context, id string) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		UPDATE orders SET status = 'failed', updated_at = now()
		 WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("mark order %s failed: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanOrder(row pgx.Row) (order.Order, error) {
	var (
		o       order.Order
		source  string
		status  string
		txnID   *string
		idemKey *string
		items   []byte
	)
	err := row.Scan(&o.ID, &o.OwnerID, &o.RequestID, &o.Title, &source, &o.Amount, &o.Currency, &status,
		&txnID, &idemKey, &items, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return order.Order{}, err
	}
	o.Source = order.Source(source)
	o.Status = order.Status(status)
	if txnID != nil {
		o.TransactionID = *txnID
	}
	if idemKey != nil {
		o.IdempotencyKey = *idemKey
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &o.Items); err != nil {
			return order.Order{}, fmt.Errorf("decode items: %w", err)
		}
	}
	if len(o.Items) == 0 {
		o.Items = nil
	}
	return o, nil
}

func itemsOrEmpty(items []order.Item) []order.Item {
	if items == nil {
		return []order.Item{}
	}
	return items
}
