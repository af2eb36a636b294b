package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrOrderNotFound = errors.New("order not found")

// OutboxRecord is an event staged for the outbox dispatcher in the same
// transaction as the state change it describes.
type OutboxRecord struct {
	EventID   string
	EventType string
	Key       string
	Payload   []byte
}

// Store persists orders and their immutable line items. The outbox
// parameters are nil in direct-publish mode.
type Store interface {
	// Create persists the order, assigns its id and, when makeOutbox is
	// non-nil, stages the event it returns atomically with the insert.
	Create(ctx context.Context, o *Order, makeOutbox func(orderID int64) *OutboxRecord) error
	Get(ctx context.Context, id int64) (*Order, error)
	ListByUser(ctx context.Context, userID int64) ([]Order, error)
	UpdateStatus(ctx context.Context, id int64, status Status, outbox *OutboxRecord) (*Order, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, o *Order, makeOutbox func(orderID int64) *OutboxRecord) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO orders (user_id, status, total_amount, shipping_address, notes)
		VALUES ($1, $2, $3::numeric, $4, $5)
		RETURNING id, created_at, updated_at`,
		o.UserID, o.Status, o.TotalAmount.String(), o.ShippingAddress, o.Notes,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, line := range o.Lines {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5::numeric)`,
			o.ID, line.ProductID, line.ProductName, line.Quantity, line.UnitPrice.String(),
		)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if makeOutbox != nil {
		if err := insertOutbox(ctx, tx, makeOutbox(o.ID)); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (s *PgStore) Get(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `
		SELECT id, user_id, status, total_amount::text, shipping_address, notes, created_at, updated_at
		FROM orders
		WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	if o.Lines, err = s.loadLines(ctx, id); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *PgStore) ListByUser(ctx context.Context, userID int64) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, status, total_amount::text, shipping_address, notes, created_at, updated_at
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var result []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range result {
		if result[i].Lines, err = s.loadLines(ctx, result[i].ID); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (s *PgStore) UpdateStatus(ctx context.Context, id int64, status Status, outbox *OutboxRecord) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, updated_at = NOW()
		WHERE id = $1`,
		id, status,
	)
	if err != nil {
		return nil, fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrOrderNotFound
	}

	if outbox != nil {
		if err := insertOutbox(ctx, tx, outbox); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

func (s *PgStore) loadLines(ctx context.Context, orderID int64) ([]Line, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT product_id, product_name, quantity, unit_price::text
		FROM order_items
		WHERE order_id = $1
		ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var lines []Line
	for rows.Next() {
		var l Line
		var price string
		if err := rows.Scan(&l.ProductID, &l.ProductName, &l.Quantity, &price); err != nil {
			return nil, err
		}
		if l.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse unit price: %w", err)
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func insertOutbox(ctx context.Context, tx pgx.Tx, rec *OutboxRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_outbox (event_id, event_type, partition_key, payload)
		VALUES ($1, $2, $3, $4)`,
		rec.EventID, rec.EventType, rec.Key, rec.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var total string
	if err := row.Scan(&o.ID, &o.UserID, &o.Status, &total,
		&o.ShippingAddress, &o.Notes, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	o.TotalAmount, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("parse total amount: %w", err)
	}
	return &o, nil
}
