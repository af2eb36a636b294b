package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrPaymentNotFound = errors.New("payment not found")
	ErrInvalidRefund   = errors.New("can only refund successful payments")
)

// Store persists payment records. CreateProcessing is the idempotency
// anchor: the unique order id makes concurrent redeliveries collapse into a
// single record.
type Store interface {
	// CreateProcessing inserts the payment in PROCESSING unless a record for
	// the order already exists; it reports whether the insert happened.
	CreateProcessing(ctx context.Context, p *Payment) (bool, error)
	Get(ctx context.Context, id int64) (*Payment, error)
	GetByOrder(ctx context.Context, orderID int64) (*Payment, error)
	ListByUser(ctx context.Context, userID int64) ([]Payment, error)
	Update(ctx context.Context, p *Payment) error
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateProcessing(ctx context.Context, p *Payment) (bool, error) {
	p.Status = StatusProcessing
	err := s.pool.QueryRow(ctx, `
		INSERT INTO payments (order_id, user_id, amount, status, method)
		VALUES ($1, $2, $3::numeric, $4, $5)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING id, created_at, updated_at`,
		p.OrderID, p.UserID, p.Amount.String(), p.Status, p.Method,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert payment: %w", err)
	}
	return true, nil
}

func (s *PgStore) Get(ctx context.Context, id int64) (*Payment, error) {
	return s.get(ctx, `WHERE id = $1`, id)
}

func (s *PgStore) GetByOrder(ctx context.Context, orderID int64) (*Payment, error) {
	return s.get(ctx, `WHERE order_id = $1`, orderID)
}

func (s *PgStore) get(ctx context.Context, where string, arg any) (*Payment, error) {
	p, err := scanPayment(s.pool.QueryRow(ctx, `
		SELECT id, order_id, user_id, amount::text, status, method,
		       COALESCE(transaction_id, ''), COALESCE(failure_reason, ''),
		       processed_at, created_at, updated_at
		FROM payments `+where, arg,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (s *PgStore) ListByUser(ctx context.Context, userID int64) ([]Payment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, user_id, amount::text, status, method,
		       COALESCE(transaction_id, ''), COALESCE(failure_reason, ''),
		       processed_at, created_at, updated_at
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("query payments: %w", err)
	}
	defer rows.Close()

	var result []Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PgStore) Update(ctx context.Context, p *Payment) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments
		SET status = $2,
		    transaction_id = NULLIF($3, ''),
		    failure_reason = NULLIF($4, ''),
		    processed_at = $5,
		    updated_at = NOW()
		WHERE id = $1`,
		p.ID, p.Status, p.TransactionID, p.FailureReason, p.ProcessedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var amount string
	if err := row.Scan(&p.ID, &p.OrderID, &p.UserID, &amount, &p.Status, &p.Method,
		&p.TransactionID, &p.FailureReason, &p.ProcessedAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	p.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("parse amount: %w", err)
	}
	return &p, nil
}
