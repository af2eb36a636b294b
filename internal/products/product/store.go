package product

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
)

// Store is the inventory ledger's persistence contract. Stock is mutated
// only through ReduceStock and RestoreStock, never read-modify-write by
// callers; ReduceStock must be atomic under concurrent callers for the same
// product.
type Store interface {
	Create(ctx context.Context, p *Product) error
	Get(ctx context.Context, id int64) (*Product, error)
	List(ctx context.Context) ([]Product, error)
	Update(ctx context.Context, p *Product) error
	Deactivate(ctx context.Context, id int64) error
	ReduceStock(ctx context.Context, id int64, quantity int) (int, error)
	RestoreStock(ctx context.Context, id int64, quantity int) (int, error)
}

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) Create(ctx context.Context, p *Product) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO products (name, description, price, stock, category, brand, image_url, active)
		VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, TRUE)
		RETURNING id, created_at, updated_at`,
		p.Name, p.Description, p.Price.String(), p.Stock, p.Category, p.Brand, p.ImageURL,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert product: %w", err)
	}
	p.Active = true
	return nil
}

func (s *PgStore) Get(ctx context.Context, id int64) (*Product, error) {
	p, err := scanProduct(s.pool.QueryRow(ctx, `
		SELECT id, name, description, price::text, stock, category, brand, image_url, active, created_at, updated_at
		FROM products
		WHERE id = $1 AND active`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	return p, nil
}

func (s *PgStore) List(ctx context.Context) ([]Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, price::text, stock, category, brand, image_url, active, created_at, updated_at
		FROM products
		WHERE active
		ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var result []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (s *PgStore) Update(ctx context.Context, p *Product) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE products
		SET name = $2, description = $3, price = $4::numeric, stock = $5,
		    category = $6, brand = $7, image_url = $8, updated_at = NOW()
		WHERE id = $1 AND active`,
		p.ID, p.Name, p.Description, p.Price.String(), p.Stock, p.Category, p.Brand, p.ImageURL,
	)
	if err != nil {
		return fmt.Errorf("update product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (s *PgStore) Deactivate(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE products
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1 AND active`, id,
	)
	if err != nil {
		return fmt.Errorf("deactivate product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrProductNotFound
	}
	return nil
}

// ReduceStock is the check-and-decrement: a single guarded UPDATE, so two
// concurrent orders for the last unit cannot both succeed. Deactivated
// products cannot be decremented.
func (s *PgStore) ReduceStock(ctx context.Context, id int64, quantity int) (int, error) {
	var newStock int
	err := s.pool.QueryRow(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = NOW()
		WHERE id = $1 AND active AND stock >= $2
		RETURNING stock`,
		id, quantity,
	).Scan(&newStock)
	if err == nil {
		return newStock, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("reduce stock: %w", err)
	}

	// No row matched: the product is missing or inactive, or the stock check
	// failed.
	var stock int
	err = s.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1 AND active`, id).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrProductNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reduce stock: %w", err)
	}
	return stock, ErrInsufficientStock
}

func (s *PgStore) RestoreStock(ctx context.Context, id int64, quantity int) (int, error) {
	var newStock int
	err := s.pool.QueryRow(ctx, `
		UPDATE products
		SET stock = stock + $2, updated_at = NOW()
		WHERE id = $1
		RETURNING stock`,
		id, quantity,
	).Scan(&newStock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrProductNotFound
		}
		return 0, fmt.Errorf("restore stock: %w", err)
	}
	return newStock, nil
}

func scanProduct(row pgx.Row) (*Product, error) {
	var p Product
	var price string
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &price, &p.Stock,
		&p.Category, &p.Brand, &p.ImageURL, &p.Active, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	p.Price, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("parse price: %w", err)
	}
	return &p, nil
}
