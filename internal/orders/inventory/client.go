package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrProductNotFound   = errors.New("product not found")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// Product is the slice of the catalog record the order saga needs: the
// name/price snapshot and the stock gate.
type Product struct {
	ID    int64           `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock int             `json:"stock"`
}

// Ledger is the order coordinator's view of the inventory service. Reduce is
// an atomic check-and-decrement on the remote side; Restore is the
// unconditional compensation increment.
type Ledger interface {
	Product(ctx context.Context, productID int64) (*Product, error)
	Reduce(ctx context.Context, productID int64, quantity int) error
	Restore(ctx context.Context, productID int64, quantity int) error
}

// Client talks to the products service over HTTP.
type Client struct {
	baseURL string
	httpc   *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) Product(ctx context.Context, productID int64) (*Product, error) {
	url := fmt.Sprintf("%s/products/%d", c.baseURL, productID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get product %d: %w", productID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var p Product
		if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
			return nil, fmt.Errorf("decode product %d: %w", productID, err)
		}
		return &p, nil
	case http.StatusNotFound:
		return nil, ErrProductNotFound
	default:
		return nil, fmt.Errorf("get product %d: unexpected status %d", productID, resp.StatusCode)
	}
}

func (c *Client) Reduce(ctx context.Context, productID int64, quantity int) error {
	return c.stockOp(ctx, productID, quantity, "reduce")
}

func (c *Client) Restore(ctx context.Context, productID int64, quantity int) error {
	return c.stockOp(ctx, productID, quantity, "restore")
}

func (c *Client) stockOp(ctx context.Context, productID int64, quantity int, op string) error {
	url := fmt.Sprintf("%s/products/%d/stock/%s?quantity=%d", c.baseURL, productID, op, quantity)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s stock for product %d: %w", op, productID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusNotFound:
		return ErrProductNotFound
	case http.StatusConflict:
		return ErrInsufficientStock
	default:
		return fmt.Errorf("%s stock for product %d: unexpected status %d", op, productID, resp.StatusCode)
	}
}
