package order

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending           Status = "PENDING"
	StatusPaymentProcessing Status = "PAYMENT_PROCESSING"
	StatusConfirmed         Status = "CONFIRMED"
	StatusProcessing        Status = "PROCESSING"
	StatusShipped           Status = "SHIPPED"
	StatusDelivered         Status = "DELIVERED"
	StatusCancelled         Status = "CANCELLED"
	StatusPaymentFailed     Status = "PAYMENT_FAILED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaymentProcessing, StatusConfirmed, StatusProcessing,
		StatusShipped, StatusDelivered, StatusCancelled, StatusPaymentFailed:
		return true
	}
	return false
}

// Line is one order item. Name and price are snapshots captured when the
// stock was reserved; they are never re-read from the catalog.
type Line struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (l Line) Subtotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

// Order items are immutable after creation and TotalAmount is computed once
// from the line snapshots; it is never recomputed.
type Order struct {
	ID              int64           `json:"id"`
	UserID          int64           `json:"user_id"`
	Status          Status          `json:"status"`
	Lines           []Line          `json:"items"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	Notes           string          `json:"notes"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
