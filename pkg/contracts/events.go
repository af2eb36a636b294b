package contracts

import (
	"time"

	"github.com/shopspring/decimal"
)

// Stream names shared by all services. Order lifecycle events and payment
// results travel on separate streams; there is no ordering guarantee between
// the two, only per-order ordering within each.
const (
	OrderEventsStream   = "order-events"
	PaymentEventsStream = "payment-events"
)

type EventType string

const (
	EventOrderCreated   EventType = "ORDER_CREATED"
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventPaymentSuccess EventType = "PAYMENT_SUCCESS"
	EventPaymentFailed  EventType = "PAYMENT_FAILED"
)

// Envelope carries the fields every event shares. Consumers decode it first
// to dispatch on EventType; unknown types must be ignored, not treated as
// fatal.
type Envelope struct {
	EventType EventType `json:"eventType"`
	OrderID   int64     `json:"orderId"`
}

type OrderCreatedEvent struct {
	EventType EventType       `json:"eventType"`
	EventID   string          `json:"eventId"`
	OrderID   int64           `json:"orderId"`
	UserID    int64           `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"createdAt"`
}

type OrderCancelledEvent struct {
	EventType   EventType `json:"eventType"`
	EventID     string    `json:"eventId"`
	OrderID     int64     `json:"orderId"`
	CancelledAt time.Time `json:"cancelledAt"`
}

// PaymentResultEvent is published as PAYMENT_SUCCESS or PAYMENT_FAILED.
// TransactionID is set only on success, Reason only on failure.
type PaymentResultEvent struct {
	EventType     EventType `json:"eventType"`
	EventID       string    `json:"eventId"`
	OrderID       int64     `json:"orderId"`
	TransactionID string    `json:"transactionId,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	ProcessedAt   time.Time `json:"processedAt"`
}
