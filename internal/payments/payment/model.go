package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
)

type Method string

const (
	MethodCard       Method = "CARD"
	MethodUPI        Method = "UPI"
	MethodNetBanking Method = "NET_BANKING"
	MethodWallet     Method = "WALLET"
)

// Payment is the single payment record for an order. At most one exists per
// order id; TransactionID is set only on SUCCESS, FailureReason only on
// FAILED.
type Payment struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"order_id"`
	UserID        int64           `json:"user_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        Status          `json:"status"`
	Method        Method          `json:"method"`
	TransactionID string          `json:"transaction_id,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
