package gateway

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Request struct {
	OrderID int64
	UserID  int64
	Amount  decimal.Decimal
}

type Result struct {
	Approved      bool
	TransactionID string
	DeclineReason string
}

// Gateway is the pluggable authorization step. A real provider integration
// replaces Simulated without touching the saga logic.
type Gateway interface {
	Authorize(ctx context.Context, req Request) (Result, error)
}

// Simulated approves a configurable fraction of authorizations after a
// configurable latency. It honors context cancellation, so the processor's
// timeout bounds it.
type Simulated struct {
	ApprovalRate float64
	Latency      time.Duration
}

func (g *Simulated) Authorize(ctx context.Context, req Request) (Result, error) {
	if g.Latency > 0 {
		select {
		case <-time.After(g.Latency):
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if rand.Float64() < g.ApprovalRate {
		return Result{Approved: true, TransactionID: NewTransactionID()}, nil
	}
	return Result{DeclineReason: "insufficient funds"}, nil
}

func NewTransactionID() string {
	return "TXN-" + strings.ToUpper(uuid.NewString()[:8])
}
