package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gokart/internal/payments/gateway"
	"gokart/pkg/contracts"
	"gokart/pkg/messaging"

	"github.com/google/uuid"
)

// Processor consumes ORDER_CREATED events, runs the authorization step and
// publishes the result. It is idempotent against redelivery: one payment
// record per order, ever.
type Processor struct {
	store       Store
	gateway     gateway.Gateway
	publisher   messaging.Publisher
	authTimeout time.Duration
	logger      *slog.Logger
}

func NewProcessor(store Store, gw gateway.Gateway, publisher messaging.Publisher, authTimeout time.Duration, logger *slog.Logger) *Processor {
	return &Processor{
		store:       store,
		gateway:     gw,
		publisher:   publisher,
		authTimeout: authTimeout,
		logger:      logger,
	}
}

func (p *Processor) HandleOrderCreated(ctx context.Context, evt contracts.OrderCreatedEvent) error {
	if _, err := p.store.GetByOrder(ctx, evt.OrderID); err == nil {
		p.logger.Info("payment already exists, skipping redelivery", "order_id", evt.OrderID)
		return nil
	} else if !errors.Is(err, ErrPaymentNotFound) {
		return fmt.Errorf("check existing payment: %w", err)
	}

	pay := &Payment{
		OrderID: evt.OrderID,
		UserID:  evt.UserID,
		Amount:  evt.Amount,
		Method:  MethodCard,
	}
	created, err := p.store.CreateProcessing(ctx, pay)
	if err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	if !created {
		// Lost the race against a concurrent redelivery.
		p.logger.Info("payment already exists, skipping redelivery", "order_id", evt.OrderID)
		return nil
	}

	authCtx, cancel := context.WithTimeout(ctx, p.authTimeout)
	defer cancel()

	result, authErr := p.gateway.Authorize(authCtx, gateway.Request{
		OrderID: evt.OrderID,
		UserID:  evt.UserID,
		Amount:  evt.Amount,
	})

	now := time.Now().UTC()
	switch {
	case authErr != nil:
		pay.Status = StatusFailed
		pay.FailureReason = fmt.Sprintf("processing error: %v", authErr)
		p.logger.Error("payment authorization error", "order_id", evt.OrderID, "err", authErr)
	case result.Approved:
		pay.Status = StatusSuccess
		pay.TransactionID = result.TransactionID
		pay.ProcessedAt = &now
		p.logger.Info("payment succeeded", "order_id", evt.OrderID, "transaction_id", pay.TransactionID)
	default:
		pay.Status = StatusFailed
		pay.FailureReason = result.DeclineReason
		p.logger.Warn("payment declined", "order_id", evt.OrderID, "reason", pay.FailureReason)
	}

	if err := p.store.Update(ctx, pay); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	p.publishResult(ctx, pay)
	return nil
}

// publishResult is fire-and-forget: the payment record is already committed
// and a publish failure must not undo it. The order stays in
// PAYMENT_PROCESSING until the result is delivered.
func (p *Processor) publishResult(ctx context.Context, pay *Payment) {
	evt := contracts.PaymentResultEvent{
		EventType:   contracts.EventPaymentFailed,
		EventID:     uuid.NewString(),
		OrderID:     pay.OrderID,
		Reason:      pay.FailureReason,
		ProcessedAt: time.Now().UTC(),
	}
	if pay.Status == StatusSuccess {
		evt.EventType = contracts.EventPaymentSuccess
		evt.TransactionID = pay.TransactionID
		evt.Reason = ""
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		p.logger.Error("marshal payment result", "order_id", pay.OrderID, "err", err)
		return
	}
	key := strconv.FormatInt(pay.OrderID, 10)
	if err := p.publisher.Publish(ctx, key, payload); err != nil {
		p.logger.Error("publish payment result failed", "order_id", pay.OrderID, "err", err)
	}
}

func (p *Processor) GetByOrder(ctx context.Context, orderID int64) (*Payment, error) {
	return p.store.GetByOrder(ctx, orderID)
}

func (p *Processor) ListByUser(ctx context.Context, userID int64) ([]Payment, error) {
	return p.store.ListByUser(ctx, userID)
}

// Refund transitions SUCCESS to REFUNDED; nothing else is refundable.
func (p *Processor) Refund(ctx context.Context, paymentID int64) (*Payment, error) {
	pay, err := p.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if pay.Status != StatusSuccess {
		return nil, ErrInvalidRefund
	}
	pay.Status = StatusRefunded
	if err := p.store.Update(ctx, pay); err != nil {
		return nil, err
	}
	p.logger.Info("payment refunded", "payment_id", pay.ID, "order_id", pay.OrderID)
	return pay, nil
}
