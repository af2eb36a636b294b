package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gokart/internal/orders/inventory"
	"gokart/pkg/contracts"
	"gokart/pkg/messaging"

	"github.com/google/uuid"
)

var (
	ErrEmptyOrder          = errors.New("order must have at least one item")
	ErrInvalidQuantity     = errors.New("quantity must be positive")
	ErrInvalidCancellation = errors.New("cannot cancel an order that has already been shipped or delivered")
	ErrInvalidStatus       = errors.New("unknown order status")
)

type LineRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type CreateRequest struct {
	Lines           []LineRequest `json:"items"`
	ShippingAddress string        `json:"shipping_address"`
	Notes           string        `json:"notes"`
}

// Notifier receives order status changes; the websocket hub implements it.
type Notifier interface {
	OrderStatusChanged(orderID int64, status Status)
}

// Service is the saga's coordinator and reconciler: it reserves inventory
// and emits order events on the way out, and applies payment results on the
// way back in.
type Service struct {
	store     Store
	ledger    inventory.Ledger
	publisher messaging.Publisher
	useOutbox bool
	notifier  Notifier
	logger    *slog.Logger
}

func NewService(store Store, ledger inventory.Ledger, publisher messaging.Publisher, useOutbox bool, notifier Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		publisher: publisher,
		useOutbox: useOutbox,
		notifier:  notifier,
		logger:    logger,
	}
}

// Create reserves stock for every line, persists the order in
// PAYMENT_PROCESSING and emits ORDER_CREATED. Inventory decrements are not
// one transaction; if any line fails, every decrement already taken for this
// request is restored before the error is returned.
func (s *Service) Create(ctx context.Context, userID int64, req CreateRequest) (*Order, error) {
	if len(req.Lines) == 0 {
		return nil, ErrEmptyOrder
	}
	for _, line := range req.Lines {
		if line.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
	}

	o := &Order{
		UserID:          userID,
		Status:          StatusPending,
		ShippingAddress: req.ShippingAddress,
		Notes:           req.Notes,
	}

	var reserved []Line
	for _, line := range req.Lines {
		prod, err := s.ledger.Product(ctx, line.ProductID)
		if err != nil {
			s.release(ctx, reserved)
			return nil, fmt.Errorf("product %d: %w", line.ProductID, err)
		}
		if err := s.ledger.Reduce(ctx, line.ProductID, line.Quantity); err != nil {
			s.release(ctx, reserved)
			return nil, fmt.Errorf("product %d: %w", line.ProductID, err)
		}
		// Snapshot name and price at decrement time.
		reserved = append(reserved, Line{
			ProductID:   line.ProductID,
			ProductName: prod.Name,
			Quantity:    line.Quantity,
			UnitPrice:   prod.Price,
		})
	}

	o.Lines = reserved
	for _, line := range reserved {
		o.TotalAmount = o.TotalAmount.Add(line.Subtotal())
	}
	o.Status = StatusPaymentProcessing

	var makeOutbox func(orderID int64) *OutboxRecord
	if s.useOutbox {
		makeOutbox = func(orderID int64) *OutboxRecord {
			return s.outboxRecord(orderCreatedEvent(orderID, o))
		}
	}
	if err := s.store.Create(ctx, o, makeOutbox); err != nil {
		s.release(ctx, reserved)
		return nil, err
	}

	if !s.useOutbox {
		s.publish(ctx, orderCreatedEvent(o.ID, o))
	}

	s.logger.Info("order created", "order_id", o.ID, "user_id", userID, "total", o.TotalAmount)
	return o, nil
}

// release compensates the decrements taken so far by a failed create.
func (s *Service) release(ctx context.Context, reserved []Line) {
	for _, line := range reserved {
		if err := s.ledger.Restore(ctx, line.ProductID, line.Quantity); err != nil {
			s.logger.Error("compensating stock restore failed",
				"product_id", line.ProductID, "quantity", line.Quantity, "err", err)
		}
	}
}

func (s *Service) Get(ctx context.Context, id int64) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByUser(ctx context.Context, userID int64) ([]Order, error) {
	return s.store.ListByUser(ctx, userID)
}

// Cancel restores the order's reserved stock and marks it CANCELLED. It is
// synchronous end to end and does not wait for any event consumer. The
// restores are at-most-once: cancelling is only valid once per order.
func (s *Service) Cancel(ctx context.Context, id int64) (*Order, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == StatusShipped || o.Status == StatusDelivered {
		return nil, ErrInvalidCancellation
	}

	for _, line := range o.Lines {
		if err := s.ledger.Restore(ctx, line.ProductID, line.Quantity); err != nil {
			return nil, fmt.Errorf("restore stock for product %d: %w", line.ProductID, err)
		}
	}

	evt := contracts.OrderCancelledEvent{
		EventType:   contracts.EventOrderCancelled,
		EventID:     uuid.NewString(),
		OrderID:     id,
		CancelledAt: time.Now().UTC(),
	}
	var outbox *OutboxRecord
	if s.useOutbox {
		outbox = s.outboxRecord(evt)
	}

	updated, err := s.store.UpdateStatus(ctx, id, StatusCancelled, outbox)
	if err != nil {
		return nil, err
	}

	if !s.useOutbox {
		s.publish(ctx, evt)
	}
	s.notify(id, StatusCancelled)
	s.logger.Info("order cancelled", "order_id", id)
	return updated, nil
}

// OverrideStatus sets any status without transition validation. It is the
// administrative escape hatch that bypasses the fulfillment state machine;
// SHIPPED and DELIVERED are only reachable through it.
func (s *Service) OverrideStatus(ctx context.Context, id int64, status Status) (*Order, error) {
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}
	updated, err := s.store.UpdateStatus(ctx, id, status, nil)
	if err != nil {
		return nil, err
	}
	s.notify(id, status)
	s.logger.Info("order status overridden", "order_id", id, "status", status)
	return updated, nil
}

// ApplyPaymentResult reconciles a payment result into the order's status.
// It is idempotent under redelivery and never moves an order that has
// already left PAYMENT_PROCESSING, so a late success cannot resurrect a
// cancelled order.
func (s *Service) ApplyPaymentResult(ctx context.Context, evt contracts.PaymentResultEvent) error {
	o, err := s.store.Get(ctx, evt.OrderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			// The order may not be visible yet; rely on redelivery.
			s.logger.Warn("payment result for unknown order, dropping", "order_id", evt.OrderID)
			return nil
		}
		return err
	}

	if o.Status != StatusPaymentProcessing {
		s.logger.Info("order already settled, ignoring payment result",
			"order_id", evt.OrderID, "status", o.Status, "event_type", evt.EventType)
		return nil
	}

	var status Status
	switch evt.EventType {
	case contracts.EventPaymentSuccess:
		status = StatusConfirmed
	case contracts.EventPaymentFailed:
		status = StatusPaymentFailed
	default:
		s.logger.Debug("ignoring unknown event type", "event_type", evt.EventType)
		return nil
	}

	if _, err := s.store.UpdateStatus(ctx, evt.OrderID, status, nil); err != nil {
		return err
	}
	s.notify(evt.OrderID, status)
	s.logger.Info("order reconciled", "order_id", evt.OrderID, "status", status)
	return nil
}

func orderCreatedEvent(orderID int64, o *Order) contracts.OrderCreatedEvent {
	return contracts.OrderCreatedEvent{
		EventType: contracts.EventOrderCreated,
		EventID:   uuid.NewString(),
		OrderID:   orderID,
		UserID:    o.UserID,
		Amount:    o.TotalAmount,
		CreatedAt: time.Now().UTC(),
	}
}

// publish is fire-and-forget: the order is already durable and a broker
// failure must not roll it back. On failure the order stays in
// PAYMENT_PROCESSING until redelivery or an operator steps in.
func (s *Service) publish(ctx context.Context, evt any) {
	payload, key, typ, err := encodeEvent(evt)
	if err != nil {
		s.logger.Error("marshal event", "err", err)
		return
	}
	if err := s.publisher.Publish(ctx, key, payload); err != nil {
		s.logger.Error("publish event failed", "event_type", typ, "key", key, "err", err)
	}
}

func (s *Service) outboxRecord(evt any) *OutboxRecord {
	payload, key, typ, err := encodeEvent(evt)
	if err != nil {
		s.logger.Error("marshal event", "err", err)
		return nil
	}
	eventID := uuid.NewString()
	if e, ok := evt.(contracts.OrderCreatedEvent); ok {
		eventID = e.EventID
	} else if e, ok := evt.(contracts.OrderCancelledEvent); ok {
		eventID = e.EventID
	}
	return &OutboxRecord{
		EventID:   eventID,
		EventType: typ,
		Key:       key,
		Payload:   payload,
	}
}

func encodeEvent(evt any) (payload []byte, key, typ string, err error) {
	switch e := evt.(type) {
	case contracts.OrderCreatedEvent:
		key, typ = strconv.FormatInt(e.OrderID, 10), string(e.EventType)
	case contracts.OrderCancelledEvent:
		key, typ = strconv.FormatInt(e.OrderID, 10), string(e.EventType)
	default:
		return nil, "", "", fmt.Errorf("unsupported event %T", evt)
	}
	payload, err = json.Marshal(evt)
	return payload, key, typ, err
}

func (s *Service) notify(orderID int64, status Status) {
	if s.notifier != nil {
		s.notifier.OrderStatusChanged(orderID, status)
	}
}
