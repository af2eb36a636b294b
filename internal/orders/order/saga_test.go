package order_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"gokart/internal/orders/inventory"
	"gokart/internal/orders/order"
	"gokart/internal/payments/gateway"
	"gokart/internal/payments/payment"
	"gokart/internal/products/product"
	"gokart/pkg/contracts"
	"gokart/pkg/messaging"

	"github.com/shopspring/decimal"
)

// localLedger adapts the products service for in-process saga tests; in
// production the orders side reaches it over HTTP.
type localLedger struct {
	products *product.Service
}

func (l *localLedger) Product(ctx context.Context, id int64) (*inventory.Product, error) {
	p, err := l.products.Get(ctx, id)
	if err != nil {
		return nil, mapLedgerErr(err)
	}
	return &inventory.Product{ID: p.ID, Name: p.Name, Price: p.Price, Stock: p.Stock}, nil
}

func (l *localLedger) Reduce(ctx context.Context, id int64, qty int) error {
	_, err := l.products.ReduceStock(ctx, id, qty)
	return mapLedgerErr(err)
}

func (l *localLedger) Restore(ctx context.Context, id int64, qty int) error {
	_, err := l.products.RestoreStock(ctx, id, qty)
	return mapLedgerErr(err)
}

func mapLedgerErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, product.ErrProductNotFound):
		return inventory.ErrProductNotFound
	case errors.Is(err, product.ErrInsufficientStock):
		return inventory.ErrInsufficientStock
	default:
		return err
	}
}

// saga wires orders, payments and products through the in-process bus the
// same way the services are wired through the broker.
type saga struct {
	orders       *order.Service
	payments     *payment.Processor
	products     *product.Service
	orderEvents  *messaging.BusConsumer
	payEvents    *messaging.BusConsumer
	handleOrder  messaging.Handler
	handleResult messaging.Handler
}

func newSaga(t *testing.T, approvalRate float64) *saga {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := messaging.NewBus(logger)

	prodStore := product.NewMemStore()
	products := product.NewService(prodStore, nil, logger)
	seed := []*product.Product{
		{Name: "Mechanical Keyboard", Description: "87 keys", Price: decimal.NewFromFloat(79.99), Stock: 10, Active: true},
		{Name: "USB-C Hub", Description: "7 ports", Price: decimal.NewFromFloat(34.50), Stock: 3, Active: true},
	}
	for _, p := range seed {
		if err := products.Create(context.Background(), p); err != nil {
			t.Fatalf("seed product: %v", err)
		}
	}

	orders := order.NewService(
		order.NewMemStore(),
		&localLedger{products: products},
		bus.Publisher(contracts.OrderEventsStream),
		false,
		nil,
		logger,
	)

	gw := &gateway.Simulated{ApprovalRate: approvalRate}
	payments := payment.NewProcessor(payment.NewMemStore(), gw, bus.Publisher(contracts.PaymentEventsStream), time.Second, logger)

	s := &saga{
		orders:      orders,
		payments:    payments,
		products:    products,
		orderEvents: bus.Consumer(contracts.OrderEventsStream, "payment-service-group"),
		payEvents:   bus.Consumer(contracts.PaymentEventsStream, "order-service-group"),
	}
	s.handleOrder = func(ctx context.Context, msg messaging.Message) error {
		return dispatchOrderEvent(ctx, payments, msg)
	}
	s.handleResult = func(ctx context.Context, msg messaging.Message) error {
		return dispatchPaymentEvent(ctx, orders, msg)
	}
	return s
}

// step drains both directions once: order events into the payment processor,
// then payment results back into the reconciler.
func (s *saga) step(ctx context.Context) {
	s.orderEvents.Drain(ctx, s.handleOrder)
	s.payEvents.Drain(ctx, s.handleResult)
}

func dispatchOrderEvent(ctx context.Context, proc *payment.Processor, msg messaging.Message) error {
	var env contracts.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return err
	}
	switch env.EventType {
	case contracts.EventOrderCreated:
		var evt contracts.OrderCreatedEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			return err
		}
		return proc.HandleOrderCreated(ctx, evt)
	default:
		return nil
	}
}

func dispatchPaymentEvent(ctx context.Context, orders *order.Service, msg messaging.Message) error {
	var env contracts.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return err
	}
	switch env.EventType {
	case contracts.EventPaymentSuccess, contracts.EventPaymentFailed:
		var evt contracts.PaymentResultEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			return err
		}
		return orders.ApplyPaymentResult(ctx, evt)
	default:
		return nil
	}
}

func TestSagaHappyPath(t *testing.T) {
	ctx := context.Background()
	s := newSaga(t, 1.0)

	o, err := s.orders.Create(ctx, 7, order.CreateRequest{
		Lines: []order.LineRequest{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if o.Status != order.StatusPaymentProcessing {
		t.Fatalf("status = %s, want %s", o.Status, order.StatusPaymentProcessing)
	}

	s.step(ctx)

	got, err := s.orders.Get(ctx, o.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if got.Status != order.StatusConfirmed {
		t.Fatalf("status = %s, want %s", got.Status, order.StatusConfirmed)
	}

	pay, err := s.payments.GetByOrder(ctx, o.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if pay.Status != payment.StatusSuccess {
		t.Fatalf("payment status = %s, want %s", pay.Status, payment.StatusSuccess)
	}
	if !pay.Amount.Equal(o.TotalAmount) {
		t.Fatalf("payment amount = %s, want %s", pay.Amount, o.TotalAmount)
	}

	kb, _ := s.products.Get(ctx, 1)
	if kb.Stock != 8 {
		t.Fatalf("stock = %d, want 8", kb.Stock)
	}
}

func TestSagaPaymentDeclined(t *testing.T) {
	ctx := context.Background()
	s := newSaga(t, 0.0)

	o, err := s.orders.Create(ctx, 7, order.CreateRequest{
		Lines: []order.LineRequest{{ProductID: 1, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	s.step(ctx)

	got, _ := s.orders.Get(ctx, o.ID)
	if got.Status != order.StatusPaymentFailed {
		t.Fatalf("status = %s, want %s", got.Status, order.StatusPaymentFailed)
	}

	// Failed payment keeps the reservation until the user cancels.
	kb, _ := s.products.Get(ctx, 1)
	if kb.Stock != 8 {
		t.Fatalf("stock = %d, want 8", kb.Stock)
	}

	if _, err := s.orders.Cancel(ctx, o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	kb, _ = s.products.Get(ctx, 1)
	if kb.Stock != 10 {
		t.Fatalf("stock after cancel = %d, want 10", kb.Stock)
	}
}

func TestSagaRedeliveredOrderEventChargesOnce(t *testing.T) {
	ctx := context.Background()
	s := newSaga(t, 1.0)

	o, err := s.orders.Create(ctx, 7, order.CreateRequest{
		Lines: []order.LineRequest{{ProductID: 1, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	evt := contracts.OrderCreatedEvent{
		EventType: contracts.EventOrderCreated,
		OrderID:   o.ID,
		UserID:    7,
		Amount:    o.TotalAmount,
		CreatedAt: time.Now().UTC(),
	}
	s.step(ctx)
	// Redeliver the same event after it was already processed.
	if err := s.payments.HandleOrderCreated(ctx, evt); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	s.step(ctx)

	payments, err := s.payments.ListByUser(ctx, 7)
	if err != nil {
		t.Fatalf("list payments: %v", err)
	}
	if len(payments) != 1 {
		t.Fatalf("payments = %d, want exactly 1", len(payments))
	}
	got, _ := s.orders.Get(ctx, o.ID)
	if got.Status != order.StatusConfirmed {
		t.Fatalf("status = %s, want %s", got.Status, order.StatusConfirmed)
	}
}

func TestSagaCancelBeforePaymentResultWins(t *testing.T) {
	ctx := context.Background()
	s := newSaga(t, 1.0)

	o, err := s.orders.Create(ctx, 7, order.CreateRequest{
		Lines: []order.LineRequest{{ProductID: 2, Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	// The user cancels while the payment result is still in flight.
	if _, err := s.orders.Cancel(ctx, o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	s.step(ctx)

	got, _ := s.orders.Get(ctx, o.ID)
	if got.Status != order.StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, order.StatusCancelled)
	}
	hub, _ := s.products.Get(ctx, 2)
	if hub.Stock != 3 {
		t.Fatalf("stock = %d, want 3 restored", hub.Stock)
	}
}
