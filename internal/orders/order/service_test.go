package order

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"gokart/internal/orders/inventory"
	"gokart/pkg/contracts"

	"github.com/shopspring/decimal"
)

type memLedger struct {
	products map[int64]*inventory.Product
	failOn   int64
	reduces  int
	restores int
}

func newMemLedger() *memLedger {
	return &memLedger{products: map[int64]*inventory.Product{
		1: {ID: 1, Name: "Mechanical Keyboard", Price: decimal.NewFromFloat(79.99), Stock: 10},
		2: {ID: 2, Name: "USB-C Hub", Price: decimal.NewFromFloat(34.50), Stock: 3},
		3: {ID: 3, Name: "Webcam", Price: decimal.NewFromFloat(59.00), Stock: 0},
	}}
}

func (l *memLedger) Product(ctx context.Context, id int64) (*inventory.Product, error) {
	p, ok := l.products[id]
	if !ok {
		return nil, inventory.ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (l *memLedger) Reduce(ctx context.Context, id int64, qty int) error {
	if id == l.failOn {
		return errors.New("products service unavailable")
	}
	p, ok := l.products[id]
	if !ok {
		return inventory.ErrProductNotFound
	}
	if p.Stock < qty {
		return inventory.ErrInsufficientStock
	}
	p.Stock -= qty
	l.reduces++
	return nil
}

func (l *memLedger) Restore(ctx context.Context, id int64, qty int) error {
	p, ok := l.products[id]
	if !ok {
		return inventory.ErrProductNotFound
	}
	p.Stock += qty
	l.restores++
	return nil
}

type recordingPublisher struct {
	events []json.RawMessage
	keys   []string
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, append(json.RawMessage(nil), payload...))
	p.keys = append(p.keys, key)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) eventTypes(t *testing.T) []contracts.EventType {
	t.Helper()
	var types []contracts.EventType
	for _, raw := range p.events {
		var env contracts.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		types = append(types, env.EventType)
	}
	return types
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(store Store, ledger inventory.Ledger, pub *recordingPublisher, useOutbox bool) *Service {
	return NewService(store, ledger, pub, useOutbox, nil, testLogger())
}

func TestCreateReservesStockAndPublishes(t *testing.T) {
	store := NewMemStore()
	ledger := newMemLedger()
	pub := &recordingPublisher{}
	svc := newTestService(store, ledger, pub, false)

	o, err := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 1},
		},
		ShippingAddress: "221B Baker Street",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if o.Status != StatusPaymentProcessing {
		t.Fatalf("status = %s, want %s", o.Status, StatusPaymentProcessing)
	}
	want := decimal.NewFromFloat(194.48)
	if !o.TotalAmount.Equal(want) {
		t.Fatalf("total = %s, want %s", o.TotalAmount, want)
	}
	if o.Lines[0].ProductName != "Mechanical Keyboard" {
		t.Fatalf("product name snapshot missing: %+v", o.Lines[0])
	}
	if ledger.products[1].Stock != 8 || ledger.products[2].Stock != 2 {
		t.Fatalf("stock not decremented: %d, %d", ledger.products[1].Stock, ledger.products[2].Stock)
	}

	types := pub.eventTypes(t)
	if len(types) != 1 || types[0] != contracts.EventOrderCreated {
		t.Fatalf("published = %v, want one ORDER_CREATED", types)
	}
	if pub.keys[0] != "1" {
		t.Fatalf("partition key = %q, want order id", pub.keys[0])
	}
}

func TestCreateRollsBackEarlierDecrements(t *testing.T) {
	store := NewMemStore()
	ledger := newMemLedger()
	pub := &recordingPublisher{}
	svc := newTestService(store, ledger, pub, false)

	_, err := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{
			{ProductID: 1, Quantity: 2},
			{ProductID: 3, Quantity: 1}, // out of stock
		},
	})
	if !errors.Is(err, inventory.ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}

	if ledger.products[1].Stock != 10 {
		t.Fatalf("stock = %d, want rollback to 10", ledger.products[1].Stock)
	}
	if len(pub.events) != 0 {
		t.Fatalf("no event should be published, got %d", len(pub.events))
	}
	if _, err := store.Get(context.Background(), 1); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("no order should be persisted, got %v", err)
	}
}

func TestCreateRejectsEmptyAndInvalid(t *testing.T) {
	svc := newTestService(NewMemStore(), newMemLedger(), &recordingPublisher{}, false)

	if _, err := svc.Create(context.Background(), 7, CreateRequest{}); !errors.Is(err, ErrEmptyOrder) {
		t.Fatalf("empty order: err = %v", err)
	}
	_, err := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 0}},
	})
	if !errors.Is(err, ErrInvalidQuantity) {
		t.Fatalf("zero quantity: err = %v", err)
	}
}

func TestCreateUnknownProduct(t *testing.T) {
	ledger := newMemLedger()
	svc := newTestService(NewMemStore(), ledger, &recordingPublisher{}, false)

	_, err := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 99, Quantity: 1}},
	})
	if !errors.Is(err, inventory.ErrProductNotFound) {
		t.Fatalf("err = %v, want ErrProductNotFound", err)
	}
}

func TestCreatePublishFailureKeepsOrder(t *testing.T) {
	store := NewMemStore()
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := newTestService(store, newMemLedger(), pub, false)

	o, err := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := store.Get(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPaymentProcessing {
		t.Fatalf("status = %s, want %s", got.Status, StatusPaymentProcessing)
	}
}

func TestCreateWithOutboxStagesInsteadOfPublishing(t *testing.T) {
	store := NewMemStore()
	pub := &recordingPublisher{}
	svc := newTestService(store, newMemLedger(), pub, true)

	o, err := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if len(pub.events) != 0 {
		t.Fatalf("direct publish in outbox mode: %d events", len(pub.events))
	}
	if len(store.Outbox) != 1 {
		t.Fatalf("outbox records = %d, want 1", len(store.Outbox))
	}
	rec := store.Outbox[0]
	if rec.EventType != string(contracts.EventOrderCreated) {
		t.Fatalf("outbox event type = %s", rec.EventType)
	}
	var evt contracts.OrderCreatedEvent
	if err := json.Unmarshal(rec.Payload, &evt); err != nil {
		t.Fatalf("decode outbox payload: %v", err)
	}
	if evt.OrderID != o.ID || evt.EventID != rec.EventID {
		t.Fatalf("outbox payload mismatch: %+v vs record %+v", evt, rec)
	}
}

func TestCancelRestoresStock(t *testing.T) {
	store := NewMemStore()
	ledger := newMemLedger()
	pub := &recordingPublisher{}
	svc := newTestService(store, ledger, pub, false)

	o, err := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 4}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", cancelled.Status, StatusCancelled)
	}
	if ledger.products[1].Stock != 10 {
		t.Fatalf("stock = %d, want 10 restored", ledger.products[1].Stock)
	}

	types := pub.eventTypes(t)
	if len(types) != 2 || types[1] != contracts.EventOrderCancelled {
		t.Fatalf("published = %v, want ORDER_CREATED then ORDER_CANCELLED", types)
	}
}

func TestCancelShippedRejected(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store, newMemLedger(), &recordingPublisher{}, false)

	o, err := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.OverrideStatus(context.Background(), o.ID, StatusShipped); err != nil {
		t.Fatalf("override: %v", err)
	}

	if _, err := svc.Cancel(context.Background(), o.ID); !errors.Is(err, ErrInvalidCancellation) {
		t.Fatalf("err = %v, want ErrInvalidCancellation", err)
	}
}

func TestOverrideStatusRejectsUnknown(t *testing.T) {
	svc := newTestService(NewMemStore(), newMemLedger(), &recordingPublisher{}, false)
	if _, err := svc.OverrideStatus(context.Background(), 1, Status("LOST")); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("err = %v, want ErrInvalidStatus", err)
	}
}

func paymentResult(orderID int64, typ contracts.EventType) contracts.PaymentResultEvent {
	return contracts.PaymentResultEvent{
		EventType: typ,
		OrderID:   orderID,
	}
}

func TestApplyPaymentResultConfirms(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store, newMemLedger(), &recordingPublisher{}, false)

	o, _ := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 1}},
	})

	if err := svc.ApplyPaymentResult(context.Background(), paymentResult(o.ID, contracts.EventPaymentSuccess)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != StatusConfirmed {
		t.Fatalf("status = %s, want %s", got.Status, StatusConfirmed)
	}
}

func TestApplyPaymentResultFailure(t *testing.T) {
	store := NewMemStore()
	ledger := newMemLedger()
	svc := newTestService(store, ledger, &recordingPublisher{}, false)

	o, _ := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 2}},
	})

	if err := svc.ApplyPaymentResult(context.Background(), paymentResult(o.ID, contracts.EventPaymentFailed)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != StatusPaymentFailed {
		t.Fatalf("status = %s, want %s", got.Status, StatusPaymentFailed)
	}
	// Stock stays reserved on payment failure; release happens via cancel.
	if ledger.products[1].Stock != 8 {
		t.Fatalf("stock = %d, want 8", ledger.products[1].Stock)
	}
}

func TestApplyPaymentResultIdempotentOnRedelivery(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store, newMemLedger(), &recordingPublisher{}, false)

	o, _ := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 1}},
	})

	evt := paymentResult(o.ID, contracts.EventPaymentSuccess)
	for i := 0; i < 3; i++ {
		if err := svc.ApplyPaymentResult(context.Background(), evt); err != nil {
			t.Fatalf("apply #%d: %v", i, err)
		}
	}
	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != StatusConfirmed {
		t.Fatalf("status = %s, want %s", got.Status, StatusConfirmed)
	}
}

func TestLatePaymentSuccessDoesNotResurrectCancelledOrder(t *testing.T) {
	store := NewMemStore()
	svc := newTestService(store, newMemLedger(), &recordingPublisher{}, false)

	o, _ := svc.Create(context.Background(), 7, CreateRequest{
		Lines: []LineRequest{{ProductID: 1, Quantity: 1}},
	})
	if _, err := svc.Cancel(context.Background(), o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if err := svc.ApplyPaymentResult(context.Background(), paymentResult(o.ID, contracts.EventPaymentSuccess)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, _ := store.Get(context.Background(), o.ID)
	if got.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", got.Status, StatusCancelled)
	}
}

func TestApplyPaymentResultUnknownOrderDropped(t *testing.T) {
	svc := newTestService(NewMemStore(), newMemLedger(), &recordingPublisher{}, false)
	if err := svc.ApplyPaymentResult(context.Background(), paymentResult(404, contracts.EventPaymentSuccess)); err != nil {
		t.Fatalf("unknown order should be dropped, got %v", err)
	}
}
