package order

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by the tests. Staged outbox records
// are retained for inspection.
type MemStore struct {
	mu     sync.Mutex
	nextID int64
	orders map[int64]*Order
	Outbox []OutboxRecord
}

func NewMemStore() *MemStore {
	return &MemStore{orders: make(map[int64]*Order)}
}

func (s *MemStore) Create(ctx context.Context, o *Order, makeOutbox func(orderID int64) *OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	o.ID = s.nextID
	o.CreatedAt = now
	o.UpdatedAt = now

	s.orders[o.ID] = copyOrder(o)

	if makeOutbox != nil {
		if rec := makeOutbox(o.ID); rec != nil {
			s.Outbox = append(s.Outbox, *rec)
		}
	}
	return nil
}

func (s *MemStore) Get(ctx context.Context, id int64) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *MemStore) ListByUser(ctx context.Context, userID int64) ([]Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Order
	for id := s.nextID; id >= 1; id-- {
		if o, ok := s.orders[id]; ok && o.UserID == userID {
			result = append(result, *copyOrder(o))
		}
	}
	return result, nil
}

func (s *MemStore) UpdateStatus(ctx context.Context, id int64, status Status, outbox *OutboxRecord) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()

	if outbox != nil {
		s.Outbox = append(s.Outbox, *outbox)
	}
	return copyOrder(o), nil
}

func copyOrder(o *Order) *Order {
	cp := *o
	cp.Lines = make([]Line, len(o.Lines))
	copy(cp.Lines, o.Lines)
	return &cp
}
