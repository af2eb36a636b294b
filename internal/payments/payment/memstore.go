package payment

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by the tests.
type MemStore struct {
	mu       sync.Mutex
	nextID   int64
	payments map[int64]*Payment
	byOrder  map[int64]int64
}

func NewMemStore() *MemStore {
	return &MemStore{
		payments: make(map[int64]*Payment),
		byOrder:  make(map[int64]int64),
	}
}

func (s *MemStore) CreateProcessing(ctx context.Context, p *Payment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byOrder[p.OrderID]; exists {
		return false, nil
	}

	s.nextID++
	now := time.Now().UTC()
	p.ID = s.nextID
	p.Status = StatusProcessing
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := *p
	s.payments[p.ID] = &cp
	s.byOrder[p.OrderID] = p.ID
	return true, nil
}

func (s *MemStore) Get(ctx context.Context, id int64) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) GetByOrder(ctx context.Context, orderID int64) (*Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byOrder[orderID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *s.payments[id]
	return &cp, nil
}

func (s *MemStore) ListByUser(ctx context.Context, userID int64) ([]Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Payment
	for id := int64(1); id <= s.nextID; id++ {
		if p, ok := s.payments[id]; ok && p.UserID == userID {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemStore) Update(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.payments[p.ID]
	if !ok {
		return ErrPaymentNotFound
	}
	cp := *p
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.payments[p.ID] = &cp
	return nil
}
