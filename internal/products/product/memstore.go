package product

import (
	"context"
	"sync"
	"time"
)

// MemStore is a mutex-guarded in-memory Store. It backs the tests and gives
// the same single-writer-per-product semantics as the SQL implementation.
type MemStore struct {
	mu       sync.Mutex
	nextID   int64
	products map[int64]*Product
}

func NewMemStore() *MemStore {
	return &MemStore{products: make(map[int64]*Product)}
}

func (s *MemStore) Create(ctx context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	p.ID = s.nextID
	p.Active = true
	p.CreatedAt = now
	p.UpdatedAt = now

	cp := *p
	s.products[p.ID] = &cp
	return nil
}

func (s *MemStore) Get(ctx context.Context, id int64) (*Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok || !p.Active {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemStore) List(ctx context.Context) ([]Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []Product
	for id := int64(1); id <= s.nextID; id++ {
		if p, ok := s.products[id]; ok && p.Active {
			result = append(result, *p)
		}
	}
	return result, nil
}

func (s *MemStore) Update(ctx context.Context, p *Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[p.ID]
	if !ok || !existing.Active {
		return ErrProductNotFound
	}
	cp := *p
	cp.Active = true
	cp.CreatedAt = existing.CreatedAt
	cp.UpdatedAt = time.Now().UTC()
	s.products[p.ID] = &cp
	return nil
}

func (s *MemStore) Deactivate(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok || !p.Active {
		return ErrProductNotFound
	}
	p.Active = false
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) ReduceStock(ctx context.Context, id int64, quantity int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok || !p.Active {
		return 0, ErrProductNotFound
	}
	if p.Stock < quantity {
		return p.Stock, ErrInsufficientStock
	}
	p.Stock -= quantity
	p.UpdatedAt = time.Now().UTC()
	return p.Stock, nil
}

func (s *MemStore) RestoreStock(ctx context.Context, id int64, quantity int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[id]
	if !ok {
		return 0, ErrProductNotFound
	}
	p.Stock += quantity
	p.UpdatedAt = time.Now().UTC()
	return p.Stock, nil
}
