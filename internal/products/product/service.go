package product

import (
	"context"
	"fmt"
	"log/slog"
)

// Service exposes the catalog CRUD and the inventory ledger operations. The
// ledger side (ReduceStock/RestoreStock) is what the order saga depends on.
type Service struct {
	store  Store
	cache  *Cache
	logger *slog.Logger
}

func NewService(store Store, cache *Cache, logger *slog.Logger) *Service {
	return &Service{store: store, cache: cache, logger: logger}
}

func (s *Service) Create(ctx context.Context, p *Product) error {
	if p.Name == "" {
		return fmt.Errorf("product name is required")
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("price cannot be negative")
	}
	if p.Stock < 0 {
		return fmt.Errorf("stock cannot be negative")
	}
	if err := s.store.Create(ctx, p); err != nil {
		return err
	}
	s.logger.Info("product created", "product_id", p.ID, "name", p.Name)
	return nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Product, error) {
	if p, ok := s.cache.Get(ctx, id); ok {
		return p, nil
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, p)
	return p, nil
}

func (s *Service) List(ctx context.Context) ([]Product, error) {
	return s.store.List(ctx)
}

func (s *Service) Update(ctx context.Context, p *Product) error {
	if err := s.store.Update(ctx, p); err != nil {
		return err
	}
	s.cache.Evict(ctx, p.ID)
	return nil
}

func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Deactivate(ctx, id); err != nil {
		return err
	}
	s.cache.Evict(ctx, id)
	return nil
}

// ReduceStock atomically checks and decrements. Callers holding earlier
// decrements compensate with RestoreStock when a later line fails.
func (s *Service) ReduceStock(ctx context.Context, id int64, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	newStock, err := s.store.ReduceStock(ctx, id, quantity)
	if err != nil {
		return newStock, err
	}
	s.cache.Evict(ctx, id)
	s.logger.Info("stock reduced", "product_id", id, "quantity", quantity, "stock", newStock)
	return newStock, nil
}

// RestoreStock is the unconditional compensation increment.
func (s *Service) RestoreStock(ctx context.Context, id int64, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, ErrInvalidQuantity
	}
	newStock, err := s.store.RestoreStock(ctx, id, quantity)
	if err != nil {
		return newStock, err
	}
	s.cache.Evict(ctx, id)
	s.logger.Info("stock restored", "product_id", id, "quantity", quantity, "stock", newStock)
	return newStock, nil
}
