package masterdata

import (
	"context"
	"fmt"
)

// WarehouseStore abstracts warehouse persistence for the service.
type WarehouseStore interface {
	GetWarehouse(ctx context.Context, id int64) (Warehouse, error)
	ListWarehouses(ctx context.Context) ([]Warehouse, error)
}

// Service exposes warehouse lookups and the active-flag gate.
type Service struct {
	repo WarehouseStore
}

// NewService constructs Service.
func NewService(repo WarehouseStore) *Service {
	return &Service{repo: repo}
}

// Get returns a warehouse by id.
func (s *Service) Get(ctx context.Context, id int64) (Warehouse, error) {
	if id <= 0 {
		return Warehouse{}, fmt.Errorf("%w: warehouse id required", ErrValidation)
	}
	return s.repo.GetWarehouse(ctx, id)
}

// List returns every warehouse.
func (s *Service) List(ctx context.Context) ([]Warehouse, error) {
	return s.repo.ListWarehouses(ctx)
}

// IsActive reports whether the warehouse accepts new lots and movements.
func (s *Service) IsActive(ctx context.Context, id int64) (bool, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return w.IsActive, nil
}
