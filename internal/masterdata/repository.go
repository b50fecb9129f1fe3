package masterdata

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists warehouses in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetWarehouse returns one warehouse by id.
func (r *Repository) GetWarehouse(ctx context.Context, id int64) (Warehouse, error) {
	var w Warehouse
	var wtype string
	err := r.pool.QueryRow(ctx, `SELECT id, branch_id, code, name, type, is_active, created_at, updated_at
FROM warehouses WHERE id=$1`, id).
		Scan(&w.ID, &w.BranchID, &w.Code, &w.Name, &wtype, &w.IsActive, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, ErrNotFound
		}
		return Warehouse{}, err
	}
	w.Type = WarehouseType(wtype)
	return w, nil
}

// ListWarehouses returns all warehouses ordered by code.
func (r *Repository) ListWarehouses(ctx context.Context) ([]Warehouse, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, branch_id, code, name, type, is_active, created_at, updated_at
FROM warehouses ORDER BY code`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Warehouse
	for rows.Next() {
		var w Warehouse
		var wtype string
		if err := rows.Scan(&w.ID, &w.BranchID, &w.Code, &w.Name, &wtype, &w.IsActive, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		w.Type = WarehouseType(wtype)
		list = append(list, w)
	}
	return list, rows.Err()
}
