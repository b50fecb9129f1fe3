package adjustments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists adjustments and their items in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id int64) (Adjustment, error)
	Insert(ctx context.Context, adj Adjustment) (int64, error)
	InsertItem(ctx context.Context, item AdjustmentItem) (int64, error)
	DeleteItems(ctx context.Context, adjustmentID int64) error
	SetApproved(ctx context.Context, id, approverID int64, note string, at time.Time) error
	SetApplied(ctx context.Context, id, applierID int64, at time.Time) error
	SetCancelled(ctx context.Context, id int64) error
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx runs the callback in one transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	if err := fn(ctx, &txRepo{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Filter narrows adjustment listings.
type Filter struct {
	WarehouseID int64
	Status      Status
	Type        AdjustmentType
	Limit       int
}

const adjustmentColumns = `id, number, warehouse_id, type, status, adjustment_date, created_by,
COALESCE(approved_by,0), COALESCE(applied_by,0), approved_at, applied_at, reason,
COALESCE(notes,''), COALESCE(approval_notes,'')`

func scanAdjustment(row pgx.Row) (Adjustment, error) {
	var adj Adjustment
	var atype, status string
	err := row.Scan(&adj.ID, &adj.Number, &adj.WarehouseID, &atype, &status, &adj.AdjustmentDate,
		&adj.CreatedBy, &adj.ApprovedBy, &adj.AppliedBy, &adj.ApprovedAt, &adj.AppliedAt,
		&adj.Reason, &adj.Notes, &adj.ApprovalNotes)
	if err != nil {
		return Adjustment{}, err
	}
	adj.Type = AdjustmentType(atype)
	adj.Status = Status(status)
	return adj, nil
}

// Get returns one adjustment with its items.
func (r *Repository) Get(ctx context.Context, id int64) (Adjustment, error) {
	adj, err := scanAdjustment(r.pool.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM adjustments WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, ErrNotFound
		}
		return Adjustment{}, err
	}
	items, err := r.listItems(ctx, id)
	if err != nil {
		return Adjustment{}, err
	}
	adj.Items = items
	return adj, nil
}

// List returns adjustments matching the filter, newest first, without items.
func (r *Repository) List(ctx context.Context, f Filter) ([]Adjustment, error) {
	query := `SELECT ` + adjustmentColumns + ` FROM adjustments WHERE 1=1`
	args := []any{}
	pos := 1
	if f.WarehouseID != 0 {
		query += fmt.Sprintf(" AND warehouse_id=$%d", pos)
		args = append(args, f.WarehouseID)
		pos++
	}
	if f.Status != "" {
		query += fmt.Sprintf(" AND status=$%d", pos)
		args = append(args, string(f.Status))
		pos++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND type=$%d", pos)
		args = append(args, string(f.Type))
		pos++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY adjustment_date DESC, id DESC LIMIT $%d", pos)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Adjustment
	for rows.Next() {
		adj, err := scanAdjustment(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, adj)
	}
	return list, rows.Err()
}

func (r *Repository) listItems(ctx context.Context, adjustmentID int64) ([]AdjustmentItem, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, adjustment_id, lot_id, system_qty, physical_qty, unit_cost
FROM adjustment_items WHERE adjustment_id=$1 ORDER BY id`, adjustmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []AdjustmentItem
	for rows.Next() {
		var item AdjustmentItem
		if err := rows.Scan(&item.ID, &item.AdjustmentID, &item.LotID, &item.SystemQty,
			&item.PhysicalQty, &item.UnitCost); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Adjustment, error) {
	adj, err := scanAdjustment(r.tx.QueryRow(ctx, `SELECT `+adjustmentColumns+` FROM adjustments WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Adjustment{}, ErrNotFound
		}
		return Adjustment{}, err
	}
	rows, err := r.tx.Query(ctx, `SELECT id, adjustment_id, lot_id, system_qty, physical_qty, unit_cost
FROM adjustment_items WHERE adjustment_id=$1 ORDER BY id`, id)
	if err != nil {
		return Adjustment{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item AdjustmentItem
		if err := rows.Scan(&item.ID, &item.AdjustmentID, &item.LotID, &item.SystemQty,
			&item.PhysicalQty, &item.UnitCost); err != nil {
			return Adjustment{}, err
		}
		adj.Items = append(adj.Items, item)
	}
	return adj, rows.Err()
}

func (r *txRepo) Insert(ctx context.Context, adj Adjustment) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO adjustments
(number, warehouse_id, type, status, adjustment_date, created_by, reason, notes)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
RETURNING id`,
		adj.Number, adj.WarehouseID, string(adj.Type), string(adj.Status),
		adj.AdjustmentDate, adj.CreatedBy, adj.Reason, adj.Notes).Scan(&id)
	return id, err
}

func (r *txRepo) InsertItem(ctx context.Context, item AdjustmentItem) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO adjustment_items
(adjustment_id, lot_id, system_qty, physical_qty, unit_cost)
VALUES ($1,$2,$3,$4,$5)
RETURNING id`,
		item.AdjustmentID, item.LotID, item.SystemQty, item.PhysicalQty, item.UnitCost).Scan(&id)
	return id, err
}

func (r *txRepo) DeleteItems(ctx context.Context, adjustmentID int64) error {
	_, err := r.tx.Exec(ctx, `DELETE FROM adjustment_items WHERE adjustment_id=$1`, adjustmentID)
	return err
}

func (r *txRepo) SetApproved(ctx context.Context, id, approverID int64, note string, at time.Time) error {
	return r.setStatus(ctx, `UPDATE adjustments SET status=$2, approved_by=$3, approval_notes=$4, approved_at=$5 WHERE id=$1`,
		id, string(StatusApproved), approverID, note, at)
}

func (r *txRepo) SetApplied(ctx context.Context, id, applierID int64, at time.Time) error {
	return r.setStatus(ctx, `UPDATE adjustments SET status=$2, applied_by=$3, applied_at=$4 WHERE id=$1`,
		id, string(StatusApplied), applierID, at)
}

func (r *txRepo) SetCancelled(ctx context.Context, id int64) error {
	return r.setStatus(ctx, `UPDATE adjustments SET status=$2 WHERE id=$1`, id, string(StatusCancelled))
}

func (r *txRepo) setStatus(ctx context.Context, query string, args ...any) error {
	tag, err := r.tx.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
