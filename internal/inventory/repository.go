package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carvery-erp/carvery-erp/internal/platform/db"
)

// Repository persists lots, movements and waste records in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations used by the service. Every
// lot mutation and its ledger append run through one of these inside a
// single transaction.
type TxRepository interface {
	GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error)
	InsertLot(ctx context.Context, lot Lot) (int64, error)
	UpdateLotState(ctx context.Context, lotID int64, currentQty, reservedQty float64, status LotStatus) error
	InsertMovement(ctx context.Context, m Movement) (int64, error)
	NextLotSequence(ctx context.Context, period string) (int64, error)
	InsertWasteRecord(ctx context.Context, rec WasteRecord) (int64, error)
}

type txRepo struct {
	tx pgx.Tx
}

// WithTx wraps the callback in a repeatable-read transaction. Serialization
// failures and deadlocks surface as ErrConcurrencyConflict so the service
// can retry.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	wrapper := &txRepo{tx: tx}
	if err := fn(ctx, wrapper); err != nil {
		_ = tx.Rollback(ctx)
		if db.IsSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		if db.IsSerializationFailure(err) {
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
		return err
	}
	return nil
}

const lotColumns = `id, product_id, warehouse_id, lot_number, lot_code, initial_qty, current_qty, reserved_qty,
unit_cost, total_cost, production_date, expiry_date, entry_date, status, notes, updated_at`

func scanLot(row pgx.Row) (Lot, error) {
	var lot Lot
	var status string
	err := row.Scan(&lot.ID, &lot.ProductID, &lot.WarehouseID, &lot.LotNumber, &lot.LotCode,
		&lot.InitialQty, &lot.CurrentQty, &lot.ReservedQty, &lot.UnitCost, &lot.TotalCost,
		&lot.ProductionDate, &lot.ExpiryDate, &lot.EntryDate, &status, &lot.Notes, &lot.UpdatedAt)
	if err != nil {
		return Lot{}, err
	}
	lot.Status = LotStatus(status)
	return lot, nil
}

// GetLot returns one lot by id.
func (r *Repository) GetLot(ctx context.Context, id int64) (Lot, error) {
	lot, err := scanLot(r.pool.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

// ListLots returns lots matching the filter ordered by entry date.
func (r *Repository) ListLots(ctx context.Context, f LotFilter) ([]Lot, error) {
	query := `SELECT ` + lotColumns + ` FROM lots WHERE 1=1`
	args := []any{}
	pos := 1
	if f.ProductID != 0 {
		query += fmt.Sprintf(" AND product_id=$%d", pos)
		args = append(args, f.ProductID)
		pos++
	}
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
	query += " ORDER BY entry_date, id"
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ListMovements returns ledger entries matching the filter, ordered by
// movement date ascending and insertion order on ties.
func (r *Repository) ListMovements(ctx context.Context, f MovementFilter) ([]Movement, error) {
	query := `SELECT id, type, product_id, warehouse_id, COALESCE(lot_id,0), qty, unit_cost,
ref_type, ref_id, actor_id, notes, movement_date FROM movements WHERE 1=1`
	args := []any{}
	pos := 1
	if f.ProductID != 0 {
		query += fmt.Sprintf(" AND product_id=$%d", pos)
		args = append(args, f.ProductID)
		pos++
	}
	if f.WarehouseID != 0 {
		query += fmt.Sprintf(" AND warehouse_id=$%d", pos)
		args = append(args, f.WarehouseID)
		pos++
	}
	if f.LotID != 0 {
		query += fmt.Sprintf(" AND lot_id=$%d", pos)
		args = append(args, f.LotID)
		pos++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND type=$%d", pos)
		args = append(args, string(f.Type))
		pos++
	}
	if !f.From.IsZero() {
		query += fmt.Sprintf(" AND movement_date >= $%d", pos)
		args = append(args, f.From)
		pos++
	}
	if !f.To.IsZero() {
		query += fmt.Sprintf(" AND movement_date <= $%d", pos)
		args = append(args, f.To)
		pos++
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	query += fmt.Sprintf(" ORDER BY movement_date, id LIMIT $%d", pos)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Movement
	for rows.Next() {
		var m Movement
		var mtype string
		if err := rows.Scan(&m.ID, &mtype, &m.ProductID, &m.WarehouseID, &m.LotID, &m.Qty,
			&m.UnitCost, &m.RefType, &m.RefID, &m.ActorID, &m.Notes, &m.MovementDate); err != nil {
			return nil, err
		}
		m.Type = MovementType(mtype)
		list = append(list, m)
	}
	return list, rows.Err()
}

// ListWasteRecords returns waste events for a warehouse, newest first.
func (r *Repository) ListWasteRecords(ctx context.Context, warehouseID int64) ([]WasteRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, warehouse_id, product_id, COALESCE(lot_id,0), movement_id,
type, qty, unit_cost, total_cost, reason, COALESCE(responsible_id,0), waste_date, COALESCE(photo_url,'')
FROM waste_records WHERE warehouse_id=$1 ORDER BY waste_date DESC, id DESC`, warehouseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []WasteRecord
	for rows.Next() {
		var rec WasteRecord
		var wtype string
		if err := rows.Scan(&rec.ID, &rec.WarehouseID, &rec.ProductID, &rec.LotID, &rec.MovementID,
			&wtype, &rec.Qty, &rec.UnitCost, &rec.TotalCost, &rec.Reason, &rec.ResponsibleID,
			&rec.WasteDate, &rec.PhotoURL); err != nil {
			return nil, err
		}
		rec.Type = WasteType(wtype)
		list = append(list, rec)
	}
	return list, rows.Err()
}

func (r *txRepo) GetLotForUpdate(ctx context.Context, lotID int64) (Lot, error) {
	lot, err := scanLot(r.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM lots WHERE id=$1 FOR UPDATE`, lotID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Lot{}, ErrNotFound
		}
		return Lot{}, err
	}
	return lot, nil
}

func (r *txRepo) InsertLot(ctx context.Context, lot Lot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lots
(product_id, warehouse_id, lot_number, lot_code, initial_qty, current_qty, reserved_qty,
 unit_cost, total_cost, production_date, expiry_date, entry_date, status, notes, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NOW())
RETURNING id`,
		lot.ProductID, lot.WarehouseID, lot.LotNumber, lot.LotCode, lot.InitialQty,
		lot.CurrentQty, lot.ReservedQty, lot.UnitCost, lot.TotalCost,
		lot.ProductionDate, lot.ExpiryDate, lot.EntryDate, string(lot.Status), lot.Notes).Scan(&id)
	return id, err
}

func (r *txRepo) UpdateLotState(ctx context.Context, lotID int64, currentQty, reservedQty float64, status LotStatus) error {
	tag, err := r.tx.Exec(ctx, `UPDATE lots SET current_qty=$2, reserved_qty=$3, status=$4, updated_at=NOW() WHERE id=$1`,
		lotID, currentQty, reservedQty, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *txRepo) InsertMovement(ctx context.Context, m Movement) (int64, error) {
	var lotID any
	if m.LotID != 0 {
		lotID = m.LotID
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO movements
(type, product_id, warehouse_id, lot_id, qty, unit_cost, ref_type, ref_id, actor_id, notes, movement_date)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
RETURNING id`,
		string(m.Type), m.ProductID, m.WarehouseID, lotID, m.Qty, m.UnitCost,
		m.RefType, m.RefID, m.ActorID, m.Notes, m.MovementDate).Scan(&id)
	return id, err
}

func (r *txRepo) NextLotSequence(ctx context.Context, period string) (int64, error) {
	var n int64
	err := r.tx.QueryRow(ctx, `INSERT INTO lot_code_seq (period, n) VALUES ($1, 1)
ON CONFLICT (period) DO UPDATE SET n = lot_code_seq.n + 1
RETURNING n`, period).Scan(&n)
	return n, err
}

func (r *txRepo) InsertWasteRecord(ctx context.Context, rec WasteRecord) (int64, error) {
	var lotID any
	if rec.LotID != 0 {
		lotID = rec.LotID
	}
	var responsible any
	if rec.ResponsibleID != 0 {
		responsible = rec.ResponsibleID
	}
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO waste_records
(warehouse_id, product_id, lot_id, movement_id, type, qty, unit_cost, total_cost, reason, responsible_id, waste_date, photo_url)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id`,
		rec.WarehouseID, rec.ProductID, lotID, rec.MovementID, string(rec.Type), rec.Qty,
		rec.UnitCost, rec.TotalCost, rec.Reason, responsible, rec.WasteDate, rec.PhotoURL).Scan(&id)
	return id, err
}
