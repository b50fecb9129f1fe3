package inventory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/carvery-erp/carvery-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetLot(ctx context.Context, id int64) (Lot, error)
	ListLots(ctx context.Context, f LotFilter) ([]Lot, error)
	ListMovements(ctx context.Context, f MovementFilter) ([]Movement, error)
	ListWasteRecords(ctx context.Context, warehouseID int64) ([]WasteRecord, error)
}

// WarehouseGate reports whether a warehouse accepts new lots and movements.
type WarehouseGate interface {
	IsActive(ctx context.Context, warehouseID int64) (bool, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Invalidator drops derived read-side state after a successful mutation.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// IdempotencyPort guards externally referenced postings against duplicate
// submission.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// MovementCounter tallies posted ledger movements.
type MovementCounter interface {
	CountMovement(movementType string)
}

// Service is the sole authority over lot quantity state. Every mutation
// locks the lot row and appends its ledger movement in one transaction.
type Service struct {
	repo        RepositoryPort
	warehouses  WarehouseGate
	audit       AuditPort
	idempotency IdempotencyPort
	invalidator Invalidator
	metrics     MovementCounter
	now         func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, warehouses WarehouseGate, audit AuditPort, idem IdempotencyPort, invalidator Invalidator) *Service {
	return &Service{
		repo:        repo,
		warehouses:  warehouses,
		audit:       audit,
		idempotency: idem,
		invalidator: invalidator,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// WithMetrics attaches a movement counter.
func (s *Service) WithMetrics(m MovementCounter) {
	s.metrics = m
}

func (s *Service) countMovements(types ...MovementType) {
	if s.metrics == nil {
		return
	}
	for _, t := range types {
		s.metrics.CountMovement(string(t))
	}
}

// maxRetries bounds retries on serialization conflicts.
const maxRetries = 3

func (s *Service) withRetry(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = s.repo.WithTx(ctx, fn)
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

// CreateLotInput describes a new physical batch entering a warehouse.
type CreateLotInput struct {
	ProductID      int64
	WarehouseID    int64
	LotNumber      string
	Qty            float64
	UnitCost       decimal.Decimal
	ProductionDate *time.Time
	ExpiryDate     *time.Time
	MovementType   MovementType
	RefType        string
	RefID          string
	ActorID        int64
	Notes          string
}

// ConsumeInput describes a quantity decrement against one lot.
type ConsumeInput struct {
	LotID        int64
	Qty          float64
	MovementType MovementType
	RefType      string
	RefID        string
	ActorID      int64
	UnitCost     *decimal.Decimal
	Notes        string
}

// ReceiveInput describes a quantity increment against an existing lot.
type ReceiveInput struct {
	LotID        int64
	Qty          float64
	MovementType MovementType
	RefType      string
	RefID        string
	ActorID      int64
	Notes        string
}

// CorrectionInput describes a signed stock correction applied by the
// adjustment workflow.
type CorrectionInput struct {
	LotID   int64
	Delta   float64
	RefType string
	RefID   string
	ActorID int64
	Notes   string
}

// CreateLot registers a lot with its opening movement. The internal lot
// code is generated inside the same transaction, unique per month.
func (s *Service) CreateLot(ctx context.Context, input CreateLotInput) (Lot, error) {
	if input.ProductID == 0 || input.WarehouseID == 0 {
		return Lot{}, fmt.Errorf("%w: product and warehouse required", ErrValidation)
	}
	if input.Qty <= 0 {
		return Lot{}, fmt.Errorf("%w: initial quantity must be positive", ErrValidation)
	}
	if input.UnitCost.IsNegative() {
		return Lot{}, fmt.Errorf("%w: unit cost must not be negative", ErrValidation)
	}
	movementType := input.MovementType
	if movementType == "" {
		movementType = MovementInitial
	}
	switch movementType {
	case MovementInitial, MovementPurchase, MovementTransfer:
	default:
		return Lot{}, fmt.Errorf("%w: %s cannot open a lot", ErrValidation, movementType)
	}
	if err := s.checkWarehouse(ctx, input.WarehouseID); err != nil {
		return Lot{}, err
	}

	release, err := s.claimIdempotency(ctx, "lot", movementType, input.RefType, input.RefID)
	if err != nil {
		return Lot{}, err
	}

	now := s.now()
	var created Lot
	err = s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		seq, err := tx.NextLotSequence(ctx, now.Format("0601"))
		if err != nil {
			return err
		}
		lot := Lot{
			ProductID:      input.ProductID,
			WarehouseID:    input.WarehouseID,
			LotNumber:      input.LotNumber,
			LotCode:        fmt.Sprintf("INT-%s-%04d", now.Format("0601"), seq),
			InitialQty:     input.Qty,
			CurrentQty:     input.Qty,
			ReservedQty:    0,
			UnitCost:       input.UnitCost,
			TotalCost:      input.UnitCost.Mul(decimal.NewFromFloat(input.Qty)),
			ProductionDate: input.ProductionDate,
			ExpiryDate:     input.ExpiryDate,
			EntryDate:      now,
			Status:         LotAvailable,
			Notes:          input.Notes,
		}
		lotID, err := tx.InsertLot(ctx, lot)
		if err != nil {
			return err
		}
		lot.ID = lotID
		if _, err := tx.InsertMovement(ctx, Movement{
			Type:         movementType,
			ProductID:    input.ProductID,
			WarehouseID:  input.WarehouseID,
			LotID:        lotID,
			Qty:          input.Qty,
			UnitCost:     input.UnitCost,
			RefType:      input.RefType,
			RefID:        input.RefID,
			ActorID:      input.ActorID,
			Notes:        input.Notes,
			MovementDate: now,
		}); err != nil {
			return err
		}
		created = lot
		return nil
	})
	if err != nil {
		release()
		return Lot{}, err
	}
	s.countMovements(movementType)
	s.afterMutation(ctx, input.ActorID, "LOT_CREATE", created.ID, map[string]any{
		"lot_code":     created.LotCode,
		"product_id":   created.ProductID,
		"warehouse_id": created.WarehouseID,
		"qty":          created.InitialQty,
	})
	return created, nil
}

// Consume decrements a lot through a negative ledger movement. Quantity is
// drawn from unreserved stock only.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (Lot, Movement, error) {
	if input.Qty <= 0 {
		return Lot{}, Movement{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	switch input.MovementType {
	case MovementSale, MovementTransfer, MovementWaste:
	default:
		return Lot{}, Movement{}, fmt.Errorf("%w: %s is not a consuming movement", ErrValidation, input.MovementType)
	}

	release, err := s.claimIdempotency(ctx, "consume", input.MovementType, input.RefType, input.RefID)
	if err != nil {
		return Lot{}, Movement{}, err
	}

	var lot Lot
	var movement Movement
	err = s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, movement, err = s.consumeInTx(ctx, tx, input)
		return err
	})
	if err != nil {
		release()
		return Lot{}, Movement{}, err
	}
	s.countMovements(input.MovementType)
	s.afterMutation(ctx, input.ActorID, fmt.Sprintf("LOT_%s", input.MovementType), lot.ID, map[string]any{
		"qty":    input.Qty,
		"ref_id": input.RefID,
	})
	return lot, movement, nil
}

// consumeInTx holds the shared decrement path used by Consume, Transfer and
// RecordWaste. The caller owns the transaction.
func (s *Service) consumeInTx(ctx context.Context, tx TxRepository, input ConsumeInput) (Lot, Movement, error) {
	lot, err := tx.GetLotForUpdate(ctx, input.LotID)
	if err != nil {
		return Lot{}, Movement{}, err
	}
	if !lot.Consumable() {
		return Lot{}, Movement{}, fmt.Errorf("%w: lot %s is %s", ErrLotNotAvailable, lot.LotCode, lot.Status)
	}
	if input.Qty > lot.AvailableQty()+qtyEpsilon {
		return Lot{}, Movement{}, fmt.Errorf("%w: requested %.3f, available %.3f", ErrInsufficientStock, input.Qty, lot.AvailableQty())
	}
	newQty := lot.CurrentQty - input.Qty
	if math.Abs(newQty) < qtyEpsilon {
		newQty = 0
	}
	status := lot.Status
	if newQty == 0 {
		status = LotSoldOut
	}
	if err := tx.UpdateLotState(ctx, lot.ID, newQty, lot.ReservedQty, status); err != nil {
		return Lot{}, Movement{}, err
	}
	unitCost := lot.UnitCost
	if input.UnitCost != nil {
		unitCost = *input.UnitCost
	}
	movement := Movement{
		Type:         input.MovementType,
		ProductID:    lot.ProductID,
		WarehouseID:  lot.WarehouseID,
		LotID:        lot.ID,
		Qty:          -input.Qty,
		UnitCost:     unitCost,
		RefType:      input.RefType,
		RefID:        input.RefID,
		ActorID:      input.ActorID,
		Notes:        input.Notes,
		MovementDate: s.now(),
	}
	movementID, err := tx.InsertMovement(ctx, movement)
	if err != nil {
		return Lot{}, Movement{}, err
	}
	movement.ID = movementID
	lot.CurrentQty = newQty
	lot.Status = status
	return lot, movement, nil
}

// Receive increments an existing lot through a positive ledger movement.
func (s *Service) Receive(ctx context.Context, input ReceiveInput) (Lot, Movement, error) {
	if input.Qty <= 0 {
		return Lot{}, Movement{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	switch input.MovementType {
	case MovementPurchase, MovementTransfer:
	default:
		return Lot{}, Movement{}, fmt.Errorf("%w: %s is not a receiving movement", ErrValidation, input.MovementType)
	}

	release, err := s.claimIdempotency(ctx, "receive", input.MovementType, input.RefType, input.RefID)
	if err != nil {
		return Lot{}, Movement{}, err
	}

	var lot Lot
	var movement Movement
	err = s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if lot.Status == LotExpired || lot.Status == LotDamaged {
			return fmt.Errorf("%w: lot %s is %s", ErrLotNotAvailable, lot.LotCode, lot.Status)
		}
		// Inactive warehouses take no new stock; draining them stays allowed.
		if err := s.checkWarehouse(ctx, lot.WarehouseID); err != nil {
			return err
		}
		newQty := lot.CurrentQty + input.Qty
		status := lot.Status
		if status == LotSoldOut {
			status = LotAvailable
		}
		if err := tx.UpdateLotState(ctx, lot.ID, newQty, lot.ReservedQty, status); err != nil {
			return err
		}
		movement = Movement{
			Type:         input.MovementType,
			ProductID:    lot.ProductID,
			WarehouseID:  lot.WarehouseID,
			LotID:        lot.ID,
			Qty:          input.Qty,
			UnitCost:     lot.UnitCost,
			RefType:      input.RefType,
			RefID:        input.RefID,
			ActorID:      input.ActorID,
			Notes:        input.Notes,
			MovementDate: s.now(),
		}
		movementID, err := tx.InsertMovement(ctx, movement)
		if err != nil {
			return err
		}
		movement.ID = movementID
		lot.CurrentQty = newQty
		lot.Status = status
		return nil
	})
	if err != nil {
		release()
		return Lot{}, Movement{}, err
	}
	s.countMovements(input.MovementType)
	s.afterMutation(ctx, input.ActorID, fmt.Sprintf("LOT_%s_IN", input.MovementType), lot.ID, map[string]any{
		"qty":    input.Qty,
		"ref_id": input.RefID,
	})
	return lot, movement, nil
}

// Reserve earmarks quantity for a pending transaction. Reservation is a
// counter, not a status transition.
func (s *Service) Reserve(ctx context.Context, lotID int64, qty float64, actorID int64) (Lot, error) {
	return s.adjustReservation(ctx, lotID, qty, actorID, "LOT_RESERVE")
}

// Release returns reserved quantity to the available pool.
func (s *Service) Release(ctx context.Context, lotID int64, qty float64, actorID int64) (Lot, error) {
	return s.adjustReservation(ctx, lotID, -qty, actorID, "LOT_RELEASE")
}

func (s *Service) adjustReservation(ctx context.Context, lotID int64, delta float64, actorID int64, action string) (Lot, error) {
	if delta == 0 {
		return Lot{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	var lot Lot
	err := s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		lot, err = tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		if !lot.Consumable() {
			return fmt.Errorf("%w: lot %s is %s", ErrLotNotAvailable, lot.LotCode, lot.Status)
		}
		newReserved := lot.ReservedQty + delta
		if newReserved < -qtyEpsilon || newReserved > lot.CurrentQty+qtyEpsilon {
			return fmt.Errorf("%w: reserved quantity must stay within [0, %.3f]", ErrValidation, lot.CurrentQty)
		}
		if math.Abs(newReserved) < qtyEpsilon {
			newReserved = 0
		}
		if err := tx.UpdateLotState(ctx, lot.ID, lot.CurrentQty, newReserved, lot.Status); err != nil {
			return err
		}
		lot.ReservedQty = newReserved
		return nil
	})
	if err != nil {
		return Lot{}, err
	}
	s.afterMutation(ctx, actorID, action, lot.ID, map[string]any{"delta": delta})
	return lot, nil
}

// ApplyCorrections posts one ADJUSTMENT movement per item, mutating each
// lot by its signed delta, in a single all-or-nothing transaction. Lots are
// locked in ascending id order. A physical count may legitimately raise a
// lot above its initial quantity.
//
// A batch carrying an external reference posts at most once per reference:
// resubmitting it after a commit returns ErrIdempotencyConflict instead of
// doubling the corrections.
func (s *Service) ApplyCorrections(ctx context.Context, items []CorrectionInput) ([]Movement, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one correction required", ErrValidation)
	}
	ordered := make([]CorrectionInput, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].LotID < ordered[j].LotID })

	release, err := s.claimIdempotency(ctx, "correction", MovementAdjustment, ordered[0].RefType, ordered[0].RefID)
	if err != nil {
		return nil, err
	}

	var movements []Movement
	err = s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		movements = movements[:0]
		for _, item := range ordered {
			if item.Delta == 0 {
				continue
			}
			lot, err := tx.GetLotForUpdate(ctx, item.LotID)
			if err != nil {
				return err
			}
			newQty := lot.CurrentQty + item.Delta
			if math.Abs(newQty) < qtyEpsilon {
				newQty = 0
			}
			if newQty < 0 {
				return fmt.Errorf("%w: correction of %.3f would drive lot %s negative", ErrInsufficientStock, item.Delta, lot.LotCode)
			}
			if newQty < lot.ReservedQty-qtyEpsilon {
				return fmt.Errorf("%w: correction of %.3f would undercut %.3f reserved on lot %s", ErrInsufficientStock, item.Delta, lot.ReservedQty, lot.LotCode)
			}
			status := lot.Status
			switch {
			case newQty == 0 && status != LotExpired && status != LotDamaged:
				status = LotSoldOut
			case newQty > 0 && status == LotSoldOut:
				status = LotAvailable
			}
			if err := tx.UpdateLotState(ctx, lot.ID, newQty, lot.ReservedQty, status); err != nil {
				return err
			}
			movement := Movement{
				Type:         MovementAdjustment,
				ProductID:    lot.ProductID,
				WarehouseID:  lot.WarehouseID,
				LotID:        lot.ID,
				Qty:          item.Delta,
				UnitCost:     lot.UnitCost,
				RefType:      item.RefType,
				RefID:        item.RefID,
				ActorID:      item.ActorID,
				Notes:        item.Notes,
				MovementDate: s.now(),
			}
			movementID, err := tx.InsertMovement(ctx, movement)
			if err != nil {
				return err
			}
			movement.ID = movementID
			movements = append(movements, movement)
		}
		return nil
	})
	if err != nil {
		release()
		return nil, err
	}
	for _, m := range movements {
		s.countMovements(m.Type)
	}
	if len(ordered) > 0 {
		s.afterMutation(ctx, ordered[0].ActorID, "LOT_CORRECTION", ordered[0].LotID, map[string]any{
			"items":  len(ordered),
			"ref_id": ordered[0].RefID,
		})
	}
	return movements, nil
}

// GetLot returns one lot.
func (s *Service) GetLot(ctx context.Context, id int64) (Lot, error) {
	if id <= 0 {
		return Lot{}, fmt.Errorf("%w: lot id required", ErrValidation)
	}
	return s.repo.GetLot(ctx, id)
}

// ListLots lists lots matching the filter.
func (s *Service) ListLots(ctx context.Context, f LotFilter) ([]Lot, error) {
	return s.repo.ListLots(ctx, f)
}

// ListMovements lists ledger entries matching the filter.
func (s *Service) ListMovements(ctx context.Context, f MovementFilter) ([]Movement, error) {
	return s.repo.ListMovements(ctx, f)
}

func (s *Service) checkWarehouse(ctx context.Context, warehouseID int64) error {
	if s.warehouses == nil {
		return nil
	}
	active, err := s.warehouses.IsActive(ctx, warehouseID)
	if err != nil {
		return err
	}
	if !active {
		return fmt.Errorf("%w: warehouse %d is inactive", ErrValidation, warehouseID)
	}
	return nil
}

// claimIdempotency guards externally referenced postings against duplicate
// submission. The returned func rolls the key back after a failed posting.
func (s *Service) claimIdempotency(ctx context.Context, op string, mt MovementType, refType, refID string) (func(), error) {
	if s.idempotency == nil || refID == "" {
		return func() {}, nil
	}
	key := fmt.Sprintf("%s:%s:%s:%s", op, mt, refType, refID)
	if err := s.idempotency.CheckAndInsert(ctx, key, "inventory"); err != nil {
		return nil, err
	}
	return func() { _ = s.idempotency.Delete(ctx, key) }, nil
}

func (s *Service) afterMutation(ctx context.Context, actorID int64, action string, lotID int64, meta map[string]any) {
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actorID,
			Action:   action,
			Entity:   "lot",
			EntityID: fmt.Sprintf("%d", lotID),
			Meta:     meta,
		})
	}
	if s.invalidator != nil {
		_ = s.invalidator.Bump(ctx)
	}
}
