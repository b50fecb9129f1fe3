package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// WasteInput describes a spoilage or loss event.
type WasteInput struct {
	WarehouseID   int64
	ProductID     int64
	LotID         int64
	Type          WasteType
	Qty           float64
	Reason        string
	WasteDate     time.Time
	ResponsibleID int64
	ActorID       int64
	PhotoURL      string
}

// RecordWaste decrements the lot, posts the WASTE movement and persists the
// immutable waste record, all in one transaction. Total cost is the wasted
// quantity priced at the lot's unit cost.
func (s *Service) RecordWaste(ctx context.Context, input WasteInput) (WasteRecord, error) {
	if input.Qty <= 0 {
		return WasteRecord{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if strings.TrimSpace(input.Reason) == "" {
		return WasteRecord{}, fmt.Errorf("%w: reason required", ErrValidation)
	}
	switch input.Type {
	case WasteExpiry, WasteDamage, WasteTheft, WasteTemperature, WasteQuality, WasteOther:
	default:
		return WasteRecord{}, fmt.Errorf("%w: unknown waste type %q", ErrValidation, input.Type)
	}
	if input.LotID == 0 {
		return WasteRecord{}, fmt.Errorf("%w: lot required", ErrValidation)
	}

	wasteDate := input.WasteDate
	if wasteDate.IsZero() {
		wasteDate = s.now()
	}

	var record WasteRecord
	err := s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		lot, movement, err := s.consumeInTx(ctx, tx, ConsumeInput{
			LotID:        input.LotID,
			Qty:          input.Qty,
			MovementType: MovementWaste,
			RefType:      "WASTE",
			ActorID:      input.ActorID,
			Notes:        input.Reason,
		})
		if err != nil {
			return err
		}
		if input.WarehouseID != 0 && lot.WarehouseID != input.WarehouseID {
			return fmt.Errorf("%w: lot %s is not in warehouse %d", ErrValidation, lot.LotCode, input.WarehouseID)
		}
		record = WasteRecord{
			WarehouseID:   lot.WarehouseID,
			ProductID:     lot.ProductID,
			LotID:         lot.ID,
			MovementID:    movement.ID,
			Type:          input.Type,
			Qty:           input.Qty,
			UnitCost:      lot.UnitCost,
			TotalCost:     lot.UnitCost.Mul(decimal.NewFromFloat(input.Qty)),
			Reason:        input.Reason,
			ResponsibleID: input.ResponsibleID,
			WasteDate:     wasteDate,
			PhotoURL:      input.PhotoURL,
		}
		id, err := tx.InsertWasteRecord(ctx, record)
		if err != nil {
			return err
		}
		record.ID = id
		return nil
	})
	if err != nil {
		return WasteRecord{}, err
	}
	s.countMovements(MovementWaste)
	s.afterMutation(ctx, input.ActorID, "LOT_WASTE", input.LotID, map[string]any{
		"type":       string(input.Type),
		"qty":        input.Qty,
		"total_cost": record.TotalCost.String(),
	})
	return record, nil
}

// ListWasteRecords lists waste events for a warehouse.
func (s *Service) ListWasteRecords(ctx context.Context, warehouseID int64) ([]WasteRecord, error) {
	if warehouseID <= 0 {
		return nil, fmt.Errorf("%w: warehouse id required", ErrValidation)
	}
	return s.repo.ListWasteRecords(ctx, warehouseID)
}
