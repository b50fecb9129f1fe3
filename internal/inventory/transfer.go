package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferInput describes an inter-warehouse stock move.
type TransferInput struct {
	SourceWarehouseID      int64
	DestinationWarehouseID int64
	ProductID              int64
	LotID                  int64
	Qty                    float64
	ActorID                int64
	Notes                  string
}

// TransferResult links the two legs of a completed transfer.
type TransferResult struct {
	TransferID  string   `json:"transfer_id"`
	SourceLot   Lot      `json:"source_lot"`
	DestLot     Lot      `json:"dest_lot"`
	OutMovement Movement `json:"out_movement"`
	InMovement  Movement `json:"in_movement"`
}

// Transfer moves quantity from a source lot to a freshly created lot in the
// destination warehouse. Both legs commit in one transaction; the
// destination lot carries the source unit cost and batch metadata, and both
// movements share one transfer reference.
func (s *Service) Transfer(ctx context.Context, input TransferInput) (TransferResult, error) {
	if input.SourceWarehouseID == 0 || input.DestinationWarehouseID == 0 {
		return TransferResult{}, fmt.Errorf("%w: source and destination warehouse required", ErrValidation)
	}
	if input.SourceWarehouseID == input.DestinationWarehouseID {
		return TransferResult{}, fmt.Errorf("%w: source and destination warehouse must differ", ErrValidation)
	}
	if input.Qty <= 0 {
		return TransferResult{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if err := s.checkWarehouse(ctx, input.DestinationWarehouseID); err != nil {
		return TransferResult{}, err
	}

	transferID := uuid.NewString()
	var result TransferResult
	err := s.withRetry(ctx, func(ctx context.Context, tx TxRepository) error {
		source, err := tx.GetLotForUpdate(ctx, input.LotID)
		if err != nil {
			return err
		}
		if source.WarehouseID != input.SourceWarehouseID {
			return fmt.Errorf("%w: lot %s is not in warehouse %d", ErrValidation, source.LotCode, input.SourceWarehouseID)
		}
		if input.ProductID != 0 && source.ProductID != input.ProductID {
			return fmt.Errorf("%w: lot %s holds a different product", ErrValidation, source.LotCode)
		}

		sourceLot, outMovement, err := s.consumeInTx(ctx, tx, ConsumeInput{
			LotID:        source.ID,
			Qty:          input.Qty,
			MovementType: MovementTransfer,
			RefType:      "TRANSFER",
			RefID:        transferID,
			ActorID:      input.ActorID,
			Notes:        fmt.Sprintf("Transfer to warehouse %d: %s", input.DestinationWarehouseID, input.Notes),
		})
		if err != nil {
			return err
		}

		now := s.now()
		seq, err := tx.NextLotSequence(ctx, now.Format("0601"))
		if err != nil {
			return err
		}
		dest := Lot{
			ProductID:      source.ProductID,
			WarehouseID:    input.DestinationWarehouseID,
			LotNumber:      source.LotNumber,
			LotCode:        fmt.Sprintf("INT-%s-%04d", now.Format("0601"), seq),
			InitialQty:     input.Qty,
			CurrentQty:     input.Qty,
			UnitCost:       source.UnitCost,
			TotalCost:      source.UnitCost.Mul(decimal.NewFromFloat(input.Qty)),
			ProductionDate: source.ProductionDate,
			ExpiryDate:     source.ExpiryDate,
			EntryDate:      now,
			Status:         LotAvailable,
			Notes:          fmt.Sprintf("Transfer from warehouse %d, lot %s", input.SourceWarehouseID, source.LotCode),
		}
		destID, err := tx.InsertLot(ctx, dest)
		if err != nil {
			return err
		}
		dest.ID = destID
		inMovement := Movement{
			Type:         MovementTransfer,
			ProductID:    source.ProductID,
			WarehouseID:  input.DestinationWarehouseID,
			LotID:        destID,
			Qty:          input.Qty,
			UnitCost:     source.UnitCost,
			RefType:      "TRANSFER",
			RefID:        transferID,
			ActorID:      input.ActorID,
			Notes:        fmt.Sprintf("Transfer from warehouse %d: %s", input.SourceWarehouseID, input.Notes),
			MovementDate: now,
		}
		inID, err := tx.InsertMovement(ctx, inMovement)
		if err != nil {
			return err
		}
		inMovement.ID = inID

		result = TransferResult{
			TransferID:  transferID,
			SourceLot:   sourceLot,
			DestLot:     dest,
			OutMovement: outMovement,
			InMovement:  inMovement,
		}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.countMovements(MovementTransfer, MovementTransfer)
	s.afterMutation(ctx, input.ActorID, "LOT_TRANSFER", input.LotID, map[string]any{
		"transfer_id": transferID,
		"qty":         input.Qty,
		"src":         input.SourceWarehouseID,
		"dst":         input.DestinationWarehouseID,
	})
	return result, nil
}
