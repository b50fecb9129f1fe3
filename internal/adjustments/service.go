package adjustments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carvery-erp/carvery-erp/internal/inventory"
	"github.com/carvery-erp/carvery-erp/internal/shared"
)

// RepositoryPort abstracts repository usage for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Adjustment, error)
	List(ctx context.Context, f Filter) ([]Adjustment, error)
}

// InventoryPort is the slice of the lot store the workflow needs. Applying
// an adjustment never touches lot rows directly; every quantity change goes
// through ApplyCorrections.
type InventoryPort interface {
	GetLot(ctx context.Context, id int64) (inventory.Lot, error)
	ApplyCorrections(ctx context.Context, items []inventory.CorrectionInput) ([]inventory.Movement, error)
}

// ApprovalPort persists the approval trail.
type ApprovalPort interface {
	Record(ctx context.Context, log shared.ApprovalLog) error
	List(ctx context.Context, module string, refID int64) ([]shared.ApprovalLog, error)
}

// AuditPort abstracts audit logging.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

const approvalModule = "adjustments"

// Service drives the adjustment workflow.
type Service struct {
	repo      RepositoryPort
	inv       InventoryPort
	approvals ApprovalPort
	audit     AuditPort
	now       func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, inv InventoryPort, approvals ApprovalPort, audit AuditPort) *Service {
	return &Service{
		repo:      repo,
		inv:       inv,
		approvals: approvals,
		audit:     audit,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNow overrides the service clock for testing.
func (s *Service) WithNow(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// ItemInput names a counted lot and what was physically observed.
type ItemInput struct {
	LotID       int64
	PhysicalQty float64
}

// CreateInput describes a new adjustment draft.
type CreateInput struct {
	WarehouseID    int64
	Type           AdjustmentType
	AdjustmentDate time.Time
	Reason         string
	Notes          string
	CreatedBy      int64
	Items          []ItemInput
}

// Create opens a DRAFT adjustment, snapshotting each lot's system quantity
// and unit cost at count time.
func (s *Service) Create(ctx context.Context, input CreateInput) (Adjustment, error) {
	if input.WarehouseID == 0 {
		return Adjustment{}, fmt.Errorf("%w: warehouse required", ErrValidation)
	}
	switch input.Type {
	case TypePhysicalCount, TypeDamage, TypeLoss, TypeCorrection:
	default:
		return Adjustment{}, fmt.Errorf("%w: unknown adjustment type %q", ErrValidation, input.Type)
	}
	if strings.TrimSpace(input.Reason) == "" {
		return Adjustment{}, fmt.Errorf("%w: reason required", ErrValidation)
	}
	if len(input.Items) == 0 {
		return Adjustment{}, fmt.Errorf("%w: at least one item required", ErrValidation)
	}

	items, err := s.snapshotItems(ctx, input.WarehouseID, input.Items)
	if err != nil {
		return Adjustment{}, err
	}

	now := s.now()
	date := input.AdjustmentDate
	if date.IsZero() {
		date = now
	}
	adj := Adjustment{
		Number:         fmt.Sprintf("ADJ-%s-%06d", now.Format("060102"), now.UnixNano()%1000000),
		WarehouseID:    input.WarehouseID,
		Type:           input.Type,
		Status:         StatusDraft,
		AdjustmentDate: date,
		CreatedBy:      input.CreatedBy,
		Reason:         input.Reason,
		Notes:          input.Notes,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, adj)
		if err != nil {
			return err
		}
		adj.ID = id
		for i := range items {
			items[i].AdjustmentID = id
			itemID, err := tx.InsertItem(ctx, items[i])
			if err != nil {
				return err
			}
			items[i].ID = itemID
		}
		adj.Items = items
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordAudit(ctx, input.CreatedBy, "ADJUSTMENT_CREATE", adj.ID, map[string]any{
		"number": adj.Number,
		"type":   string(adj.Type),
		"items":  len(adj.Items),
	})
	return adj, nil
}

// UpdateItems replaces the item list of a DRAFT adjustment. System
// quantities and unit costs are re-snapshotted from current lot state.
func (s *Service) UpdateItems(ctx context.Context, id int64, inputs []ItemInput, actorID int64) (Adjustment, error) {
	if len(inputs) == 0 {
		return Adjustment{}, fmt.Errorf("%w: at least one item required", ErrValidation)
	}
	var updated Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if adj.Status != StatusDraft {
			return fmt.Errorf("%w: items are editable only in %s, adjustment %s is %s",
				ErrInvalidState, StatusDraft, adj.Number, adj.Status)
		}
		items, err := s.snapshotItems(ctx, adj.WarehouseID, inputs)
		if err != nil {
			return err
		}
		if err := tx.DeleteItems(ctx, id); err != nil {
			return err
		}
		for i := range items {
			items[i].AdjustmentID = id
			itemID, err := tx.InsertItem(ctx, items[i])
			if err != nil {
				return err
			}
			items[i].ID = itemID
		}
		adj.Items = items
		updated = adj
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordAudit(ctx, actorID, "ADJUSTMENT_UPDATE_ITEMS", id, map[string]any{"items": len(updated.Items)})
	return updated, nil
}

func (s *Service) snapshotItems(ctx context.Context, warehouseID int64, inputs []ItemInput) ([]AdjustmentItem, error) {
	seen := make(map[int64]bool, len(inputs))
	items := make([]AdjustmentItem, 0, len(inputs))
	for _, in := range inputs {
		if in.LotID == 0 {
			return nil, fmt.Errorf("%w: lot required on every item", ErrValidation)
		}
		if in.PhysicalQty < 0 {
			return nil, fmt.Errorf("%w: physical quantity must not be negative", ErrValidation)
		}
		if seen[in.LotID] {
			return nil, fmt.Errorf("%w: lot %d listed twice", ErrValidation, in.LotID)
		}
		seen[in.LotID] = true
		lot, err := s.inv.GetLot(ctx, in.LotID)
		if err != nil {
			return nil, err
		}
		if lot.WarehouseID != warehouseID {
			return nil, fmt.Errorf("%w: lot %s is not in warehouse %d", ErrValidation, lot.LotCode, warehouseID)
		}
		items = append(items, AdjustmentItem{
			LotID:       lot.ID,
			SystemQty:   lot.CurrentQty,
			PhysicalQty: in.PhysicalQty,
			UnitCost:    lot.UnitCost,
		})
	}
	return items, nil
}

// Approve moves a DRAFT adjustment to APPROVED and records the approval.
func (s *Service) Approve(ctx context.Context, id, approverID int64, note string) (Adjustment, error) {
	var approved Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(adj.Status, StatusApproved) {
			return fmt.Errorf("%w: cannot approve %s adjustment %s", ErrInvalidState, adj.Status, adj.Number)
		}
		if len(adj.Items) == 0 {
			return fmt.Errorf("%w: cannot approve an adjustment without items", ErrValidation)
		}
		now := s.now()
		if err := tx.SetApproved(ctx, id, approverID, note, now); err != nil {
			return err
		}
		adj.Status = StatusApproved
		adj.ApprovedBy = approverID
		adj.ApprovalNotes = note
		adj.ApprovedAt = &now
		approved = adj
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordApproval(ctx, id, approverID, shared.ApprovalApprove, note)
	s.recordAudit(ctx, approverID, "ADJUSTMENT_APPROVE", id, nil)
	return approved, nil
}

// Apply posts the stored differences to the lot store and marks the
// adjustment APPLIED. The corrections land in one all-or-nothing inventory
// transaction; items whose physical count matched the snapshot post nothing.
func (s *Service) Apply(ctx context.Context, id, applierID int64) (Adjustment, error) {
	var applied Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(adj.Status, StatusApplied) {
			return fmt.Errorf("%w: cannot apply %s adjustment %s", ErrInvalidState, adj.Status, adj.Number)
		}
		corrections := make([]inventory.CorrectionInput, 0, len(adj.Items))
		for _, item := range adj.Items {
			if item.Difference() == 0 {
				continue
			}
			corrections = append(corrections, inventory.CorrectionInput{
				LotID:   item.LotID,
				Delta:   item.Difference(),
				RefType: "ADJUSTMENT",
				RefID:   adj.Number,
				ActorID: applierID,
				Notes:   fmt.Sprintf("%s: %s", adj.Type, adj.Reason),
			})
		}
		if len(corrections) > 0 {
			// The lot store posts a correction batch at most once per
			// adjustment number. When a previous attempt committed the
			// corrections but failed the status write, the retry hits
			// the duplicate guard and only finishes the transition.
			if _, err := s.inv.ApplyCorrections(ctx, corrections); err != nil && !errors.Is(err, shared.ErrIdempotencyConflict) {
				return err
			}
		}
		now := s.now()
		if err := tx.SetApplied(ctx, id, applierID, now); err != nil {
			return err
		}
		adj.Status = StatusApplied
		adj.AppliedBy = applierID
		adj.AppliedAt = &now
		applied = adj
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordApproval(ctx, id, applierID, shared.ApprovalApply, "")
	s.recordAudit(ctx, applierID, "ADJUSTMENT_APPLY", id, map[string]any{"number": applied.Number})
	return applied, nil
}

// Cancel voids a DRAFT or APPROVED adjustment. Cancelled documents never
// touch stock.
func (s *Service) Cancel(ctx context.Context, id, actorID int64, note string) (Adjustment, error) {
	var cancelled Adjustment
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		adj, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !CanTransition(adj.Status, StatusCancelled) {
			return fmt.Errorf("%w: cannot cancel %s adjustment %s", ErrInvalidState, adj.Status, adj.Number)
		}
		if err := tx.SetCancelled(ctx, id); err != nil {
			return err
		}
		adj.Status = StatusCancelled
		cancelled = adj
		return nil
	})
	if err != nil {
		return Adjustment{}, err
	}
	s.recordApproval(ctx, id, actorID, shared.ApprovalCancel, note)
	s.recordAudit(ctx, actorID, "ADJUSTMENT_CANCEL", id, nil)
	return cancelled, nil
}

// Get returns one adjustment with items.
func (s *Service) Get(ctx context.Context, id int64) (Adjustment, error) {
	if id <= 0 {
		return Adjustment{}, fmt.Errorf("%w: adjustment id required", ErrValidation)
	}
	return s.repo.Get(ctx, id)
}

// List returns adjustments matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]Adjustment, error) {
	return s.repo.List(ctx, f)
}

// ApprovalHistory returns the approval trail of an adjustment.
func (s *Service) ApprovalHistory(ctx context.Context, id int64) ([]shared.ApprovalLog, error) {
	if s.approvals == nil {
		return nil, nil
	}
	return s.approvals.List(ctx, approvalModule, id)
}

func (s *Service) recordApproval(ctx context.Context, id, actorID int64, action shared.ApprovalAction, note string) {
	if s.approvals == nil {
		return
	}
	_ = s.approvals.Record(ctx, shared.ApprovalLog{
		Module:  approvalModule,
		RefID:   id,
		ActorID: actorID,
		Action:  action,
		Note:    note,
		At:      s.now(),
	})
}

func (s *Service) recordAudit(ctx context.Context, actorID int64, action string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	_ = s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   action,
		Entity:   "adjustment",
		EntityID: fmt.Sprintf("%d", id),
		Meta:     meta,
	})
}
