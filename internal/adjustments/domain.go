// Package adjustments implements the manual stock-correction workflow: a
// bounded state machine (DRAFT, APPROVED, APPLIED, CANCELLED) whose apply
// step is the only path that touches lot quantities.
package adjustments

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// AdjustmentType enumerates correction reasons.
type AdjustmentType string

const (
	TypePhysicalCount AdjustmentType = "PHYSICAL_COUNT"
	TypeDamage        AdjustmentType = "DAMAGE"
	TypeLoss          AdjustmentType = "LOSS"
	TypeCorrection    AdjustmentType = "CORRECTION"
)

// Status enumerates workflow states.
type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusApproved  Status = "APPROVED"
	StatusApplied   Status = "APPLIED"
	StatusCancelled Status = "CANCELLED"
)

// transitions is the full state machine. APPLIED and CANCELLED are terminal.
var transitions = map[Status][]Status{
	StatusDraft:    {StatusApproved, StatusCancelled},
	StatusApproved: {StatusApplied, StatusCancelled},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Adjustment is a stock-correction document.
type Adjustment struct {
	ID             int64            `json:"id"`
	Number         string           `json:"number"`
	WarehouseID    int64            `json:"warehouse_id"`
	Type           AdjustmentType   `json:"type"`
	Status         Status           `json:"status"`
	AdjustmentDate time.Time        `json:"adjustment_date"`
	CreatedBy      int64            `json:"created_by"`
	ApprovedBy     int64            `json:"approved_by,omitempty"`
	AppliedBy      int64            `json:"applied_by,omitempty"`
	ApprovedAt     *time.Time       `json:"approved_at,omitempty"`
	AppliedAt      *time.Time       `json:"applied_at,omitempty"`
	Reason         string           `json:"reason"`
	Notes          string           `json:"notes,omitempty"`
	ApprovalNotes  string           `json:"approval_notes,omitempty"`
	Items          []AdjustmentItem `json:"items"`
}

// AdjustmentItem snapshots one counted lot. SystemQty and UnitCost are
// captured when the item is added; the recorded variance reflects what was
// physically observed, not later drift.
type AdjustmentItem struct {
	ID           int64           `json:"id"`
	AdjustmentID int64           `json:"adjustment_id"`
	LotID        int64           `json:"lot_id"`
	SystemQty    float64         `json:"system_qty"`
	PhysicalQty  float64         `json:"physical_qty"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
}

// Difference is the signed correction the apply step will post.
func (i AdjustmentItem) Difference() float64 {
	return i.PhysicalQty - i.SystemQty
}

// CostImpact prices the difference at the snapshotted unit cost.
func (i AdjustmentItem) CostImpact() decimal.Decimal {
	return decimal.NewFromFloat(i.Difference()).Mul(i.UnitCost)
}

var (
	// ErrInvalidState occurs when an action violates the status workflow.
	ErrInvalidState = errors.New("adjustments: invalid state transition")
	// ErrValidation indicates invalid input.
	ErrValidation = errors.New("adjustments: invalid input")
	// ErrNotFound indicates a missing adjustment.
	ErrNotFound = errors.New("adjustments: not found")
)
