// Package inventory implements lot-level stock accounting: every quantity
// change flows through an append-only movement ledger in the same
// transaction as the lot mutation it describes.
package inventory

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MovementType enumerates supported ledger entries.
type MovementType string

const (
	// MovementPurchase records goods received against a purchase document.
	MovementPurchase MovementType = "PURCHASE"
	// MovementSale records stock consumed by a sale.
	MovementSale MovementType = "SALE"
	// MovementTransfer records one leg of an inter-warehouse transfer.
	MovementTransfer MovementType = "TRANSFER"
	// MovementAdjustment records a stock correction.
	MovementAdjustment MovementType = "ADJUSTMENT"
	// MovementWaste records spoilage or loss.
	MovementWaste MovementType = "WASTE"
	// MovementInitial records the opening quantity of a new lot.
	MovementInitial MovementType = "INITIAL"
)

// LotStatus enumerates lot lifecycle states.
type LotStatus string

const (
	// LotAvailable accepts consumption and receipt.
	LotAvailable LotStatus = "AVAILABLE"
	// LotReserved flags a lot administratively held back. Reservation of
	// quantity is tracked by ReservedQty, not by this status.
	LotReserved LotStatus = "RESERVED"
	// LotExpired is terminal; set when the expiry date passes.
	LotExpired LotStatus = "EXPIRED"
	// LotDamaged is terminal; set by administrative action.
	LotDamaged LotStatus = "DAMAGED"
	// LotSoldOut is reached automatically when quantity hits zero.
	LotSoldOut LotStatus = "SOLD_OUT"
)

// Lot models a physical batch of one product in one warehouse.
type Lot struct {
	ID             int64           `json:"id"`
	ProductID      int64           `json:"product_id"`
	WarehouseID    int64           `json:"warehouse_id"`
	LotNumber      string          `json:"lot_number"`
	LotCode        string          `json:"lot_code"`
	InitialQty     float64         `json:"initial_qty"`
	CurrentQty     float64         `json:"current_qty"`
	ReservedQty    float64         `json:"reserved_qty"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	TotalCost      decimal.Decimal `json:"total_cost"`
	ProductionDate *time.Time      `json:"production_date,omitempty"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	EntryDate      time.Time       `json:"entry_date"`
	Status         LotStatus       `json:"status"`
	Notes          string          `json:"notes,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// AvailableQty returns the quantity not held by reservations.
func (l Lot) AvailableQty() float64 {
	return l.CurrentQty - l.ReservedQty
}

// Consumable reports whether normal consumption may draw from the lot.
func (l Lot) Consumable() bool {
	return l.Status == LotAvailable || l.Status == LotReserved
}

// Movement is one append-only ledger entry. Quantity is signed: positive
// increases the lot, negative decreases it.
type Movement struct {
	ID           int64           `json:"id"`
	Type         MovementType    `json:"type"`
	ProductID    int64           `json:"product_id"`
	WarehouseID  int64           `json:"warehouse_id"`
	LotID        int64           `json:"lot_id,omitempty"`
	Qty          float64         `json:"qty"`
	UnitCost     decimal.Decimal `json:"unit_cost"`
	RefType      string          `json:"ref_type,omitempty"`
	RefID        string          `json:"ref_id,omitempty"`
	ActorID      int64           `json:"actor_id,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	MovementDate time.Time       `json:"movement_date"`
}

// WasteType enumerates spoilage causes.
type WasteType string

const (
	WasteExpiry      WasteType = "EXPIRY"
	WasteDamage      WasteType = "DAMAGE"
	WasteTheft       WasteType = "THEFT"
	WasteTemperature WasteType = "TEMPERATURE"
	WasteQuality     WasteType = "QUALITY"
	WasteOther       WasteType = "OTHER"
)

// WasteRecord is an immutable spoilage event tied to the WASTE movement it
// posted.
type WasteRecord struct {
	ID            int64           `json:"id"`
	WarehouseID   int64           `json:"warehouse_id"`
	ProductID     int64           `json:"product_id"`
	LotID         int64           `json:"lot_id,omitempty"`
	MovementID    int64           `json:"movement_id"`
	Type          WasteType       `json:"type"`
	Qty           float64         `json:"qty"`
	UnitCost      decimal.Decimal `json:"unit_cost"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	Reason        string          `json:"reason"`
	ResponsibleID int64           `json:"responsible_id,omitempty"`
	WasteDate     time.Time       `json:"waste_date"`
	PhotoURL      string          `json:"photo_url,omitempty"`
}

// StockSummary aggregates the lots of one product in one warehouse.
type StockSummary struct {
	ProductID      int64           `json:"product_id"`
	WarehouseID    int64           `json:"warehouse_id"`
	TotalQty       float64         `json:"total_qty"`
	AvailableQty   float64         `json:"available_qty"`
	ReservedQty    float64         `json:"reserved_qty"`
	AverageCost    decimal.Decimal `json:"average_cost"`
	TotalValue     decimal.Decimal `json:"total_value"`
	LotCount       int             `json:"lot_count"`
	EarliestExpiry *time.Time      `json:"earliest_expiry,omitempty"`
	Lots           []Lot           `json:"lots,omitempty"`
}

// StockFilter narrows stock aggregation.
type StockFilter struct {
	ProductID   int64
	WarehouseID int64
}

// LotFilter narrows lot listing.
type LotFilter struct {
	ProductID   int64
	WarehouseID int64
	Status      LotStatus
}

// MovementFilter narrows ledger listing. Results are ordered by movement
// date ascending, insertion order on ties.
type MovementFilter struct {
	ProductID   int64
	WarehouseID int64
	LotID       int64
	Type        MovementType
	From        time.Time
	To          time.Time
	Limit       int
}

var (
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("inventory: invalid input")
	// ErrInsufficientStock indicates a decrement beyond the unreserved quantity.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrLotNotAvailable indicates the lot status forbids the operation.
	ErrLotNotAvailable = errors.New("inventory: lot not available")
	// ErrConcurrencyConflict indicates a serialization conflict on the lot
	// row; callers retry a bounded number of times.
	ErrConcurrencyConflict = errors.New("inventory: concurrent modification")
	// ErrNotFound indicates a missing lot.
	ErrNotFound = errors.New("inventory: lot not found")
)

// qtyEpsilon bounds float comparisons on quantities.
const qtyEpsilon = 1e-9
