// Package masterdata owns reference entities consumed by the inventory
// core. The core treats warehouses as opaque scope keys plus an active
// flag gate.
package masterdata

import (
	"errors"
	"time"
)

// WarehouseType enumerates supported warehouse kinds.
type WarehouseType string

const (
	// WarehouseTypeColdRoom is refrigerated storage.
	WarehouseTypeColdRoom WarehouseType = "COLD_ROOM"
	// WarehouseTypeFreezer is frozen storage.
	WarehouseTypeFreezer WarehouseType = "FREEZER"
	// WarehouseTypeDry is ambient storage.
	WarehouseTypeDry WarehouseType = "DRY"
	// WarehouseTypeCounter is front-of-house display stock.
	WarehouseTypeCounter WarehouseType = "COUNTER"
)

// Warehouse represents a physical storage location.
type Warehouse struct {
	ID        int64         `json:"id"`
	BranchID  int64         `json:"branch_id"`
	Code      string        `json:"code"`
	Name      string        `json:"name"`
	Type      WarehouseType `json:"type"`
	IsActive  bool          `json:"is_active"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// ErrNotFound indicates a missing masterdata row.
var ErrNotFound = errors.New("masterdata: not found")

// ErrValidation indicates invalid input.
var ErrValidation = errors.New("masterdata: invalid input")
