package inventory

import (
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LineRequest identifies an inventory line. A nil warehouse addresses the
// store-level line, which is distinct from every real warehouse.
type LineRequest struct {
	ProductID   int64  `json:"product_id" validate:"gt=0"`
	StoreID     int64  `json:"store_id" validate:"gt=0"`
	WarehouseID *int64 `json:"warehouse_id,omitempty" validate:"omitempty,gte=0"`
}

// Key returns the line key addressed by the request
func (r LineRequest) Key() inventory.LineKey {
	return inventory.NewLineKey(r.ProductID, r.StoreID, r.WarehouseID)
}

// ReceiveRequest adds stock to a line
type ReceiveRequest struct {
	LineRequest
	Quantity       decimal.Decimal  `json:"quantity" validate:"qty_positive"`
	UnitCost       *decimal.Decimal `json:"unit_cost,omitempty" validate:"omitempty,qty_nonneg"`
	Reference      string           `json:"reference" validate:"max=100"`
	Actor          string           `json:"actor" validate:"max=100"`
	IdempotencyKey string           `json:"idempotency_key,omitempty" validate:"max=128"`
}

// DepleteRequest removes stock from a line subject to the negative stock policy
type DepleteRequest struct {
	LineRequest
	Quantity       decimal.Decimal `json:"quantity" validate:"qty_positive"`
	Reference      string          `json:"reference" validate:"max=100"`
	Actor          string          `json:"actor" validate:"max=100"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=128"`
}

// AdjustCountRequest records a physical count for a line
type AdjustCountRequest struct {
	LineRequest
	Counted        decimal.Decimal `json:"counted" validate:"qty_nonneg"`
	Reference      string          `json:"reference" validate:"max=100"`
	Actor          string          `json:"actor" validate:"max=100"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"max=128"`
}

// MovementResult describes a committed stock change
type MovementResult struct {
	// MovementID is uuid.Nil when the operation did not need a movement
	MovementID uuid.UUID               `json:"movement_id"`
	Line       inventory.InventoryLine `json:"line"`
}

// DepletionResult is the outcome of a permitted depletion
type DepletionResult struct {
	MovementID uuid.UUID               `json:"movement_id"`
	Decision   inventory.Decision      `json:"decision"`
	Limit      decimal.Decimal         `json:"limit"`
	Line       inventory.InventoryLine `json:"line"`
}

// Warned reports whether the depletion left the line below zero
func (r *DepletionResult) Warned() bool {
	return r.Decision == inventory.DecisionAllowWarn
}

// SetLimitRequest overrides the negative stock floor of one product
type SetLimitRequest struct {
	ProductID int64           `json:"product_id" validate:"gt=0"`
	Limit     decimal.Decimal `json:"limit" validate:"qty_nonpos"`
}

// ReserveRequest places a hold against available stock
type ReserveRequest struct {
	LineRequest
	Quantity decimal.Decimal `json:"quantity" validate:"qty_positive"`
	// TTL falls back to the service default when zero
	TTL    time.Duration `json:"ttl"`
	Origin string        `json:"origin" validate:"max=100"`
}

// ConsumeRequest spends a reservation. A nil quantity consumes the remainder.
type ConsumeRequest struct {
	ReservationID uuid.UUID        `json:"reservation_id" validate:"required"`
	Quantity      *decimal.Decimal `json:"quantity,omitempty" validate:"omitempty,qty_positive"`
	Actor         string           `json:"actor" validate:"max=100"`
}

// ConsumeResult is the outcome of a consumption
type ConsumeResult struct {
	Reservation inventory.Reservation   `json:"reservation"`
	Consumed    decimal.Decimal         `json:"consumed"`
	MovementID  uuid.UUID               `json:"movement_id"`
	Line        inventory.InventoryLine `json:"line"`
}

// SweepStats summarizes one expiry sweep
type SweepStats struct {
	Scanned int `json:"scanned"`
	Expired int `json:"expired"`
	// Skipped counts reservations another caller settled first
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// TransferRequest moves stock between two locations of one product
type TransferRequest struct {
	ProductID   int64              `json:"product_id" validate:"gt=0"`
	Source      inventory.Location `json:"source"`
	Destination inventory.Location `json:"destination"`
	Quantity    decimal.Decimal    `json:"quantity" validate:"qty_positive"`
	Reference   string             `json:"reference" validate:"max=100"`
	Actor       string             `json:"actor" validate:"max=100"`
}

// TransferHistoryFilter narrows TransferHistory
type TransferHistoryFilter struct {
	ProductID *int64
	From      *time.Time
	To        *time.Time
}
