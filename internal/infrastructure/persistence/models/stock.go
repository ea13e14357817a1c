package models

import (
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InventoryLineModel is the persistence model for the materialized balance of
// one line. The composite primary key is the acquisition key; a line without
// a warehouse stores inventory.NoWarehouse.
type InventoryLineModel struct {
	ProductID      int64           `gorm:"primaryKey;autoIncrement:false"`
	StoreID        int64           `gorm:"primaryKey;autoIncrement:false"`
	WarehouseID    int64           `gorm:"primaryKey;autoIncrement:false"`
	OnHand         decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Reserved       decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	LastMovementAt *time.Time
	UpdatedAt      time.Time `gorm:"not null"`
}

// TableName returns the table name for GORM
func (InventoryLineModel) TableName() string {
	return "inventory_lines"
}

// ToDomain converts the persistence model to a domain InventoryLine
func (m *InventoryLineModel) ToDomain() inventory.InventoryLine {
	return inventory.InventoryLine{
		Key:            m.Key(),
		OnHand:         m.OnHand,
		Reserved:       m.Reserved,
		LastMovementAt: m.LastMovementAt,
	}
}

// Key returns the line key of the row
func (m *InventoryLineModel) Key() inventory.LineKey {
	return inventory.LineKey{ProductID: m.ProductID, StoreID: m.StoreID, WarehouseID: m.WarehouseID}
}

// InventoryLineModelFromDomain creates a persistence model from a domain line
func InventoryLineModelFromDomain(l inventory.InventoryLine, now time.Time) *InventoryLineModel {
	return &InventoryLineModel{
		ProductID:      l.Key.ProductID,
		StoreID:        l.Key.StoreID,
		WarehouseID:    l.Key.WarehouseID,
		OnHand:         l.OnHand,
		Reserved:       l.Reserved,
		LastMovementAt: l.LastMovementAt,
		UpdatedAt:      now,
	}
}

// MovementModel is the persistence model for a ledger entry. Seq is the
// global append order and orders the entries of a line.
type MovementModel struct {
	Seq            int64            `gorm:"primaryKey;autoIncrement"`
	ID             uuid.UUID        `gorm:"type:uuid;not null;uniqueIndex"`
	ProductID      int64            `gorm:"not null;index:idx_stock_movements_line,priority:1"`
	StoreID        int64            `gorm:"not null;index:idx_stock_movements_line,priority:2"`
	WarehouseID    int64            `gorm:"not null;index:idx_stock_movements_line,priority:3"`
	Kind           string           `gorm:"type:varchar(20);not null;index"`
	Quantity       decimal.Decimal  `gorm:"type:decimal(18,4);not null"`
	UnitCost       *decimal.Decimal `gorm:"type:decimal(18,4)"`
	Reference      string           `gorm:"type:varchar(100)"`
	Actor          string           `gorm:"type:varchar(100)"`
	OccurredAt     time.Time        `gorm:"not null;index"`
	TransferID     *uuid.UUID       `gorm:"type:uuid;index"`
	ReversesID     *uuid.UUID       `gorm:"type:uuid"`
	IdempotencyKey string           `gorm:"type:varchar(128);index"`
}

// TableName returns the table name for GORM
func (MovementModel) TableName() string {
	return "stock_movements"
}

// ToDomain converts the persistence model to a domain Movement
func (m *MovementModel) ToDomain() inventory.Movement {
	return inventory.Movement{
		ID:             m.ID,
		Key:            inventory.LineKey{ProductID: m.ProductID, StoreID: m.StoreID, WarehouseID: m.WarehouseID},
		Kind:           inventory.MovementKind(m.Kind),
		Quantity:       m.Quantity,
		UnitCost:       m.UnitCost,
		Reference:      m.Reference,
		Actor:          m.Actor,
		OccurredAt:     m.OccurredAt,
		TransferID:     m.TransferID,
		ReversesID:     m.ReversesID,
		IdempotencyKey: m.IdempotencyKey,
		Sequence:       m.Seq,
	}
}

// MovementModelFromDomain creates a persistence model from a domain movement.
// Seq is left zero so the database assigns it.
func MovementModelFromDomain(m *inventory.Movement) *MovementModel {
	return &MovementModel{
		ID:             m.ID,
		ProductID:      m.Key.ProductID,
		StoreID:        m.Key.StoreID,
		WarehouseID:    m.Key.WarehouseID,
		Kind:           string(m.Kind),
		Quantity:       m.Quantity,
		UnitCost:       m.UnitCost,
		Reference:      m.Reference,
		Actor:          m.Actor,
		OccurredAt:     m.OccurredAt,
		TransferID:     m.TransferID,
		ReversesID:     m.ReversesID,
		IdempotencyKey: m.IdempotencyKey,
	}
}

// ReservationModel is the persistence model for a reservation
type ReservationModel struct {
	ID               uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ProductID        int64           `gorm:"not null;index:idx_stock_reservations_line,priority:1"`
	StoreID          int64           `gorm:"not null;index:idx_stock_reservations_line,priority:2"`
	WarehouseID      int64           `gorm:"not null;index:idx_stock_reservations_line,priority:3"`
	Quantity         decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	OriginalQuantity decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	State            string          `gorm:"type:varchar(20);not null;index:idx_stock_reservations_expiry,priority:1"`
	Origin           string          `gorm:"type:varchar(100);index"`
	CreatedAt        time.Time       `gorm:"not null"`
	ExpiresAt        time.Time       `gorm:"not null;index:idx_stock_reservations_expiry,priority:2"`
	UpdatedAt        time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (ReservationModel) TableName() string {
	return "stock_reservations"
}

// ToDomain converts the persistence model to a domain Reservation
func (m *ReservationModel) ToDomain() *inventory.Reservation {
	return &inventory.Reservation{
		ID:               m.ID,
		Key:              inventory.LineKey{ProductID: m.ProductID, StoreID: m.StoreID, WarehouseID: m.WarehouseID},
		Quantity:         m.Quantity,
		OriginalQuantity: m.OriginalQuantity,
		State:            inventory.ReservationState(m.State),
		Origin:           m.Origin,
		CreatedAt:        m.CreatedAt,
		ExpiresAt:        m.ExpiresAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// ReservationModelFromDomain creates a persistence model from a domain reservation
func ReservationModelFromDomain(r *inventory.Reservation) *ReservationModel {
	return &ReservationModel{
		ID:               r.ID,
		ProductID:        r.Key.ProductID,
		StoreID:          r.Key.StoreID,
		WarehouseID:      r.Key.WarehouseID,
		Quantity:         r.Quantity,
		OriginalQuantity: r.OriginalQuantity,
		State:            string(r.State),
		Origin:           r.Origin,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

// TransferModel is the persistence model for a transfer record
type TransferModel struct {
	ID                uuid.UUID       `gorm:"type:uuid;primaryKey"`
	ProductID         int64           `gorm:"not null;index"`
	SourceStoreID     int64           `gorm:"not null"`
	SourceWarehouseID int64           `gorm:"not null"`
	DestStoreID       int64           `gorm:"not null"`
	DestWarehouseID   int64           `gorm:"not null"`
	Quantity          decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	State             string          `gorm:"type:varchar(20);not null;index"`
	Actor             string          `gorm:"type:varchar(100)"`
	OutMovementID     *uuid.UUID      `gorm:"type:uuid"`
	InMovementID      *uuid.UUID      `gorm:"type:uuid"`
	CompensationID    *uuid.UUID      `gorm:"type:uuid"`
	FailureReason     string          `gorm:"type:text"`
	CreatedAt         time.Time       `gorm:"not null"`
	UpdatedAt         time.Time       `gorm:"not null"`
}

// TableName returns the table name for GORM
func (TransferModel) TableName() string {
	return "stock_transfers"
}

// ToDomain converts the persistence model to a domain Transfer
func (m *TransferModel) ToDomain() *inventory.Transfer {
	return &inventory.Transfer{
		ID:             m.ID,
		ProductID:      m.ProductID,
		Source:         inventory.Location{StoreID: m.SourceStoreID, WarehouseID: m.SourceWarehouseID},
		Destination:    inventory.Location{StoreID: m.DestStoreID, WarehouseID: m.DestWarehouseID},
		Quantity:       m.Quantity,
		State:          inventory.TransferState(m.State),
		Actor:          m.Actor,
		OutMovementID:  m.OutMovementID,
		InMovementID:   m.InMovementID,
		CompensationID: m.CompensationID,
		FailureReason:  m.FailureReason,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// TransferModelFromDomain creates a persistence model from a domain transfer
func TransferModelFromDomain(t *inventory.Transfer) *TransferModel {
	return &TransferModel{
		ID:                t.ID,
		ProductID:         t.ProductID,
		SourceStoreID:     t.Source.StoreID,
		SourceWarehouseID: t.Source.WarehouseID,
		DestStoreID:       t.Destination.StoreID,
		DestWarehouseID:   t.Destination.WarehouseID,
		Quantity:          t.Quantity,
		State:             string(t.State),
		Actor:             t.Actor,
		OutMovementID:     t.OutMovementID,
		InMovementID:      t.InMovementID,
		CompensationID:    t.CompensationID,
		FailureReason:     t.FailureReason,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

// AllModels lists the models managed by this package, for AutoMigrate in tests
func AllModels() []any {
	return []any{
		&InventoryLineModel{},
		&MovementModel{},
		&ReservationModel{},
		&TransferModel{},
	}
}
