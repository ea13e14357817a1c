package inventory

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// NoWarehouse is the warehouse id of a line that is not bound to any
// warehouse. It is a distinct key value, never a wildcard.
const NoWarehouse int64 = 0

// LineKey identifies an inventory line and is the unit of exclusive
// acquisition.
type LineKey struct {
	ProductID   int64
	StoreID     int64
	WarehouseID int64
}

// NewLineKey builds a key from optional warehouse input. A nil warehouse maps
// to NoWarehouse.
func NewLineKey(productID, storeID int64, warehouseID *int64) LineKey {
	k := LineKey{ProductID: productID, StoreID: storeID, WarehouseID: NoWarehouse}
	if warehouseID != nil {
		k.WarehouseID = *warehouseID
	}
	return k
}

// Validate checks that the identities are usable.
func (k LineKey) Validate() error {
	if k.ProductID <= 0 {
		return NewValidationError("product_id", "is required")
	}
	if k.StoreID <= 0 {
		return NewValidationError("store_id", "is required")
	}
	if k.WarehouseID < 0 {
		return NewValidationError("warehouse_id", "cannot be negative")
	}
	return nil
}

// HasWarehouse reports whether the line is bound to a real warehouse.
func (k LineKey) HasWarehouse() bool {
	return k.WarehouseID != NoWarehouse
}

// String renders the key as product:store:warehouse, with "-" for no warehouse.
func (k LineKey) String() string {
	if !k.HasWarehouse() {
		return fmt.Sprintf("%d:%d:-", k.ProductID, k.StoreID)
	}
	return fmt.Sprintf("%d:%d:%d", k.ProductID, k.StoreID, k.WarehouseID)
}

// Less orders keys by product, store, warehouse.
func (k LineKey) Less(o LineKey) bool {
	if k.ProductID != o.ProductID {
		return k.ProductID < o.ProductID
	}
	if k.StoreID != o.StoreID {
		return k.StoreID < o.StoreID
	}
	return k.WarehouseID < o.WarehouseID
}

// InventoryLine is the materialized balance of one line. OnHand may be
// negative; Reserved never is.
type InventoryLine struct {
	Key            LineKey
	OnHand         decimal.Decimal
	Reserved       decimal.Decimal
	LastMovementAt *time.Time
}

// NewInventoryLine returns the zero balance of a never-touched line.
func NewInventoryLine(key LineKey) InventoryLine {
	return InventoryLine{
		Key:      key,
		OnHand:   decimal.Zero,
		Reserved: decimal.Zero,
	}
}

// Available is on-hand minus reserved. It is always derived.
func (l InventoryLine) Available() decimal.Decimal {
	return l.OnHand.Sub(l.Reserved)
}

// WithDelta returns the line after applying the deltas. It fails with a
// ConsistencyError if reserved would become negative.
func (l InventoryLine) WithDelta(onHandDelta, reservedDelta decimal.Decimal, at time.Time) (InventoryLine, error) {
	reserved := l.Reserved.Add(reservedDelta)
	if reserved.IsNegative() {
		return l, NewConsistencyError(l.Key, "reserved would become %s", reserved.StringFixed(QuantityScale))
	}
	next := l
	next.OnHand = l.OnHand.Add(onHandDelta)
	next.Reserved = reserved
	if !onHandDelta.IsZero() {
		t := at
		next.LastMovementAt = &t
	}
	return next, nil
}
