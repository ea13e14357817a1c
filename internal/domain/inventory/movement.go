package inventory

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MovementKind is the type of a ledger entry
type MovementKind string

const (
	MovementIn          MovementKind = "IN"
	MovementOut         MovementKind = "OUT"
	MovementCountAdjust MovementKind = "COUNT_ADJUST"
	MovementTransferOut MovementKind = "TRANSFER_OUT"
	MovementTransferIn  MovementKind = "TRANSFER_IN"
)

// AllMovementKinds lists every kind in declaration order
var AllMovementKinds = []MovementKind{
	MovementIn, MovementOut, MovementCountAdjust, MovementTransferOut, MovementTransferIn,
}

// IsValid checks if the kind is known
func (k MovementKind) IsValid() bool {
	return slices.Contains(AllMovementKinds, k)
}

// IsInbound reports whether the kind always carries a positive quantity.
func (k MovementKind) IsInbound() bool {
	return k == MovementIn || k == MovementTransferIn
}

// IsOutbound reports whether the kind always carries a negative quantity.
func (k MovementKind) IsOutbound() bool {
	return k == MovementOut || k == MovementTransferOut
}

// Movement is an immutable ledger entry. Quantity is signed: inbound kinds
// are positive, outbound kinds negative, and COUNT_ADJUST carries the signed
// correction. Sequence is assigned by the ledger on append and orders the
// entries of one line.
type Movement struct {
	ID             uuid.UUID
	Key            LineKey
	Kind           MovementKind
	Quantity       decimal.Decimal
	UnitCost       *decimal.Decimal
	Reference      string
	Actor          string
	OccurredAt     time.Time
	TransferID     *uuid.UUID
	ReversesID     *uuid.UUID
	IdempotencyKey string
	Sequence       int64
}

// NewMovement validates and builds a movement.
func NewMovement(key LineKey, kind MovementKind, quantity decimal.Decimal, reference, actor string, at time.Time) (*Movement, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !kind.IsValid() {
		return nil, NewValidationError("kind", "unknown movement kind "+string(kind))
	}
	if quantity.IsZero() {
		return nil, NewValidationError("quantity", "cannot be zero")
	}
	if err := validateScale("quantity", quantity); err != nil {
		return nil, err
	}
	if kind.IsInbound() && quantity.IsNegative() {
		return nil, NewValidationError("quantity", "must be positive for "+string(kind))
	}
	if kind.IsOutbound() && quantity.IsPositive() {
		return nil, NewValidationError("quantity", "must be negative for "+string(kind))
	}
	return &Movement{
		ID:         uuid.New(),
		Key:        key,
		Kind:       kind,
		Quantity:   quantity,
		Reference:  reference,
		Actor:      actor,
		OccurredAt: at,
	}, nil
}

// WithUnitCost records the unit cost of an inbound movement
func (m *Movement) WithUnitCost(cost decimal.Decimal) *Movement {
	m.UnitCost = &cost
	return m
}

// WithTransfer tags the movement with a transfer id
func (m *Movement) WithTransfer(transferID uuid.UUID) *Movement {
	m.TransferID = &transferID
	return m
}

// WithReversal marks the movement as compensating another one
func (m *Movement) WithReversal(movementID uuid.UUID) *Movement {
	m.ReversesID = &movementID
	return m
}

// WithIdempotencyKey attaches the caller's deduplication key
func (m *Movement) WithIdempotencyKey(key string) *Movement {
	m.IdempotencyKey = key
	return m
}

// IsCompensation reports whether the movement reverses an earlier one.
func (m *Movement) IsCompensation() bool {
	return m.ReversesID != nil
}

// MovementFilter selects movements for Ledger.List. Nil fields match all.
// A WarehouseID pointing at NoWarehouse selects lines without a warehouse.
type MovementFilter struct {
	ProductID   *int64
	StoreID     *int64
	WarehouseID *int64
	Kinds       []MovementKind
	From        *time.Time // inclusive
	To          *time.Time // exclusive
	TransferID  *uuid.UUID
}

// ForLine returns a filter matching exactly one line.
func ForLine(key LineKey) MovementFilter {
	return MovementFilter{
		ProductID:   &key.ProductID,
		StoreID:     &key.StoreID,
		WarehouseID: &key.WarehouseID,
	}
}

// Validate checks the filter for contradictions.
func (f MovementFilter) Validate() error {
	for _, k := range f.Kinds {
		if !k.IsValid() {
			return NewValidationError("kinds", "unknown movement kind "+string(k))
		}
	}
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return NewValidationError("to", "must be after from")
	}
	return nil
}

// Matches reports whether m satisfies the filter.
func (f MovementFilter) Matches(m *Movement) bool {
	if f.ProductID != nil && m.Key.ProductID != *f.ProductID {
		return false
	}
	if f.StoreID != nil && m.Key.StoreID != *f.StoreID {
		return false
	}
	if f.WarehouseID != nil && m.Key.WarehouseID != *f.WarehouseID {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, m.Kind) {
		return false
	}
	if f.From != nil && m.OccurredAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !m.OccurredAt.Before(*f.To) {
		return false
	}
	if f.TransferID != nil && (m.TransferID == nil || *m.TransferID != *f.TransferID) {
		return false
	}
	return true
}

// CompareMovements orders movements by line, then append order.
func CompareMovements(a, b Movement) int {
	if a.Key != b.Key {
		if a.Key.Less(b.Key) {
			return -1
		}
		return 1
	}
	switch {
	case a.Sequence < b.Sequence:
		return -1
	case a.Sequence > b.Sequence:
		return 1
	}
	return 0
}
