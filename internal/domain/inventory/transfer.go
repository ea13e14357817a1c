package inventory

import (
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransferState is the lifecycle state of a transfer
type TransferState string

const (
	TransferPending          TransferState = "PENDING"
	TransferCommitted        TransferState = "COMMITTED"
	TransferFailedRolledBack TransferState = "FAILED_ROLLED_BACK"
)

// Location is a (store, warehouse) pair a product can be moved between
type Location struct {
	StoreID     int64 `json:"store_id"`
	WarehouseID int64 `json:"warehouse_id"`
}

// LineFor returns the inventory line of productID at this location.
func (l Location) LineFor(productID int64) LineKey {
	return LineKey{ProductID: productID, StoreID: l.StoreID, WarehouseID: l.WarehouseID}
}

// Transfer moves a quantity of one product between two locations.
// OutMovementID and InMovementID pair the two legs; CompensationID is set
// when the outbound leg was reversed.
type Transfer struct {
	ID             uuid.UUID
	ProductID      int64
	Source         Location
	Destination    Location
	Quantity       decimal.Decimal
	State          TransferState
	Actor          string
	OutMovementID  *uuid.UUID
	InMovementID   *uuid.UUID
	CompensationID *uuid.UUID
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ValidateTransferRequest checks a transfer request before any line is acquired.
func ValidateTransferRequest(productID int64, source, destination Location, quantity decimal.Decimal) error {
	if err := source.LineFor(productID).Validate(); err != nil {
		return err
	}
	if err := destination.LineFor(productID).Validate(); err != nil {
		return err
	}
	if source == destination {
		return NewValidationError("destination", "must differ from source")
	}
	return ValidatePositiveQuantity("quantity", quantity)
}

// NewTransfer creates a PENDING transfer. The request must already be validated.
func NewTransfer(productID int64, source, destination Location, quantity decimal.Decimal, actor string, now time.Time) *Transfer {
	return &Transfer{
		ID:          uuid.New(),
		ProductID:   productID,
		Source:      source,
		Destination: destination,
		Quantity:    quantity,
		State:       TransferPending,
		Actor:       actor,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Commit records the inbound leg and marks the transfer COMMITTED.
func (t *Transfer) Commit(inMovementID uuid.UUID, now time.Time) error {
	if t.State != TransferPending {
		return &StateError{Entity: "transfer", ID: t.ID, State: string(t.State), Action: "commit"}
	}
	t.InMovementID = &inMovementID
	t.State = TransferCommitted
	t.UpdatedAt = now
	return nil
}

// RollBack records the compensating movement and marks the transfer
// FAILED_ROLLED_BACK.
func (t *Transfer) RollBack(compensationID uuid.UUID, reason string, now time.Time) error {
	if t.State != TransferPending {
		return &StateError{Entity: "transfer", ID: t.ID, State: string(t.State), Action: "roll back"}
	}
	t.CompensationID = &compensationID
	t.FailureReason = reason
	t.State = TransferFailedRolledBack
	t.UpdatedAt = now
	return nil
}

// PairTransfers reconstructs transfers from their ledger legs. Movements are
// grouped by transfer id; a TRANSFER_OUT with a matching non-compensating
// TRANSFER_IN is COMMITTED, one with a compensating TRANSFER_IN is
// FAILED_ROLLED_BACK, and a lone TRANSFER_OUT is still PENDING. Results are
// ordered by the time of the outbound leg.
func PairTransfers(movements []Movement) []Transfer {
	byID := make(map[uuid.UUID]*Transfer)
	var order []uuid.UUID
	get := func(id uuid.UUID) *Transfer {
		t, ok := byID[id]
		if !ok {
			t = &Transfer{ID: id, State: TransferPending}
			byID[id] = t
			order = append(order, id)
		}
		return t
	}

	for i := range movements {
		m := &movements[i]
		if m.TransferID == nil {
			continue
		}
		t := get(*m.TransferID)
		switch m.Kind {
		case MovementTransferOut:
			id := m.ID
			t.OutMovementID = &id
			t.ProductID = m.Key.ProductID
			t.Source = Location{StoreID: m.Key.StoreID, WarehouseID: m.Key.WarehouseID}
			t.Quantity = m.Quantity.Neg()
			t.Actor = m.Actor
			t.CreatedAt = m.OccurredAt
			if t.UpdatedAt.Before(m.OccurredAt) {
				t.UpdatedAt = m.OccurredAt
			}
		case MovementTransferIn:
			id := m.ID
			if m.IsCompensation() {
				t.CompensationID = &id
				t.State = TransferFailedRolledBack
			} else {
				t.InMovementID = &id
				t.Destination = Location{StoreID: m.Key.StoreID, WarehouseID: m.Key.WarehouseID}
				if t.State == TransferPending {
					t.State = TransferCommitted
				}
			}
			if t.UpdatedAt.Before(m.OccurredAt) {
				t.UpdatedAt = m.OccurredAt
			}
		}
	}

	result := make([]Transfer, 0, len(order))
	for _, id := range order {
		t := byID[id]
		if t.OutMovementID == nil {
			continue
		}
		result = append(result, *t)
	}
	slices.SortStableFunc(result, func(a, b Transfer) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result
}
