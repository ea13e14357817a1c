package inventory

import (
	"time"

	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Aggregate type constants
const (
	AggregateTypeInventoryLine = "InventoryLine"
	AggregateTypeReservation   = "Reservation"
	AggregateTypeTransfer      = "Transfer"
)

// Event type constants
const (
	EventTypeStockReceived        = "StockReceived"
	EventTypeStockDepleted        = "StockDepleted"
	EventTypeNegativeStockWarning = "NegativeStockWarning"
	EventTypeStockCountAdjusted   = "StockCountAdjusted"
	EventTypeStockReserved        = "StockReserved"
	EventTypeReservationReleased  = "ReservationReleased"
	EventTypeReservationConsumed  = "ReservationConsumed"
	EventTypeTransferCommitted    = "TransferCommitted"
	EventTypeTransferRolledBack   = "TransferRolledBack"
)

// LineRef is the line identity carried by line-level events
type LineRef struct {
	ProductID   int64 `json:"product_id"`
	StoreID     int64 `json:"store_id"`
	WarehouseID int64 `json:"warehouse_id"`
}

func lineRef(k LineKey) LineRef {
	return LineRef{ProductID: k.ProductID, StoreID: k.StoreID, WarehouseID: k.WarehouseID}
}

// StockMovedEvent is raised for every committed movement that changes on-hand
// outside a transfer: receipts, depletions and count adjustments.
type StockMovedEvent struct {
	shared.BaseDomainEvent
	LineRef
	MovementID uuid.UUID       `json:"movement_id"`
	Kind       MovementKind    `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	OnHand     decimal.Decimal `json:"on_hand"`
	Available  decimal.Decimal `json:"available"`
	Reference  string          `json:"reference,omitempty"`
	Actor      string          `json:"actor,omitempty"`
}

// NewStockMovedEvent creates the event matching the movement kind
func NewStockMovedEvent(m *Movement, line InventoryLine) *StockMovedEvent {
	eventType := EventTypeStockDepleted
	switch m.Kind {
	case MovementIn:
		eventType = EventTypeStockReceived
	case MovementCountAdjust:
		eventType = EventTypeStockCountAdjusted
	}
	return &StockMovedEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, AggregateTypeInventoryLine, m.Key.String(), m.OccurredAt),
		LineRef:         lineRef(m.Key),
		MovementID:      m.ID,
		Kind:            m.Kind,
		Quantity:        m.Quantity,
		OnHand:          line.OnHand,
		Available:       line.Available(),
		Reference:       m.Reference,
		Actor:           m.Actor,
	}
}

// NegativeStockWarningEvent is raised when a depletion is allowed with a warning
type NegativeStockWarningEvent struct {
	shared.BaseDomainEvent
	LineRef
	Limit            decimal.Decimal `json:"limit"`
	ResultingBalance decimal.Decimal `json:"resulting_balance"`
	Requested        decimal.Decimal `json:"requested"`
}

// NewNegativeStockWarningEvent creates a new NegativeStockWarningEvent
func NewNegativeStockWarningEvent(key LineKey, limit, resulting, requested decimal.Decimal, at time.Time) *NegativeStockWarningEvent {
	return &NegativeStockWarningEvent{
		BaseDomainEvent:  shared.NewBaseDomainEvent(EventTypeNegativeStockWarning, AggregateTypeInventoryLine, key.String(), at),
		LineRef:          lineRef(key),
		Limit:            limit,
		ResultingBalance: resulting,
		Requested:        requested,
	}
}

// ReservationEvent is raised on every reservation transition
type ReservationEvent struct {
	shared.BaseDomainEvent
	LineRef
	ReservationID uuid.UUID        `json:"reservation_id"`
	State         ReservationState `json:"state"`
	Quantity      decimal.Decimal  `json:"quantity"`
	Remaining     decimal.Decimal  `json:"remaining"`
	Origin        string           `json:"origin,omitempty"`
}

// NewReservationEvent creates a reservation event of the given type.
// quantity is the amount affected by this transition.
func NewReservationEvent(eventType string, r *Reservation, quantity decimal.Decimal) *ReservationEvent {
	return &ReservationEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, AggregateTypeReservation, r.ID.String(), r.UpdatedAt),
		LineRef:         lineRef(r.Key),
		ReservationID:   r.ID,
		State:           r.State,
		Quantity:        quantity,
		Remaining:       r.Quantity,
		Origin:          r.Origin,
	}
}

// TransferEvent is raised when a transfer reaches a terminal state
type TransferEvent struct {
	shared.BaseDomainEvent
	TransferID    uuid.UUID       `json:"transfer_id"`
	ProductID     int64           `json:"product_id"`
	Source        Location        `json:"source"`
	Destination   Location        `json:"destination"`
	Quantity      decimal.Decimal `json:"quantity"`
	State         TransferState   `json:"state"`
	FailureReason string          `json:"failure_reason,omitempty"`
}

// NewTransferEvent creates the event matching the transfer's state
func NewTransferEvent(t *Transfer) *TransferEvent {
	eventType := EventTypeTransferCommitted
	if t.State == TransferFailedRolledBack {
		eventType = EventTypeTransferRolledBack
	}
	return &TransferEvent{
		BaseDomainEvent: shared.NewBaseDomainEvent(eventType, AggregateTypeTransfer, t.ID.String(), t.UpdatedAt),
		TransferID:      t.ID,
		ProductID:       t.ProductID,
		Source:          t.Source,
		Destination:     t.Destination,
		Quantity:        t.Quantity,
		State:           t.State,
		FailureReason:   t.FailureReason,
	}
}
