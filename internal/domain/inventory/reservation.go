package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ReservationState is the lifecycle state of a reservation
type ReservationState string

const (
	ReservationActive    ReservationState = "ACTIVE"
	ReservationConsumed  ReservationState = "CONSUMED"
	ReservationCancelled ReservationState = "CANCELLED"
	ReservationExpired   ReservationState = "EXPIRED"
)

// Reservation is a time-limited hold on part of a line's available stock.
// Quantity is the remaining held amount; it shrinks on partial consumption.
type Reservation struct {
	ID               uuid.UUID
	Key              LineKey
	Quantity         decimal.Decimal
	OriginalQuantity decimal.Decimal
	State            ReservationState
	Origin           string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	UpdatedAt        time.Time
}

// NewReservation creates an ACTIVE reservation expiring at now+ttl.
func NewReservation(key LineKey, quantity decimal.Decimal, ttl time.Duration, origin string, now time.Time) (*Reservation, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if err := ValidatePositiveQuantity("quantity", quantity); err != nil {
		return nil, err
	}
	if ttl <= 0 {
		return nil, NewValidationError("ttl", "must be positive")
	}
	return &Reservation{
		ID:               uuid.New(),
		Key:              key,
		Quantity:         quantity,
		OriginalQuantity: quantity,
		State:            ReservationActive,
		Origin:           origin,
		CreatedAt:        now,
		ExpiresAt:        now.Add(ttl),
		UpdatedAt:        now,
	}, nil
}

// IsActive reports whether the reservation still holds stock
func (r *Reservation) IsActive() bool {
	return r.State == ReservationActive
}

// IsExpiredAt reports whether the reservation's deadline is before now
func (r *Reservation) IsExpiredAt(now time.Time) bool {
	return r.ExpiresAt.Before(now)
}

func (r *Reservation) stateError(action string) *StateError {
	return &StateError{Entity: "reservation", ID: r.ID, State: string(r.State), Action: action}
}

// Cancel releases the whole remaining hold and returns the released amount.
func (r *Reservation) Cancel(now time.Time) (decimal.Decimal, error) {
	return r.release(ReservationCancelled, "cancel", now)
}

// Expire is Cancel with an EXPIRED terminal state.
func (r *Reservation) Expire(now time.Time) (decimal.Decimal, error) {
	return r.release(ReservationExpired, "expire", now)
}

func (r *Reservation) release(to ReservationState, action string, now time.Time) (decimal.Decimal, error) {
	if !r.IsActive() {
		return decimal.Zero, r.stateError(action)
	}
	released := r.Quantity
	r.Quantity = decimal.Zero
	r.State = to
	r.UpdatedAt = now
	return released, nil
}

// Consume spends up to the remaining hold. A nil quantity consumes all of
// it. The reservation becomes CONSUMED when nothing remains.
func (r *Reservation) Consume(quantity *decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if !r.IsActive() {
		return decimal.Zero, r.stateError("consume")
	}
	q := r.Quantity
	if quantity != nil {
		if err := ValidatePositiveQuantity("quantity", *quantity); err != nil {
			return decimal.Zero, err
		}
		if quantity.GreaterThan(r.Quantity) {
			return decimal.Zero, NewValidationError("quantity", "exceeds remaining reserved quantity "+r.Quantity.StringFixed(QuantityScale))
		}
		q = *quantity
	}
	r.Quantity = r.Quantity.Sub(q)
	if r.Quantity.IsZero() {
		r.State = ReservationConsumed
	}
	r.UpdatedAt = now
	return q, nil
}
