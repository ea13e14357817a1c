package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// DefaultReservationTTL is used when a request carries no TTL
const DefaultReservationTTL = 15 * time.Minute

// ReservationService places, releases and spends holds against available stock
type ReservationService struct {
	serviceBase
	defaultTTL     time.Duration
	sweepBatchSize int
}

// NewReservationService creates a new ReservationService
func NewReservationService(store inventory.Store, logger *zap.Logger) *ReservationService {
	return &ReservationService{
		serviceBase: newServiceBase(store, logger),
		defaultTTL:  DefaultReservationTTL,
	}
}

// SetDefaultTTL sets the TTL applied to requests that carry none
func (s *ReservationService) SetDefaultTTL(ttl time.Duration) {
	if ttl > 0 {
		s.defaultTTL = ttl
	}
}

// SetSweepBatchSize caps how many expired reservations one sweep settles.
// Zero means no cap.
func (s *ReservationService) SetSweepBatchSize(n int) {
	s.sweepBatchSize = n
}

// Reserve holds quantity against the line's available stock. The hold is
// refused when it exceeds available, so a new reservation never drives
// available below zero.
func (s *ReservationService) Reserve(ctx context.Context, req ReserveRequest) (reservation *inventory.Reservation, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if req.TTL < 0 {
		return nil, inventory.NewValidationError("ttl", "cannot be negative")
	}
	ttl := req.TTL
	if ttl == 0 {
		ttl = s.defaultTTL
	}
	key := req.Key()

	ctx, span := s.startSpan(ctx, "ReservationService.Reserve", lineAttrs(key)...)
	defer func() { endSpan(span, err) }()

	err = s.scope.Execute(ctx, key, func(lease inventory.LineLease) error {
		line := lease.Line()
		if req.Quantity.GreaterThan(line.Available()) {
			return &inventory.InsufficientStockError{Key: key, Available: line.Available(), Requested: req.Quantity}
		}

		r, err := inventory.NewReservation(key, req.Quantity, ttl, req.Origin, s.now())
		if err != nil {
			return err
		}
		if _, err := lease.ApplyDelta(ctx, decimal.Zero, req.Quantity, r.CreatedAt); err != nil {
			return err
		}
		if err := lease.SaveReservation(ctx, r); err != nil {
			return err
		}
		reservation = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReservation(ctx, inventory.ReservationActive)
	s.publish(ctx, inventory.NewReservationEvent(inventory.EventTypeStockReserved, reservation, reservation.Quantity))
	return reservation, nil
}

// Cancel releases the remaining hold of an ACTIVE reservation
func (s *ReservationService) Cancel(ctx context.Context, id uuid.UUID) (reservation *inventory.Reservation, err error) {
	ctx, span := s.startSpan(ctx, "ReservationService.Cancel", attribute.String("stock.reservation_id", id.String()))
	defer func() { endSpan(span, err) }()

	reservation, released, err := s.release(ctx, id, func(r *inventory.Reservation, now time.Time) (decimal.Decimal, error) {
		return r.Cancel(now)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReservation(ctx, inventory.ReservationCancelled)
	s.publish(ctx, inventory.NewReservationEvent(inventory.EventTypeReservationReleased, reservation, released))
	return reservation, nil
}

// release runs a releasing transition on a reservation under its line
func (s *ReservationService) release(
	ctx context.Context,
	id uuid.UUID,
	transition func(*inventory.Reservation, time.Time) (decimal.Decimal, error),
) (*inventory.Reservation, decimal.Decimal, error) {
	// Resolve the line and reject settled reservations before taking a lock
	current, err := s.store.Reservations().FindByID(ctx, id)
	if err != nil {
		return nil, decimal.Zero, err
	}
	if !current.IsActive() {
		_, err := transition(current, s.now())
		return nil, decimal.Zero, err
	}

	var (
		result   *inventory.Reservation
		released decimal.Decimal
	)
	err = s.scope.Execute(ctx, current.Key, func(lease inventory.LineLease) error {
		// Re-read under the line; another caller may have settled it
		r, err := lease.Reservation(ctx, id)
		if err != nil {
			return err
		}
		now := s.now()
		released, err = transition(r, now)
		if err != nil {
			return err
		}
		if _, err := lease.ApplyDelta(ctx, decimal.Zero, released.Neg(), now); err != nil {
			return err
		}
		if err := lease.SaveReservation(ctx, r); err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return result, released, nil
}

// Consume spends up to the remaining hold. Releasing the hold and removing
// the stock happen in one step, recorded as an OUT movement that references
// the reservation origin.
func (s *ReservationService) Consume(ctx context.Context, req ConsumeRequest) (result *ConsumeResult, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "ReservationService.Consume", attribute.String("stock.reservation_id", req.ReservationID.String()))
	defer func() { endSpan(span, err) }()

	current, err := s.store.Reservations().FindByID(ctx, req.ReservationID)
	if err != nil {
		return nil, err
	}
	if !current.IsActive() {
		_, err := current.Consume(req.Quantity, s.now())
		return nil, err
	}

	var event shared.DomainEvent
	err = s.scope.Execute(ctx, current.Key, func(lease inventory.LineLease) error {
		r, err := lease.Reservation(ctx, req.ReservationID)
		if err != nil {
			return err
		}
		now := s.now()
		consumed, err := r.Consume(req.Quantity, now)
		if err != nil {
			return err
		}

		m, err := inventory.NewMovement(r.Key, inventory.MovementOut, consumed.Neg(), r.Origin, req.Actor, now)
		if err != nil {
			return err
		}
		line, err := appendAndApply(ctx, lease, m, consumed.Neg())
		if err != nil {
			return err
		}
		if err := lease.SaveReservation(ctx, r); err != nil {
			return err
		}

		result = &ConsumeResult{Reservation: *r, Consumed: consumed, MovementID: m.ID, Line: line}
		event = inventory.NewReservationEvent(inventory.EventTypeReservationConsumed, r, consumed)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReservation(ctx, result.Reservation.State)
	s.publish(ctx, event)
	return result, nil
}

// GetReservation returns a reservation by id
func (s *ReservationService) GetReservation(ctx context.Context, id uuid.UUID) (*inventory.Reservation, error) {
	return s.store.Reservations().FindByID(ctx, id)
}

// ListByOrigin returns the reservations created for an origin document
func (s *ReservationService) ListByOrigin(ctx context.Context, origin string) ([]inventory.Reservation, error) {
	if origin == "" {
		return nil, inventory.NewValidationError("origin", "is required")
	}
	return s.store.Reservations().FindByOrigin(ctx, origin)
}

// SweepExpired releases every ACTIVE reservation whose expiry has passed and
// marks it EXPIRED. Each reservation is re-checked under its line, so
// concurrent sweeps and cancellations settle it exactly once. A failure on
// one reservation does not stop the sweep.
func (s *ReservationService) SweepExpired(ctx context.Context) (stats *SweepStats, err error) {
	ctx, span := s.startSpan(ctx, "ReservationService.SweepExpired")
	defer func() {
		if stats != nil {
			span.SetAttributes(attribute.Int("stock.sweep.expired", stats.Expired))
		}
		endSpan(span, err)
	}()

	now := s.now()
	candidates, err := s.store.Reservations().FindExpired(ctx, now, s.sweepBatchSize)
	if err != nil {
		return nil, err
	}

	stats = &SweepStats{Scanned: len(candidates)}
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		reservation, released, err := s.release(ctx, candidate.ID, func(r *inventory.Reservation, at time.Time) (decimal.Decimal, error) {
			if !r.IsExpiredAt(at) {
				return decimal.Zero, &inventory.StateError{Entity: "reservation", ID: r.ID, State: string(r.State), Action: "expire before its deadline"}
			}
			return r.Expire(at)
		})
		switch {
		case err == nil:
			stats.Expired++
			s.metrics.RecordReservation(ctx, inventory.ReservationExpired)
			s.publish(ctx, inventory.NewReservationEvent(inventory.EventTypeReservationReleased, reservation, released))
		case errors.Is(err, shared.ErrInvalidState):
			stats.Skipped++
		default:
			stats.Failed++
			s.logger.Error("Failed to expire reservation",
				zap.String("reservation_id", candidate.ID.String()),
				zap.Stringer("line", candidate.Key),
				zap.Error(err))
		}
	}

	if stats.Expired > 0 || stats.Failed > 0 {
		s.logger.Info("Reservation sweep finished",
			zap.Int("scanned", stats.Scanned),
			zap.Int("expired", stats.Expired),
			zap.Int("skipped", stats.Skipped),
			zap.Int("failed", stats.Failed))
	}
	return stats, nil
}
