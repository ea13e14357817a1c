package inventory

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// StockService receives, depletes and counts stock on single inventory lines
type StockService struct {
	serviceBase
	policy         *inventory.NegativeStockPolicy
	idempotency    shared.IdempotencyStore
	idempotencyTTL time.Duration
}

// NewStockService creates a new StockService
func NewStockService(store inventory.Store, policy *inventory.NegativeStockPolicy, logger *zap.Logger) *StockService {
	return &StockService{
		serviceBase: newServiceBase(store, logger),
		policy:      policy,
	}
}

// SetIdempotencyStore sets the fast-path store for request keys. The ledger
// remains the authoritative duplicate check.
func (s *StockService) SetIdempotencyStore(store shared.IdempotencyStore, ttl time.Duration) {
	s.idempotency = store
	s.idempotencyTTL = ttl
}

// Policy returns the negative stock policy used for depletions
func (s *StockService) Policy() *inventory.NegativeStockPolicy {
	return s.policy
}

// Balance returns a snapshot of a line. It does not wait for writers.
func (s *StockService) Balance(ctx context.Context, req LineRequest) (inventory.InventoryLine, error) {
	if err := validateRequest(req); err != nil {
		return inventory.InventoryLine{}, err
	}
	return s.store.Get(ctx, req.Key())
}

// Movements lists ledger entries matching filter, ordered by line then append order
func (s *StockService) Movements(ctx context.Context, filter inventory.MovementFilter) iter.Seq2[inventory.Movement, error] {
	return s.store.List(ctx, filter)
}

// Receive records an inbound movement. Receipts are never subject to the
// negative stock policy.
func (s *StockService) Receive(ctx context.Context, req ReceiveRequest) (result *MovementResult, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	key := req.Key()

	ctx, span := s.startSpan(ctx, "StockService.Receive", lineAttrs(key)...)
	defer func() { endSpan(span, err) }()

	if err := s.checkProcessed(ctx, key, req.IdempotencyKey); err != nil {
		return nil, err
	}

	var event shared.DomainEvent
	err = s.scope.Execute(ctx, key, func(lease inventory.LineLease) error {
		if err := checkDuplicate(ctx, lease, req.IdempotencyKey); err != nil {
			return err
		}

		now := s.now()
		m, err := inventory.NewMovement(key, inventory.MovementIn, req.Quantity, req.Reference, req.Actor, now)
		if err != nil {
			return err
		}
		if req.UnitCost != nil {
			m.WithUnitCost(*req.UnitCost)
		}
		m.WithIdempotencyKey(req.IdempotencyKey)

		line, err := appendAndApply(ctx, lease, m, decimal.Zero)
		if err != nil {
			return err
		}
		result = &MovementResult{MovementID: m.ID, Line: line}
		event = inventory.NewStockMovedEvent(m, line)
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.markProcessed(ctx, key, req.IdempotencyKey)
	s.publish(ctx, event)
	return result, nil
}

// Deplete removes stock from a line. The post-operation available quantity
// is judged by the negative stock policy while the line is held; a denied
// depletion leaves no trace.
func (s *StockService) Deplete(ctx context.Context, req DepleteRequest) (result *DepletionResult, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	key := req.Key()

	ctx, span := s.startSpan(ctx, "StockService.Deplete", lineAttrs(key)...)
	defer func() {
		if result != nil {
			span.SetAttributes(attribute.String("stock.decision", string(result.Decision)))
		}
		endSpan(span, err)
	}()

	if err := s.checkProcessed(ctx, key, req.IdempotencyKey); err != nil {
		return nil, err
	}

	var events []shared.DomainEvent
	err = s.scope.Execute(ctx, key, func(lease inventory.LineLease) error {
		if err := checkDuplicate(ctx, lease, req.IdempotencyKey); err != nil {
			return err
		}

		// Evaluate the policy against available, after acquisition
		resulting := lease.Line().Available().Sub(req.Quantity)
		decision, limit, err := s.policy.Check(key.ProductID, resulting, req.Quantity)
		s.metrics.RecordDecision(ctx, key.ProductID, decision)
		if err != nil {
			return err
		}

		now := s.now()
		m, err := inventory.NewMovement(key, inventory.MovementOut, req.Quantity.Neg(), req.Reference, req.Actor, now)
		if err != nil {
			return err
		}
		m.WithIdempotencyKey(req.IdempotencyKey)

		line, err := appendAndApply(ctx, lease, m, decimal.Zero)
		if err != nil {
			return err
		}

		result = &DepletionResult{MovementID: m.ID, Decision: decision, Limit: limit, Line: line}
		events = append(events, inventory.NewStockMovedEvent(m, line))
		if decision == inventory.DecisionAllowWarn {
			events = append(events, inventory.NewNegativeStockWarningEvent(key, limit, resulting, req.Quantity, now))
		}
		return nil
	})
	if err != nil {
		var denied *inventory.NegativeStockDeniedError
		if errors.As(err, &denied) {
			s.logger.Info("Depletion denied by negative stock policy",
				zap.Stringer("line", key),
				zap.String("limit", denied.Limit.String()),
				zap.String("resulting_balance", denied.ResultingBalance.String()),
				zap.String("requested", denied.Requested.String()))
		}
		return nil, err
	}

	if result.Warned() {
		s.logger.Warn("Depletion left line below zero",
			zap.Stringer("line", key),
			zap.String("available", result.Line.Available().String()),
			zap.String("limit", result.Limit.String()))
	}
	s.markProcessed(ctx, key, req.IdempotencyKey)
	s.publish(ctx, events...)
	return result, nil
}

// AdjustCount sets on-hand to a physically counted quantity by appending the
// signed correction. A count matching on-hand appends nothing. Counts record
// reality and are not judged by the negative stock policy.
func (s *StockService) AdjustCount(ctx context.Context, req AdjustCountRequest) (result *MovementResult, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	key := req.Key()

	ctx, span := s.startSpan(ctx, "StockService.AdjustCount", lineAttrs(key)...)
	defer func() { endSpan(span, err) }()

	if err := s.checkProcessed(ctx, key, req.IdempotencyKey); err != nil {
		return nil, err
	}

	var event shared.DomainEvent
	err = s.scope.Execute(ctx, key, func(lease inventory.LineLease) error {
		if err := checkDuplicate(ctx, lease, req.IdempotencyKey); err != nil {
			return err
		}

		line := lease.Line()
		correction := req.Counted.Sub(line.OnHand)
		if correction.IsZero() {
			result = &MovementResult{Line: line}
			return nil
		}

		m, err := inventory.NewMovement(key, inventory.MovementCountAdjust, correction, req.Reference, req.Actor, s.now())
		if err != nil {
			return err
		}
		m.WithIdempotencyKey(req.IdempotencyKey)

		line, err = appendAndApply(ctx, lease, m, decimal.Zero)
		if err != nil {
			return err
		}
		result = &MovementResult{MovementID: m.ID, Line: line}
		event = inventory.NewStockMovedEvent(m, line)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if event != nil {
		s.markProcessed(ctx, key, req.IdempotencyKey)
		s.publish(ctx, event)
	}
	return result, nil
}

// SetNegativeLimit overrides the floor of one product. The change applies to
// the next evaluation and never re-judges past movements.
func (s *StockService) SetNegativeLimit(ctx context.Context, req SetLimitRequest) error {
	if err := validateRequest(req); err != nil {
		return err
	}
	if err := s.policy.SetLimit(req.ProductID, req.Limit); err != nil {
		return err
	}
	s.logger.Info("Negative stock limit set",
		zap.Int64("product_id", req.ProductID),
		zap.String("limit", req.Limit.String()))
	return nil
}

// ClearNegativeLimit removes a product override and reports whether one existed
func (s *StockService) ClearNegativeLimit(ctx context.Context, productID int64) bool {
	cleared := s.policy.ClearLimit(productID)
	if cleared {
		s.logger.Info("Negative stock limit cleared", zap.Int64("product_id", productID))
	}
	return cleared
}

// EffectiveLimit returns the floor currently applied to productID
func (s *StockService) EffectiveLimit(productID int64) decimal.Decimal {
	return s.policy.EffectiveLimit(productID)
}

// checkProcessed consults the fast-path idempotency store. Store failures
// fall through to the ledger check.
func (s *StockService) checkProcessed(ctx context.Context, key inventory.LineKey, idempotencyKey string) error {
	if s.idempotency == nil || idempotencyKey == "" {
		return nil
	}
	processed, err := s.idempotency.IsProcessed(ctx, idempotencyCacheKey(key, idempotencyKey))
	if err != nil {
		s.logger.Warn("Idempotency store lookup failed", zap.Error(err))
		return nil
	}
	if processed {
		return &inventory.DuplicateRequestError{IdempotencyKey: idempotencyKey}
	}
	return nil
}

func (s *StockService) markProcessed(ctx context.Context, key inventory.LineKey, idempotencyKey string) {
	if s.idempotency == nil || idempotencyKey == "" {
		return
	}
	if _, err := s.idempotency.MarkProcessed(ctx, idempotencyCacheKey(key, idempotencyKey), s.idempotencyTTL); err != nil {
		s.logger.Warn("Failed to record idempotency key", zap.Error(err))
	}
}

func idempotencyCacheKey(key inventory.LineKey, idempotencyKey string) string {
	return "stock:" + key.String() + ":" + idempotencyKey
}

// checkDuplicate looks the key up in the ledger while the line is held
func checkDuplicate(ctx context.Context, lease inventory.LineLease, idempotencyKey string) error {
	if idempotencyKey == "" {
		return nil
	}
	existing, err := lease.FindByIdempotencyKey(ctx, idempotencyKey)
	if err != nil {
		return err
	}
	if existing != nil {
		return &inventory.DuplicateRequestError{IdempotencyKey: idempotencyKey, MovementID: existing.ID}
	}
	return nil
}

// appendAndApply writes m to the ledger and applies its quantity to on-hand
func appendAndApply(ctx context.Context, lease inventory.LineLease, m *inventory.Movement, reservedDelta decimal.Decimal) (inventory.InventoryLine, error) {
	if _, err := lease.Append(ctx, m); err != nil {
		return inventory.InventoryLine{}, err
	}
	return lease.ApplyDelta(ctx, m.Quantity, reservedDelta, m.OccurredAt)
}
