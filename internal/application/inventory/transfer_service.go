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

// DefaultCompensationTimeout bounds the reversal of a failed transfer. It is
// independent of the caller's context, which may already be done.
const DefaultCompensationTimeout = 30 * time.Second

// TransferService moves stock between two locations of one product. The two
// lines are never held at the same time, so opposite transfers cannot
// deadlock; a failed inbound leg is undone by a compensating movement.
type TransferService struct {
	serviceBase
	compensationTimeout time.Duration
}

// NewTransferService creates a new TransferService
func NewTransferService(store inventory.Store, logger *zap.Logger) *TransferService {
	return &TransferService{
		serviceBase:         newServiceBase(store, logger),
		compensationTimeout: DefaultCompensationTimeout,
	}
}

// SetCompensationTimeout overrides DefaultCompensationTimeout
func (s *TransferService) SetCompensationTimeout(timeout time.Duration) {
	if timeout > 0 {
		s.compensationTimeout = timeout
	}
}

// Transfer moves req.Quantity from source to destination and returns the
// transfer in its terminal state. When the inbound leg fails the outbound
// leg is reversed, the transfer is returned as FAILED_ROLLED_BACK and the
// original error is returned unchanged alongside it. If the reversal fails
// too, the transfer is returned still PENDING, both in storage and to the
// caller, with the original error joined to a ConsistencyError. Nothing
// repairs such a transfer automatically.
func (s *TransferService) Transfer(ctx context.Context, req TransferRequest) (transfer *inventory.Transfer, err error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := inventory.ValidateTransferRequest(req.ProductID, req.Source, req.Destination, req.Quantity); err != nil {
		return nil, err
	}
	srcKey := req.Source.LineFor(req.ProductID)
	dstKey := req.Destination.LineFor(req.ProductID)

	ctx, span := s.startSpan(ctx, "TransferService.Transfer",
		attribute.Int64("stock.product_id", req.ProductID),
		attribute.String("stock.source", srcKey.String()),
		attribute.String("stock.destination", dstKey.String()))
	defer func() {
		if transfer != nil {
			span.SetAttributes(
				attribute.String("stock.transfer_id", transfer.ID.String()),
				attribute.String("stock.transfer_state", string(transfer.State)))
		}
		endSpan(span, err)
	}()

	// Outbound leg: nothing exists yet if the source cannot cover the quantity
	var pending *inventory.Transfer
	err = s.scope.Execute(ctx, srcKey, func(lease inventory.LineLease) error {
		line := lease.Line()
		if line.Available().LessThan(req.Quantity) {
			return &inventory.InsufficientStockError{Key: srcKey, Available: line.Available(), Requested: req.Quantity}
		}

		now := s.now()
		t := inventory.NewTransfer(req.ProductID, req.Source, req.Destination, req.Quantity, req.Actor, now)
		out, err := inventory.NewMovement(srcKey, inventory.MovementTransferOut, req.Quantity.Neg(), req.Reference, req.Actor, now)
		if err != nil {
			return err
		}
		out.WithTransfer(t.ID)
		if _, err := appendAndApply(ctx, lease, out, decimal.Zero); err != nil {
			return err
		}
		t.OutMovementID = &out.ID
		if err := lease.SaveTransfer(ctx, t); err != nil {
			return err
		}
		pending = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Inbound leg: the COMMITTED record is written with the movement
	committed, inErr := s.applyInbound(ctx, pending, dstKey, req.Reference)
	if inErr != nil {
		return s.compensate(ctx, pending, srcKey, req.Reference, inErr)
	}

	s.metrics.RecordTransfer(ctx, committed.State)
	s.publish(ctx, inventory.NewTransferEvent(committed))
	return committed, nil
}

func (s *TransferService) applyInbound(ctx context.Context, pending *inventory.Transfer, dstKey inventory.LineKey, reference string) (*inventory.Transfer, error) {
	var committed *inventory.Transfer
	err := s.scope.Execute(ctx, dstKey, func(lease inventory.LineLease) error {
		now := s.now()
		in, err := inventory.NewMovement(dstKey, inventory.MovementTransferIn, pending.Quantity, reference, pending.Actor, now)
		if err != nil {
			return err
		}
		in.WithTransfer(pending.ID)
		if _, err := appendAndApply(ctx, lease, in, decimal.Zero); err != nil {
			return err
		}

		t := *pending
		if err := t.Commit(in.ID, now); err != nil {
			return err
		}
		if err := lease.SaveTransfer(ctx, &t); err != nil {
			return err
		}
		committed = &t
		return nil
	})
	return committed, err
}

// compensate reverses the outbound leg and returns cause. If the reversal
// itself fails the source stays short by the transfer quantity, which is
// reported as a consistency error joined to cause.
func (s *TransferService) compensate(ctx context.Context, pending *inventory.Transfer, srcKey inventory.LineKey, reference string, cause error) (*inventory.Transfer, error) {
	log := s.logger.With(
		zap.String("transfer_id", pending.ID.String()),
		zap.Stringer("source", srcKey),
		zap.String("quantity", pending.Quantity.String()))
	log.Warn("Transfer inbound leg failed, compensating", zap.Error(cause))

	compCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()

	var rolledBack *inventory.Transfer
	err := s.scope.Execute(compCtx, srcKey, func(lease inventory.LineLease) error {
		now := s.now()
		comp, err := inventory.NewMovement(srcKey, inventory.MovementTransferIn, pending.Quantity, reference, pending.Actor, now)
		if err != nil {
			return err
		}
		comp.WithTransfer(pending.ID)
		if pending.OutMovementID != nil {
			comp.WithReversal(*pending.OutMovementID)
		}
		if _, err := appendAndApply(compCtx, lease, comp, decimal.Zero); err != nil {
			return err
		}

		t := *pending
		if err := t.RollBack(comp.ID, cause.Error(), now); err != nil {
			return err
		}
		if err := lease.SaveTransfer(compCtx, &t); err != nil {
			return err
		}
		rolledBack = &t
		return nil
	})
	if err != nil {
		log.Error("Transfer compensation failed, source line is short",
			zap.String("error_code", shared.ErrorCode(err)),
			zap.Error(err))
		return pending, errors.Join(cause, inventory.NewConsistencyError(srcKey,
			"transfer %s could not be compensated: %v", pending.ID, err))
	}

	s.metrics.RecordTransfer(ctx, rolledBack.State)
	s.publish(compCtx, inventory.NewTransferEvent(rolledBack))
	return rolledBack, cause
}

// GetTransfer returns the stored record of a transfer
func (s *TransferService) GetTransfer(ctx context.Context, id uuid.UUID) (*inventory.Transfer, error) {
	return s.store.Transfers().FindByID(ctx, id)
}

// TransferHistory reconstructs transfers by pairing the TRANSFER_OUT and
// TRANSFER_IN movements that share a transfer id. A rolled back transfer has
// no destination leg in the ledger; its destination and failure reason come
// from the stored record when one exists. A time window that cuts between
// the two legs of a transfer shows it as PENDING.
func (s *TransferService) TransferHistory(ctx context.Context, filter TransferHistoryFilter) ([]inventory.Transfer, error) {
	movements, err := inventory.CollectMovements(s.store.List(ctx, inventory.MovementFilter{
		ProductID: filter.ProductID,
		Kinds:     []inventory.MovementKind{inventory.MovementTransferOut, inventory.MovementTransferIn},
		From:      filter.From,
		To:        filter.To,
	}))
	if err != nil {
		return nil, err
	}

	transfers := inventory.PairTransfers(movements)
	for i := range transfers {
		if transfers[i].State != inventory.TransferFailedRolledBack {
			continue
		}
		stored, err := s.store.Transfers().FindByID(ctx, transfers[i].ID)
		if errors.Is(err, shared.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		transfers[i].Destination = stored.Destination
		transfers[i].FailureReason = stored.FailureReason
	}
	return transfers, nil
}
