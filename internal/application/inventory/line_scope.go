package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/erp/stockledger/internal/application/inventory"

// DefaultAcquireTimeout bounds a held section when the caller supplied no deadline
const DefaultAcquireTimeout = 5 * time.Second

// LineScope runs a function while holding one inventory line. Commit happens
// when the function returns nil; the line is released on every path.
type LineScope struct {
	store   inventory.BalanceStore
	timeout time.Duration
	metrics Metrics
}

// NewLineScope creates a scope over store with DefaultAcquireTimeout
func NewLineScope(store inventory.BalanceStore) *LineScope {
	return &LineScope{store: store, timeout: DefaultAcquireTimeout, metrics: NoopMetrics{}}
}

// Execute acquires key, runs fn and commits. When ctx has no deadline the
// scope's timeout is applied to the whole held section, so a lease backed by
// a database transaction never outlives it.
func (s *LineScope) Execute(ctx context.Context, key inventory.LineKey, fn func(inventory.LineLease) error) error {
	if _, ok := ctx.Deadline(); !ok && s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	lease, err := s.store.AcquireAndGet(ctx, key)
	s.metrics.RecordLineWait(ctx, time.Since(start), err == nil)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := fn(lease); err != nil {
		return err
	}
	return lease.Commit(ctx)
}

// serviceBase carries the collaborators shared by the stock services
type serviceBase struct {
	store          inventory.Store
	scope          *LineScope
	logger         *zap.Logger
	tracer         trace.Tracer
	eventPublisher shared.EventPublisher
	metrics        Metrics
	now            func() time.Time
}

func newServiceBase(store inventory.Store, logger *zap.Logger) serviceBase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return serviceBase{
		store:   store,
		scope:   NewLineScope(store),
		logger:  logger,
		tracer:  otel.Tracer(tracerName),
		metrics: NoopMetrics{},
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetEventPublisher sets the publisher notified after each committed change
func (b *serviceBase) SetEventPublisher(publisher shared.EventPublisher) {
	b.eventPublisher = publisher
}

// SetMetrics sets the metrics sink
func (b *serviceBase) SetMetrics(metrics Metrics) {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	b.metrics = metrics
	b.scope.metrics = metrics
}

// SetAcquireTimeout sets the deadline applied to held sections when the
// caller's context has none. Zero disables it.
func (b *serviceBase) SetAcquireTimeout(timeout time.Duration) {
	b.scope.timeout = timeout
}

// SetClock replaces the time source
func (b *serviceBase) SetClock(now func() time.Time) {
	b.now = now
}

func (b *serviceBase) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span. Business rejections are not span errors.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("stock.error_code", shared.ErrorCode(err)))
		if isFault(err) {
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// isFault reports whether err is something other than a business rejection
func isFault(err error) bool {
	switch {
	case errors.Is(err, inventory.ErrValidation),
		errors.Is(err, shared.ErrInsufficientStock),
		errors.Is(err, shared.ErrNegativeStockDenied),
		errors.Is(err, shared.ErrDuplicateRequest),
		errors.Is(err, shared.ErrNotFound):
		return false
	}
	return true
}

// publish sends events after commit. Failures are logged, the committed
// change stands.
func (b *serviceBase) publish(ctx context.Context, events ...shared.DomainEvent) {
	if b.eventPublisher == nil || len(events) == 0 {
		return
	}
	if err := b.eventPublisher.Publish(ctx, events...); err != nil {
		b.logger.Warn("Failed to publish stock events",
			zap.Int("count", len(events)),
			zap.String("event_type", events[0].EventType()),
			zap.Error(err))
	}
}

func lineAttrs(key inventory.LineKey) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int64("stock.product_id", key.ProductID),
		attribute.Int64("stock.store_id", key.StoreID),
		attribute.Int64("stock.warehouse_id", key.WarehouseID),
	}
}
