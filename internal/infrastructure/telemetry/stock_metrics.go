package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// StockMetrics records policy decisions, reservation and transfer outcomes
// and line contention for the stock services.
type StockMetrics struct {
	meter  metric.Meter
	logger *zap.Logger

	// Counter metrics (monotonically increasing)
	policyDecisionTotal *Counter
	reservationTotal    *Counter
	transferTotal       *Counter
	lineAcquireTimeouts *Counter

	// Histogram metrics
	lineWaitSeconds *Histogram

	// Gauge metrics (point-in-time values)
	negativeLines      *Gauge
	activeReservations *Gauge

	// Periodic collector
	stopChan    chan struct{}
	stopOnce    sync.Once
	collectOnce sync.Once

	snapshotProvider StockSnapshotProvider
}

// StockSnapshotProvider supplies the aggregate state sampled by the gauges.
type StockSnapshotProvider interface {
	// CountNegativeLines returns how many lines have negative available stock
	CountNegativeLines(ctx context.Context) (int64, error)
	// CountActiveReservations returns how many reservations are still ACTIVE
	CountActiveReservations(ctx context.Context) (int64, error)
}

// StockMetricsConfig holds configuration for stock metrics.
type StockMetricsConfig struct {
	Meter            metric.Meter
	Logger           *zap.Logger
	CollectInterval  time.Duration // Default: 1 minute
	SnapshotProvider StockSnapshotProvider
}

// NewStockMetrics creates a new StockMetrics instance.
func NewStockMetrics(cfg StockMetricsConfig) (*StockMetrics, error) {
	if cfg.Meter == nil {
		return nil, ErrMeterNil
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sm := &StockMetrics{
		meter:            cfg.Meter,
		logger:           logger,
		stopChan:         make(chan struct{}),
		snapshotProvider: cfg.SnapshotProvider,
	}

	var err error
	sm.policyDecisionTotal, err = NewCounter(cfg.Meter,
		"stock_policy_decision_total",
		"Negative stock policy decisions by outcome",
		"{decisions}")
	if err != nil {
		return nil, err
	}

	sm.reservationTotal, err = NewCounter(cfg.Meter,
		"stock_reservation_transition_total",
		"Reservation transitions by resulting state",
		"{reservations}")
	if err != nil {
		return nil, err
	}

	sm.transferTotal, err = NewCounter(cfg.Meter,
		"stock_transfer_total",
		"Transfers by terminal state",
		"{transfers}")
	if err != nil {
		return nil, err
	}

	sm.lineAcquireTimeouts, err = NewCounter(cfg.Meter,
		"stock_line_acquire_failures_total",
		"Line acquisitions that did not succeed",
		"{acquisitions}")
	if err != nil {
		return nil, err
	}

	sm.lineWaitSeconds, err = NewHistogram(cfg.Meter, HistogramOpts{
		Name:        "stock_line_wait_seconds",
		Description: "Time spent waiting to acquire an inventory line",
		Unit:        "s",
		Boundaries:  LineWaitBuckets,
	})
	if err != nil {
		return nil, err
	}

	sm.negativeLines, err = NewGauge(cfg.Meter,
		"stock_negative_lines",
		"Inventory lines with negative available stock",
		"{lines}")
	if err != nil {
		return nil, err
	}

	sm.activeReservations, err = NewGauge(cfg.Meter,
		"stock_active_reservations",
		"Reservations currently holding stock",
		"{reservations}")
	if err != nil {
		return nil, err
	}

	return sm, nil
}

// RecordDecision counts a negative stock policy outcome.
func (sm *StockMetrics) RecordDecision(ctx context.Context, productID int64, decision inventory.Decision) {
	sm.policyDecisionTotal.Inc(ctx, AttrDecision.String(string(decision)))
}

// RecordReservation counts a reservation transition.
func (sm *StockMetrics) RecordReservation(ctx context.Context, state inventory.ReservationState) {
	sm.reservationTotal.Inc(ctx, AttrReservationState.String(string(state)))
}

// RecordTransfer counts a transfer reaching a terminal state.
func (sm *StockMetrics) RecordTransfer(ctx context.Context, state inventory.TransferState) {
	sm.transferTotal.Inc(ctx, AttrTransferState.String(string(state)))
}

// RecordLineWait records acquisition wait time. Failed acquisitions are also
// counted separately so timeouts stand out from slow successes.
func (sm *StockMetrics) RecordLineWait(ctx context.Context, wait time.Duration, acquired bool) {
	sm.lineWaitSeconds.RecordDuration(ctx, wait, AttrAcquired.Bool(acquired))
	if !acquired {
		sm.lineAcquireTimeouts.Inc(ctx)
	}
}

// RecordNegativeLines records the number of lines below zero.
func (sm *StockMetrics) RecordNegativeLines(ctx context.Context, count int64) {
	sm.negativeLines.Record(ctx, count)
}

// RecordActiveReservations records the number of ACTIVE reservations.
func (sm *StockMetrics) RecordActiveReservations(ctx context.Context, count int64) {
	sm.activeReservations.Record(ctx, count)
}

// =============================================================================
// Periodic Collection
// =============================================================================

// StartPeriodicCollection samples the gauges every interval until Stop is
// called or ctx is done. It is non-blocking.
func (sm *StockMetrics) StartPeriodicCollection(ctx context.Context, interval time.Duration) {
	sm.collectOnce.Do(func() {
		if interval <= 0 {
			interval = time.Minute
		}
		go sm.runPeriodicCollection(ctx, interval)
	})
}

func (sm *StockMetrics) runPeriodicCollection(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	sm.collect(ctx)

	for {
		select {
		case <-sm.stopChan:
			sm.logger.Info("Stopping periodic stock metrics collection")
			return
		case <-ctx.Done():
			sm.logger.Info("Context cancelled, stopping periodic stock metrics collection")
			return
		case <-ticker.C:
			sm.collect(ctx)
		}
	}
}

func (sm *StockMetrics) collect(ctx context.Context) {
	if sm.snapshotProvider == nil {
		sm.logger.Debug("No snapshot provider configured, skipping stock gauge collection")
		return
	}

	if n, err := sm.snapshotProvider.CountNegativeLines(ctx); err != nil {
		sm.logger.Warn("Failed to count negative lines", zap.Error(err))
	} else {
		sm.RecordNegativeLines(ctx, n)
	}

	if n, err := sm.snapshotProvider.CountActiveReservations(ctx); err != nil {
		sm.logger.Warn("Failed to count active reservations", zap.Error(err))
	} else {
		sm.RecordActiveReservations(ctx, n)
	}
}

// Stop stops the periodic collection.
func (sm *StockMetrics) Stop() {
	sm.stopOnce.Do(func() {
		close(sm.stopChan)
	})
}

// ErrMeterNil is returned when meter is nil.
var ErrMeterNil = &MetricsError{Op: "NewStockMetrics", Err: "meter cannot be nil"}

// MetricsError represents a metrics-related error.
type MetricsError struct {
	Op  string
	Err string
}

func (e *MetricsError) Error() string {
	return e.Op + ": " + e.Err
}
