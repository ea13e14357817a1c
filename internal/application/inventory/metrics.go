package inventory

import (
	"context"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
)

// Metrics receives operational measurements from the stock services.
// The OpenTelemetry implementation lives in infrastructure/telemetry.
type Metrics interface {
	// RecordDecision counts a negative stock policy outcome
	RecordDecision(ctx context.Context, productID int64, decision inventory.Decision)
	// RecordReservation counts a reservation transition
	RecordReservation(ctx context.Context, state inventory.ReservationState)
	// RecordTransfer counts a transfer reaching a terminal state
	RecordTransfer(ctx context.Context, state inventory.TransferState)
	// RecordLineWait records how long a caller waited for a line
	RecordLineWait(ctx context.Context, wait time.Duration, acquired bool)
}

// NoopMetrics discards every measurement
type NoopMetrics struct{}

func (NoopMetrics) RecordDecision(context.Context, int64, inventory.Decision)     {}
func (NoopMetrics) RecordReservation(context.Context, inventory.ReservationState) {}
func (NoopMetrics) RecordTransfer(context.Context, inventory.TransferState)       {}
func (NoopMetrics) RecordLineWait(context.Context, time.Duration, bool)           {}

var _ Metrics = NoopMetrics{}
