package main

import (
	"context"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"go.uber.org/zap"
)

// warningLogger writes a structured entry for every negative stock warning,
// so operators see lines running below zero without a Kafka consumer.
type warningLogger struct {
	log *zap.Logger
}

func newWarningLogger(log *zap.Logger) *warningLogger {
	return &warningLogger{log: log.Named("negative_stock")}
}

func (w *warningLogger) Handle(ctx context.Context, e shared.DomainEvent) error {
	warning, ok := e.(*inventory.NegativeStockWarningEvent)
	if !ok {
		return nil
	}
	w.log.Warn("Line below zero",
		zap.Int64("product_id", warning.ProductID),
		zap.Int64("store_id", warning.StoreID),
		zap.Int64("warehouse_id", warning.WarehouseID),
		zap.String("resulting_balance", warning.ResultingBalance.String()),
		zap.String("limit", warning.Limit.String()),
	)
	return nil
}

func (w *warningLogger) EventTypes() []string {
	return []string{inventory.EventTypeNegativeStockWarning}
}
