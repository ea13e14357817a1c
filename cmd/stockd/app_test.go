package main

import (
	"context"
	"testing"
	"time"

	appinventory "github.com/erp/stockledger/internal/application/inventory"
	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/infrastructure/config"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func memoryConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Name: "stockledger", Env: "test"},
		Log: config.LogConfig{Level: "debug", Format: "console", Output: "stdout"},
		Inventory: config.InventoryConfig{
			Store:                config.StoreMemory,
			DefaultNegativeLimit: "-5",
			ReservationTTL:       15 * time.Minute,
			SweepEnabled:         true,
			SweepInterval:        time.Hour,
			SweepBatchSize:       100,
			AcquireTimeout:       time.Second,
			CompensationTimeout:  time.Second,
		},
		Telemetry: config.TelemetryConfig{MetricsInterval: time.Hour},
	}
}

func TestNewApp_MemoryStore(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(core)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, memoryConfig(), log)
	require.NoError(t, err)

	line := appinventory.LineRequest{ProductID: 1, StoreID: 1}
	_, err = a.stock.Receive(ctx, appinventory.ReceiveRequest{LineRequest: line, Quantity: decimal.RequireFromString("3")})
	require.NoError(t, err)

	result, err := a.stock.Deplete(ctx, appinventory.DepleteRequest{LineRequest: line, Quantity: decimal.RequireFromString("5")})
	require.NoError(t, err)
	assert.Equal(t, inventory.DecisionAllowWarn, result.Decision)

	// the bus routes the warning to the operator log
	warnings := logs.FilterMessage("Line below zero").All()
	require.Len(t, warnings, 1)
	assert.Equal(t, "-2", warnings[0].ContextMap()["resulting_balance"])

	_, err = a.stock.Deplete(ctx, appinventory.DepleteRequest{LineRequest: line, Quantity: decimal.RequireFromString("3.0001")})
	assert.Error(t, err)

	require.NoError(t, a.shutdown(context.Background()))
}

func TestNewApp_RejectsBadLimit(t *testing.T) {
	cfg := memoryConfig()
	cfg.Inventory.DefaultNegativeLimit = "minus five"

	_, err := newApp(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "default_negative_limit")
}

func TestApp_ShutdownRunsInReverse(t *testing.T) {
	a := &app{log: zap.NewNop()}
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		a.onShutdown(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, a.shutdown(context.Background()))
	assert.Equal(t, []string{"third", "second", "first"}, order)
}
