package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(eventType string) *shared.BaseDomainEvent {
	e := shared.NewBaseDomainEvent(eventType, "InventoryLine", "1/1/0", time.Now().UTC())
	return &e
}

func TestRecordingHandler(t *testing.T) {
	h := NewRecordingHandler("StockReceived")
	assert.Equal(t, []string{"StockReceived"}, h.EventTypes())

	require.NoError(t, h.Handle(context.Background(), testEvent("StockReceived")))
	require.NoError(t, h.Publish(context.Background(), testEvent("StockDepleted"), testEvent("NegativeStockWarning")))

	assert.Len(t, h.Handled(), 3)
	assert.Equal(t, []string{"StockReceived", "StockDepleted", "NegativeStockWarning"}, h.Types())

	h.Reset()
	assert.Empty(t, h.Handled())
}

func TestRecordingHandler_SetError(t *testing.T) {
	h := NewRecordingHandler()
	errHandler := errors.New("handler failed")
	h.SetError(errHandler)

	err := h.Publish(context.Background(), testEvent("StockReceived"), testEvent("StockDepleted"))
	assert.ErrorIs(t, err, errHandler)
	// Publish stops at the first failure
	assert.Len(t, h.Handled(), 1)
}

func TestClock(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.FixedZone("CET", 3600))
	c := NewClock(start)
	assert.Equal(t, time.UTC, c.Now().Location())
	assert.True(t, c.Now().Equal(start))

	c.Advance(time.Minute)
	assert.True(t, c.Now().Equal(start.Add(time.Minute)))
}
