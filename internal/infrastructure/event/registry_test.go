package event

import (
	"context"
	"testing"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/stretchr/testify/assert"
)

type mockHandler struct {
	eventTypes []string
}

func newMockHandler(eventTypes ...string) *mockHandler {
	return &mockHandler{eventTypes: eventTypes}
}

func (h *mockHandler) Handle(ctx context.Context, event shared.DomainEvent) error {
	return nil
}

func (h *mockHandler) EventTypes() []string {
	return h.eventTypes
}

func TestHandlerRegistry_Register_SpecificTypes(t *testing.T) {
	registry := NewHandlerRegistry()
	handler := newMockHandler()
	registry.Register(handler, inventory.EventTypeStockReserved, inventory.EventTypeReservationReleased)

	assert.Len(t, registry.GetHandlers(inventory.EventTypeStockReserved), 1)
	assert.Len(t, registry.GetHandlers(inventory.EventTypeReservationReleased), 1)
	assert.Empty(t, registry.GetHandlers(inventory.EventTypeReservationConsumed))
}

func TestHandlerRegistry_Register_Wildcard(t *testing.T) {
	registry := NewHandlerRegistry()
	registry.Register(newMockHandler())

	assert.Len(t, registry.GetHandlers(inventory.EventTypeStockReserved), 1)
	assert.Len(t, registry.GetHandlers(inventory.EventTypeTransferCommitted), 1)
}

func TestHandlerRegistry_GetHandlers_SpecificBeforeWildcard(t *testing.T) {
	registry := NewHandlerRegistry()
	wildcard := newMockHandler()
	specific := newMockHandler()
	registry.Register(wildcard)
	registry.Register(specific, inventory.EventTypeTransferCommitted)

	handlers := registry.GetHandlers(inventory.EventTypeTransferCommitted)
	assert.Equal(t, []shared.EventHandler{specific, wildcard}, handlers)
}

func TestHandlerRegistry_Unregister(t *testing.T) {
	registry := NewHandlerRegistry()
	keep := newMockHandler()
	drop := newMockHandler()
	registry.Register(keep, inventory.EventTypeStockReceived)
	registry.Register(drop, inventory.EventTypeStockReceived)
	registry.Register(drop)

	registry.Unregister(drop)

	assert.Equal(t, []shared.EventHandler{keep}, registry.GetHandlers(inventory.EventTypeStockReceived))
	assert.Empty(t, registry.GetHandlers(inventory.EventTypeStockDepleted))
}

func TestHandlerRegistry_Unregister_LastHandlerRemovesType(t *testing.T) {
	registry := NewHandlerRegistry()
	handler := newMockHandler()
	registry.Register(handler, inventory.EventTypeStockReceived)

	registry.Unregister(handler)

	assert.Empty(t, registry.GetHandlers(inventory.EventTypeStockReceived))
	assert.Empty(t, registry.handlers)
}

func TestHandlerRegistry_GetAllHandlers_NoDuplicates(t *testing.T) {
	registry := NewHandlerRegistry()
	first := newMockHandler()
	second := newMockHandler()
	registry.Register(first, inventory.EventTypeStockReceived, inventory.EventTypeStockDepleted)
	registry.Register(first)
	registry.Register(second, inventory.EventTypeStockDepleted)

	assert.ElementsMatch(t, []shared.EventHandler{first, second}, registry.GetAllHandlers())
}
