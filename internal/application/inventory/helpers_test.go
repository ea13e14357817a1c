package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/persistence"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// MockEventPublisher is a mock implementation of shared.EventPublisher
type MockEventPublisher struct {
	mock.Mock
}

func (m *MockEventPublisher) Publish(ctx context.Context, events ...shared.DomainEvent) error {
	args := m.Called(ctx, events)
	return args.Error(0)
}

// publishedTypes flattens the event types of every Publish call
func (m *MockEventPublisher) publishedTypes() []string {
	var types []string
	for _, call := range m.Calls {
		if call.Method != "Publish" {
			continue
		}
		for _, e := range call.Arguments.Get(1).([]shared.DomainEvent) {
			types = append(types, e.EventType())
		}
	}
	return types
}

// MockIdempotencyStore is a mock implementation of shared.IdempotencyStore
type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockIdempotencyStore) Close() error {
	return m.Called().Error(0)
}

// testClock is a settable time source
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// faultyStore fails acquisitions chosen by fail. n counts the acquisitions
// of key so far, starting at 1.
type faultyStore struct {
	*persistence.MemoryStore
	mu     sync.Mutex
	counts map[inventory.LineKey]int
	fail   func(key inventory.LineKey, n int) error
}

func newFaultyStore(fail func(key inventory.LineKey, n int) error) *faultyStore {
	return &faultyStore{
		MemoryStore: persistence.NewMemoryStore(),
		counts:      make(map[inventory.LineKey]int),
		fail:        fail,
	}
}

func (s *faultyStore) AcquireAndGet(ctx context.Context, key inventory.LineKey) (inventory.LineLease, error) {
	s.mu.Lock()
	s.counts[key]++
	n := s.counts[key]
	s.mu.Unlock()
	if err := s.fail(key, n); err != nil {
		return nil, err
	}
	return s.MemoryStore.AcquireAndGet(ctx, key)
}

type testServices struct {
	store        inventory.Store
	policy       *inventory.NegativeStockPolicy
	clock        *testClock
	publisher    *MockEventPublisher
	stock        *StockService
	reservations *ReservationService
	transfers    *TransferService
}

func newTestServices(t *testing.T) *testServices {
	t.Helper()
	return newTestServicesWithStore(t, persistence.NewMemoryStore())
}

func newTestServicesWithStore(t *testing.T, store inventory.Store) *testServices {
	t.Helper()
	policy, err := inventory.NewNegativeStockPolicy(inventory.DefaultNegativeLimit)
	require.NoError(t, err)

	clock := newTestClock()
	publisher := new(MockEventPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything).Return(nil)
	logger := zap.NewNop()

	ts := &testServices{
		store:        store,
		policy:       policy,
		clock:        clock,
		publisher:    publisher,
		stock:        NewStockService(store, policy, logger),
		reservations: NewReservationService(store, logger),
		transfers:    NewTransferService(store, logger),
	}
	for _, b := range []*serviceBase{&ts.stock.serviceBase, &ts.reservations.serviceBase, &ts.transfers.serviceBase} {
		b.SetClock(clock.Now)
		b.SetEventPublisher(publisher)
	}
	return ts
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func lineReq(productID, storeID int64) LineRequest {
	return LineRequest{ProductID: productID, StoreID: storeID}
}

func (ts *testServices) receive(t *testing.T, l LineRequest, q string) {
	t.Helper()
	_, err := ts.stock.Receive(context.Background(), ReceiveRequest{LineRequest: l, Quantity: dec(q), Reference: "PO-1", Actor: "tester"})
	require.NoError(t, err)
}

func (ts *testServices) balance(t *testing.T, l LineRequest) inventory.InventoryLine {
	t.Helper()
	got, err := ts.stock.Balance(context.Background(), l)
	require.NoError(t, err)
	return got
}

// ledgerSum returns the signed sum of a line's movements
func (ts *testServices) ledgerSum(t *testing.T, key inventory.LineKey) decimal.Decimal {
	t.Helper()
	movements, err := inventory.CollectMovements(ts.store.List(context.Background(), inventory.ForLine(key)))
	require.NoError(t, err)
	sum := decimal.Zero
	for _, m := range movements {
		sum = sum.Add(m.Quantity)
	}
	return sum
}
