package inventory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReservationService_ReserveRequiresAvailable(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	req := ReserveRequest{LineRequest: l, Quantity: dec("10"), TTL: time.Second, Origin: "SO-1"}

	_, err := ts.reservations.Reserve(ctx, req)
	var insufficient *inventory.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.IsZero())
	assert.True(t, insufficient.Requested.Equal(dec("10")))
	assert.True(t, ts.balance(t, l).Reserved.IsZero())

	ts.receive(t, l, "10")
	r, err := ts.reservations.Reserve(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationActive, r.State)
	assert.Equal(t, ts.clock.Now().Add(time.Second), r.ExpiresAt)

	got := ts.balance(t, l)
	assert.True(t, got.Reserved.Equal(dec("10")))
	assert.True(t, got.Available().IsZero())

	_, err = ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("0.0001")})
	assert.ErrorIs(t, err, shared.ErrInsufficientStock)
}

func TestReservationService_DefaultTTL(t *testing.T) {
	ts := newTestServices(t)
	ts.reservations.SetDefaultTTL(time.Hour)
	l := lineReq(1, 1)
	ts.receive(t, l, "1")

	r, err := ts.reservations.Reserve(context.Background(), ReserveRequest{LineRequest: l, Quantity: dec("1")})
	require.NoError(t, err)
	assert.Equal(t, ts.clock.Now().Add(time.Hour), r.ExpiresAt)

	_, err = ts.reservations.Reserve(context.Background(), ReserveRequest{LineRequest: l, Quantity: dec("1"), TTL: -time.Second})
	assert.ErrorIs(t, err, inventory.ErrValidation)
}

func TestReservationService_CancelConservesBalance(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	ts.receive(t, l, "8")
	before := ts.balance(t, l)

	r, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("3"), TTL: time.Minute})
	require.NoError(t, err)

	cancelled, err := ts.reservations.Cancel(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationCancelled, cancelled.State)

	after := ts.balance(t, l)
	assert.True(t, after.OnHand.Equal(before.OnHand))
	assert.True(t, after.Reserved.Equal(before.Reserved))

	// settled reservations reject cancellation
	_, err = ts.reservations.Cancel(ctx, r.ID)
	var stateErr *inventory.StateError
	require.ErrorAs(t, err, &stateErr)
	assert.ErrorIs(t, err, inventory.ErrValidation)

	_, err = ts.reservations.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, shared.ErrNotFound)
}

func TestReservationService_ConsumeConservesBalance(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	ts.receive(t, l, "8")
	before := ts.balance(t, l)

	r, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("3"), TTL: time.Minute, Origin: "SO-9"})
	require.NoError(t, err)

	result, err := ts.reservations.Consume(ctx, ConsumeRequest{ReservationID: r.ID, Actor: "picker"})
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationConsumed, result.Reservation.State)
	assert.True(t, result.Consumed.Equal(dec("3")))

	after := ts.balance(t, l)
	assert.True(t, after.Reserved.Equal(before.Reserved))
	assert.True(t, after.OnHand.Equal(before.OnHand.Sub(dec("3"))))
	assert.True(t, ts.ledgerSum(t, l.Key()).Equal(after.OnHand))

	movements, err := inventory.CollectMovements(ts.store.List(ctx, inventory.MovementFilter{
		Kinds: []inventory.MovementKind{inventory.MovementOut},
	}))
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, "SO-9", movements[0].Reference)
	assert.Equal(t, result.MovementID, movements[0].ID)
}

func TestReservationService_PartialConsume(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	ts.receive(t, l, "10")

	r, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("5"), TTL: time.Minute})
	require.NoError(t, err)

	part := dec("2")
	result, err := ts.reservations.Consume(ctx, ConsumeRequest{ReservationID: r.ID, Quantity: &part})
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationActive, result.Reservation.State)
	assert.True(t, result.Reservation.Quantity.Equal(dec("3")))
	assert.True(t, result.Line.Reserved.Equal(dec("3")))
	assert.True(t, result.Line.OnHand.Equal(dec("8")))

	tooMuch := dec("3.0001")
	_, err = ts.reservations.Consume(ctx, ConsumeRequest{ReservationID: r.ID, Quantity: &tooMuch})
	assert.ErrorIs(t, err, inventory.ErrValidation)

	result, err = ts.reservations.Consume(ctx, ConsumeRequest{ReservationID: r.ID})
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationConsumed, result.Reservation.State)
	assert.True(t, result.Consumed.Equal(dec("3")))

	got, err := ts.reservations.GetReservation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationConsumed, got.State)
	assert.True(t, got.OriginalQuantity.Equal(dec("5")))

	_, err = ts.reservations.Consume(ctx, ConsumeRequest{ReservationID: r.ID})
	assert.ErrorIs(t, err, shared.ErrInvalidState)
}

func TestReservationService_SweepExpired(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	ts.receive(t, l, "10")

	short, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("2"), TTL: time.Second})
	require.NoError(t, err)
	long, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("3"), TTL: time.Hour})
	require.NoError(t, err)

	// expiry is strict: a reservation at its deadline is still active
	ts.clock.Advance(time.Second)
	stats, err := ts.reservations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Expired)

	ts.clock.Advance(time.Millisecond)
	stats, err = ts.reservations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepStats{Scanned: 1, Expired: 1}, *stats)

	got, err := ts.reservations.GetReservation(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationExpired, got.State)
	got, err = ts.reservations.GetReservation(ctx, long.ID)
	require.NoError(t, err)
	assert.Equal(t, inventory.ReservationActive, got.State)

	afterFirst := ts.balance(t, l)
	assert.True(t, afterFirst.Reserved.Equal(dec("3")))

	// a second sweep is a no-op
	stats, err = ts.reservations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Expired)
	assert.Equal(t, afterFirst, ts.balance(t, l))
}

func TestReservationService_ConcurrentSweeps(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	ts.receive(t, l, "100")

	const holds = 20
	for i := 0; i < holds; i++ {
		_, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("1"), TTL: time.Second})
		require.NoError(t, err)
	}
	ts.clock.Advance(time.Minute)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		expired int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stats, err := ts.reservations.SweepExpired(ctx)
			assert.NoError(t, err)
			assert.Zero(t, stats.Failed)
			mu.Lock()
			expired += stats.Expired
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, holds, expired)
	got := ts.balance(t, l)
	assert.True(t, got.Reserved.IsZero())
	assert.True(t, got.OnHand.Equal(dec("100")))
}

func TestReservationService_SweepSkipsCancelled(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	ts.receive(t, l, "5")

	r, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("5"), TTL: time.Second})
	require.NoError(t, err)
	ts.clock.Advance(time.Minute)

	_, err = ts.reservations.Cancel(ctx, r.ID)
	require.NoError(t, err)

	stats, err := ts.reservations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scanned)
	assert.True(t, ts.balance(t, l).Reserved.IsZero())
}

func TestReservationService_SweepBatchSize(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	ts.receive(t, l, "5")
	ts.reservations.SetSweepBatchSize(2)

	for i := 0; i < 3; i++ {
		_, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("1"), TTL: time.Second})
		require.NoError(t, err)
	}
	ts.clock.Advance(time.Minute)

	stats, err := ts.reservations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Expired)
	stats, err = ts.reservations.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Expired)
}

func TestReservationService_ListByOrigin(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	ts.receive(t, lineReq(1, 1), "5")
	ts.receive(t, lineReq(2, 1), "5")

	for _, l := range []LineRequest{lineReq(1, 1), lineReq(2, 1)} {
		_, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("1"), TTL: time.Minute, Origin: "SO-77"})
		require.NoError(t, err)
	}
	_, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: lineReq(1, 1), Quantity: dec("1"), TTL: time.Minute, Origin: "SO-78"})
	require.NoError(t, err)

	list, err := ts.reservations.ListByOrigin(ctx, "SO-77")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = ts.reservations.ListByOrigin(ctx, "")
	assert.ErrorIs(t, err, inventory.ErrValidation)
}

func TestReservationService_Events(t *testing.T) {
	ts := newTestServices(t)
	ctx := context.Background()
	l := lineReq(1, 1)
	ts.receive(t, l, "5")

	r, err := ts.reservations.Reserve(ctx, ReserveRequest{LineRequest: l, Quantity: dec("2"), TTL: time.Minute})
	require.NoError(t, err)
	_, err = ts.reservations.Cancel(ctx, r.ID)
	require.NoError(t, err)

	assert.Equal(t, []string{
		inventory.EventTypeStockReceived,
		inventory.EventTypeStockReserved,
		inventory.EventTypeReservationReleased,
	}, ts.publisher.publishedTypes())
}
