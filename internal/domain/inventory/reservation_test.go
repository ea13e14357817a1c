package inventory

import (
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReservation(t *testing.T, qty string) *Reservation {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	r, err := NewReservation(LineKey{ProductID: 1, StoreID: 1}, dec(qty), time.Minute, "SO-1", now)
	require.NoError(t, err)
	return r
}

func TestNewReservation(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	key := LineKey{ProductID: 1, StoreID: 1}

	r, err := NewReservation(key, dec("10"), time.Hour, "SO-1", now)
	require.NoError(t, err)
	assert.Equal(t, ReservationActive, r.State)
	assert.Equal(t, now.Add(time.Hour), r.ExpiresAt)
	assert.True(t, r.OriginalQuantity.Equal(dec("10")))

	_, err = NewReservation(key, decimal.Zero, time.Hour, "SO-1", now)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewReservation(key, dec("1"), 0, "SO-1", now)
	assert.ErrorIs(t, err, ErrValidation)
	_, err = NewReservation(LineKey{}, dec("1"), time.Hour, "SO-1", now)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestReservation_Transitions(t *testing.T) {
	now := time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)

	t.Run("cancel releases everything", func(t *testing.T) {
		r := newTestReservation(t, "10")
		released, err := r.Cancel(now)
		require.NoError(t, err)
		assert.True(t, released.Equal(dec("10")))
		assert.Equal(t, ReservationCancelled, r.State)
		assert.True(t, r.Quantity.IsZero())
	})

	t.Run("expire uses EXPIRED state", func(t *testing.T) {
		r := newTestReservation(t, "10")
		_, err := r.Expire(now)
		require.NoError(t, err)
		assert.Equal(t, ReservationExpired, r.State)
	})

	t.Run("partial consume stays active", func(t *testing.T) {
		r := newTestReservation(t, "10")
		q := dec("4")
		used, err := r.Consume(&q, now)
		require.NoError(t, err)
		assert.True(t, used.Equal(q))
		assert.Equal(t, ReservationActive, r.State)
		assert.True(t, r.Quantity.Equal(dec("6")))

		used, err = r.Consume(nil, now)
		require.NoError(t, err)
		assert.True(t, used.Equal(dec("6")))
		assert.Equal(t, ReservationConsumed, r.State)
	})

	t.Run("consume more than remaining is rejected", func(t *testing.T) {
		r := newTestReservation(t, "2")
		q := dec("2.0001")
		_, err := r.Consume(&q, now)
		assert.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, ReservationActive, r.State)
	})

	t.Run("terminal states reject further transitions", func(t *testing.T) {
		for _, finish := range []func(*Reservation) error{
			func(r *Reservation) error { _, err := r.Cancel(now); return err },
			func(r *Reservation) error { _, err := r.Expire(now); return err },
			func(r *Reservation) error { _, err := r.Consume(nil, now); return err },
		} {
			r := newTestReservation(t, "1")
			require.NoError(t, finish(r))

			_, err := r.Cancel(now)
			assert.ErrorIs(t, err, ErrValidation)
			assert.ErrorIs(t, err, shared.ErrInvalidState)
			_, err = r.Consume(nil, now)
			assert.ErrorIs(t, err, ErrValidation)
			_, err = r.Expire(now)
			assert.ErrorIs(t, err, ErrValidation)
		}
	})
}

func TestReservation_IsExpiredAt(t *testing.T) {
	r := newTestReservation(t, "1")
	assert.False(t, r.IsExpiredAt(r.ExpiresAt))
	assert.True(t, r.IsExpiredAt(r.ExpiresAt.Add(time.Nanosecond)))
}
