package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupStockTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// one connection: every connection to :memory: is a separate database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

type storeFactory func(t *testing.T) inventory.Store

func storeFactories() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T) inventory.Store { return NewMemoryStore() },
		"gorm": func(t *testing.T) inventory.Store {
			return NewGormStore(setupStockTestDB(t)).WithPageSize(2)
		},
	}
}

var (
	testKeyA = inventory.LineKey{ProductID: 1, StoreID: 1}
	testKeyB = inventory.LineKey{ProductID: 1, StoreID: 1, WarehouseID: 7}
	testKeyC = inventory.LineKey{ProductID: 2, StoreID: 1}
	baseTime = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
)

func qty(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// withLine runs fn under a lease on key, committing when fn succeeds
func withLine(ctx context.Context, store inventory.BalanceStore, key inventory.LineKey, fn func(inventory.LineLease) error) error {
	lease, err := store.AcquireAndGet(ctx, key)
	if err != nil {
		return err
	}
	defer lease.Release()

	if err := fn(lease); err != nil {
		return err
	}
	return lease.Commit(ctx)
}

// appendMovement applies and records one movement in its own lease
func appendMovement(t *testing.T, store inventory.Store, key inventory.LineKey, kind inventory.MovementKind, q string, at time.Time) inventory.Movement {
	t.Helper()
	m, err := inventory.NewMovement(key, kind, qty(q), "REF", "tester", at)
	require.NoError(t, err)

	err = withLine(context.Background(), store, key, func(lease inventory.LineLease) error {
		if _, err := lease.ApplyDelta(context.Background(), m.Quantity, decimal.Zero, at); err != nil {
			return err
		}
		_, err := lease.Append(context.Background(), m)
		return err
	})
	require.NoError(t, err)
	return *m
}

func TestStore_Contract(t *testing.T) {
	for name, newStore := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			t.Run("never touched line reads zero", func(t *testing.T) {
				store := newStore(t)
				line, err := store.Get(context.Background(), testKeyA)
				require.NoError(t, err)
				assert.Equal(t, testKeyA, line.Key)
				assert.True(t, line.OnHand.IsZero())
				assert.True(t, line.Reserved.IsZero())
			})

			t.Run("commit publishes delta and movement", func(t *testing.T) {
				store := newStore(t)
				m := appendMovement(t, store, testKeyA, inventory.MovementIn, "10.5", baseTime)

				line, err := store.Get(context.Background(), testKeyA)
				require.NoError(t, err)
				assert.True(t, line.OnHand.Equal(qty("10.5")))
				require.NotNil(t, line.LastMovementAt)

				got, err := inventory.CollectMovements(store.List(context.Background(), inventory.MovementFilter{}))
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, m.ID, got[0].ID)
				assert.Equal(t, inventory.MovementIn, got[0].Kind)
				assert.True(t, got[0].Quantity.Equal(qty("10.5")))
				assert.Positive(t, got[0].Sequence)
			})

			t.Run("release without commit discards writes", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()

				lease, err := store.AcquireAndGet(ctx, testKeyA)
				require.NoError(t, err)
				_, err = lease.ApplyDelta(ctx, qty("5"), qty("1"), baseTime)
				require.NoError(t, err)
				m, err := inventory.NewMovement(testKeyA, inventory.MovementIn, qty("5"), "", "", baseTime)
				require.NoError(t, err)
				_, err = lease.Append(ctx, m)
				require.NoError(t, err)
				lease.Release()
				lease.Release()

				line, err := store.Get(ctx, testKeyA)
				require.NoError(t, err)
				assert.True(t, line.OnHand.IsZero())
				got, err := inventory.CollectMovements(store.List(ctx, inventory.MovementFilter{}))
				require.NoError(t, err)
				assert.Empty(t, got)
			})

			t.Run("negative reserved is rejected and nothing changes", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				err := withLine(ctx, store, testKeyA, func(lease inventory.LineLease) error {
					_, err := lease.ApplyDelta(ctx, decimal.Zero, qty("-1"), baseTime)
					return err
				})
				assert.ErrorIs(t, err, shared.ErrConsistency)

				line, err := store.Get(ctx, testKeyA)
				require.NoError(t, err)
				assert.True(t, line.Reserved.IsZero())
			})

			t.Run("panic inside scope releases the line", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				assert.Panics(t, func() {
					_ = withLine(ctx, store, testKeyA, func(lease inventory.LineLease) error {
						panic("boom")
					})
				})

				tctx, cancel := context.WithTimeout(ctx, time.Second)
				defer cancel()
				lease, err := store.AcquireAndGet(tctx, testKeyA)
				require.NoError(t, err)
				lease.Release()
			})

			t.Run("list orders by line then append order and filters", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				appendMovement(t, store, testKeyC, inventory.MovementIn, "1", baseTime)
				appendMovement(t, store, testKeyB, inventory.MovementIn, "2", baseTime.Add(time.Minute))
				appendMovement(t, store, testKeyA, inventory.MovementIn, "3", baseTime.Add(2*time.Minute))
				appendMovement(t, store, testKeyA, inventory.MovementOut, "-1", baseTime.Add(3*time.Minute))
				appendMovement(t, store, testKeyB, inventory.MovementCountAdjust, "-0.5", baseTime.Add(4*time.Minute))

				all, err := inventory.CollectMovements(store.List(ctx, inventory.MovementFilter{}))
				require.NoError(t, err)
				require.Len(t, all, 5)
				var keys []inventory.LineKey
				for _, m := range all {
					keys = append(keys, m.Key)
				}
				assert.Equal(t, []inventory.LineKey{testKeyA, testKeyA, testKeyB, testKeyB, testKeyC}, keys)
				assert.Equal(t, inventory.MovementIn, all[0].Kind)
				assert.Equal(t, inventory.MovementOut, all[1].Kind)

				noWarehouse := inventory.NoWarehouse
				product := int64(1)
				onlyA, err := inventory.CollectMovements(store.List(ctx, inventory.MovementFilter{
					ProductID: &product, WarehouseID: &noWarehouse,
				}))
				require.NoError(t, err)
				assert.Len(t, onlyA, 2)

				adjust, err := inventory.CollectMovements(store.List(ctx, inventory.MovementFilter{
					Kinds: []inventory.MovementKind{inventory.MovementCountAdjust},
				}))
				require.NoError(t, err)
				require.Len(t, adjust, 1)
				assert.Equal(t, testKeyB, adjust[0].Key)

				from := baseTime.Add(time.Minute)
				to := baseTime.Add(3 * time.Minute)
				window, err := inventory.CollectMovements(store.List(ctx, inventory.MovementFilter{From: &from, To: &to}))
				require.NoError(t, err)
				assert.Len(t, window, 2)
			})

			t.Run("list is a restartable snapshot", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				for i := range 3 {
					appendMovement(t, store, testKeyA, inventory.MovementIn, "1", baseTime.Add(time.Duration(i)*time.Second))
				}

				seq := store.List(ctx, inventory.ForLine(testKeyA))
				appendMovement(t, store, testKeyA, inventory.MovementIn, "1", baseTime.Add(time.Hour))

				first, err := inventory.CollectMovements(seq)
				require.NoError(t, err)
				second, err := inventory.CollectMovements(seq)
				require.NoError(t, err)
				assert.Len(t, first, 3)
				assert.Equal(t, first, second)

				count := 0
				for range seq {
					count++
					break
				}
				assert.Equal(t, 1, count)
			})

			t.Run("on hand equals signed sum of movements", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				for i, q := range []string{"10", "-3.25", "4", "-11", "0.0001"} {
					kind := inventory.MovementIn
					if q[0] == '-' {
						kind = inventory.MovementOut
					}
					appendMovement(t, store, testKeyA, kind, q, baseTime.Add(time.Duration(i)*time.Second))
				}

				movements, err := inventory.CollectMovements(store.List(ctx, inventory.ForLine(testKeyA)))
				require.NoError(t, err)
				sum := decimal.Zero
				for _, m := range movements {
					sum = sum.Add(m.Quantity)
				}
				line, err := store.Get(ctx, testKeyA)
				require.NoError(t, err)
				assert.True(t, sum.Equal(line.OnHand), "sum %s on hand %s", sum, line.OnHand)
				assert.True(t, line.OnHand.Equal(qty("-0.2499")))
			})

			t.Run("idempotency key lookup is scoped to the line", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				m, err := inventory.NewMovement(testKeyA, inventory.MovementIn, qty("1"), "", "", baseTime)
				require.NoError(t, err)
				m.WithIdempotencyKey("req-1")
				require.NoError(t, withLine(ctx, store, testKeyA, func(lease inventory.LineLease) error {
					_, err := lease.Append(ctx, m)
					return err
				}))

				lease, err := store.AcquireAndGet(ctx, testKeyA)
				require.NoError(t, err)
				found, err := lease.FindByIdempotencyKey(ctx, "req-1")
				require.NoError(t, err)
				require.NotNil(t, found)
				assert.Equal(t, m.ID, found.ID)
				missing, err := lease.FindByIdempotencyKey(ctx, "req-2")
				require.NoError(t, err)
				assert.Nil(t, missing)
				lease.Release()

				other, err := store.AcquireAndGet(ctx, testKeyC)
				require.NoError(t, err)
				found, err = other.FindByIdempotencyKey(ctx, "req-1")
				require.NoError(t, err)
				assert.Nil(t, found)
				other.Release()
			})

			t.Run("reservations round trip through a lease", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				expiring, err := inventory.NewReservation(testKeyA, qty("2"), time.Minute, "SO-1", baseTime)
				require.NoError(t, err)
				fresh, err := inventory.NewReservation(testKeyA, qty("3"), time.Hour, "SO-1", baseTime)
				require.NoError(t, err)

				require.NoError(t, withLine(ctx, store, testKeyA, func(lease inventory.LineLease) error {
					if err := lease.SaveReservation(ctx, expiring); err != nil {
						return err
					}
					return lease.SaveReservation(ctx, fresh)
				}))

				got, err := store.Reservations().FindByID(ctx, expiring.ID)
				require.NoError(t, err)
				assert.Equal(t, inventory.ReservationActive, got.State)
				assert.True(t, got.Quantity.Equal(qty("2")))

				expired, err := store.Reservations().FindExpired(ctx, baseTime.Add(10*time.Minute), 10)
				require.NoError(t, err)
				require.Len(t, expired, 1)
				assert.Equal(t, expiring.ID, expired[0].ID)

				byOrigin, err := store.Reservations().FindByOrigin(ctx, "SO-1")
				require.NoError(t, err)
				assert.Len(t, byOrigin, 2)

				// update through a second lease
				require.NoError(t, withLine(ctx, store, testKeyA, func(lease inventory.LineLease) error {
					r, err := lease.Reservation(ctx, expiring.ID)
					if err != nil {
						return err
					}
					if _, err := r.Expire(baseTime.Add(10 * time.Minute)); err != nil {
						return err
					}
					return lease.SaveReservation(ctx, r)
				}))
				expired, err = store.Reservations().FindExpired(ctx, baseTime.Add(10*time.Minute), 10)
				require.NoError(t, err)
				assert.Empty(t, expired)

				_, err = store.Reservations().FindByID(ctx, uuid.New())
				assert.ErrorIs(t, err, shared.ErrNotFound)
			})

			t.Run("transfers save and load", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				tr := inventory.NewTransfer(1, inventory.Location{StoreID: 1}, inventory.Location{StoreID: 2}, qty("4"), "bob", baseTime)

				require.NoError(t, withLine(ctx, store, testKeyA, func(lease inventory.LineLease) error {
					return lease.SaveTransfer(ctx, tr)
				}))
				require.NoError(t, tr.Commit(uuid.New(), baseTime.Add(time.Second)))
				require.NoError(t, store.Transfers().Save(ctx, tr))

				got, err := store.Transfers().FindByID(ctx, tr.ID)
				require.NoError(t, err)
				assert.Equal(t, inventory.TransferCommitted, got.State)
				assert.Equal(t, inventory.Location{StoreID: 2}, got.Destination)
				require.NotNil(t, got.InMovementID)

				_, err = store.Transfers().FindByID(ctx, uuid.New())
				assert.ErrorIs(t, err, shared.ErrNotFound)
			})

			t.Run("snapshot counts negative lines and active holds", func(t *testing.T) {
				store := newStore(t)
				ctx := context.Background()
				counter, ok := store.(snapshotCounter)
				require.True(t, ok)

				appendMovement(t, store, testKeyA, inventory.MovementOut, "-2", baseTime)
				appendMovement(t, store, testKeyB, inventory.MovementIn, "5", baseTime)
				hold, err := inventory.NewReservation(testKeyB, qty("1"), time.Minute, "SO-9", baseTime)
				require.NoError(t, err)
				require.NoError(t, withLine(ctx, store, testKeyB, func(lease inventory.LineLease) error {
					if _, err := lease.ApplyDelta(ctx, decimal.Zero, hold.Quantity, baseTime); err != nil {
						return err
					}
					return lease.SaveReservation(ctx, hold)
				}))

				negative, err := counter.CountNegativeLines(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(1), negative)
				active, err := counter.CountActiveReservations(ctx)
				require.NoError(t, err)
				assert.Equal(t, int64(1), active)
			})
		})
	}
}

type snapshotCounter interface {
	CountNegativeLines(ctx context.Context) (int64, error)
	CountActiveReservations(ctx context.Context) (int64, error)
}
