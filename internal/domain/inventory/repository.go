package inventory

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BalanceStore holds the materialized balance of every inventory line and is
// the only path to mutate it. Implementations back exclusive acquisition with
// either a database row lock or an in-process keyed gate; callers cannot
// tell which.
type BalanceStore interface {
	// Get returns a snapshot without blocking. It may be stale relative to a
	// concurrent writer. A never-touched line reads as zero.
	Get(ctx context.Context, key LineKey) (InventoryLine, error)

	// AcquireAndGet blocks until no one else holds key, then returns a lease
	// over a consistent snapshot. The lease must be released on every path.
	// Acquisition is not reentrant. If ctx expires while waiting the error
	// is a *ConcurrencyTimeoutError.
	AcquireAndGet(ctx context.Context, key LineKey) (LineLease, error)
}

// LineLease is an exclusive hold on one line. Writes made through it become
// visible atomically on Commit; Release without Commit discards them.
type LineLease interface {
	// Line returns the current state of the held line including pending deltas
	Line() InventoryLine

	// ApplyDelta updates on-hand and reserved. It fails with a
	// *ConsistencyError if reserved would become negative.
	ApplyDelta(ctx context.Context, onHandDelta, reservedDelta decimal.Decimal, at time.Time) (InventoryLine, error)

	// Append writes a movement of the held line to the ledger and returns its id.
	Append(ctx context.Context, m *Movement) (uuid.UUID, error)

	// FindByIdempotencyKey returns the movement of the held line carrying key,
	// or nil if there is none.
	FindByIdempotencyKey(ctx context.Context, key string) (*Movement, error)

	// Reservation re-reads a reservation of the held line under the lease.
	Reservation(ctx context.Context, id uuid.UUID) (*Reservation, error)

	// SaveReservation inserts or updates a reservation of the held line.
	SaveReservation(ctx context.Context, r *Reservation) error

	// SaveTransfer inserts or updates a transfer record.
	SaveTransfer(ctx context.Context, t *Transfer) error

	// Commit publishes every write and releases the line.
	Commit(ctx context.Context) error

	// Release gives up the line, discarding uncommitted writes. It is safe to
	// call after Commit and more than once.
	Release()
}

// MovementLedger is the read side of the append-only movement log.
type MovementLedger interface {
	// List returns a lazy sequence of movements matching filter, ordered by
	// line then append order. The sequence is fixed as of the call: entries
	// appended afterwards, or not yet committed when List was called, are not
	// yielded. Each range reads one consistent snapshot, and ranging over the
	// sequence again restarts from the beginning.
	List(ctx context.Context, filter MovementFilter) iter.Seq2[Movement, error]
}

// ReservationRepository is the read side of reservations. Writes go through
// a LineLease.
type ReservationRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	// FindExpired returns up to limit ACTIVE reservations with expires_at before now
	FindExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
	FindByOrigin(ctx context.Context, origin string) ([]Reservation, error)
}

// TransferRepository stores transfer records.
type TransferRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Transfer, error)
	// Save inserts or updates a transfer outside any line lease
	Save(ctx context.Context, t *Transfer) error
}

// Store bundles every port a storage backend provides.
type Store interface {
	BalanceStore
	MovementLedger
	Reservations() ReservationRepository
	Transfers() TransferRepository
}

// CollectMovements drains a ledger sequence into a slice.
func CollectMovements(seq iter.Seq2[Movement, error]) ([]Movement, error) {
	var out []Movement
	for m, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
