package persistence

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/lock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process inventory.Store. Exclusive acquisition is a
// keyed gate; writes made through a lease are buffered and applied under the
// store mutex on Commit, so readers never see a half-applied operation.
type MemoryStore struct {
	gate *lock.KeyedGate[inventory.LineKey]

	mu           sync.RWMutex
	lines        map[inventory.LineKey]inventory.InventoryLine
	movements    []inventory.Movement
	seq          int64
	reservations map[uuid.UUID]inventory.Reservation
	transfers    map[uuid.UUID]inventory.Transfer
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		gate:         lock.NewKeyedGate[inventory.LineKey](),
		lines:        make(map[inventory.LineKey]inventory.InventoryLine),
		reservations: make(map[uuid.UUID]inventory.Reservation),
		transfers:    make(map[uuid.UUID]inventory.Transfer),
	}
}

// Get returns the committed state of key
func (s *MemoryStore) Get(ctx context.Context, key inventory.LineKey) (inventory.InventoryLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if line, ok := s.lines[key]; ok {
		return line, nil
	}
	return inventory.NewInventoryLine(key), nil
}

// AcquireAndGet waits on the gate for key
func (s *MemoryStore) AcquireAndGet(ctx context.Context, key inventory.LineKey) (inventory.LineLease, error) {
	release, err := s.gate.Acquire(ctx, key)
	if err != nil {
		return nil, &inventory.ConcurrencyTimeoutError{Key: key, Cause: err}
	}
	line, _ := s.Get(ctx, key)
	return &memoryLease{
		store:        s,
		key:          key,
		line:         line,
		release:      release,
		reservations: make(map[uuid.UUID]inventory.Reservation),
		transfers:    make(map[uuid.UUID]inventory.Transfer),
	}, nil
}

// List snapshots the ledger length at call time. The movement slice is
// append-only, so the prefix it captures never changes.
func (s *MemoryStore) List(ctx context.Context, filter inventory.MovementFilter) iter.Seq2[inventory.Movement, error] {
	s.mu.RLock()
	snapshot := s.movements[:len(s.movements):len(s.movements)]
	s.mu.RUnlock()

	return func(yield func(inventory.Movement, error) bool) {
		if err := filter.Validate(); err != nil {
			yield(inventory.Movement{}, err)
			return
		}
		var matched []inventory.Movement
		for i := range snapshot {
			if filter.Matches(&snapshot[i]) {
				matched = append(matched, snapshot[i])
			}
		}
		slices.SortStableFunc(matched, inventory.CompareMovements)
		for _, m := range matched {
			if err := ctx.Err(); err != nil {
				yield(inventory.Movement{}, err)
				return
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Reservations returns the reservation read side
func (s *MemoryStore) Reservations() inventory.ReservationRepository {
	return memoryReservations{s}
}

// Transfers returns the transfer repository
func (s *MemoryStore) Transfers() inventory.TransferRepository {
	return memoryTransfers{s}
}

type memoryReservations struct{ s *MemoryStore }

func (r memoryReservations) FindByID(ctx context.Context, id uuid.UUID) (*inventory.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	res, ok := r.s.reservations[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &res, nil
}

func (r memoryReservations) FindExpired(ctx context.Context, now time.Time, limit int) ([]inventory.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []inventory.Reservation
	for _, res := range r.s.reservations {
		if res.IsActive() && res.IsExpiredAt(now) {
			out = append(out, res)
		}
	}
	slices.SortFunc(out, func(a, b inventory.Reservation) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memoryReservations) FindByOrigin(ctx context.Context, origin string) ([]inventory.Reservation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []inventory.Reservation
	for _, res := range r.s.reservations {
		if res.Origin == origin {
			out = append(out, res)
		}
	}
	slices.SortFunc(out, func(a, b inventory.Reservation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

type memoryTransfers struct{ s *MemoryStore }

func (r memoryTransfers) FindByID(ctx context.Context, id uuid.UUID) (*inventory.Transfer, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	t, ok := r.s.transfers[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	return &t, nil
}

func (r memoryTransfers) Save(ctx context.Context, t *inventory.Transfer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.transfers[t.ID] = *t
	return nil
}

// memoryLease buffers writes until Commit
type memoryLease struct {
	store   *MemoryStore
	key     inventory.LineKey
	line    inventory.InventoryLine
	release func()

	pending      []inventory.Movement
	reservations map[uuid.UUID]inventory.Reservation
	transfers    map[uuid.UUID]inventory.Transfer
	dirty        bool
	done         bool
}

func (l *memoryLease) Line() inventory.InventoryLine {
	return l.line
}

func (l *memoryLease) ApplyDelta(ctx context.Context, onHandDelta, reservedDelta decimal.Decimal, at time.Time) (inventory.InventoryLine, error) {
	if l.done {
		return l.line, errLeaseClosed(l.key)
	}
	next, err := l.line.WithDelta(onHandDelta, reservedDelta, at)
	if err != nil {
		return l.line, err
	}
	l.line = next
	l.dirty = true
	return next, nil
}

func (l *memoryLease) Append(ctx context.Context, m *inventory.Movement) (uuid.UUID, error) {
	if l.done {
		return uuid.Nil, errLeaseClosed(l.key)
	}
	if m.Key != l.key {
		return uuid.Nil, inventory.NewConsistencyError(l.key, "movement for %s appended under another line", m.Key)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	l.pending = append(l.pending, *m)
	return m.ID, nil
}

func (l *memoryLease) FindByIdempotencyKey(ctx context.Context, key string) (*inventory.Movement, error) {
	if key == "" {
		return nil, nil
	}
	for i := range l.pending {
		if l.pending[i].IdempotencyKey == key {
			m := l.pending[i]
			return &m, nil
		}
	}
	l.store.mu.RLock()
	defer l.store.mu.RUnlock()
	for i := len(l.store.movements) - 1; i >= 0; i-- {
		m := l.store.movements[i]
		if m.Key == l.key && m.IdempotencyKey == key {
			return &m, nil
		}
	}
	return nil, nil
}

func (l *memoryLease) Reservation(ctx context.Context, id uuid.UUID) (*inventory.Reservation, error) {
	if r, ok := l.reservations[id]; ok {
		return &r, nil
	}
	res, err := l.store.Reservations().FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.Key != l.key {
		return nil, inventory.NewConsistencyError(l.key, "reservation %s belongs to %s", id, res.Key)
	}
	return res, nil
}

func (l *memoryLease) SaveReservation(ctx context.Context, r *inventory.Reservation) error {
	if l.done {
		return errLeaseClosed(l.key)
	}
	if r.Key != l.key {
		return inventory.NewConsistencyError(l.key, "reservation %s saved under another line", r.ID)
	}
	l.reservations[r.ID] = *r
	return nil
}

func (l *memoryLease) SaveTransfer(ctx context.Context, t *inventory.Transfer) error {
	if l.done {
		return errLeaseClosed(l.key)
	}
	l.transfers[t.ID] = *t
	return nil
}

func (l *memoryLease) Commit(ctx context.Context) error {
	if l.done {
		return errLeaseClosed(l.key)
	}
	s := l.store
	s.mu.Lock()
	if l.dirty || len(l.pending) > 0 {
		s.lines[l.key] = l.line
	}
	for _, m := range l.pending {
		s.seq++
		m.Sequence = s.seq
		s.movements = append(s.movements, m)
	}
	for id, r := range l.reservations {
		s.reservations[id] = r
	}
	for id, t := range l.transfers {
		s.transfers[id] = t
	}
	s.mu.Unlock()

	l.done = true
	l.release()
	return nil
}

func (l *memoryLease) Release() {
	l.done = true
	l.release()
}

func errLeaseClosed(key inventory.LineKey) error {
	return inventory.NewConsistencyError(key, "lease already released")
}

var _ inventory.Store = (*MemoryStore)(nil)
