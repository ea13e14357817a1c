package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/domain/shared"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultPageSize is the number of movements fetched per round trip by List
const DefaultPageSize = 500

// GormStore is a database-backed inventory.Store. Each lease is one
// transaction holding a row lock on the line (SELECT ... FOR UPDATE), so
// exclusivity also holds across processes sharing the database.
type GormStore struct {
	db       *gorm.DB
	pageSize int
}

// NewGormStore creates a new GORM backed store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, pageSize: DefaultPageSize}
}

// WithPageSize overrides the List page size
func (s *GormStore) WithPageSize(n int) *GormStore {
	if n > 0 {
		s.pageSize = n
	}
	return s
}

func lineScope(key inventory.LineKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("product_id = ? AND store_id = ? AND warehouse_id = ?",
			key.ProductID, key.StoreID, key.WarehouseID)
	}
}

// Get reads the committed row without locking
func (s *GormStore) Get(ctx context.Context, key inventory.LineKey) (inventory.InventoryLine, error) {
	var model models.InventoryLineModel
	err := s.db.WithContext(ctx).Scopes(lineScope(key)).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return inventory.NewInventoryLine(key), nil
	}
	if err != nil {
		return inventory.InventoryLine{}, fmt.Errorf("failed to read inventory line %s: %w", key, err)
	}
	return model.ToDomain(), nil
}

// AcquireAndGet opens a transaction, creates the line row if it does not
// exist yet and locks it.
func (s *GormStore) AcquireAndGet(ctx context.Context, key inventory.LineKey) (inventory.LineLease, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, s.acquireError(ctx, key, tx.Error)
	}

	seed := models.InventoryLineModelFromDomain(inventory.NewInventoryLine(key), time.Now().UTC())
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(seed).Error; err != nil {
		tx.Rollback()
		return nil, s.acquireError(ctx, key, err)
	}

	var model models.InventoryLineModel
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Scopes(lineScope(key)).First(&model).Error; err != nil {
		tx.Rollback()
		return nil, s.acquireError(ctx, key, err)
	}

	return &gormLease{tx: tx, key: key, line: model.ToDomain()}, nil
}

func (s *GormStore) acquireError(ctx context.Context, key inventory.LineKey, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &inventory.ConcurrencyTimeoutError{Key: key, Cause: ctxErr}
	}
	return fmt.Errorf("failed to acquire inventory line %s: %w", key, err)
}

// ledgerHorizon is what List fixes at call time. On postgres it also holds
// the call's transaction snapshot, since seq is taken at insert and
// transactions can commit out of seq order.
type ledgerHorizon struct {
	maxSeq   int64
	snapshot *xactSnapshot
}

// xactSnapshot is a parsed pg_current_snapshot(): transactions below xmax
// and not in xip had committed.
type xactSnapshot struct {
	xmax int64
	xip  []int64
}

func parseXactSnapshot(text string) (*xactSnapshot, error) {
	parts := strings.Split(text, ":")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed transaction snapshot %q", text)
	}
	xmax, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("malformed transaction snapshot %q: %w", text, err)
	}
	snap := &xactSnapshot{xmax: xmax}
	if parts[2] != "" {
		for _, id := range strings.Split(parts[2], ",") {
			xid, err := strconv.ParseInt(id, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("malformed transaction snapshot %q: %w", text, err)
			}
			snap.xip = append(snap.xip, xid)
		}
	}
	return snap, nil
}

func (s *GormStore) ledgerHorizon(ctx context.Context) (ledgerHorizon, error) {
	db := s.db.WithContext(ctx)
	if db.Dialector.Name() != "postgres" {
		var h ledgerHorizon
		err := db.Model(&models.MovementModel{}).Select("COALESCE(MAX(seq), 0)").Scan(&h.maxSeq).Error
		return h, err
	}

	// one statement, so the max and the snapshot agree
	var row struct {
		MaxSeq   int64
		Snapshot string
	}
	err := db.Raw(`SELECT COALESCE((SELECT MAX(seq) FROM stock_movements), 0) AS max_seq,
		pg_current_snapshot()::text AS snapshot`).Scan(&row).Error
	if err != nil {
		return ledgerHorizon{}, err
	}
	snap, err := parseXactSnapshot(row.Snapshot)
	if err != nil {
		return ledgerHorizon{}, err
	}
	return ledgerHorizon{maxSeq: row.MaxSeq, snapshot: snap}, nil
}

func (h ledgerHorizon) scope(db *gorm.DB) *gorm.DB {
	db = db.Where("seq <= ?", h.maxSeq)
	if h.snapshot != nil {
		db = db.Where("txid < ?", h.snapshot.xmax)
		if len(h.snapshot.xip) > 0 {
			db = db.Where("txid NOT IN ?", h.snapshot.xip)
		}
	}
	return db
}

// List pages through the ledger with a keyset cursor on
// (product_id, store_id, warehouse_id, seq). Rows are limited to those
// committed when List was called, and each range over the result reads every
// page inside one read-only repeatable read transaction.
func (s *GormStore) List(ctx context.Context, filter inventory.MovementFilter) iter.Seq2[inventory.Movement, error] {
	horizon, horizonErr := s.ledgerHorizon(ctx)

	return func(yield func(inventory.Movement, error) bool) {
		if horizonErr != nil {
			yield(inventory.Movement{}, fmt.Errorf("failed to snapshot ledger: %w", horizonErr))
			return
		}
		if err := filter.Validate(); err != nil {
			yield(inventory.Movement{}, err)
			return
		}

		stopped := false
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var cursor *models.MovementModel
			for {
				query := tx.Scopes(horizon.scope, movementFilterScope(filter))
				if cursor != nil {
					query = query.Where("(product_id, store_id, warehouse_id, seq) > (?, ?, ?, ?)",
						cursor.ProductID, cursor.StoreID, cursor.WarehouseID, cursor.Seq)
				}

				var page []models.MovementModel
				if err := query.Order("product_id, store_id, warehouse_id, seq").Limit(s.pageSize).Find(&page).Error; err != nil {
					return err
				}
				for i := range page {
					if !yield(page[i].ToDomain(), nil) {
						stopped = true
						return nil
					}
				}
				if len(page) < s.pageSize {
					return nil
				}
				cursor = &page[len(page)-1]
			}
		}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
		if err != nil && !stopped {
			yield(inventory.Movement{}, fmt.Errorf("failed to list movements: %w", err))
		}
	}
}

func movementFilterScope(f inventory.MovementFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.ProductID != nil {
			db = db.Where("product_id = ?", *f.ProductID)
		}
		if f.StoreID != nil {
			db = db.Where("store_id = ?", *f.StoreID)
		}
		if f.WarehouseID != nil {
			db = db.Where("warehouse_id = ?", *f.WarehouseID)
		}
		if len(f.Kinds) > 0 {
			kinds := make([]string, len(f.Kinds))
			for i, k := range f.Kinds {
				kinds[i] = string(k)
			}
			db = db.Where("kind IN ?", kinds)
		}
		if f.From != nil {
			db = db.Where("occurred_at >= ?", *f.From)
		}
		if f.To != nil {
			db = db.Where("occurred_at < ?", *f.To)
		}
		if f.TransferID != nil {
			db = db.Where("transfer_id = ?", *f.TransferID)
		}
		return db
	}
}

// Reservations returns the reservation read side
func (s *GormStore) Reservations() inventory.ReservationRepository {
	return &gormReservations{db: s.db}
}

// Transfers returns the transfer repository
func (s *GormStore) Transfers() inventory.TransferRepository {
	return &gormTransfers{db: s.db}
}

type gormReservations struct {
	db *gorm.DB
}

func (r *gormReservations) FindByID(ctx context.Context, id uuid.UUID) (*inventory.Reservation, error) {
	return findReservation(r.db.WithContext(ctx), id)
}

func findReservation(db *gorm.DB, id uuid.UUID) (*inventory.Reservation, error) {
	var model models.ReservationModel
	if err := db.Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read reservation %s: %w", id, err)
	}
	return model.ToDomain(), nil
}

func (r *gormReservations) FindExpired(ctx context.Context, now time.Time, limit int) ([]inventory.Reservation, error) {
	query := r.db.WithContext(ctx).
		Where("state = ? AND expires_at < ?", string(inventory.ReservationActive), now).
		Order("expires_at")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var rows []models.ReservationModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find expired reservations: %w", err)
	}
	return toReservations(rows), nil
}

func (r *gormReservations) FindByOrigin(ctx context.Context, origin string) ([]inventory.Reservation, error) {
	var rows []models.ReservationModel
	if err := r.db.WithContext(ctx).Where("origin = ?", origin).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to find reservations by origin: %w", err)
	}
	return toReservations(rows), nil
}

func toReservations(rows []models.ReservationModel) []inventory.Reservation {
	out := make([]inventory.Reservation, len(rows))
	for i := range rows {
		out[i] = *rows[i].ToDomain()
	}
	return out
}

type gormTransfers struct {
	db *gorm.DB
}

func (r *gormTransfers) FindByID(ctx context.Context, id uuid.UUID) (*inventory.Transfer, error) {
	var model models.TransferModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read transfer %s: %w", id, err)
	}
	return model.ToDomain(), nil
}

func (r *gormTransfers) Save(ctx context.Context, t *inventory.Transfer) error {
	return saveTransfer(r.db.WithContext(ctx), t)
}

func saveTransfer(db *gorm.DB, t *inventory.Transfer) error {
	model := models.TransferModelFromDomain(t)
	if err := db.Clauses(clause.OnConflict{UpdateAll: true}).Create(model).Error; err != nil {
		return fmt.Errorf("failed to save transfer %s: %w", t.ID, err)
	}
	return nil
}

// gormLease is one open transaction holding the row lock of key
type gormLease struct {
	tx   *gorm.DB
	key  inventory.LineKey
	line inventory.InventoryLine
	done bool
}

func (l *gormLease) Line() inventory.InventoryLine {
	return l.line
}

func (l *gormLease) ApplyDelta(ctx context.Context, onHandDelta, reservedDelta decimal.Decimal, at time.Time) (inventory.InventoryLine, error) {
	if l.done {
		return l.line, errLeaseClosed(l.key)
	}
	next, err := l.line.WithDelta(onHandDelta, reservedDelta, at)
	if err != nil {
		return l.line, err
	}
	updates := map[string]any{
		"on_hand":          next.OnHand,
		"reserved":         next.Reserved,
		"last_movement_at": next.LastMovementAt,
		"updated_at":       at,
	}
	result := l.tx.WithContext(ctx).Model(&models.InventoryLineModel{}).Scopes(lineScope(l.key)).Updates(updates)
	if result.Error != nil {
		return l.line, fmt.Errorf("failed to update inventory line %s: %w", l.key, result.Error)
	}
	if result.RowsAffected != 1 {
		return l.line, inventory.NewConsistencyError(l.key, "expected 1 row updated, got %d", result.RowsAffected)
	}
	l.line = next
	return next, nil
}

func (l *gormLease) Append(ctx context.Context, m *inventory.Movement) (uuid.UUID, error) {
	if l.done {
		return uuid.Nil, errLeaseClosed(l.key)
	}
	if m.Key != l.key {
		return uuid.Nil, inventory.NewConsistencyError(l.key, "movement for %s appended under another line", m.Key)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	model := models.MovementModelFromDomain(m)
	if err := l.tx.WithContext(ctx).Create(model).Error; err != nil {
		return uuid.Nil, fmt.Errorf("failed to append movement: %w", err)
	}
	m.Sequence = model.Seq
	return m.ID, nil
}

func (l *gormLease) FindByIdempotencyKey(ctx context.Context, key string) (*inventory.Movement, error) {
	if key == "" {
		return nil, nil
	}
	var rows []models.MovementModel
	err := l.tx.WithContext(ctx).Scopes(lineScope(l.key)).
		Where("idempotency_key = ?", key).Order("seq DESC").Limit(1).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	m := rows[0].ToDomain()
	return &m, nil
}

func (l *gormLease) Reservation(ctx context.Context, id uuid.UUID) (*inventory.Reservation, error) {
	res, err := findReservation(l.tx.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if res.Key != l.key {
		return nil, inventory.NewConsistencyError(l.key, "reservation %s belongs to %s", id, res.Key)
	}
	return res, nil
}

func (l *gormLease) SaveReservation(ctx context.Context, r *inventory.Reservation) error {
	if l.done {
		return errLeaseClosed(l.key)
	}
	if r.Key != l.key {
		return inventory.NewConsistencyError(l.key, "reservation %s saved under another line", r.ID)
	}
	model := models.ReservationModelFromDomain(r)
	if err := l.tx.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(model).Error; err != nil {
		return fmt.Errorf("failed to save reservation %s: %w", r.ID, err)
	}
	return nil
}

func (l *gormLease) SaveTransfer(ctx context.Context, t *inventory.Transfer) error {
	if l.done {
		return errLeaseClosed(l.key)
	}
	return saveTransfer(l.tx.WithContext(ctx), t)
}

func (l *gormLease) Commit(ctx context.Context) error {
	if l.done {
		return errLeaseClosed(l.key)
	}
	l.done = true
	if err := l.tx.Commit().Error; err != nil {
		return fmt.Errorf("failed to commit inventory line %s: %w", l.key, err)
	}
	return nil
}

func (l *gormLease) Release() {
	if l.done {
		return
	}
	l.done = true
	l.tx.Rollback()
}

var _ inventory.Store = (*GormStore)(nil)
