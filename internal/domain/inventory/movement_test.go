package inventory

import (
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMovement_SignRules(t *testing.T) {
	key := LineKey{ProductID: 1, StoreID: 1}
	now := time.Now()

	tests := []struct {
		kind    MovementKind
		qty     string
		wantErr bool
	}{
		{MovementIn, "5", false},
		{MovementIn, "-5", true},
		{MovementTransferIn, "5", false},
		{MovementOut, "-5", false},
		{MovementOut, "5", true},
		{MovementTransferOut, "5", true},
		{MovementCountAdjust, "-2", false},
		{MovementCountAdjust, "2", false},
		{MovementCountAdjust, "0", true},
		{MovementKind("LOST"), "1", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind)+" "+tt.qty, func(t *testing.T) {
			m, err := NewMovement(key, tt.kind, dec(tt.qty), "ref", "alice", now)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
				return
			}
			require.NoError(t, err)
			assert.NotEqual(t, uuid.Nil, m.ID)
			assert.True(t, m.Quantity.Equal(dec(tt.qty)))
		})
	}
}

func TestMovementFilter_Matches(t *testing.T) {
	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	transferID := uuid.New()
	m, err := NewMovement(LineKey{ProductID: 1, StoreID: 2}, MovementTransferOut, dec("-1"), "", "", base)
	require.NoError(t, err)
	m.WithTransfer(transferID)

	p1, p2, s2, none, w5 := int64(1), int64(2), int64(2), NoWarehouse, int64(5)
	from, to := base, base.Add(time.Hour)
	other := uuid.New()

	assert.True(t, MovementFilter{}.Matches(m))
	assert.True(t, MovementFilter{ProductID: &p1, StoreID: &s2, WarehouseID: &none}.Matches(m))
	assert.False(t, MovementFilter{ProductID: &p2}.Matches(m))
	assert.False(t, MovementFilter{WarehouseID: &w5}.Matches(m))
	assert.True(t, MovementFilter{Kinds: []MovementKind{MovementIn, MovementTransferOut}}.Matches(m))
	assert.False(t, MovementFilter{Kinds: []MovementKind{MovementIn}}.Matches(m))
	assert.True(t, MovementFilter{From: &from, To: &to}.Matches(m))
	assert.False(t, MovementFilter{To: &from}.Matches(m))
	assert.True(t, MovementFilter{TransferID: &transferID}.Matches(m))
	assert.False(t, MovementFilter{TransferID: &other}.Matches(m))
}

func TestMovementFilter_Validate(t *testing.T) {
	from := time.Now()
	to := from.Add(-time.Second)
	assert.ErrorIs(t, MovementFilter{From: &from, To: &to}.Validate(), ErrValidation)
	assert.ErrorIs(t, MovementFilter{Kinds: []MovementKind{"X"}}.Validate(), ErrValidation)
	assert.NoError(t, MovementFilter{Kinds: AllMovementKinds}.Validate())
}

func TestCompareMovements(t *testing.T) {
	a := Movement{Key: LineKey{ProductID: 1, StoreID: 1}, Sequence: 9}
	b := Movement{Key: LineKey{ProductID: 1, StoreID: 1}, Sequence: 3}
	c := Movement{Key: LineKey{ProductID: 1, StoreID: 1, WarehouseID: 2}, Sequence: 1}

	list := []Movement{c, a, b}
	slices.SortFunc(list, CompareMovements)
	assert.Equal(t, []int64{3, 9, 1}, []int64{list[0].Sequence, list[1].Sequence, list[2].Sequence})
}

func TestPairTransfers(t *testing.T) {
	at := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	src := LineKey{ProductID: 1, StoreID: 1}
	dst := LineKey{ProductID: 1, StoreID: 2}

	committedID, rolledID, pendingID := uuid.New(), uuid.New(), uuid.New()
	mk := func(key LineKey, kind MovementKind, qty string, tid uuid.UUID, offset time.Duration) *Movement {
		m, err := NewMovement(key, kind, dec(qty), "", "bob", at.Add(offset))
		require.NoError(t, err)
		return m.WithTransfer(tid)
	}

	out1 := mk(src, MovementTransferOut, "-3", committedID, 0)
	in1 := mk(dst, MovementTransferIn, "3", committedID, time.Second)
	out2 := mk(src, MovementTransferOut, "-2", rolledID, time.Minute)
	comp := mk(src, MovementTransferIn, "2", rolledID, time.Minute+time.Second).WithReversal(out2.ID)
	out3 := mk(src, MovementTransferOut, "-1", pendingID, time.Hour)

	// destination leg listed first, as the ledger orders by line
	transfers := PairTransfers([]Movement{*in1, *out1, *out2, *comp, *out3})
	require.Len(t, transfers, 3)

	assert.Equal(t, committedID, transfers[0].ID)
	assert.Equal(t, TransferCommitted, transfers[0].State)
	assert.True(t, transfers[0].Quantity.Equal(dec("3")))
	assert.Equal(t, Location{StoreID: 2}, transfers[0].Destination)
	assert.Equal(t, in1.ID, *transfers[0].InMovementID)

	assert.Equal(t, rolledID, transfers[1].ID)
	assert.Equal(t, TransferFailedRolledBack, transfers[1].State)
	assert.Equal(t, comp.ID, *transfers[1].CompensationID)
	assert.Nil(t, transfers[1].InMovementID)

	assert.Equal(t, pendingID, transfers[2].ID)
	assert.Equal(t, TransferPending, transfers[2].State)
}

func TestTransfer_Validation(t *testing.T) {
	a := Location{StoreID: 1}
	b := Location{StoreID: 1, WarehouseID: 4}

	assert.NoError(t, ValidateTransferRequest(1, a, b, dec("1")))
	assert.ErrorIs(t, ValidateTransferRequest(1, a, a, dec("1")), ErrValidation)
	assert.ErrorIs(t, ValidateTransferRequest(1, a, b, dec("0")), ErrValidation)
	assert.ErrorIs(t, ValidateTransferRequest(0, a, b, dec("1")), ErrValidation)

	tr := NewTransfer(1, a, b, dec("1"), "bob", time.Now())
	require.NoError(t, tr.Commit(uuid.New(), time.Now()))
	assert.Error(t, tr.RollBack(uuid.New(), "late", time.Now()))
}
