package persistence

import (
	"context"

	"github.com/erp/stockledger/internal/domain/inventory"
	"github.com/erp/stockledger/internal/infrastructure/persistence/models"
)

// CountNegativeLines returns how many lines have negative available stock
func (s *MemoryStore) CountNegativeLines(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, line := range s.lines {
		if line.Available().IsNegative() {
			n++
		}
	}
	return n, nil
}

// CountActiveReservations returns how many reservations still hold stock
func (s *MemoryStore) CountActiveReservations(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.reservations {
		if r.State == inventory.ReservationActive {
			n++
		}
	}
	return n, nil
}

// CountNegativeLines returns how many lines have negative available stock
func (s *GormStore) CountNegativeLines(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.InventoryLineModel{}).
		Where("on_hand - reserved < 0").
		Count(&n).Error
	return n, err
}

// CountActiveReservations returns how many reservations still hold stock
func (s *GormStore) CountActiveReservations(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.ReservationModel{}).
		Where("state = ?", string(inventory.ReservationActive)).
		Count(&n).Error
	return n, err
}
