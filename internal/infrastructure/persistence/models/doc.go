// Package models contains the GORM persistence models of the stock ledger.
// Domain types in internal/domain/inventory carry no ORM tags; each model
// here maps one table and converts to and from its domain type.
//
// Tables:
//   - inventory_lines: materialized balance per (product, store, warehouse)
//   - stock_movements: append-only ledger, ordered by seq
//   - stock_reservations: holds against available stock
//   - stock_transfers: transfer records and their terminal state
package models
