// Package store defines the persistence interface for the vault engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), SQLite via gorm (single node) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/zkvault/vault-engine/internal/model"
)

// ErrNotFound is returned by LoadSnapshot before the first commit.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. The engine commits once per
// operation; trade records are append-only and never rewritten.
type Store interface {
	// Commit replaces the persisted snapshot and appends the trades logged
	// by the same operation, atomically.
	Commit(ctx context.Context, snap model.Snapshot, trades []model.TradeRecord) error

	// LoadSnapshot returns the last committed snapshot or ErrNotFound.
	LoadSnapshot(ctx context.Context) (model.Snapshot, error)

	// ListTrades returns records with index >= from in index order.
	// limit <= 0 means no limit.
	ListTrades(ctx context.Context, from uint64, limit int) ([]model.TradeRecord, error)
}
