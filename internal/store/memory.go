package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zkvault/vault-engine/internal/model"
)

// MemoryStore implements Store in process memory. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	snapshot []byte // JSON, so callers never share maps with the store
	trades   []model.TradeRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Commit(_ context.Context, snap model.Snapshot, trades []model.TradeRecord) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := uint64(len(s.trades))
	for _, t := range trades {
		if t.Index != next {
			return fmt.Errorf("append trade %d: expected index %d", t.Index, next)
		}
		next++
	}
	s.snapshot = data
	s.trades = append(s.trades, trades...)
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.snapshot == nil {
		return model.Snapshot{}, ErrNotFound
	}
	var snap model.Snapshot
	if err := json.Unmarshal(s.snapshot, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, from uint64, limit int) ([]model.TradeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if from >= uint64(len(s.trades)) {
		return nil, nil
	}
	end := uint64(len(s.trades))
	if limit > 0 && from+uint64(limit) < end {
		end = from + uint64(limit)
	}
	out := make([]model.TradeRecord, end-from)
	copy(out, s.trades[from:end])
	return out, nil
}
