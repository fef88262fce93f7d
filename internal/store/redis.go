package store

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zkvault/vault-engine/internal/codec"
	"github.com/zkvault/vault-engine/internal/model"
)

const (
	snapshotKey = "vault:snapshot"
	tradesKey   = "vault:trades" // list of codec-encoded records, index order
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and then refresh the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through ---

func (s *CachedStore) Commit(ctx context.Context, snap model.Snapshot, trades []model.TradeRecord) error {
	if err := s.primary.Commit(ctx, snap, trades); err != nil {
		return err
	}

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if data, err := json.Marshal(snap); err == nil {
			p.Set(ctx, snapshotKey, data, s.ttl)
		} else {
			p.Del(ctx, snapshotKey)
		}
		if len(trades) > 0 {
			vals := make([]any, len(trades))
			for i, t := range trades {
				vals[i] = codec.EncodeRecord(t)
			}
			p.RPush(ctx, tradesKey, vals...)
			p.Expire(ctx, tradesKey, s.ttl)
		}
		return nil
	})
	if err != nil {
		// The primary has the data; drop the cache so readers fall through.
		slog.Warn("redis cache refresh failed", "err", err)
		s.rdb.Del(ctx, snapshotKey, tradesKey)
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) LoadSnapshot(ctx context.Context) (model.Snapshot, error) {
	data, err := s.rdb.Get(ctx, snapshotKey).Bytes()
	if err == nil {
		var snap model.Snapshot
		if json.Unmarshal(data, &snap) == nil {
			return snap, nil
		}
	}

	snap, err := s.primary.LoadSnapshot(ctx)
	if err != nil {
		return model.Snapshot{}, err
	}
	if data, err := json.Marshal(snap); err == nil {
		s.rdb.Set(ctx, snapshotKey, data, s.ttl)
	}
	return snap, nil
}

// ListTrades serves from the cached list when it holds a contiguous run
// starting at from. A list that expired and was re-created mid-stream no
// longer starts at index 0 and is bypassed.
func (s *CachedStore) ListTrades(ctx context.Context, from uint64, limit int) ([]model.TradeRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(from) + int64(limit) - 1
	}
	vals, err := s.rdb.LRange(ctx, tradesKey, int64(from), stop).Result()
	if err == nil && len(vals) > 0 {
		if trades, ok := decodeRun(vals, from); ok {
			return trades, nil
		}
	}

	trades, err := s.primary.ListTrades(ctx, from, limit)
	if err != nil {
		return nil, err
	}
	if from == 0 && limit <= 0 {
		s.refillTrades(ctx, trades)
	}
	return trades, nil
}

// --- Cache helpers ---

func (s *CachedStore) refillTrades(ctx context.Context, trades []model.TradeRecord) {
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, tradesKey)
		if len(trades) == 0 {
			return nil
		}
		vals := make([]any, len(trades))
		for i, t := range trades {
			vals[i] = codec.EncodeRecord(t)
		}
		p.RPush(ctx, tradesKey, vals...)
		p.Expire(ctx, tradesKey, s.ttl)
		return nil
	})
	if err != nil {
		slog.Warn("redis trade refill failed", "err", err)
	}
}

func decodeRun(vals []string, from uint64) ([]model.TradeRecord, bool) {
	out := make([]model.TradeRecord, 0, len(vals))
	for i, v := range vals {
		rec, err := codec.DecodeRecord([]byte(v))
		if err != nil || rec.Index != from+uint64(i) {
			return nil, false
		}
		out = append(out, rec)
	}
	return out, true
}
