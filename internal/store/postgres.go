package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
)

// Schema creates the tables PostgresStore needs. u64 amounts are stored as
// NUMERIC since they do not fit BIGINT.
const Schema = `
CREATE TABLE IF NOT EXISTS engine_snapshots (
	id              SMALLINT PRIMARY KEY CHECK (id = 1),
	state           JSONB NOT NULL,
	total_shares    NUMERIC(20,0) NOT NULL,
	total_assets    NUMERIC(20,0) NOT NULL,
	total_profit    NUMERIC(20,0) NOT NULL,
	high_water_mark NUMERIC NOT NULL,
	current_epoch   BIGINT NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	idx        BIGINT PRIMARY KEY,
	ts         BIGINT NOT NULL,
	side       SMALLINT NOT NULL,
	amount     NUMERIC(20,0) NOT NULL,
	instrument TEXT NOT NULL,
	pnl        BIGINT NOT NULL
);`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// The snapshot is one JSONB row; the headline totals are duplicated into
// NUMERIC columns for ad-hoc queries.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Commit(ctx context.Context, snap model.Snapshot, trades []model.TradeRecord) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	var currentEpoch uint64
	if n := len(snap.Epochs.Epochs); n > 0 {
		currentEpoch = snap.Epochs.Epochs[n-1].ID
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO engine_snapshots (id, state, total_shares, total_assets, total_profit, high_water_mark, current_epoch, updated_at)
			 VALUES (1, $1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)
			 ON CONFLICT (id) DO UPDATE SET
			   state = EXCLUDED.state,
			   total_shares = EXCLUDED.total_shares,
			   total_assets = EXCLUDED.total_assets,
			   total_profit = EXCLUDED.total_profit,
			   high_water_mark = EXCLUDED.high_water_mark,
			   current_epoch = EXCLUDED.current_epoch,
			   updated_at = EXCLUDED.updated_at`,
			state,
			strconv.FormatUint(snap.Vault.TotalShares, 10),
			strconv.FormatUint(snap.Vault.TotalAssets, 10),
			strconv.FormatUint(snap.Vault.TotalProfit, 10),
			snap.Epochs.HighWaterMark.String(),
			int64(currentEpoch),
			snap.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		if len(trades) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, t := range trades {
			batch.Queue(
				`INSERT INTO trades (idx, ts, side, amount, instrument, pnl)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
				int64(t.Index), int64(t.Timestamp), int16(t.Side),
				strconv.FormatUint(t.Amount, 10), string(t.Instrument), t.PnL,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("append trades: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context) (model.Snapshot, error) {
	var state []byte
	err := s.pool.QueryRow(ctx, `SELECT state FROM engine_snapshots WHERE id = 1`).Scan(&state)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(state, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, from uint64, limit int) ([]model.TradeRecord, error) {
	query := `SELECT idx, ts, side, amount::TEXT, instrument, pnl
		 FROM trades WHERE idx >= $1 ORDER BY idx`
	args := []any{int64(from)}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.TradeRecord
	for rows.Next() {
		var (
			idx, ts    int64
			side       int16
			amount     string
			instrument string
			t          model.TradeRecord
		)
		if err := rows.Scan(&idx, &ts, &side, &amount, &instrument, &t.PnL); err != nil {
			return nil, err
		}
		t.Amount, err = strconv.ParseUint(amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("trade %d amount: %w", idx, err)
		}
		t.Index = uint64(idx)
		t.Timestamp = uint32(ts)
		t.Side = ledger.Side(side)
		t.Instrument = ledger.Address(instrument)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}
