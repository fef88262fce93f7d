package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
)

// snapshotRow holds the single engine snapshot.
type snapshotRow struct {
	ID        uint `gorm:"primaryKey;autoIncrement:false"`
	State     []byte
	UpdatedAt time.Time
}

func (snapshotRow) TableName() string { return "engine_snapshots" }

// tradeRow is one ledger record. Amount is text because SQLite integers
// are signed 64-bit.
type tradeRow struct {
	Idx        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Ts         uint32
	Side       uint8
	Amount     string
	Instrument string
	PnL        int64 `gorm:"column:pnl"`
}

func (tradeRow) TableName() string { return "trades" }

// SQLiteStore implements Store on an embedded SQLite database through
// gorm. Suitable for single-node deployments.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at dsn and migrates it.
// Use "file::memory:?cache=shared" for an ephemeral database.
func OpenSQLite(dsn string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&snapshotRow{}, &tradeRow{}); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *SQLiteStore) Commit(ctx context.Context, snap model.Snapshot, trades []model.TradeRecord) error {
	state, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := snapshotRow{ID: 1, State: state, UpdatedAt: snap.UpdatedAt}
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("upsert snapshot: %w", err)
		}
		if len(trades) == 0 {
			return nil
		}
		rows := make([]tradeRow, len(trades))
		for i, t := range trades {
			rows[i] = tradeRow{
				Idx:        t.Index,
				Ts:         t.Timestamp,
				Side:       uint8(t.Side),
				Amount:     strconv.FormatUint(t.Amount, 10),
				Instrument: string(t.Instrument),
				PnL:        t.PnL,
			}
		}
		if err := tx.Create(&rows).Error; err != nil {
			return fmt.Errorf("append trades: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) LoadSnapshot(ctx context.Context) (model.Snapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).First(&row, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return model.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(row.State, &snap); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) ListTrades(ctx context.Context, from uint64, limit int) ([]model.TradeRecord, error) {
	q := s.db.WithContext(ctx).Where("idx >= ?", from).Order("idx")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []tradeRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}
	out := make([]model.TradeRecord, len(rows))
	for i, r := range rows {
		amount, err := strconv.ParseUint(r.Amount, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("trade %d amount: %w", r.Idx, err)
		}
		out[i] = model.TradeRecord{
			Index:      r.Idx,
			Timestamp:  r.Ts,
			Side:       ledger.Side(r.Side),
			Amount:     amount,
			Instrument: ledger.Address(r.Instrument),
			PnL:        r.PnL,
		}
	}
	return out, nil
}
