// Package epochlog is the append-only trade ledger. Records are indexed
// from 0 and never change once appended; the aggregate (count, volume,
// PnL) is updated in the same critical section as the append.
package epochlog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
)

var (
	ErrUnauthorized = ledger.NewError(ledger.CodeLoggerUnauthorized, "epochlog: unauthorized")

	// ErrTradeNotFound is returned for an index at or beyond the trade count.
	ErrTradeNotFound = errors.New("epochlog: trade not found")

	// ErrInvalidWindow is returned when a window is not within [0, count].
	ErrInvalidWindow = errors.New("epochlog: invalid trade window")

	ErrUnknownOp = errors.New("epochlog: unsupported message")
)

// Op is the closed set of messages the ledger accepts.
type Op interface {
	ledger.Body
	epochlogOp()
}

// LogTrade appends one trade record.
type LogTrade struct {
	Timestamp  uint32
	Side       ledger.Side
	Amount     uint64
	Instrument ledger.Address
	PnL        int64
}

// UpdatePerformance overwrites the aggregate PnL with a verified figure.
type UpdatePerformance struct {
	NewTotalPnL int64
}

func (LogTrade) Opcode() ledger.Opcode          { return ledger.OpLogTrade }
func (UpdatePerformance) Opcode() ledger.Opcode { return ledger.OpUpdatePerformance }

func (LogTrade) epochlogOp()          {}
func (UpdatePerformance) epochlogOp() {}

// Ledger holds the trade records of one vault/trader-gate pair.
type Ledger struct {
	mu      sync.RWMutex
	addr    ledger.Address
	stats   model.LedgerStats
	records []model.TradeRecord
}

// New creates an empty ledger. Only traderGate may append; owner may
// reconcile the aggregate PnL.
func New(addr, owner, traderGate ledger.Address) *Ledger {
	return &Ledger{
		addr:  addr,
		stats: model.LedgerStats{Owner: owner, TraderGate: traderGate},
	}
}

// Address is the ledger's own account.
func (l *Ledger) Address() ledger.Address { return l.addr }

// Handle applies one inbound message.
func (l *Ledger) Handle(env ledger.Envelope) (model.Outcome, error) {
	op, ok := env.Body.(Op)
	if !ok {
		return model.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOp, env.Opcode())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch op := op.(type) {
	case LogTrade:
		return l.logTrade(env, op)
	case UpdatePerformance:
		return l.updatePerformance(env, op)
	}
	return model.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOp, env.Opcode())
}

func (l *Ledger) logTrade(env ledger.Envelope, op LogTrade) (model.Outcome, error) {
	var out model.Outcome
	if env.From != l.stats.TraderGate {
		return out, fmt.Errorf("%w: log from %s", ErrUnauthorized, env.From)
	}

	volume, err := ledger.CheckedAdd(l.stats.TotalVolume, op.Amount)
	if err != nil {
		return out, fmt.Errorf("epochlog: total volume: %w", err)
	}
	pnl, err := addPnL(l.stats.TotalPnL, op.PnL)
	if err != nil {
		return out, fmt.Errorf("epochlog: total pnl: %w", err)
	}

	rec := model.TradeRecord{
		Index:      uint64(len(l.records)),
		Timestamp:  op.Timestamp,
		Side:       op.Side,
		Amount:     op.Amount,
		Instrument: op.Instrument,
		PnL:        op.PnL,
	}
	l.records = append(l.records, rec)
	l.stats.TradeCount = uint64(len(l.records))
	l.stats.TotalVolume = volume
	l.stats.TotalPnL = pnl

	out.Emit(model.Event{
		Kind:    model.EventTrade,
		Account: rec.Instrument,
		Amount:  rec.Amount,
		PnL:     rec.PnL,
		Detail:  rec.Side.String(),
	})
	return out, nil
}

func (l *Ledger) updatePerformance(env ledger.Envelope, op UpdatePerformance) (model.Outcome, error) {
	var out model.Outcome
	if env.From != l.stats.Owner {
		return out, fmt.Errorf("%w: performance update from %s", ErrUnauthorized, env.From)
	}
	l.stats.TotalPnL = op.NewTotalPnL
	out.Emit(model.Event{Kind: model.EventPerformance, Account: l.addr, PnL: op.NewTotalPnL})
	return out, nil
}

func addPnL(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ledger.ErrOverflow
	}
	return sum, nil
}

// --- Reads ---

// Stats returns the aggregate.
func (l *Ledger) Stats() model.LedgerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

// TradeCount returns the number of records.
func (l *Ledger) TradeCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.records))
}

// Trade returns the record at index.
func (l *Ledger) Trade(index uint64) (model.TradeRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index >= uint64(len(l.records)) {
		return model.TradeRecord{}, fmt.Errorf("%w: index %d, count %d", ErrTradeNotFound, index, len(l.records))
	}
	return l.records[index], nil
}

// Trades returns up to limit records starting at from. A limit of 0
// returns everything after from.
func (l *Ledger) Trades(from uint64, limit int) []model.TradeRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := uint64(len(l.records))
	if from >= n {
		return nil
	}
	end := n
	if limit > 0 && from+uint64(limit) < n {
		end = from + uint64(limit)
	}
	out := make([]model.TradeRecord, end-from)
	copy(out, l.records[from:end])
	return out
}

// WindowStats aggregates the records in [from, end).
type WindowStats struct {
	Count  uint64
	Volume uint64
	PnL    int64
}

// Window returns the aggregate of [from, end).
func (l *Ledger) Window(from, end uint64) (WindowStats, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var ws WindowStats
	if err := l.checkWindow(from, end); err != nil {
		return ws, err
	}
	for _, r := range l.records[from:end] {
		v, err := ledger.CheckedAdd(ws.Volume, r.Amount)
		if err != nil {
			return ws, err
		}
		p, err := addPnL(ws.PnL, r.PnL)
		if err != nil {
			return ws, err
		}
		ws.Count++
		ws.Volume, ws.PnL = v, p
	}
	return ws, nil
}

// Commitment is Keccak-256 over the encoded records of [from, end). An
// empty window commits to Keccak-256 of nothing.
func (l *Ledger) Commitment(from, end uint64) (ledger.Hash, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.checkWindow(from, end); err != nil {
		return ledger.Hash{}, err
	}
	parts := make([][]byte, 0, end-from)
	for _, r := range l.records[from:end] {
		parts = append(parts, AppendRecord(nil, r))
	}
	return ledger.Keccak256(parts...), nil
}

func (l *Ledger) checkWindow(from, end uint64) error {
	if from > end || end > uint64(len(l.records)) {
		return fmt.Errorf("%w: [%d, %d) of %d", ErrInvalidWindow, from, end, len(l.records))
	}
	return nil
}

// AppendRecord appends the fixed layout of r to b:
// index u64 | timestamp u32 | side u8 | amount u64 | pnl i64 | instrument (u8 length + bytes).
func AppendRecord(b []byte, r model.TradeRecord) []byte {
	b = binary.BigEndian.AppendUint64(b, r.Index)
	b = binary.BigEndian.AppendUint32(b, r.Timestamp)
	b = append(b, byte(r.Side))
	b = binary.BigEndian.AppendUint64(b, r.Amount)
	b = binary.BigEndian.AppendUint64(b, uint64(r.PnL))
	inst := r.Instrument.String()
	if len(inst) > 255 {
		inst = inst[:255]
	}
	b = append(b, byte(len(inst)))
	return append(b, inst...)
}

// --- Persistence ---

// Snapshot returns the aggregate; the record count doubles as a rollback
// point.
func (l *Ledger) Snapshot() model.LedgerStats {
	return l.Stats()
}

// Rollback truncates records appended after the snapshot was taken and
// restores its aggregate.
func (l *Ledger) Rollback(s model.LedgerStats) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.TradeCount < uint64(len(l.records)) {
		l.records = l.records[:s.TradeCount]
	}
	l.stats = s
}

// Restore replaces the ledger with persisted records and aggregate.
// Records must be contiguous from index 0 and match the aggregate count.
func (l *Ledger) Restore(s model.LedgerStats, records []model.TradeRecord) error {
	if uint64(len(records)) != s.TradeCount {
		return fmt.Errorf("epochlog: restore: %d records for trade count %d", len(records), s.TradeCount)
	}
	for i, r := range records {
		if r.Index != uint64(i) {
			return fmt.Errorf("epochlog: restore: record %d has index %d", i, r.Index)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if s.Owner.IsZero() {
		s.Owner = l.stats.Owner
	}
	if s.TraderGate.IsZero() {
		s.TraderGate = l.stats.TraderGate
	}
	l.records = append([]model.TradeRecord(nil), records...)
	l.stats = s
	return nil
}
