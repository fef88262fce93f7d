// Package model defines the domain types shared by the vault components,
// the engine and the stores. Amounts are unsigned integers in the base
// asset's smallest unit; ratios use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/zkvault/vault-engine/internal/ledger"
)

// VaultState is the pooled-fund ledger. TotalShares always equals the sum
// of Balances.
type VaultState struct {
	Trader      ledger.Address            `json:"trader"`
	Owner       ledger.Address            `json:"owner"`
	TotalShares uint64                    `json:"total_shares"`
	TotalAssets uint64                    `json:"total_assets"`
	TotalProfit uint64                    `json:"total_profit"`
	IsPaused    bool                      `json:"is_paused"`
	Balances    map[ledger.Address]uint64 `json:"balances,omitempty"`
}

// PricePerShare is totalAssets/totalShares, or 1 before the first deposit.
func (s VaultState) PricePerShare() decimal.Decimal {
	if s.TotalShares == 0 {
		return decimal.NewFromInt(1)
	}
	return ledger.ToDecimal(s.TotalAssets).DivRound(ledger.ToDecimal(s.TotalShares), 18)
}

// Clone deep-copies the balances map.
func (s VaultState) Clone() VaultState {
	out := s
	out.Balances = make(map[ledger.Address]uint64, len(s.Balances))
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	return out
}

// TraderState is the trader gate's profile.
type TraderState struct {
	Owner         ledger.Address `json:"owner"`
	Vault         ledger.Address `json:"vault"`
	TotalTrades   uint64         `json:"total_trades"`
	ProfitBalance uint64         `json:"profit_balance"`
}

// TradeRecord is one immutable entry of the epoch ledger.
// Schema: {index, timestamp, side, amount, instrument, pnl}
type TradeRecord struct {
	Index      uint64         `json:"index" db:"idx"`
	Timestamp  uint32         `json:"timestamp" db:"ts"` // unix seconds
	Side       ledger.Side    `json:"side" db:"side"`
	Amount     uint64         `json:"amount" db:"amount"`
	Instrument ledger.Address `json:"instrument" db:"instrument"`
	PnL        int64          `json:"pnl" db:"pnl"` // signed, realized
}

// LedgerStats is the running aggregate of the epoch ledger.
type LedgerStats struct {
	Owner       ledger.Address `json:"owner"`
	TraderGate  ledger.Address `json:"trader_gate"`
	TradeCount  uint64         `json:"trade_count"`
	TotalVolume uint64         `json:"total_volume"`
	TotalPnL    int64          `json:"total_pnl"`
}

// EpochStatus is the verification state of an epoch.
type EpochStatus string

const (
	EpochPending  EpochStatus = "PENDING"
	EpochVerified EpochStatus = "VERIFIED"
	EpochRejected EpochStatus = "REJECTED"
)

// Terminal reports whether the status is VERIFIED or REJECTED.
func (s EpochStatus) Terminal() bool {
	return s == EpochVerified || s == EpochRejected
}

// EpochSnapshot is frozen when an epoch closes. A proof must bind exactly
// these values.
type EpochSnapshot struct {
	InitialNav         uint64      `json:"initial_nav"`
	FinalNav           uint64      `json:"final_nav"`
	PnL                int64       `json:"pnl"`
	TotalShares        uint64      `json:"total_shares"`
	TradeCommitment    ledger.Hash `json:"trade_commitment"`
	PriceCommitment    ledger.Hash `json:"price_commitment"`
	PositionCommitment ledger.Hash `json:"position_commitment"`
}

// Epoch is one accounting period. Trades [FirstTrade, EndTrade) belong to
// it once it is closed.
type Epoch struct {
	ID           uint64          `json:"epoch_id"`
	Status       EpochStatus     `json:"status"`
	Closed       bool            `json:"closed"`
	FirstTrade   uint64          `json:"first_trade"`
	EndTrade     uint64          `json:"end_trade"`
	Snapshot     *EpochSnapshot  `json:"snapshot,omitempty"`
	PnLPct       decimal.Decimal `json:"pnl_pct"`
	Fee          uint64          `json:"fee"`
	ProofRef     string          `json:"proof_ref,omitempty"`
	RejectReason string          `json:"reject_reason,omitempty"`
	OpenedAt     time.Time       `json:"opened_at"`
	ClosedAt     *time.Time      `json:"closed_at,omitempty"`
	SettledAt    *time.Time      `json:"settled_at,omitempty"`
}

// Clone copies the epoch including its snapshot.
func (e Epoch) Clone() Epoch {
	out := e
	if e.Snapshot != nil {
		snap := *e.Snapshot
		out.Snapshot = &snap
	}
	return out
}

// EpochState is the verifier's persisted state: every epoch in id order
// (the last one is the current PENDING epoch) and the high-water mark.
type EpochState struct {
	Epochs        []Epoch         `json:"epochs"`
	HighWaterMark decimal.Decimal `json:"high_water_mark"` // NAV per share
	VerifiedPnL   int64           `json:"verified_pnl"`    // sum over VERIFIED epochs
}

// Snapshot is the full engine state persisted after every committed
// operation. Trade records are persisted separately (append-only).
type Snapshot struct {
	Vault       VaultState  `json:"vault"`
	Trader      TraderState `json:"trader"`
	Ledger      LedgerStats `json:"ledger"`
	Epochs      EpochState  `json:"epochs"`
	LastQueryID uint64      `json:"last_query_id"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// EventKind names an engine event broadcast to subscribers.
type EventKind string

const (
	EventDeposit         EventKind = "deposit"
	EventWithdraw        EventKind = "withdraw"
	EventMirrorTrade     EventKind = "mirror_trade"
	EventTrade           EventKind = "trade"
	EventProfitUpdated   EventKind = "profit_updated"
	EventPauseToggled    EventKind = "pause_toggled"
	EventVaultLinked     EventKind = "vault_linked"
	EventProfitCredited  EventKind = "profit_credited"
	EventProfitWithdrawn EventKind = "profit_withdrawn"
	EventPerformance     EventKind = "performance_updated"
	EventEpochClosed     EventKind = "epoch_closed"
	EventEpochVerified   EventKind = "epoch_verified"
	EventEpochRejected   EventKind = "epoch_rejected"
	EventEpochOpened     EventKind = "epoch_opened"
	EventBounced         EventKind = "bounced"
)

// Event describes a committed state change.
type Event struct {
	Kind    EventKind      `json:"type"`
	Account ledger.Address `json:"account,omitempty"`
	Amount  uint64         `json:"amount,omitempty"`
	Shares  uint64         `json:"shares,omitempty"`
	PnL     int64          `json:"pnl,omitempty"`
	EpochID uint64         `json:"epoch_id,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// Outcome is what a component returns from a handled message: envelopes
// to deliver next, in order, and events describing what changed.
type Outcome struct {
	Out    []ledger.Envelope
	Events []Event
}

// Send appends an outbound envelope.
func (o *Outcome) Send(env ledger.Envelope) { o.Out = append(o.Out, env) }

// Emit appends an event.
func (o *Outcome) Emit(ev Event) { o.Events = append(o.Events, ev) }

// Merge appends another outcome's envelopes and events.
func (o *Outcome) Merge(other Outcome) {
	o.Out = append(o.Out, other.Out...)
	o.Events = append(o.Events, other.Events...)
}

// Position is a depositor's holding valued at the current price.
type Position struct {
	Account ledger.Address `json:"account"`
	Shares  uint64         `json:"shares"`
	Value   uint64         `json:"value"` // floor(shares*totalAssets/totalShares)
}
