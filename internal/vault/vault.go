// Package vault implements the pooled-fund ledger: share issuance and
// redemption, cumulative verified profit and the pause flag.
//
// Shares are issued 1:1 on the first deposit and at floor(amount *
// totalShares / totalAssets) afterwards; redemptions pay floor(shares *
// totalAssets / totalShares). Rounding dust always stays with the
// remaining holders.
package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
)

var (
	ErrInsufficientBalance = ledger.NewError(ledger.CodeVaultInsufficientBalance, "vault: insufficient share balance")
	ErrInvalidAmount       = ledger.NewError(ledger.CodeVaultInvalidAmount, "vault: invalid amount")
	ErrUnauthorized        = ledger.NewError(ledger.CodeVaultUnauthorized, "vault: unauthorized")
	ErrPaused              = ledger.NewError(ledger.CodeVaultPaused, "vault: paused")

	// ErrUnknownOp is returned when a message body is not a vault Op.
	ErrUnknownOp = errors.New("vault: unsupported message")
)

// Vault is safe for concurrent use. Every operation either commits fully
// or leaves the state untouched.
type Vault struct {
	mu    sync.RWMutex
	addr  ledger.Address
	state model.VaultState
}

// New creates an active vault with zero counters. trader is the only
// accepted mirror-trade source (the trader gate); owner may update profit
// and toggle the pause flag.
func New(addr, owner, trader ledger.Address) *Vault {
	return &Vault{
		addr: addr,
		state: model.VaultState{
			Trader:   trader,
			Owner:    owner,
			Balances: make(map[ledger.Address]uint64),
		},
	}
}

// Address is the vault's own account.
func (v *Vault) Address() ledger.Address { return v.addr }

// Handle applies one inbound message. env.From is the caller identity.
func (v *Vault) Handle(env ledger.Envelope) (model.Outcome, error) {
	op, ok := env.Body.(Op)
	if !ok {
		return model.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOp, env.Opcode())
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch op := op.(type) {
	case Deposit:
		return v.deposit(env, op)
	case Withdraw:
		return v.withdraw(env, op)
	case MirrorTrade:
		return v.mirrorTrade(env, op)
	case UpdateProfit:
		return v.updateProfit(env, op)
	case EmergencyPause:
		return v.emergencyPause(env)
	}
	return model.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOp, env.Opcode())
}

func (v *Vault) deposit(env ledger.Envelope, op Deposit) (model.Outcome, error) {
	var out model.Outcome
	s := &v.state

	if s.IsPaused {
		return out, ErrPaused
	}
	if op.Amount == 0 {
		return out, fmt.Errorf("%w: deposit amount must be positive", ErrInvalidAmount)
	}

	var shares uint64
	switch {
	case s.TotalShares == 0:
		shares = op.Amount // 1:1 bootstrap
	case s.TotalAssets == 0:
		return out, fmt.Errorf("%w: outstanding shares have no backing assets", ErrInvalidAmount)
	default:
		var err error
		shares, err = ledger.MulDivFloor(op.Amount, s.TotalShares, s.TotalAssets)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
	}
	if shares == 0 {
		return out, fmt.Errorf("%w: deposit of %d mints no shares", ErrInvalidAmount, op.Amount)
	}

	totalShares, err := ledger.CheckedAdd(s.TotalShares, shares)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	totalAssets, err := ledger.CheckedAdd(s.TotalAssets, op.Amount)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	s.Balances[env.From] += shares
	s.TotalShares = totalShares
	s.TotalAssets = totalAssets

	out.Emit(model.Event{Kind: model.EventDeposit, Account: env.From, Amount: op.Amount, Shares: shares})
	return out, nil
}

// withdraw is allowed while paused so depositors can always exit.
func (v *Vault) withdraw(env ledger.Envelope, op Withdraw) (model.Outcome, error) {
	var out model.Outcome
	s := &v.state

	if op.Shares == 0 {
		return out, fmt.Errorf("%w: withdraw shares must be positive", ErrInvalidAmount)
	}
	balance := s.Balances[env.From]
	if op.Shares > balance {
		return out, fmt.Errorf("%w: have %d, requested %d", ErrInsufficientBalance, balance, op.Shares)
	}

	assetsOut, err := ledger.MulDivFloor(op.Shares, s.TotalAssets, s.TotalShares)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}

	if balance == op.Shares {
		delete(s.Balances, env.From)
	} else {
		s.Balances[env.From] = balance - op.Shares
	}
	s.TotalShares -= op.Shares
	s.TotalAssets -= assetsOut

	if assetsOut > 0 {
		out.Send(ledger.NewEnvelope(env.QueryID, v.addr, env.From, ledger.Transfer{Amount: assetsOut}))
	}
	out.Emit(model.Event{Kind: model.EventWithdraw, Account: env.From, Amount: assetsOut, Shares: op.Shares})
	return out, nil
}

// mirrorTrade acknowledges a trade. NAV only moves through updateProfit.
func (v *Vault) mirrorTrade(env ledger.Envelope, op MirrorTrade) (model.Outcome, error) {
	var out model.Outcome
	if env.From != v.state.Trader {
		return out, fmt.Errorf("%w: mirror trade from %s", ErrUnauthorized, env.From)
	}
	if v.state.IsPaused {
		return out, ErrPaused
	}
	if !op.Side.Valid() {
		return out, fmt.Errorf("%w: side %v", ErrInvalidAmount, op.Side)
	}
	out.Emit(model.Event{
		Kind:    model.EventMirrorTrade,
		Account: op.Instrument,
		Amount:  op.Amount,
		Detail:  op.Side.String(),
	})
	return out, nil
}

func (v *Vault) updateProfit(env ledger.Envelope, op UpdateProfit) (model.Outcome, error) {
	var out model.Outcome
	s := &v.state

	if env.From != s.Owner {
		return out, fmt.Errorf("%w: profit update from %s", ErrUnauthorized, env.From)
	}

	totalAssets := s.TotalAssets
	if op.NewTotalProfit >= s.TotalProfit {
		var err error
		totalAssets, err = ledger.CheckedAdd(totalAssets, op.NewTotalProfit-s.TotalProfit)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
	} else {
		loss := s.TotalProfit - op.NewTotalProfit
		if loss > totalAssets {
			loss = totalAssets // NAV floors at zero
		}
		totalAssets -= loss
	}
	if op.Loss > totalAssets {
		totalAssets = 0
	} else {
		totalAssets -= op.Loss
	}

	slog.Info("vault profit updated",
		"prev_total_profit", s.TotalProfit,
		"total_profit", op.NewTotalProfit,
		"loss", op.Loss,
		"total_assets", totalAssets,
	)

	s.TotalProfit = op.NewTotalProfit
	s.TotalAssets = totalAssets

	out.Emit(model.Event{Kind: model.EventProfitUpdated, Account: v.addr, Amount: op.NewTotalProfit})
	return out, nil
}

func (v *Vault) emergencyPause(env ledger.Envelope) (model.Outcome, error) {
	var out model.Outcome
	if env.From != v.state.Owner {
		return out, fmt.Errorf("%w: pause toggle from %s", ErrUnauthorized, env.From)
	}
	v.state.IsPaused = !v.state.IsPaused
	slog.Warn("vault pause toggled", "paused", v.state.IsPaused)

	detail := "active"
	if v.state.IsPaused {
		detail = "paused"
	}
	out.Emit(model.Event{Kind: model.EventPauseToggled, Account: v.addr, Detail: detail})
	return out, nil
}

// --- Reads ---

// State returns the totals, flags and linked addresses without balances.
func (v *Vault) State() model.VaultState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s := v.state
	s.Balances = nil
	return s
}

// SharesOf returns the account's share balance (zero when absent).
func (v *Vault) SharesOf(account ledger.Address) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.Balances[account]
}

// ValueOf returns floor(shares * totalAssets / totalShares) for the account.
func (v *Vault) ValueOf(account ledger.Address) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.valueOf(v.state.Balances[account])
}

func (v *Vault) valueOf(shares uint64) uint64 {
	if shares == 0 || v.state.TotalShares == 0 {
		return 0
	}
	val, err := ledger.MulDivFloor(shares, v.state.TotalAssets, v.state.TotalShares)
	if err != nil {
		return 0
	}
	return val
}

// TotalProfit returns the cumulative verified profit.
func (v *Vault) TotalProfit() uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.TotalProfit
}

// PricePerShare returns totalAssets/totalShares, or 1 when no shares exist.
func (v *Vault) PricePerShare() decimal.Decimal {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.PricePerShare()
}

// Position returns the account's holding and its current value.
func (v *Vault) Position(account ledger.Address) model.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	shares := v.state.Balances[account]
	return model.Position{Account: account, Shares: shares, Value: v.valueOf(shares)}
}

// Positions lists every depositor, largest holding first.
func (v *Vault) Positions() []model.Position {
	v.mu.RLock()
	defer v.mu.RUnlock()

	positions := make([]model.Position, 0, len(v.state.Balances))
	for acct, shares := range v.state.Balances {
		positions = append(positions, model.Position{Account: acct, Shares: shares, Value: v.valueOf(shares)})
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].Shares != positions[j].Shares {
			return positions[i].Shares > positions[j].Shares
		}
		return positions[i].Account < positions[j].Account
	})
	return positions
}

// Snapshot deep-copies the full state for persistence or rollback.
func (v *Vault) Snapshot() model.VaultState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.state.Clone()
}

// Restore replaces the state. The vault keeps its configured identities
// when the snapshot carries none.
func (v *Vault) Restore(s model.VaultState) {
	v.mu.Lock()
	defer v.mu.Unlock()
	s = s.Clone()
	if s.Owner.IsZero() {
		s.Owner = v.state.Owner
	}
	if s.Trader.IsZero() {
		s.Trader = v.state.Trader
	}
	v.state = s
}
