// Package tradergate authorizes trade intents from the trader, fans each
// accepted trade out to the epoch ledger and the linked vault, and holds
// the trader's withdrawable profit.
package tradergate

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zkvault/vault-engine/internal/epochlog"
	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
	"github.com/zkvault/vault-engine/internal/vault"
)

var (
	ErrUnauthorized = ledger.NewError(ledger.CodeTraderUnauthorized, "tradergate: unauthorized")
	ErrInvalidTrade = ledger.NewError(ledger.CodeTraderInvalidTrade, "tradergate: invalid trade")

	// ErrInvalidAmount shares code 202 with ErrInvalidTrade.
	ErrInvalidAmount = ledger.NewError(ledger.CodeTraderInvalidTrade, "tradergate: invalid amount")

	ErrUnknownOp = errors.New("tradergate: unsupported message")
)

// Op is the closed set of messages the trader gate accepts.
type Op interface {
	ledger.Body
	tradergateOp()
}

// ExecuteTrade records a fill. PnL is the realized result reported by the
// execution venue, zero when not yet known.
type ExecuteTrade struct {
	Side       ledger.Side
	Amount     uint64
	Instrument ledger.Address
	PnL        int64
}

// SetVault links the gate to a vault.
type SetVault struct {
	Vault ledger.Address
}

// WithdrawProfit pays accrued profit out to the trader.
type WithdrawProfit struct {
	Amount uint64
}

// CreditProfit adds a verified performance fee to the trader's balance.
type CreditProfit struct {
	Amount uint64
}

func (ExecuteTrade) Opcode() ledger.Opcode   { return ledger.OpExecuteTrade }
func (SetVault) Opcode() ledger.Opcode       { return ledger.OpSetVault }
func (WithdrawProfit) Opcode() ledger.Opcode { return ledger.OpWithdrawProfit }
func (CreditProfit) Opcode() ledger.Opcode   { return ledger.OpCreditProfit }

func (ExecuteTrade) tradergateOp()   {}
func (SetVault) tradergateOp()       {}
func (WithdrawProfit) tradergateOp() {}
func (CreditProfit) tradergateOp()   {}

// Gate is one trader's gate.
type Gate struct {
	mu         sync.RWMutex
	addr       ledger.Address
	ledgerAddr ledger.Address
	state      model.TraderState
	now        func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the clock used to timestamp trades.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a gate owned by trader and logging to the epoch ledger at
// ledgerAddr. linkedVault may be empty and bound later with SetVault.
func New(addr, trader, ledgerAddr, linkedVault ledger.Address, opts ...Option) *Gate {
	g := &Gate{
		addr:       addr,
		ledgerAddr: ledgerAddr,
		state:      model.TraderState{Owner: trader, Vault: linkedVault},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Address is the gate's own account.
func (g *Gate) Address() ledger.Address { return g.addr }

// Handle applies one inbound message.
func (g *Gate) Handle(env ledger.Envelope) (model.Outcome, error) {
	op, ok := env.Body.(Op)
	if !ok {
		return model.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOp, env.Opcode())
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	switch op := op.(type) {
	case ExecuteTrade:
		return g.executeTrade(env, op)
	case SetVault:
		return g.setVault(env, op)
	case WithdrawProfit:
		return g.withdrawProfit(env, op)
	case CreditProfit:
		return g.creditProfit(env, op)
	}
	return model.Outcome{}, fmt.Errorf("%w: %s", ErrUnknownOp, env.Opcode())
}

// executeTrade logs the trade first, then mirrors it to the vault.
func (g *Gate) executeTrade(env ledger.Envelope, op ExecuteTrade) (model.Outcome, error) {
	var out model.Outcome
	s := &g.state

	if env.From != s.Owner {
		return out, fmt.Errorf("%w: trade from %s", ErrUnauthorized, env.From)
	}
	if op.Amount == 0 {
		return out, fmt.Errorf("%w: amount must be positive", ErrInvalidTrade)
	}
	if s.Vault.IsZero() {
		return out, fmt.Errorf("%w: no vault linked", ErrInvalidTrade)
	}
	if !op.Side.Valid() {
		return out, fmt.Errorf("%w: %v", ErrInvalidTrade, op.Side)
	}
	total, err := ledger.CheckedAdd(s.TotalTrades, 1)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidTrade, err)
	}
	s.TotalTrades = total

	out.Send(ledger.NewEnvelope(env.QueryID, g.addr, g.ledgerAddr, epochlog.LogTrade{
		Timestamp:  uint32(g.now().Unix()),
		Side:       op.Side,
		Amount:     op.Amount,
		Instrument: op.Instrument,
		PnL:        op.PnL,
	}))
	out.Send(ledger.NewEnvelope(env.QueryID, g.addr, s.Vault, vault.MirrorTrade{
		Side:       op.Side,
		Amount:     op.Amount,
		Instrument: op.Instrument,
	}))
	return out, nil
}

func (g *Gate) setVault(env ledger.Envelope, op SetVault) (model.Outcome, error) {
	var out model.Outcome
	if env.From != g.state.Owner {
		return out, fmt.Errorf("%w: set vault from %s", ErrUnauthorized, env.From)
	}
	if op.Vault.IsZero() {
		return out, fmt.Errorf("%w: vault address required", ErrInvalidTrade)
	}
	slog.Info("trader gate linked", "gate", g.addr, "prev_vault", g.state.Vault, "vault", op.Vault)
	g.state.Vault = op.Vault
	out.Emit(model.Event{Kind: model.EventVaultLinked, Account: op.Vault})
	return out, nil
}

func (g *Gate) withdrawProfit(env ledger.Envelope, op WithdrawProfit) (model.Outcome, error) {
	var out model.Outcome
	s := &g.state

	if env.From != s.Owner {
		return out, fmt.Errorf("%w: withdraw from %s", ErrUnauthorized, env.From)
	}
	if op.Amount == 0 || op.Amount > s.ProfitBalance {
		return out, fmt.Errorf("%w: requested %d, balance %d", ErrInvalidAmount, op.Amount, s.ProfitBalance)
	}
	s.ProfitBalance -= op.Amount

	out.Send(ledger.NewEnvelope(env.QueryID, g.addr, env.From, ledger.Transfer{Amount: op.Amount}))
	out.Emit(model.Event{Kind: model.EventProfitWithdrawn, Account: env.From, Amount: op.Amount})
	return out, nil
}

func (g *Gate) creditProfit(env ledger.Envelope, op CreditProfit) (model.Outcome, error) {
	var out model.Outcome
	s := &g.state

	if s.Vault.IsZero() || env.From != s.Vault {
		return out, fmt.Errorf("%w: credit from %s", ErrUnauthorized, env.From)
	}
	if op.Amount == 0 {
		return out, fmt.Errorf("%w: credit must be positive", ErrInvalidAmount)
	}
	balance, err := ledger.CheckedAdd(s.ProfitBalance, op.Amount)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
	}
	s.ProfitBalance = balance
	out.Emit(model.Event{Kind: model.EventProfitCredited, Account: s.Owner, Amount: op.Amount})
	return out, nil
}

// State returns the trader profile.
func (g *Gate) State() model.TraderState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Snapshot returns the state for persistence or rollback.
func (g *Gate) Snapshot() model.TraderState { return g.State() }

// Restore replaces the state, keeping the configured trader when the
// snapshot carries none.
func (g *Gate) Restore(s model.TraderState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if s.Owner.IsZero() {
		s.Owner = g.state.Owner
	}
	if s.Vault.IsZero() {
		s.Vault = g.state.Vault
	}
	g.state = s
}
