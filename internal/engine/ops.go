package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/zkvault/vault-engine/internal/epoch"
	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
	"github.com/zkvault/vault-engine/internal/risk"
	"github.com/zkvault/vault-engine/internal/tradergate"
	"github.com/zkvault/vault-engine/internal/vault"
)

// --- Commands ---

func (e *Engine) Deposit(ctx context.Context, caller ledger.Address, queryID, amount uint64) (Result, error) {
	return e.Dispatch(ctx, ledger.NewEnvelope(queryID, caller, e.cfg.Vault, vault.Deposit{Amount: amount}))
}

func (e *Engine) Withdraw(ctx context.Context, caller ledger.Address, queryID, shares uint64) (Result, error) {
	return e.Dispatch(ctx, ledger.NewEnvelope(queryID, caller, e.cfg.Vault, vault.Withdraw{Shares: shares}))
}

func (e *Engine) UpdateProfit(ctx context.Context, caller ledger.Address, queryID, newTotalProfit uint64) (Result, error) {
	return e.Dispatch(ctx, ledger.NewEnvelope(queryID, caller, e.cfg.Vault, vault.UpdateProfit{NewTotalProfit: newTotalProfit}))
}

func (e *Engine) EmergencyPause(ctx context.Context, caller ledger.Address, queryID uint64) (Result, error) {
	return e.Dispatch(ctx, ledger.NewEnvelope(queryID, caller, e.cfg.Vault, vault.EmergencyPause{}))
}

// ExecuteTrade submits a trade intent to the trader gate, which logs it
// and mirrors it to the linked vault.
func (e *Engine) ExecuteTrade(ctx context.Context, caller ledger.Address, queryID uint64, trade tradergate.ExecuteTrade) (Result, error) {
	return e.Dispatch(ctx, ledger.NewEnvelope(queryID, caller, e.cfg.TraderGate, trade))
}

func (e *Engine) SetVault(ctx context.Context, caller ledger.Address, queryID uint64, newVault ledger.Address) (Result, error) {
	return e.Dispatch(ctx, ledger.NewEnvelope(queryID, caller, e.cfg.TraderGate, tradergate.SetVault{Vault: newVault}))
}

func (e *Engine) WithdrawProfit(ctx context.Context, caller ledger.Address, queryID, amount uint64) (Result, error) {
	return e.Dispatch(ctx, ledger.NewEnvelope(queryID, caller, e.cfg.TraderGate, tradergate.WithdrawProfit{Amount: amount}))
}

// --- Reads ---
// Reads take the component locks only, never the engine lock.

// Config returns the deployment configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) Vault() model.VaultState        { return e.vault.State() }
func (e *Engine) PricePerShare() decimal.Decimal { return e.vault.PricePerShare() }
func (e *Engine) Positions() []model.Position    { return e.vault.Positions() }
func (e *Engine) Trader() model.TraderState      { return e.gate.State() }
func (e *Engine) LedgerStats() model.LedgerStats { return e.ledger.Stats() }

// Position values one depositor's shares at the current price.
func (e *Engine) Position(a ledger.Address) model.Position { return e.vault.Position(a) }

func (e *Engine) Trade(index uint64) (model.TradeRecord, error) { return e.ledger.Trade(index) }

// Trades pages the trade ledger; limit 0 returns everything from from.
func (e *Engine) Trades(from uint64, limit int) []model.TradeRecord {
	return e.ledger.Trades(from, limit)
}

func (e *Engine) CurrentEpoch() model.Epoch { return e.epochs.Current() }

func (e *Engine) Epoch(id uint64) (model.Epoch, error) { return e.epochs.Epoch(id) }

// Epochs lists every epoch, newest first.
func (e *Engine) Epochs() []model.Epoch { return e.epochs.Epochs() }

func (e *Engine) HighWaterMark() decimal.Decimal { return e.epochs.HighWaterMark() }

func (e *Engine) Limits() risk.Limits { return e.epochs.Limits() }

// ExpectedInputs returns the public inputs a proof for epoch id must bind.
func (e *Engine) ExpectedInputs(id uint64) (epoch.PublicInputs, error) {
	return e.epochs.ExpectedInputs(id)
}
