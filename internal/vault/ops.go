package vault

import "github.com/zkvault/vault-engine/internal/ledger"

// Op is the closed set of messages the vault accepts.
type Op interface {
	ledger.Body
	vaultOp()
}

// Deposit contributes Amount of the base asset from the sender.
type Deposit struct {
	Amount uint64
}

// Withdraw redeems Shares of the sender's balance.
type Withdraw struct {
	Shares uint64
}

// MirrorTrade notifies the vault of a trade executed by the trader gate.
type MirrorTrade struct {
	Side       ledger.Side
	Amount     uint64
	Instrument ledger.Address
}

// UpdateProfit sets the cumulative verified profit. Loss is a verified
// loss beyond what the cumulative profit could absorb; it lowers NAV
// without touching totalProfit.
type UpdateProfit struct {
	NewTotalProfit uint64
	Loss           uint64
}

// EmergencyPause toggles the pause flag.
type EmergencyPause struct{}

func (Deposit) Opcode() ledger.Opcode        { return ledger.OpDeposit }
func (Withdraw) Opcode() ledger.Opcode       { return ledger.OpWithdraw }
func (MirrorTrade) Opcode() ledger.Opcode    { return ledger.OpMirrorTrade }
func (UpdateProfit) Opcode() ledger.Opcode   { return ledger.OpUpdateProfit }
func (EmergencyPause) Opcode() ledger.Opcode { return ledger.OpEmergencyPause }

func (Deposit) vaultOp()        {}
func (Withdraw) vaultOp()       {}
func (MirrorTrade) vaultOp()    {}
func (UpdateProfit) vaultOp()   {}
func (EmergencyPause) vaultOp() {}
