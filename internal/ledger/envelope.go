package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// Opcode is the stable operation identifier carried in the first 32 bits
// of every message body.
type Opcode uint32

const (
	// OpTransfer is an outbound value transfer to an external account.
	OpTransfer Opcode = 0x00

	OpDeposit        Opcode = 0x01
	OpWithdraw       Opcode = 0x02
	OpMirrorTrade    Opcode = 0x03
	OpUpdateProfit   Opcode = 0x04
	OpEmergencyPause Opcode = 0x05

	OpExecuteTrade   Opcode = 0x10
	OpSetVault       Opcode = 0x11
	OpWithdrawProfit Opcode = 0x12
	OpCreditProfit   Opcode = 0x13

	OpLogTrade          Opcode = 0x20
	OpUpdatePerformance Opcode = 0x21
)

var opNames = map[Opcode]string{
	OpTransfer:          "transfer",
	OpDeposit:           "deposit",
	OpWithdraw:          "withdraw",
	OpMirrorTrade:       "mirrorTrade",
	OpUpdateProfit:      "updateProfit",
	OpEmergencyPause:    "emergencyPause",
	OpExecuteTrade:      "executeTrade",
	OpSetVault:          "setVault",
	OpWithdrawProfit:    "withdrawProfit",
	OpCreditProfit:      "creditProfit",
	OpLogTrade:          "logTrade",
	OpUpdatePerformance: "updatePerformance",
}

func (o Opcode) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(0x%x)", uint32(o))
}

// Body is a typed message payload. Each component seals its own set of
// bodies behind an Op interface.
type Body interface {
	Opcode() Opcode
}

// Transfer moves Amount of the base asset to the envelope's recipient. It
// leaves the core; settlement is the transfer collaborator's job.
type Transfer struct {
	Amount uint64
}

func (Transfer) Opcode() Opcode { return OpTransfer }

// Envelope is one message between two accounts. QueryID distinguishes
// otherwise identical messages from the same sender; replies and
// fan-out notifications reuse the inbound QueryID.
type Envelope struct {
	ID      uuid.UUID
	QueryID uint64
	From    Address
	To      Address
	Body    Body
}

// NewEnvelope stamps a fresh envelope id.
func NewEnvelope(queryID uint64, from, to Address, body Body) Envelope {
	return Envelope{
		ID:      uuid.New(),
		QueryID: queryID,
		From:    from,
		To:      to,
		Body:    body,
	}
}

// Opcode returns the body's opcode.
func (e Envelope) Opcode() Opcode {
	if e.Body == nil {
		return OpTransfer
	}
	return e.Body.Opcode()
}
