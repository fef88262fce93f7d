package epoch

import (
	"context"
	"fmt"

	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
	"github.com/zkvault/vault-engine/internal/risk"
)

// PublicInputs are the proof's public signals. Everything except Risk
// must equal the frozen epoch and the configured limits.
type PublicInputs struct {
	EpochID            uint64       `json:"epoch_id"`
	InitialNav         uint64       `json:"initial_nav"`
	FinalNav           uint64       `json:"final_nav"`
	TradeCommitment    ledger.Hash  `json:"trade_commitment"`
	PriceCommitment    ledger.Hash  `json:"price_commitment"`
	PositionCommitment ledger.Hash  `json:"position_commitment"`
	Limits             risk.Limits  `json:"risk_limits"`
	Risk               risk.Metrics `json:"risk"`
}

// Submission is one proof bundle for an epoch.
type Submission struct {
	EpochID  uint64
	Inputs   PublicInputs
	Proof    []byte
	ProofRef string // optional external reference, e.g. a transaction id
}

// Oracle verifies a proof against its public inputs. It does not know
// anything about epochs; a false result is a definitive rejection, an
// error means the answer is unknown.
type Oracle interface {
	Verify(ctx context.Context, inputs PublicInputs, proof []byte) (bool, error)
}

// bind reports the first public input that does not match the epoch.
func bind(in PublicInputs, ep model.Epoch, limits risk.Limits) error {
	snap := ep.Snapshot
	if snap == nil {
		return fmt.Errorf("%w: epoch %d has no snapshot", ErrBindingMismatch, ep.ID)
	}
	switch {
	case in.EpochID != ep.ID:
		return fmt.Errorf("%w: epoch id %d, expected %d", ErrBindingMismatch, in.EpochID, ep.ID)
	case in.InitialNav != snap.InitialNav:
		return fmt.Errorf("%w: initial nav %d, expected %d", ErrBindingMismatch, in.InitialNav, snap.InitialNav)
	case in.FinalNav != snap.FinalNav:
		return fmt.Errorf("%w: final nav %d, expected %d", ErrBindingMismatch, in.FinalNav, snap.FinalNav)
	case in.TradeCommitment != snap.TradeCommitment:
		return fmt.Errorf("%w: trade commitment", ErrBindingMismatch)
	case in.PriceCommitment != snap.PriceCommitment:
		return fmt.Errorf("%w: price commitment", ErrBindingMismatch)
	case in.PositionCommitment != snap.PositionCommitment:
		return fmt.Errorf("%w: position commitment", ErrBindingMismatch)
	case in.Limits != limits:
		return fmt.Errorf("%w: risk limits", ErrBindingMismatch)
	}
	return nil
}
