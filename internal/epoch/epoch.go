// Package epoch implements the epoch verification state machine.
//
// Exactly one epoch is PENDING at a time. The owner closes it, which
// freezes its trade window and snapshots NAV, PnL and commitments; a proof
// bundle then moves it to VERIFIED or REJECTED and the next epoch opens
// with its window starting where the previous one ended. Only a VERIFIED
// epoch produces the vault profit update, the trader's fee credit and the
// high-water mark increase.
//
// Proof verification is split in three steps so the caller can release
// its own locks while the oracle runs:
//
//	dec, err := m.Begin(caller, sub)    // binding + risk gate
//	valid, err := m.Verify(ctx, dec)    // oracle, no lock held
//	ep, out, err := m.Complete(dec, valid) or m.Abort(dec)
package epoch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zkvault/vault-engine/internal/epochlog"
	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
	"github.com/zkvault/vault-engine/internal/risk"
	"github.com/zkvault/vault-engine/internal/tradergate"
	"github.com/zkvault/vault-engine/internal/vault"
)

var (
	ErrUnauthorized      = errors.New("epoch: unauthorized")
	ErrEpochClosed       = errors.New("epoch: already closed")
	ErrEpochNotClosed    = errors.New("epoch: not closed")
	ErrEpochNotFound     = errors.New("epoch: not found")
	ErrNotCurrent        = errors.New("epoch: not the current epoch")
	ErrBindingMismatch   = errors.New("epoch: public inputs do not bind the frozen epoch")
	ErrProofInFlight     = errors.New("epoch: proof verification already in progress")
	ErrOracleUnavailable = errors.New("epoch: verification oracle unavailable")
	ErrNoDecision        = errors.New("epoch: no verification in progress")
)

// NavSource exposes the vault totals.
type NavSource interface {
	State() model.VaultState
}

// FeeRecipient exposes the trader gate's link. A fee is only credited
// while the gate accepts credits from the configured vault.
type FeeRecipient interface {
	State() model.TraderState
}

// TradeSource exposes the trade ledger.
type TradeSource interface {
	TradeCount() uint64
	Window(from, end uint64) (epochlog.WindowStats, error)
	Commitment(from, end uint64) (ledger.Hash, error)
}

// Config wires the machine to its accounts and policy.
type Config struct {
	Owner      ledger.Address
	Vault      ledger.Address
	TraderGate ledger.Address
	Ledger     ledger.Address
	Limits     risk.Limits
	FeeBps     uint64
}

// Machine is safe for concurrent use.
type Machine struct {
	mu       sync.Mutex
	cfg      Config
	nav      NavSource
	trades   TradeSource
	gate     FeeRecipient
	oracle   Oracle
	checker  *risk.Checker
	state    model.EpochState
	inFlight uint64 // epoch id under verification, 0 when idle
	now      func() time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the clock used for epoch timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// New creates a machine with epoch 1 open and the high-water mark at 1.
func New(cfg Config, nav NavSource, trades TradeSource, gate FeeRecipient, oracle Oracle, opts ...Option) *Machine {
	m := &Machine{
		cfg:     cfg,
		nav:     nav,
		trades:  trades,
		gate:    gate,
		oracle:  oracle,
		checker: risk.NewChecker(cfg.Limits),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.state = model.EpochState{
		Epochs:        []model.Epoch{{ID: 1, Status: model.EpochPending, OpenedAt: m.now().UTC()}},
		HighWaterMark: decimal.NewFromInt(1),
	}
	return m
}

// Close freezes the current epoch's trade window and snapshots the values
// a proof must bind. priceCommitment and positionCommitment come from the
// external price feed and position collaborators.
func (m *Machine) Close(caller ledger.Address, priceCommitment, positionCommitment ledger.Hash) (model.Epoch, model.Outcome, error) {
	var out model.Outcome

	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.cfg.Owner {
		return model.Epoch{}, out, fmt.Errorf("%w: close from %s", ErrUnauthorized, caller)
	}
	cur := m.current()
	if cur.Closed {
		return model.Epoch{}, out, fmt.Errorf("%w: epoch %d", ErrEpochClosed, cur.ID)
	}

	end := m.trades.TradeCount()
	ws, err := m.trades.Window(cur.FirstTrade, end)
	if err != nil {
		return model.Epoch{}, out, fmt.Errorf("epoch: window stats: %w", err)
	}
	tc, err := m.trades.Commitment(cur.FirstTrade, end)
	if err != nil {
		return model.Epoch{}, out, fmt.Errorf("epoch: trade commitment: %w", err)
	}

	nav := m.nav.State()
	finalNav, _ := ledger.AddSigned(nav.TotalAssets, ws.PnL)

	pct := decimal.Zero
	if nav.TotalAssets > 0 {
		pct = decimal.NewFromInt(ws.PnL).Mul(decimal.NewFromInt(100)).DivRound(ledger.ToDecimal(nav.TotalAssets), 4)
	}

	closedAt := m.now().UTC()
	cur.Closed = true
	cur.EndTrade = end
	cur.ClosedAt = &closedAt
	cur.PnLPct = pct
	cur.Snapshot = &model.EpochSnapshot{
		InitialNav:         nav.TotalAssets,
		FinalNav:           finalNav,
		PnL:                ws.PnL,
		TotalShares:        nav.TotalShares,
		TradeCommitment:    tc,
		PriceCommitment:    priceCommitment,
		PositionCommitment: positionCommitment,
	}

	slog.Info("epoch closed",
		"epoch_id", cur.ID,
		"trades", ws.Count,
		"initial_nav", nav.TotalAssets,
		"final_nav", finalNav,
		"pnl", ws.PnL,
		"pnl_pct", pct.String(),
	)

	out.Emit(model.Event{Kind: model.EventEpochClosed, EpochID: cur.ID, PnL: ws.PnL, Amount: finalNav})
	return cur.Clone(), out, nil
}

// Decision is an in-progress proof submission returned by Begin.
// Settled decisions were already resolved by the risk gate and carry the
// resulting transition; unsettled ones still need Verify and Complete.
type Decision struct {
	Submission Submission
	Settled    bool
	Epoch      model.Epoch
	Outcome    model.Outcome
}

// Begin checks authorization, that the epoch is the current closed one,
// the public-input binding and the risk limits. A binding mismatch is a
// validation error with no transition. A risk violation rejects the epoch
// immediately without consulting the oracle. Otherwise the epoch is marked
// in flight until Complete or Abort.
func (m *Machine) Begin(caller ledger.Address, sub Submission) (*Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.cfg.Owner {
		return nil, fmt.Errorf("%w: proof from %s", ErrUnauthorized, caller)
	}
	cur := m.current()
	switch {
	case sub.EpochID == 0 || sub.EpochID > cur.ID:
		return nil, fmt.Errorf("%w: %d", ErrEpochNotFound, sub.EpochID)
	case sub.EpochID < cur.ID:
		return nil, fmt.Errorf("%w: epoch %d is %s", ErrNotCurrent, sub.EpochID, m.state.Epochs[sub.EpochID-1].Status)
	case !cur.Closed:
		return nil, fmt.Errorf("%w: epoch %d", ErrEpochNotClosed, cur.ID)
	case m.inFlight == cur.ID:
		return nil, fmt.Errorf("%w: epoch %d", ErrProofInFlight, cur.ID)
	}
	if err := bind(sub.Inputs, *cur, m.cfg.Limits); err != nil {
		return nil, err
	}

	metrics := sub.Inputs.Risk
	if observed := risk.DrawdownBps(cur.Snapshot.InitialNav, cur.Snapshot.FinalNav); observed > metrics.DrawdownBps {
		metrics.DrawdownBps = observed
	}
	if err := m.checker.Check(metrics); err != nil {
		ep, out := m.reject(cur, err.Error())
		return &Decision{Submission: sub, Settled: true, Epoch: ep, Outcome: out}, nil
	}

	m.inFlight = cur.ID
	return &Decision{Submission: sub, Epoch: cur.Clone()}, nil
}

// Verify consults the oracle. It holds no lock.
func (m *Machine) Verify(ctx context.Context, d *Decision) (bool, error) {
	if d == nil || d.Settled {
		return false, ErrNoDecision
	}
	valid, err := m.oracle.Verify(ctx, d.Submission.Inputs, d.Submission.Proof)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	return valid, nil
}

// Abort clears the in-flight mark without a transition, leaving the epoch
// closed and PENDING for a retry.
func (m *Machine) Abort(d *Decision) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d != nil && m.inFlight == d.Submission.EpochID {
		m.inFlight = 0
	}
}

// Complete applies the oracle's verdict.
func (m *Machine) Complete(d *Decision, valid bool) (model.Epoch, model.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d == nil || d.Settled || m.inFlight == 0 || m.inFlight != d.Submission.EpochID {
		return model.Epoch{}, model.Outcome{}, ErrNoDecision
	}
	m.inFlight = 0

	cur := m.current()
	if !valid {
		ep, out := m.reject(cur, "proof rejected by verification oracle")
		return ep, out, nil
	}
	ep, out, err := m.verify(cur, d.Submission)
	return ep, out, err
}

// verify settles the epoch as VERIFIED and produces the profit update,
// the fee credit and the performance reconciliation, in that order.
func (m *Machine) verify(cur *model.Epoch, sub Submission) (model.Epoch, model.Outcome, error) {
	var out model.Outcome
	snap := cur.Snapshot
	nav := m.nav.State()

	fee := PerformanceFee(snap.PnL, snap.FinalNav, snap.TotalShares, m.state.HighWaterMark, m.cfg.FeeBps)
	if fee > 0 {
		if linked := m.gate.State().Vault; linked != m.cfg.Vault {
			// The credit would bounce, so the fee stays with the depositors.
			slog.Warn("performance fee withheld, trader gate linked elsewhere",
				"epoch_id", cur.ID, "fee", fee, "linked_vault", linked)
			fee = 0
		}
	}

	// totalProfit floors at zero; the part of a loss it cannot absorb is
	// carried as an explicit NAV reduction.
	newTotalProfit, clamped := ledger.AddSigned(nav.TotalProfit, snap.PnL)
	var loss uint64
	if clamped && snap.PnL < 0 {
		loss = uint64(-(snap.PnL+1)) + 1 - nav.TotalProfit
	}
	if fee > newTotalProfit {
		fee = newTotalProfit
	}
	newTotalProfit -= fee

	// Unverified trades logged after the window still count toward the
	// ledger's running PnL.
	pending, err := m.trades.Window(cur.EndTrade, m.trades.TradeCount())
	if err != nil {
		return model.Epoch{}, out, fmt.Errorf("epoch: pending window: %w", err)
	}
	verifiedPnL := m.state.VerifiedPnL + snap.PnL

	ref := sub.ProofRef
	if ref == "" {
		ref = ledger.Keccak256(sub.Proof).Hex()
	}

	qid := cur.ID
	out.Send(ledger.NewEnvelope(qid, m.cfg.Owner, m.cfg.Vault, vault.UpdateProfit{NewTotalProfit: newTotalProfit, Loss: loss}))
	if fee > 0 {
		out.Send(ledger.NewEnvelope(qid, m.cfg.Vault, m.cfg.TraderGate, tradergate.CreditProfit{Amount: fee}))
	}
	out.Send(ledger.NewEnvelope(qid, m.cfg.Owner, m.cfg.Ledger, epochlog.UpdatePerformance{NewTotalPnL: verifiedPnL + pending.PnL}))

	if nav.TotalShares > 0 {
		navAfter := navAfterProfit(nav.TotalAssets, nav.TotalProfit, newTotalProfit, loss)
		pps := ledger.ToDecimal(navAfter).DivRound(ledger.ToDecimal(nav.TotalShares), 18)
		if pps.GreaterThan(m.state.HighWaterMark) {
			slog.Info("high-water mark raised", "epoch_id", cur.ID, "prev", m.state.HighWaterMark.String(), "hwm", pps.String())
			m.state.HighWaterMark = pps
		}
	}
	m.state.VerifiedPnL = verifiedPnL

	settledAt := m.now().UTC()
	cur.Status = model.EpochVerified
	cur.ProofRef = ref
	cur.Fee = fee
	cur.SettledAt = &settledAt

	slog.Info("epoch verified",
		"epoch_id", cur.ID,
		"pnl", snap.PnL,
		"fee", fee,
		"total_profit", newTotalProfit,
		"loss", loss,
		"proof_ref", ref,
	)

	out.Emit(model.Event{Kind: model.EventEpochVerified, EpochID: cur.ID, PnL: snap.PnL, Amount: fee, Detail: ref})
	settled := cur.Clone()
	out.Merge(m.openNext(settled))
	return settled, out, nil
}

func (m *Machine) reject(cur *model.Epoch, reason string) (model.Epoch, model.Outcome) {
	var out model.Outcome
	settledAt := m.now().UTC()
	cur.Status = model.EpochRejected
	cur.RejectReason = reason
	cur.SettledAt = &settledAt

	slog.Warn("epoch rejected", "epoch_id", cur.ID, "reason", reason)

	out.Emit(model.Event{Kind: model.EventEpochRejected, EpochID: cur.ID, Detail: reason})
	settled := cur.Clone()
	out.Merge(m.openNext(settled))
	return settled, out
}

func (m *Machine) openNext(prev model.Epoch) model.Outcome {
	var out model.Outcome
	next := model.Epoch{
		ID:         prev.ID + 1,
		Status:     model.EpochPending,
		FirstTrade: prev.EndTrade,
		OpenedAt:   m.now().UTC(),
	}
	m.state.Epochs = append(m.state.Epochs, next)
	out.Emit(model.Event{Kind: model.EventEpochOpened, EpochID: next.ID})
	return out
}

// current returns the PENDING epoch. Callers hold m.mu.
func (m *Machine) current() *model.Epoch {
	return &m.state.Epochs[len(m.state.Epochs)-1]
}

// --- Reads ---

// Current returns the PENDING epoch.
func (m *Machine) Current() model.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current().Clone()
}

// Epoch returns the epoch with the given id.
func (m *Machine) Epoch(id uint64) (model.Epoch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id == 0 || id > uint64(len(m.state.Epochs)) {
		return model.Epoch{}, fmt.Errorf("%w: %d", ErrEpochNotFound, id)
	}
	return m.state.Epochs[id-1].Clone(), nil
}

// Epochs lists every epoch, newest first.
func (m *Machine) Epochs() []model.Epoch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Epoch, 0, len(m.state.Epochs))
	for i := len(m.state.Epochs) - 1; i >= 0; i-- {
		out = append(out, m.state.Epochs[i].Clone())
	}
	return out
}

// HighWaterMark returns the highest post-fee NAV per share verified so far.
func (m *Machine) HighWaterMark() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.HighWaterMark
}

// Limits returns the configured risk limits.
func (m *Machine) Limits() risk.Limits { return m.cfg.Limits }

// ExpectedInputs returns the public inputs a proof for the closed epoch
// must bind. The attested risk figures are left for the prover.
func (m *Machine) ExpectedInputs(id uint64) (PublicInputs, error) {
	ep, err := m.Epoch(id)
	if err != nil {
		return PublicInputs{}, err
	}
	if !ep.Closed || ep.Snapshot == nil {
		return PublicInputs{}, fmt.Errorf("%w: epoch %d", ErrEpochNotClosed, id)
	}
	return PublicInputs{
		EpochID:            ep.ID,
		InitialNav:         ep.Snapshot.InitialNav,
		FinalNav:           ep.Snapshot.FinalNav,
		TradeCommitment:    ep.Snapshot.TradeCommitment,
		PriceCommitment:    ep.Snapshot.PriceCommitment,
		PositionCommitment: ep.Snapshot.PositionCommitment,
		Limits:             m.cfg.Limits,
	}, nil
}

// Snapshot deep-copies the state for persistence or rollback.
func (m *Machine) Snapshot() model.EpochState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneState(m.state)
}

// Restore replaces the state. Epoch ids must run 1..n without gaps and
// only the last epoch may be PENDING. An empty state is ignored.
func (m *Machine) Restore(s model.EpochState) error {
	if len(s.Epochs) == 0 {
		return nil
	}
	for i, ep := range s.Epochs {
		if ep.ID != uint64(i+1) {
			return fmt.Errorf("epoch: restore: epoch at position %d has id %d", i, ep.ID)
		}
		last := i == len(s.Epochs)-1
		if last != (ep.Status == model.EpochPending) {
			return fmt.Errorf("epoch: restore: epoch %d has status %s", ep.ID, ep.Status)
		}
	}
	if s.HighWaterMark.IsZero() {
		s.HighWaterMark = decimal.NewFromInt(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = cloneState(s)
	if m.inFlight != m.current().ID || !m.current().Closed {
		m.inFlight = 0
	}
	return nil
}

func cloneState(s model.EpochState) model.EpochState {
	out := s
	out.Epochs = make([]model.Epoch, len(s.Epochs))
	for i, ep := range s.Epochs {
		out.Epochs[i] = ep.Clone()
	}
	return out
}
