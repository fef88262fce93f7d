package epoch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zkvault/vault-engine/internal/epochlog"
	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
	"github.com/zkvault/vault-engine/internal/risk"
	"github.com/zkvault/vault-engine/internal/tradergate"
	"github.com/zkvault/vault-engine/internal/vault"
)

const (
	owner      ledger.Address = "owner"
	vaultAddr  ledger.Address = "vault"
	gateAddr   ledger.Address = "gate"
	ledgerAddr ledger.Address = "ledger"
	trader     ledger.Address = "trader"
	alice      ledger.Address = "alice"
)

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Verify(ctx context.Context, in PublicInputs, proof []byte) (bool, error) {
	args := m.Called(ctx, in, proof)
	return args.Bool(0), args.Error(1)
}

var testLimits = risk.Limits{
	MaxPositionSize:  1_000_000,
	MaxSlippageBps:   50,
	MaxDailyTurnover: 10_000_000,
	MaxDrawdownBps:   2000,
}

type testEnv struct {
	vault   *vault.Vault
	gate    *tradergate.Gate
	log     *epochlog.Ledger
	oracle  *mockOracle
	machine *Machine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	env := &testEnv{
		vault:  vault.New(vaultAddr, owner, gateAddr),
		gate:   tradergate.New(gateAddr, trader, ledgerAddr, vaultAddr),
		log:    epochlog.New(ledgerAddr, owner, gateAddr),
		oracle: &mockOracle{},
	}
	env.machine = New(Config{
		Owner:      owner,
		Vault:      vaultAddr,
		TraderGate: gateAddr,
		Ledger:     ledgerAddr,
		Limits:     testLimits,
		FeeBps:     DefaultFeeBps,
	}, env.vault, env.log, env.gate, env.oracle, WithClock(func() time.Time { return now }))
	return env
}

func (e *testEnv) deposit(t *testing.T, from ledger.Address, amount uint64) {
	t.Helper()
	_, err := e.vault.Handle(ledger.NewEnvelope(0, from, vaultAddr, vault.Deposit{Amount: amount}))
	require.NoError(t, err)
}

func (e *testEnv) trade(t *testing.T, amount uint64, pnl int64) {
	t.Helper()
	_, err := e.log.Handle(ledger.NewEnvelope(0, gateAddr, ledgerAddr, epochlog.LogTrade{
		Timestamp: 1_750_000_000, Side: ledger.SideBuy, Amount: amount, Instrument: "pair:TON/USDT", PnL: pnl,
	}))
	require.NoError(t, err)
}

func (e *testEnv) close(t *testing.T) model.Epoch {
	t.Helper()
	ep, _, err := e.machine.Close(owner, ledger.Keccak256([]byte("prices")), ledger.Keccak256([]byte("positions")))
	require.NoError(t, err)
	return ep
}

func (e *testEnv) submission(t *testing.T, id uint64, m risk.Metrics) Submission {
	t.Helper()
	in, err := e.machine.ExpectedInputs(id)
	require.NoError(t, err)
	in.Risk = m
	return Submission{EpochID: id, Inputs: in, Proof: []byte("proof-bytes")}
}

// submit runs the three verification steps the way the engine does.
func (e *testEnv) submit(t *testing.T, sub Submission) (model.Epoch, model.Outcome, error) {
	t.Helper()
	dec, err := e.machine.Begin(owner, sub)
	if err != nil {
		return model.Epoch{}, model.Outcome{}, err
	}
	if dec.Settled {
		return dec.Epoch, dec.Outcome, nil
	}
	valid, err := e.machine.Verify(context.Background(), dec)
	if err != nil {
		e.machine.Abort(dec)
		return model.Epoch{}, model.Outcome{}, err
	}
	return e.machine.Complete(dec, valid)
}

func (e *testEnv) deliver(t *testing.T, out model.Outcome) {
	t.Helper()
	for _, env := range out.Out {
		if env.To == vaultAddr {
			_, err := e.vault.Handle(env)
			require.NoError(t, err)
		}
	}
}

func TestNew_StartsWithEpochOnePending(t *testing.T) {
	env := newTestEnv(t)

	cur := env.machine.Current()
	assert.Equal(t, uint64(1), cur.ID)
	assert.Equal(t, model.EpochPending, cur.Status)
	assert.False(t, cur.Closed)
	assert.True(t, env.machine.HighWaterMark().Equal(decimal.NewFromInt(1)))
}

func TestClose_SnapshotsWindow(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.trade(t, 500, 120)
	env.trade(t, 300, -20)

	ep := env.close(t)

	require.NotNil(t, ep.Snapshot)
	assert.True(t, ep.Closed)
	assert.Equal(t, model.EpochPending, ep.Status)
	assert.Equal(t, uint64(0), ep.FirstTrade)
	assert.Equal(t, uint64(2), ep.EndTrade)
	assert.Equal(t, uint64(1000), ep.Snapshot.InitialNav)
	assert.Equal(t, uint64(1100), ep.Snapshot.FinalNav)
	assert.Equal(t, int64(100), ep.Snapshot.PnL)
	assert.Equal(t, "10", ep.PnLPct.String())

	tc, _ := env.log.Commitment(0, 2)
	assert.Equal(t, tc, ep.Snapshot.TradeCommitment)
}

func TestClose_Guards(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.machine.Close(alice, ledger.Hash{}, ledger.Hash{})
	assert.ErrorIs(t, err, ErrUnauthorized)

	env.close(t)
	_, _, err = env.machine.Close(owner, ledger.Hash{}, ledger.Hash{})
	assert.ErrorIs(t, err, ErrEpochClosed)
}

func TestSubmit_RequiresClosedCurrentEpoch(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.machine.Begin(owner, Submission{EpochID: 1})
	assert.ErrorIs(t, err, ErrEpochNotClosed)

	_, err = env.machine.Begin(owner, Submission{EpochID: 2})
	assert.ErrorIs(t, err, ErrEpochNotFound)

	env.close(t)
	_, err = env.machine.Begin(alice, env.submission(t, 1, risk.Metrics{}))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubmit_BindingMismatchNoTransition(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.close(t)

	sub := env.submission(t, 1, risk.Metrics{})
	sub.Inputs.FinalNav++

	_, _, err := env.submit(t, sub)
	assert.ErrorIs(t, err, ErrBindingMismatch)

	sub = env.submission(t, 1, risk.Metrics{})
	sub.Inputs.Limits.MaxDrawdownBps = 9000
	_, _, err = env.submit(t, sub)
	assert.ErrorIs(t, err, ErrBindingMismatch)

	cur := env.machine.Current()
	assert.Equal(t, uint64(1), cur.ID)
	assert.Equal(t, model.EpochPending, cur.Status)
	env.oracle.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmit_DrawdownViolationRejectsWithoutOracle(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.trade(t, 100, 50)
	env.close(t)

	ep, out, err := env.submit(t, env.submission(t, 1, risk.Metrics{DrawdownBps: 2500}))
	require.NoError(t, err)

	assert.Equal(t, model.EpochRejected, ep.Status)
	assert.Contains(t, ep.RejectReason, "drawdown")
	assert.Empty(t, out.Out, "a rejected epoch must not touch the vault")
	assert.Equal(t, uint64(0), env.vault.TotalProfit())
	env.oracle.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything, mock.Anything)

	next := env.machine.Current()
	assert.Equal(t, uint64(2), next.ID)
	assert.Equal(t, uint64(1), next.FirstTrade)
}

func TestSubmit_ObservedDrawdownCountsEvenIfUnderreported(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.trade(t, 100, -300) // 30% drawdown
	env.close(t)

	ep, _, err := env.submit(t, env.submission(t, 1, risk.Metrics{DrawdownBps: 0}))
	require.NoError(t, err)
	assert.Equal(t, model.EpochRejected, ep.Status)
}

func TestSubmit_OracleFalseRejects(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.trade(t, 100, 50)
	env.close(t)
	env.oracle.On("Verify", mock.Anything, mock.Anything, []byte("proof-bytes")).Return(false, nil).Once()

	ep, out, err := env.submit(t, env.submission(t, 1, risk.Metrics{}))
	require.NoError(t, err)

	assert.Equal(t, model.EpochRejected, ep.Status)
	assert.Empty(t, out.Out)
	assert.Equal(t, uint64(2), env.machine.Current().ID)
	env.oracle.AssertExpectations(t)
}

func TestSubmit_OracleErrorIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.close(t)
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("connection refused")).Once()
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()

	_, _, err := env.submit(t, env.submission(t, 1, risk.Metrics{}))
	assert.ErrorIs(t, err, ErrOracleUnavailable)

	cur := env.machine.Current()
	assert.Equal(t, uint64(1), cur.ID)
	assert.True(t, cur.Closed)
	assert.Equal(t, model.EpochPending, cur.Status)

	ep, _, err := env.submit(t, env.submission(t, 1, risk.Metrics{}))
	require.NoError(t, err)
	assert.Equal(t, model.EpochVerified, ep.Status)
	env.oracle.AssertExpectations(t)
}

func TestSubmit_ProofInFlight(t *testing.T) {
	env := newTestEnv(t)
	env.close(t)
	sub := env.submission(t, 1, risk.Metrics{})

	dec, err := env.machine.Begin(owner, sub)
	require.NoError(t, err)
	require.False(t, dec.Settled)

	_, err = env.machine.Begin(owner, sub)
	assert.ErrorIs(t, err, ErrProofInFlight)

	env.machine.Abort(dec)
	_, err = env.machine.Begin(owner, sub)
	assert.NoError(t, err)
}

func TestSubmit_VerifiedSettlesProfitFeeAndHWM(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.trade(t, 500, 100)
	env.close(t)
	env.trade(t, 10, 3) // lands in epoch 2
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()

	ep, out, err := env.submit(t, env.submission(t, 1, risk.Metrics{PositionSize: 500, SlippageBps: 10}))
	require.NoError(t, err)

	assert.Equal(t, model.EpochVerified, ep.Status)
	assert.Equal(t, uint64(10), ep.Fee)
	assert.Equal(t, ledger.Keccak256([]byte("proof-bytes")).Hex(), ep.ProofRef)

	require.Len(t, out.Out, 3)
	up, ok := out.Out[0].Body.(vault.UpdateProfit)
	require.True(t, ok)
	assert.Equal(t, uint64(90), up.NewTotalProfit)
	assert.Equal(t, owner, out.Out[0].From)
	assert.Equal(t, vaultAddr, out.Out[0].To)

	cp, ok := out.Out[1].Body.(tradergate.CreditProfit)
	require.True(t, ok)
	assert.Equal(t, uint64(10), cp.Amount)
	assert.Equal(t, vaultAddr, out.Out[1].From)
	assert.Equal(t, gateAddr, out.Out[1].To)

	perf, ok := out.Out[2].Body.(epochlog.UpdatePerformance)
	require.True(t, ok)
	assert.Equal(t, int64(103), perf.NewTotalPnL)

	assert.True(t, env.machine.HighWaterMark().Equal(decimal.RequireFromString("1.09")),
		"hwm = %s", env.machine.HighWaterMark())

	env.deliver(t, out)
	assert.Equal(t, uint64(1090), env.vault.State().TotalAssets)

	next := env.machine.Current()
	assert.Equal(t, uint64(2), next.ID)
	assert.Equal(t, uint64(1), next.FirstTrade)
}

func TestSubmit_VerifiedLossLowersNav(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.trade(t, 500, -100)
	closed := env.close(t)
	require.Equal(t, uint64(900), closed.Snapshot.FinalNav)
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()

	ep, out, err := env.submit(t, env.submission(t, 1, risk.Metrics{PositionSize: 500}))
	require.NoError(t, err)
	assert.Equal(t, model.EpochVerified, ep.Status)
	assert.Equal(t, uint64(0), ep.Fee)

	require.Len(t, out.Out, 2)
	up, ok := out.Out[0].Body.(vault.UpdateProfit)
	require.True(t, ok)
	assert.Equal(t, uint64(0), up.NewTotalProfit)
	assert.Equal(t, uint64(100), up.Loss)

	env.deliver(t, out)
	assert.Equal(t, closed.Snapshot.FinalNav, env.vault.State().TotalAssets)
	assert.Equal(t, uint64(900), env.vault.ValueOf(alice))
	assert.True(t, env.machine.HighWaterMark().Equal(decimal.NewFromInt(1)))

	// Recovering to 950 stays below the mark, so no fee is charged.
	env.trade(t, 500, 50)
	env.close(t)
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()
	ep, out, err = env.submit(t, env.submission(t, 2, risk.Metrics{PositionSize: 500}))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ep.Fee)
	env.deliver(t, out)
	assert.Equal(t, uint64(950), env.vault.State().TotalAssets)
}

func TestSubmit_FeeWithheldWhenGateRelinked(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.trade(t, 500, 100)
	env.close(t)
	_, err := env.gate.Handle(ledger.NewEnvelope(0, trader, gateAddr, tradergate.SetVault{Vault: "other-vault"}))
	require.NoError(t, err)
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()

	ep, out, err := env.submit(t, env.submission(t, 1, risk.Metrics{PositionSize: 500}))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ep.Fee)

	require.Len(t, out.Out, 2, "no fee credit while the gate is linked elsewhere")
	up, ok := out.Out[0].Body.(vault.UpdateProfit)
	require.True(t, ok)
	assert.Equal(t, uint64(100), up.NewTotalProfit)

	env.deliver(t, out)
	assert.Equal(t, uint64(1100), env.vault.State().TotalAssets)
	assert.Equal(t, uint64(0), env.gate.State().ProfitBalance)
}

func TestSubmit_SuppliedProofRef(t *testing.T) {
	env := newTestEnv(t)
	env.close(t)
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil).Once()

	sub := env.submission(t, 1, risk.Metrics{})
	sub.ProofRef = "tx:abc123"
	ep, out, err := env.submit(t, sub)
	require.NoError(t, err)

	assert.Equal(t, "tx:abc123", ep.ProofRef)
	assert.Equal(t, uint64(0), ep.Fee)
	require.Len(t, out.Out, 2, "no fee credit when there is no profit")
}

func TestEpochIds_MonotonicOnePending(t *testing.T) {
	env := newTestEnv(t)
	env.deposit(t, alice, 1000)
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)

	for i := 1; i <= 5; i++ {
		env.trade(t, 10, int64(i))
		env.close(t)
		_, out, err := env.submit(t, env.submission(t, uint64(i), risk.Metrics{}))
		require.NoError(t, err)
		env.deliver(t, out)
	}

	epochs := env.machine.Epochs()
	require.Len(t, epochs, 6)
	pending := 0
	for i, ep := range epochs {
		assert.Equal(t, uint64(6-i), ep.ID, "epochs are listed newest first")
		if ep.Status == model.EpochPending {
			pending++
		}
	}
	assert.Equal(t, 1, pending)
}

func TestSubmit_StaleEpoch(t *testing.T) {
	env := newTestEnv(t)
	env.close(t)
	env.oracle.On("Verify", mock.Anything, mock.Anything, mock.Anything).Return(false, nil).Once()
	sub := env.submission(t, 1, risk.Metrics{})
	_, _, err := env.submit(t, sub)
	require.NoError(t, err)

	_, err = env.machine.Begin(owner, sub)
	assert.ErrorIs(t, err, ErrNotCurrent)
}

func TestRestore(t *testing.T) {
	env := newTestEnv(t)
	env.close(t)
	snap := env.machine.Snapshot()

	fresh := newTestEnv(t)
	require.NoError(t, fresh.machine.Restore(snap))
	assert.Equal(t, env.machine.Current(), fresh.machine.Current())

	bad := model.EpochState{Epochs: []model.Epoch{
		{ID: 1, Status: model.EpochPending},
		{ID: 2, Status: model.EpochPending},
	}}
	assert.Error(t, fresh.machine.Restore(bad))

	gap := model.EpochState{Epochs: []model.Epoch{
		{ID: 1, Status: model.EpochVerified},
		{ID: 3, Status: model.EpochPending},
	}}
	assert.Error(t, fresh.machine.Restore(gap))
}

func TestPerformanceFee(t *testing.T) {
	one := decimal.NewFromInt(1)
	tests := []struct {
		name     string
		pnl      int64
		finalNav uint64
		shares   uint64
		hwm      decimal.Decimal
		want     uint64
	}{
		{"profit above hwm", 100, 1100, 1000, one, 10},
		{"loss", -50, 950, 1000, one, 0},
		{"below hwm", 30, 1080, 1000, decimal.RequireFromString("1.09"), 0},
		{"partly above hwm", 100, 1140, 1000, decimal.RequireFromString("1.09"), 5},
		{"no shares", 100, 100, 0, one, 0},
		{"rounds down", 19, 1019, 1000, one, 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := PerformanceFee(tc.pnl, tc.finalNav, tc.shares, tc.hwm, DefaultFeeBps)
			assert.Equal(t, tc.want, got)
		})
	}
}
