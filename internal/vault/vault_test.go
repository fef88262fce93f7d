package vault

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/zkvault/vault-engine/internal/ledger"
	"github.com/zkvault/vault-engine/internal/model"
)

const (
	vaultAddr ledger.Address = "vault"
	owner     ledger.Address = "owner"
	gate      ledger.Address = "gate"
	alice     ledger.Address = "alice"
	bob       ledger.Address = "bob"
)

func newTestVault() *Vault {
	return New(vaultAddr, owner, gate)
}

func send(t *testing.T, v *Vault, from ledger.Address, body Op) (model.Outcome, error) {
	t.Helper()
	return v.Handle(ledger.NewEnvelope(0, from, vaultAddr, body))
}

func mustSend(t *testing.T, v *Vault, from ledger.Address, body Op) model.Outcome {
	t.Helper()
	out, err := send(t, v, from, body)
	if err != nil {
		t.Fatalf("%s from %s: unexpected error: %v", body.Opcode(), from, err)
	}
	return out
}

func assertConserved(t *testing.T, v *Vault) {
	t.Helper()
	snap := v.Snapshot()
	var sum uint64
	for _, b := range snap.Balances {
		sum += b
	}
	if sum != snap.TotalShares {
		t.Fatalf("conservation violated: sum(balances)=%d totalShares=%d", sum, snap.TotalShares)
	}
}

// --- Scenarios ---

func TestDeposit_Bootstrap(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 10_000_000000})

	s := v.State()
	if s.TotalShares != 10_000_000000 || s.TotalAssets != 10_000_000000 {
		t.Errorf("expected 1:1 bootstrap, got shares=%d assets=%d", s.TotalShares, s.TotalAssets)
	}
	if got := v.SharesOf(alice); got != 10_000_000000 {
		t.Errorf("expected alice shares 10_000_000000, got %d", got)
	}
	if !v.PricePerShare().Equal(decimal.NewFromInt(1)) {
		t.Errorf("expected price per share 1, got %s", v.PricePerShare())
	}
}

func TestDeposit_SecondDepositor(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 10_000_000000})
	out := mustSend(t, v, bob, Deposit{Amount: 5_000_000000})

	if got := v.SharesOf(bob); got != 5_000_000000 {
		t.Errorf("expected bob shares 5_000_000000, got %d", got)
	}
	if got := v.State().TotalShares; got != 15_000_000000 {
		t.Errorf("expected total shares 15_000_000000, got %d", got)
	}
	if len(out.Out) != 0 {
		t.Errorf("deposit should send nothing, got %d envelopes", len(out.Out))
	}
	if len(out.Events) != 1 || out.Events[0].Kind != model.EventDeposit || out.Events[0].Shares != 5_000_000000 {
		t.Errorf("unexpected events: %+v", out.Events)
	}
	assertConserved(t, v)
}

func TestWithdraw_HalfAgainstPreState(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 10_000_000000})
	mustSend(t, v, bob, Deposit{Amount: 5_000_000000})
	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 1_500_000000})

	pre := v.State()
	want, _ := ledger.MulDivFloor(5_000_000000, pre.TotalAssets, pre.TotalShares)

	out := mustSend(t, v, alice, Withdraw{Shares: 5_000_000000})

	if got := v.SharesOf(alice); got != 5_000_000000 {
		t.Errorf("expected alice shares 5_000_000000, got %d", got)
	}
	if len(out.Out) != 1 {
		t.Fatalf("expected one transfer, got %d", len(out.Out))
	}
	tr, ok := out.Out[0].Body.(ledger.Transfer)
	if !ok {
		t.Fatalf("expected Transfer body, got %T", out.Out[0].Body)
	}
	if tr.Amount != want || want != 5_500_000000 {
		t.Errorf("expected assetsOut %d (5_500_000000), got %d", want, tr.Amount)
	}
	if out.Out[0].To != alice || out.Out[0].From != vaultAddr {
		t.Errorf("transfer routed %s -> %s", out.Out[0].From, out.Out[0].To)
	}
	if got := v.State().TotalAssets; got != pre.TotalAssets-want {
		t.Errorf("expected total assets %d, got %d", pre.TotalAssets-want, got)
	}
	assertConserved(t, v)
}

func TestUpdateProfit_NonOwner(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 1000})
	before := v.Snapshot()

	_, err := send(t, v, alice, UpdateProfit{NewTotalProfit: 500})
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if code, _ := ledger.CodeOf(err); code != 103 {
		t.Errorf("expected code 103, got %d", code)
	}
	after := v.Snapshot()
	if after.TotalAssets != before.TotalAssets || after.TotalProfit != before.TotalProfit {
		t.Error("state changed after unauthorized profit update")
	}
}

func TestWithdraw_InsufficientBalance(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 1000})

	_, err := send(t, v, alice, Withdraw{Shares: 1001})
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if code, _ := ledger.CodeOf(err); code != 101 {
		t.Errorf("expected code 101, got %d", code)
	}
	if v.SharesOf(alice) != 1000 || v.State().TotalAssets != 1000 {
		t.Error("state changed after rejected withdraw")
	}
}

// --- Edge cases ---

func TestDeposit_InvalidAmounts(t *testing.T) {
	v := newTestVault()
	if _, err := send(t, v, alice, Deposit{Amount: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero deposit: expected ErrInvalidAmount, got %v", err)
	}

	// Price per share 3: a deposit of 2 would mint floor(2/3) = 0 shares.
	mustSend(t, v, alice, Deposit{Amount: 100})
	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 200})
	if _, err := send(t, v, bob, Deposit{Amount: 2}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("dust deposit: expected ErrInvalidAmount, got %v", err)
	}

	// Outstanding shares with no assets cannot be priced.
	v2 := newTestVault()
	v2.Restore(model.VaultState{TotalShares: 10, Balances: map[ledger.Address]uint64{alice: 10}})
	if _, err := send(t, v2, bob, Deposit{Amount: 5}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("unbacked deposit: expected ErrInvalidAmount, got %v", err)
	}
}

func TestDeposit_FloorDustStaysWithHolders(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 3})
	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 1}) // 4 assets / 3 shares
	mustSend(t, v, bob, Deposit{Amount: 5})                // floor(5*3/4) = 3

	if got := v.SharesOf(bob); got != 3 {
		t.Fatalf("expected 3 shares, got %d", got)
	}
	// Bob's claim is worth floor(3*9/6) = 4 < 5 contributed.
	if got := v.ValueOf(bob); got > 5 {
		t.Errorf("depositor value %d exceeds contribution", got)
	}
	if got := v.ValueOf(alice); got < 4 {
		t.Errorf("existing holder lost value: %d", got)
	}
}

func TestWithdraw_ZeroShares(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 10})
	if _, err := send(t, v, alice, Withdraw{Shares: 0}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestWithdraw_LastShareDrainsAssets(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 7})
	mustSend(t, v, bob, Deposit{Amount: 11})
	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 5})

	mustSend(t, v, alice, Withdraw{Shares: v.SharesOf(alice)})
	mustSend(t, v, bob, Withdraw{Shares: v.SharesOf(bob)})

	s := v.Snapshot()
	if s.TotalShares != 0 || s.TotalAssets != 0 {
		t.Errorf("expected empty vault, got shares=%d assets=%d", s.TotalShares, s.TotalAssets)
	}
	if len(s.Balances) != 0 {
		t.Errorf("expected no balance entries, got %v", s.Balances)
	}
}

func TestUpdateProfit_LossFloorsNavAtZero(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 100})
	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 1000})
	mustSend(t, v, alice, Withdraw{Shares: 60}) // pays 660, leaves 440

	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 0})
	s := v.State()
	if s.TotalAssets != 0 {
		t.Errorf("expected NAV floored at 0, got %d", s.TotalAssets)
	}
	if s.TotalProfit != 0 {
		t.Errorf("expected total profit 0, got %d", s.TotalProfit)
	}
}

func TestUpdateProfit_LossBeyondCumulativeProfit(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 1000})
	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 30}) // 1030

	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 0, Loss: 70})
	s := v.State()
	if s.TotalAssets != 930 {
		t.Errorf("expected NAV 930 after a 100 loss, got %d", s.TotalAssets)
	}
	if s.TotalProfit != 0 {
		t.Errorf("expected total profit 0, got %d", s.TotalProfit)
	}
	if got := v.ValueOf(alice); got != 930 {
		t.Errorf("expected alice to redeem 930, got %d", got)
	}

	mustSend(t, v, owner, UpdateProfit{Loss: 5000})
	if got := v.State().TotalAssets; got != 0 {
		t.Errorf("expected NAV floored at 0, got %d", got)
	}
}

// --- Authorization and pause ---

func TestMirrorTrade_OnlyTrader(t *testing.T) {
	v := newTestVault()
	trade := MirrorTrade{Side: ledger.SideBuy, Amount: 50, Instrument: "pair:TON/USDT"}

	if _, err := send(t, v, alice, trade); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	out := mustSend(t, v, gate, trade)
	if len(out.Events) != 1 || out.Events[0].Kind != model.EventMirrorTrade {
		t.Errorf("unexpected events: %+v", out.Events)
	}
	if v.State().TotalAssets != 0 {
		t.Error("mirror trade must not move NAV")
	}
}

func TestMirrorTrade_InvalidSide(t *testing.T) {
	v := newTestVault()
	_, err := send(t, v, gate, MirrorTrade{Side: ledger.Side(7), Amount: 50, Instrument: "pair:TON/USDT"})
	if !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestPauseGating(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 1000})
	mustSend(t, v, owner, EmergencyPause{})

	if _, err := send(t, v, bob, Deposit{Amount: 10}); !errors.Is(err, ErrPaused) {
		t.Errorf("deposit while paused: expected ErrPaused, got %v", err)
	}
	if _, err := send(t, v, gate, MirrorTrade{Side: ledger.SideSell, Amount: 1}); !errors.Is(err, ErrPaused) {
		t.Errorf("mirror while paused: expected ErrPaused, got %v", err)
	}
	if code, _ := ledger.CodeOf(ErrPaused); code.Kind() != ledger.KindLiveness {
		t.Errorf("paused should be a liveness error")
	}

	mustSend(t, v, alice, Withdraw{Shares: 100})
	mustSend(t, v, owner, UpdateProfit{NewTotalProfit: 10})
	mustSend(t, v, owner, EmergencyPause{})

	if v.State().IsPaused {
		t.Error("second toggle should unpause")
	}
	mustSend(t, v, bob, Deposit{Amount: 10})
}

func TestEmergencyPause_NonOwner(t *testing.T) {
	v := newTestVault()
	if _, err := send(t, v, gate, EmergencyPause{}); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if v.State().IsPaused {
		t.Error("unauthorized toggle changed state")
	}
}

func TestHandle_UnknownOp(t *testing.T) {
	v := newTestVault()
	_, err := v.Handle(ledger.NewEnvelope(0, alice, vaultAddr, ledger.Transfer{Amount: 1}))
	if !errors.Is(err, ErrUnknownOp) {
		t.Errorf("expected ErrUnknownOp, got %v", err)
	}
}

// --- Properties ---

func TestConservation_RandomSequence(t *testing.T) {
	v := newTestVault()
	rng := rand.New(rand.NewSource(7))
	accounts := []ledger.Address{"a", "b", "c", "d"}
	var profit uint64

	for i := 0; i < 2000; i++ {
		acct := accounts[rng.Intn(len(accounts))]
		switch rng.Intn(4) {
		case 0, 1:
			send(t, v, acct, Deposit{Amount: uint64(rng.Intn(1_000_000) + 1)})
		case 2:
			if bal := v.SharesOf(acct); bal > 0 {
				mustSend(t, v, acct, Withdraw{Shares: uint64(rng.Int63n(int64(bal))) + 1})
			}
		case 3:
			profit += uint64(rng.Intn(5000))
			mustSend(t, v, owner, UpdateProfit{NewTotalProfit: profit})
		}
		assertConserved(t, v)

		s := v.State()
		var claimed uint64
		for _, p := range v.Positions() {
			claimed += p.Value
		}
		if claimed > s.TotalAssets {
			t.Fatalf("step %d: claims %d exceed assets %d", i, claimed, s.TotalAssets)
		}
	}
}

func TestSnapshotRestore(t *testing.T) {
	v := newTestVault()
	mustSend(t, v, alice, Deposit{Amount: 500})
	snap := v.Snapshot()

	mustSend(t, v, bob, Deposit{Amount: 300})
	v.Restore(snap)

	if v.SharesOf(bob) != 0 || v.State().TotalAssets != 500 {
		t.Error("restore did not roll back")
	}
	snap.Balances[alice] = 1
	if v.SharesOf(alice) != 500 {
		t.Error("restored state aliases the snapshot map")
	}
}
