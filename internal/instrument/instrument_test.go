package instrument

import (
	"errors"
	"testing"

	"github.com/zkvault/vault-engine/internal/ledger"
)

const usdtToken = "EQBascgtPO02miH-Xb9cNsb8LPZf9IwK-xQ-DhS1vjgqg_6i"

func TestResolve_PairWithoutRegistry(t *testing.T) {
	var r *Registry
	inst, err := r.Resolve("ton/usdt")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Base != "TON" || inst.Quote != "USDT" {
		t.Errorf("expected TON/USDT, got %s/%s", inst.Base, inst.Quote)
	}
	if inst.Address != "pair:TON/USDT" {
		t.Errorf("expected canonical pair address, got %s", inst.Address)
	}
}

func TestResolve_PairFromRegistry(t *testing.T) {
	r, err := NewRegistry(map[string]string{"usdt": usdtToken})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	inst, err := r.Resolve("TON-USDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Address != ledger.Address(usdtToken) {
		t.Errorf("expected USDT token address, got %s", inst.Address)
	}
	if inst.Symbol != "TON/USDT" {
		t.Errorf("expected symbol TON/USDT, got %s", inst.Symbol)
	}
}

func TestResolve_RawAddress(t *testing.T) {
	r, _ := NewRegistry(nil)
	inst, err := r.Resolve(usdtToken)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if inst.Address != ledger.Address(usdtToken) || inst.Symbol != "" {
		t.Errorf("unexpected instrument: %+v", inst)
	}
}

func TestResolve_Invalid(t *testing.T) {
	r, _ := NewRegistry(nil)
	tests := []string{
		"",
		"TON",
		"TON/TON",             // base equals quote
		"TON/USDT/BTC",        // three legs
		"T/USDT",              // symbol too short
		"EQBascgtPO02miH-Xb9", // truncated address
	}
	for _, s := range tests {
		if _, err := r.Resolve(s); !errors.Is(err, ErrInvalidInstrument) {
			t.Errorf("Resolve(%q): expected ErrInvalidInstrument, got %v", s, err)
		}
	}
}

func TestNewRegistry_InvalidToken(t *testing.T) {
	if _, err := NewRegistry(map[string]string{"USDT": "not-an-address"}); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
