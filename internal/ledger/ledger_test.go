package ledger

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
)

func TestMulDivFloor(t *testing.T) {
	tests := []struct {
		a, b, c uint64
		want    uint64
	}{
		{5_000_000000, 10_000_000000, 10_000_000000, 5_000_000000},
		{10, 3, 4, 7},  // 7.5 floors to 7
		{1, 1, 3, 0},   // dust
		{0, 123, 7, 0}, // zero numerator
		{math.MaxUint64, math.MaxUint64, math.MaxUint64, math.MaxUint64},
	}
	for _, tc := range tests {
		got, err := MulDivFloor(tc.a, tc.b, tc.c)
		if err != nil {
			t.Fatalf("MulDivFloor(%d, %d, %d): unexpected error: %v", tc.a, tc.b, tc.c, err)
		}
		if got != tc.want {
			t.Errorf("MulDivFloor(%d, %d, %d) = %d, want %d", tc.a, tc.b, tc.c, got, tc.want)
		}
	}
}

func TestMulDivFloor_Errors(t *testing.T) {
	if _, err := MulDivFloor(1, 1, 0); err != ErrDivisionByZero {
		t.Errorf("expected ErrDivisionByZero, got %v", err)
	}
	if _, err := MulDivFloor(math.MaxUint64, 2, 1); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestCheckedAdd(t *testing.T) {
	if v, err := CheckedAdd(2, 3); err != nil || v != 5 {
		t.Errorf("CheckedAdd(2, 3) = %d, %v", v, err)
	}
	if _, err := CheckedAdd(math.MaxUint64, 1); err != ErrOverflow {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
}

func TestAddSigned(t *testing.T) {
	tests := []struct {
		v       uint64
		delta   int64
		want    uint64
		clamped bool
	}{
		{100, 50, 150, false},
		{100, -40, 60, false},
		{100, -100, 0, false},
		{100, -101, 0, true},
		{0, math.MinInt64, 0, true},
		{math.MaxUint64, 1, math.MaxUint64, true},
	}
	for _, tc := range tests {
		got, clamped := AddSigned(tc.v, tc.delta)
		if got != tc.want || clamped != tc.clamped {
			t.Errorf("AddSigned(%d, %d) = %d, %v; want %d, %v",
				tc.v, tc.delta, got, clamped, tc.want, tc.clamped)
		}
	}
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"BUY": SideBuy, "sell": SideSell, " Buy ": SideBuy} {
		got, err := ParseSide(in)
		if err != nil || got != want {
			t.Errorf("ParseSide(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseSide("HOLD"); !errors.Is(err, ErrInvalidSide) {
		t.Errorf("expected ErrInvalidSide, got %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	valid := []string{
		"EQDTcD9WeuhIJzaEpiPVacF-8Q7-GTWRrmeiLcjYhf7jrkXi",
		"0:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8",
		"-1:83DFD552E63729B472FCBCC8C45EBCC6691702558B68EC7527E1BA403A0F31A8",
	}
	for _, s := range valid {
		if _, err := ParseAddress(s); err != nil {
			t.Errorf("ParseAddress(%q): unexpected error: %v", s, err)
		}
	}
	raw, _ := ParseAddress(valid[2])
	if raw != Address("-1:83dfd552e63729b472fcbcc8c45ebcc6691702558b68ec7527e1ba403a0f31a8") {
		t.Errorf("raw address not normalized: %s", raw)
	}

	invalid := []string{"", "alice", "0:zz", "EQDTcD9WeuhIJzaEpiPVacF-8Q7-GTWRrmeiLcjYhf7jrkX"}
	for _, s := range invalid {
		if _, err := ParseAddress(s); !errors.Is(err, ErrInvalidAddress) {
			t.Errorf("ParseAddress(%q): expected ErrInvalidAddress, got %v", s, err)
		}
	}
}

func TestCodeOf(t *testing.T) {
	sentinel := NewError(CodeVaultPaused, "vault: paused")
	wrapped := fmt.Errorf("%w: deposit rejected", sentinel)

	code, ok := CodeOf(wrapped)
	if !ok || code != CodeVaultPaused {
		t.Errorf("CodeOf = %d, %v; want %d", code, ok, CodeVaultPaused)
	}
	if !errors.Is(wrapped, sentinel) {
		t.Error("wrapped error should match its sentinel")
	}
	if code.Kind() != KindLiveness {
		t.Errorf("expected liveness kind, got %s", code.Kind())
	}
	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Error("plain errors carry no code")
	}
}

func TestSequence_Monotonic(t *testing.T) {
	var seq Sequence
	seq.Observe(41)

	var wg sync.WaitGroup
	seen := make(chan uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen <- seq.Next()
		}()
	}
	wg.Wait()
	close(seen)

	unique := make(map[uint64]bool)
	for v := range seen {
		if v <= 41 {
			t.Errorf("sequence returned %d after Observe(41)", v)
		}
		if unique[v] {
			t.Errorf("sequence returned %d twice", v)
		}
		unique[v] = true
	}
}

func TestOpcodeString(t *testing.T) {
	if OpMirrorTrade.String() != "mirrorTrade" {
		t.Errorf("unexpected name %s", OpMirrorTrade)
	}
	if Opcode(0x99).String() != "Unknown(0x99)" {
		t.Errorf("unexpected name %s", Opcode(0x99))
	}
}

func TestKeccak256_Empty(t *testing.T) {
	want := "0xc5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470"
	if got := Keccak256().Hex(); got != want {
		t.Errorf("Keccak256() = %s, want %s", got, want)
	}
	if Keccak256([]byte("ab")) != Keccak256([]byte("a"), []byte("b")) {
		t.Error("parts should hash as their concatenation")
	}
}

func TestParseHash(t *testing.T) {
	h := Keccak256([]byte("epoch"))
	for _, s := range []string{h.Hex(), h.Hex()[2:]} {
		got, err := ParseHash(s)
		if err != nil || got != h {
			t.Errorf("ParseHash(%q) = %s, %v", s, got, err)
		}
	}
	if _, err := ParseHash("0x1234"); err == nil {
		t.Error("expected error for short hash")
	}
}
