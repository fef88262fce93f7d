// Package ledger holds the primitives shared by every vault component:
// account identities, trade sides, operation codes, coded errors, exact
// share/asset arithmetic and the message envelope used for cross-component
// notifications. It owns no state.
//
// All share and asset amounts are unsigned integers in the base asset's
// smallest unit. Intermediate products go through shopspring/decimal so
// amount*shares never overflows before the floor division.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

var (
	// ErrDivisionByZero is returned by MulDivFloor when the divisor is zero.
	ErrDivisionByZero = errors.New("ledger: division by zero")

	// ErrOverflow is returned when a result does not fit in 64 bits.
	ErrOverflow = errors.New("ledger: arithmetic overflow")

	// ErrInvalidAddress is returned by ParseAddress.
	ErrInvalidAddress = errors.New("ledger: invalid address")

	// ErrInvalidSide is returned by ParseSide.
	ErrInvalidSide = errors.New("ledger: side must be BUY or SELL")
)

// Address identifies an account: a depositor, the trader, the owner or one
// of the components. The zero value means "unset".
type Address string

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string { return string(a) }

// Raw form "workchain:hex64" or the 48-character user-friendly form.
var (
	rawAddrRegex      = regexp.MustCompile(`^-?[0-9]+:[0-9a-fA-F]{64}$`)
	friendlyAddrRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{48}$`)
)

// ParseAddress validates an externally supplied address. Raw addresses are
// normalized to lower-case hex.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	switch {
	case rawAddrRegex.MatchString(s):
		return Address(strings.ToLower(s)), nil
	case friendlyAddrRegex.MatchString(s):
		return Address(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAddress, s)
}

// Side is the direction of a trade. The numeric values match the wire
// encoding (0 = buy, 1 = sell).
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	}
	return fmt.Sprintf("Side(%d)", uint8(s))
}

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// ParseSide parses "BUY" or "SELL" (case-insensitive).
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSide, s)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, ErrInvalidSide
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ToDecimal converts an unsigned amount to an exact decimal.
func ToDecimal(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// MulDivFloor returns floor(a*b/c) computed without intermediate overflow.
func MulDivFloor(a, b, c uint64) (uint64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}
	q, _ := ToDecimal(a).Mul(ToDecimal(b)).QuoRem(ToDecimal(c), 0)
	bi := q.BigInt()
	if !bi.IsUint64() {
		return 0, ErrOverflow
	}
	return bi.Uint64(), nil
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// AddSigned applies a signed delta to an unsigned balance, clamping to
// [0, MaxUint64]. The second result reports whether clamping happened.
func AddSigned(v uint64, delta int64) (uint64, bool) {
	if delta >= 0 {
		sum, err := CheckedAdd(v, uint64(delta))
		if err != nil {
			return math.MaxUint64, true
		}
		return sum, false
	}
	// -MinInt64 overflows int64; go through uint64.
	d := uint64(-(delta + 1)) + 1
	if d > v {
		return 0, true
	}
	return v - d, false
}

// Sequence hands out monotonically increasing query identifiers. The zero
// value is ready to use; the first identifier is 1.
type Sequence struct {
	n atomic.Uint64
}

// Next returns the next identifier.
func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Last returns the most recently issued or observed identifier.
func (s *Sequence) Last() uint64 {
	return s.n.Load()
}

// Observe advances the sequence so that Next never returns a value <= v.
func (s *Sequence) Observe(v uint64) {
	for {
		cur := s.n.Load()
		if cur >= v || s.n.CompareAndSwap(cur, v) {
			return
		}
	}
}
