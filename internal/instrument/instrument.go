// Package instrument resolves trade instruments to the identity recorded
// in the trade ledger. An instrument is either a trading pair such as
// "TON/USDT" or a raw token address.
package instrument

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/zkvault/vault-engine/internal/ledger"
)

// pairRegex matches: {BASE}/{QUOTE} or {BASE}-{QUOTE}
// Example: TON/USDT
var pairRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})[/-]([A-Z0-9]{2,10})$`)

var (
	ErrInvalidInstrument = errors.New("instrument: invalid instrument")
	ErrInvalidToken      = errors.New("instrument: invalid token address")
)

// Instrument is a resolved trade instrument.
type Instrument struct {
	Symbol  string         `json:"symbol,omitempty"`
	Base    string         `json:"base,omitempty"`
	Quote   string         `json:"quote,omitempty"`
	Address ledger.Address `json:"address"`
}

// Registry maps token symbols to their on-ledger addresses. Pairs whose
// tokens are unknown resolve to the canonical "pair:BASE/QUOTE" identity.
type Registry struct {
	tokens map[string]ledger.Address
}

// NewRegistry validates every token address.
func NewRegistry(tokens map[string]string) (*Registry, error) {
	r := &Registry{tokens: make(map[string]ledger.Address, len(tokens))}
	for sym, raw := range tokens {
		addr, err := ledger.ParseAddress(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidToken, sym, err)
		}
		r.tokens[strings.ToUpper(sym)] = addr
	}
	return r, nil
}

// Resolve parses a pair or an address. For a pair the quote token's
// address wins over the base token's.
func (r *Registry) Resolve(s string) (Instrument, error) {
	s = strings.TrimSpace(s)
	if m := pairRegex.FindStringSubmatch(strings.ToUpper(s)); m != nil {
		base, quote := m[1], m[2]
		if base == quote {
			return Instrument{}, fmt.Errorf("%w: %s (base equals quote)", ErrInvalidInstrument, s)
		}
		inst := Instrument{Symbol: base + "/" + quote, Base: base, Quote: quote}
		switch {
		case r != nil && r.tokens[quote] != "":
			inst.Address = r.tokens[quote]
		case r != nil && r.tokens[base] != "":
			inst.Address = r.tokens[base]
		default:
			inst.Address = ledger.Address("pair:" + inst.Symbol)
		}
		return inst, nil
	}

	addr, err := ledger.ParseAddress(s)
	if err != nil {
		return Instrument{}, fmt.Errorf("%w: %s (expected BASE/QUOTE or an address)", ErrInvalidInstrument, s)
	}
	return Instrument{Address: addr}, nil
}
