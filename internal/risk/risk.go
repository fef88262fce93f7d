// Package risk checks the risk figures attested in an epoch proof against
// the operator's configured limits.
//
// Position size and turnover are in base units; slippage and drawdown are
// in basis points (1/100 of a percent).
package risk

import (
	"errors"
	"fmt"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

var (
	// ErrPositionSizeExceeded is returned when the largest position in the
	// epoch exceeds MaxPositionSize.
	ErrPositionSizeExceeded = errors.New("risk: position size limit exceeded")

	// ErrSlippageExceeded is returned when the worst fill slippage exceeds
	// MaxSlippageBps.
	ErrSlippageExceeded = errors.New("risk: slippage limit exceeded")

	// ErrTurnoverExceeded is returned when daily turnover exceeds
	// MaxDailyTurnover.
	ErrTurnoverExceeded = errors.New("risk: daily turnover limit exceeded")

	// ErrDrawdownExceeded is returned when drawdown from the peak exceeds
	// MaxDrawdownBps.
	ErrDrawdownExceeded = errors.New("risk: drawdown limit exceeded")

	// ErrInvalidLimits is returned by Limits.Validate.
	ErrInvalidLimits = errors.New("risk: invalid limits")
)

// Limits are the bounds every verified epoch must respect. They are part
// of the proof's public inputs.
type Limits struct {
	MaxPositionSize  uint64 `json:"max_position_size" mapstructure:"max_position_size"`
	MaxSlippageBps   uint64 `json:"max_slippage_bps" mapstructure:"max_slippage_bps"`
	MaxDailyTurnover uint64 `json:"max_daily_turnover" mapstructure:"max_daily_turnover"`
	MaxDrawdownBps   uint64 `json:"max_drawdown_bps" mapstructure:"max_drawdown_bps"`
}

// Validate rejects zero limits and basis-point limits above 100%.
func (l Limits) Validate() error {
	switch {
	case l.MaxPositionSize == 0:
		return fmt.Errorf("%w: max position size must be positive", ErrInvalidLimits)
	case l.MaxDailyTurnover == 0:
		return fmt.Errorf("%w: max daily turnover must be positive", ErrInvalidLimits)
	case l.MaxSlippageBps == 0 || l.MaxSlippageBps > BpsDenominator:
		return fmt.Errorf("%w: max slippage must be in (0, %d] bps", ErrInvalidLimits, BpsDenominator)
	case l.MaxDrawdownBps == 0 || l.MaxDrawdownBps > BpsDenominator:
		return fmt.Errorf("%w: max drawdown must be in (0, %d] bps", ErrInvalidLimits, BpsDenominator)
	}
	return nil
}

// Metrics are the figures an epoch proof attests to.
type Metrics struct {
	PositionSize  uint64 `json:"position_size"`
	SlippageBps   uint64 `json:"slippage_bps"`
	DailyTurnover uint64 `json:"daily_turnover"`
	DrawdownBps   uint64 `json:"drawdown_bps"`
}

// Checker enforces one set of limits. Bounds are inclusive.
type Checker struct {
	Limits Limits
}

// NewChecker creates a checker for the given limits.
func NewChecker(l Limits) *Checker {
	return &Checker{Limits: l}
}

// Check returns the first violated bound, or nil. Bounds are checked in
// the order position size, slippage, turnover, drawdown.
func (c *Checker) Check(m Metrics) error {
	if v := c.Violations(m); len(v) > 0 {
		return v[0]
	}
	return nil
}

// Violations returns every violated bound.
func (c *Checker) Violations(m Metrics) []error {
	var errs []error
	if m.PositionSize > c.Limits.MaxPositionSize {
		errs = append(errs, fmt.Errorf("%w: %d > %d", ErrPositionSizeExceeded, m.PositionSize, c.Limits.MaxPositionSize))
	}
	if m.SlippageBps > c.Limits.MaxSlippageBps {
		errs = append(errs, fmt.Errorf("%w: %d bps > %d bps", ErrSlippageExceeded, m.SlippageBps, c.Limits.MaxSlippageBps))
	}
	if m.DailyTurnover > c.Limits.MaxDailyTurnover {
		errs = append(errs, fmt.Errorf("%w: %d > %d", ErrTurnoverExceeded, m.DailyTurnover, c.Limits.MaxDailyTurnover))
	}
	if m.DrawdownBps > c.Limits.MaxDrawdownBps {
		errs = append(errs, fmt.Errorf("%w: %d bps > %d bps", ErrDrawdownExceeded, m.DrawdownBps, c.Limits.MaxDrawdownBps))
	}
	return errs
}

// DrawdownBps returns the decline from peak to current in basis points,
// rounded down. It is 0 when current is at or above the peak.
func DrawdownBps(peak, current uint64) uint64 {
	if peak == 0 || current >= peak {
		return 0
	}
	diff := peak - current
	// diff*10000 fits in 64 bits for any realistic NAV; fall back to
	// dividing first when it would not.
	if diff <= (1<<64-1)/BpsDenominator {
		return diff * BpsDenominator / peak
	}
	return diff / (peak / BpsDenominator)
}
