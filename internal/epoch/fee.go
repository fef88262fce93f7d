package epoch

import (
	"github.com/shopspring/decimal"

	"github.com/zkvault/vault-engine/internal/ledger"
)

// DefaultFeeBps is the performance fee rate: 10% of profit above the
// high-water mark.
const DefaultFeeBps = 1000

// PerformanceFee returns the fee owed on an epoch's verified PnL.
//
// Only profit that lifts NAV per share above the high-water mark is
// eligible: min(pnl, floor((finalNav/totalShares - hwm) * totalShares)).
// The fee is floor(eligible * feeBps / 10000).
func PerformanceFee(pnl int64, finalNav, totalShares uint64, hwm decimal.Decimal, feeBps uint64) uint64 {
	if pnl <= 0 || totalShares == 0 || feeBps == 0 {
		return 0
	}

	shares := ledger.ToDecimal(totalShares)
	gainPerShare := ledger.ToDecimal(finalNav).DivRound(shares, 18).Sub(hwm)
	if !gainPerShare.IsPositive() {
		return 0
	}
	above := gainPerShare.Mul(shares).Floor()

	eligible := uint64(pnl)
	if above.LessThan(ledger.ToDecimal(eligible)) {
		eligible = above.BigInt().Uint64()
	}

	fee, err := ledger.MulDivFloor(eligible, feeBps, 10_000)
	if err != nil {
		return 0
	}
	return fee
}

// navAfterProfit mirrors the vault's profit update: NAV moves by the
// change in cumulative profit, then drops by loss, and floors at zero.
func navAfterProfit(totalAssets, prevProfit, newProfit, loss uint64) uint64 {
	nav := totalAssets
	if newProfit >= prevProfit {
		sum, err := ledger.CheckedAdd(totalAssets, newProfit-prevProfit)
		if err != nil {
			return totalAssets
		}
		nav = sum
	} else {
		drop := prevProfit - newProfit
		if drop > nav {
			return 0
		}
		nav -= drop
	}
	if loss > nav {
		return 0
	}
	return nav - loss
}
